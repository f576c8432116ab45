package infra

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"exchange_core/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_ObservePipeline(t *testing.T) {
	m := NewMetrics()

	m.ObservePipeline(nil, time.Millisecond)
	m.ObservePipeline(nil, 2*time.Millisecond)
	m.ObservePipeline(domain.ErrInsufficientBalance, time.Millisecond)
	m.ObservePipeline(domain.NewIntegrityError("test", "broken"), time.Millisecond)

	if got := testutil.ToFloat64(m.pipelineTotal.WithLabelValues("committed")); got != 2 {
		t.Errorf("Expected 2 committed, got %v", got)
	}
	if got := testutil.ToFloat64(m.pipelineTotal.WithLabelValues("rejected")); got != 1 {
		t.Errorf("Expected 1 rejected, got %v", got)
	}
	if got := testutil.ToFloat64(m.pipelineTotal.WithLabelValues("integrity")); got != 1 {
		t.Errorf("Expected 1 integrity, got %v", got)
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordOrder("BTCUSDT", domain.OrderStatusFilled)
	m.RecordFills("BTCUSDT", 3)
	m.RecordFills("BTCUSDT", 0)
	m.RecordHedge("bitget", false)
	m.RecordLiquidation("closed")

	if got := testutil.ToFloat64(m.fillsTotal.WithLabelValues("BTCUSDT")); got != 3 {
		t.Errorf("Expected 3 fills, got %v", got)
	}
	if got := testutil.ToFloat64(m.hedgesTotal.WithLabelValues("bitget", "failed")); got != 1 {
		t.Errorf("Expected 1 failed hedge, got %v", got)
	}
	if got := testutil.ToFloat64(m.liquidationsTotal.WithLabelValues("closed")); got != 1 {
		t.Errorf("Expected 1 liquidation, got %v", got)
	}
}

func TestMetrics_FeedGauge(t *testing.T) {
	m := NewMetrics()

	m.SetFeedConnected("bitget", true)
	if got := testutil.ToFloat64(m.feedConnected.WithLabelValues("bitget")); got != 1 {
		t.Error("Expected feed connected")
	}
	m.SetFeedConnected("bitget", false)
	if got := testutil.ToFloat64(m.feedConnected.WithLabelValues("bitget")); got != 0 {
		t.Error("Expected feed disconnected")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	m.ObservePipeline(errors.New("x"), time.Second)
	m.RecordOrder("BTCUSDT", domain.OrderStatusNew)
	m.RecordHedge("bitget", true)
	m.ObserveSweep("liquidation", time.Second)
	m.AddMarginAlerts(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordFills("ETHUSDT", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `exchange_matching_fills_total{symbol="ETHUSDT"} 1`) {
		t.Error("Expected fills counter in exposition output")
	}
}

package bitget

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"exchange_core/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{
		BaseURL:    server.URL,
		AccessKey:  "key",
		SecretKey:  "secret",
		Passphrase: "pass",
	}, nil)
}

func TestClient_PlaceMarketOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, placeOrderPath, r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("ACCESS-KEY"))
		assert.NotEmpty(t, r.Header.Get("ACCESS-SIGN"))

		raw, _ := io.ReadAll(r.Body)
		var req placeOrderRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, "BTCUSDT", req.Symbol)
		assert.Equal(t, "sell", req.Side)
		assert.Equal(t, "market", req.OrderType)
		assert.Equal(t, "0.15", req.Size)
		assert.Equal(t, "oid-1", req.ClientOrderId)

		// the signature covers exactly the bytes sent
		ts := r.Header.Get("ACCESS-TIMESTAMP")
		want := computeHmacSha256(ts+http.MethodPost+placeOrderPath+string(raw), "secret")
		assert.Equal(t, want, r.Header.Get("ACCESS-SIGN"))

		_, _ = w.Write([]byte(`{"code":"00000","msg":"success","requestTime":1,"data":{"orderId":"987","clientOid":"oid-1"}}`))
	})

	id, err := client.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.SideSell, decimal.RequireFromString("0.15"), "oid-1")
	require.NoError(t, err)
	assert.Equal(t, "987", id)
}

func TestClient_BusinessError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"43012","msg":"insufficient balance","data":{}}`))
	})

	_, err := client.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.SideSell, decimal.NewFromInt(1), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "43012")
	assert.False(t, domain.IsRetriable(err))
}

func TestClient_ServerErrorIsRetriable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.SideSell, decimal.NewFromInt(1), "x")
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))

	var netErr *domain.NetworkError
	assert.True(t, errors.As(err, &netErr))
}

func TestClient_RejectsNonPositiveSize(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := client.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.SideBuy, decimal.Zero, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Zero(t, calls.Load())
}

type stubPlacer struct {
	symbol string
	side   domain.Side
	size   decimal.Decimal
	err    error
}

func (s *stubPlacer) PlaceMarketOrder(_ context.Context, symbol string, side domain.Side, size decimal.Decimal, _ string) (string, error) {
	s.symbol, s.side, s.size = symbol, side, size
	return "1", s.err
}

type fixedOracle map[string]decimal.Decimal

func (o fixedOracle) GetPrice(symbol string, _ domain.Side, _ bool) (decimal.Decimal, bool) {
	p, ok := o[symbol]
	return p, ok
}

func TestHedger_SizesBuysInQuote(t *testing.T) {
	placer := &stubPlacer{}
	h := NewHedger(placer, "USDT", fixedOracle{"BTCUSDT": decimal.NewFromInt(20000)}, nil, nil)

	ok := h.TryHedge(context.Background(), "BTC", domain.SideBuy, decimal.RequireFromString("0.1"), domain.ScopeTrade)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", placer.symbol)
	assert.True(t, placer.size.Equal(decimal.NewFromInt(2000)), placer.size.String())
}

func TestHedger_SellsInBase(t *testing.T) {
	placer := &stubPlacer{}
	h := NewHedger(placer, "USDT", nil, nil, nil)

	ok := h.TryHedge(context.Background(), "ETH", domain.SideSell, decimal.RequireFromString("1.5"), domain.ScopeOTC)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", placer.symbol)
	assert.Equal(t, domain.SideSell, placer.side)
	assert.True(t, placer.size.Equal(decimal.RequireFromString("1.5")))
}

func TestHedger_FailureReturnsFalse(t *testing.T) {
	h := NewHedger(&stubPlacer{err: errors.New("boom")}, "USDT", nil, nil, nil)
	assert.False(t, h.TryHedge(context.Background(), "BTC", domain.SideSell, decimal.NewFromInt(1), domain.ScopeTrade))

	noPrice := NewHedger(&stubPlacer{}, "USDT", fixedOracle{}, nil, nil)
	assert.False(t, noPrice.TryHedge(context.Background(), "BTC", domain.SideBuy, decimal.NewFromInt(1), domain.ScopeTrade))
}

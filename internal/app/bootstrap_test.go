package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
app:
  name: exchange-core-test
database:
  driver: sqlite
  dsn: %DIR%/exchange.db
logging:
  level: error
  dir: %DIR%/logs
metrics:
  addr: ""
  enable_pprof: true
assets:
  - { symbol: BTC, precision: 8, hedger: internal }
  - { symbol: USDT, precision: 6 }
markets:
  - symbol: BTCUSDT
    base: BTC
    quote: USDT
    price_precision: 2
    amount_precision: 6
    min_amount: "0.00001"
    min_notional: "5"
    maker_fee: "0.001"
    taker_fee: "0.002"
api:
  bitget:
    enabled: false
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := []byte(strings.ReplaceAll(testConfig, "%DIR%", filepath.ToSlash(dir)))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	return path
}

func TestBootstrap_InitializeWiresComponents(t *testing.T) {
	ctx := context.Background()
	b := NewBootstrap()
	require.NoError(t, b.Initialize(ctx, writeConfig(t)))
	defer b.Close(ctx)

	assert.NotNil(t, b.Matching)
	assert.NotNil(t, b.Margin)
	assert.NotNil(t, b.OTC)
	assert.Nil(t, b.feed, "feed stays off when disabled")

	var names []string
	for _, s := range b.Scheduler.Status() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"margin_sweep", "margin_retry", "margin_interest", "cancel_sweep"}, names)

	require.NoError(t, b.Accounts.Deposit(ctx, 10, "USDT", decimal.NewFromInt(100)))
	wallets, err := b.Accounts.Balances(ctx, 10)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "100", wallets[0].Balance.String())
}

func TestBootstrap_Routes(t *testing.T) {
	ctx := context.Background()
	b := NewBootstrap()
	require.NoError(t, b.Initialize(ctx, writeConfig(t)))
	defer b.Close(ctx)

	h := b.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"feed_connected":false`)
	assert.Contains(t, rec.Body.String(), `"margin_sweep"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBootstrap_InitializeMissingConfig(t *testing.T) {
	b := NewBootstrap()
	err := b.Initialize(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
	b.Close(context.Background())
}

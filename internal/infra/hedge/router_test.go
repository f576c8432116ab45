package hedge

import (
	"context"
	"errors"
	"testing"

	"exchange_core/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refuse struct{}

func (refuse) TryHedge(context.Context, string, domain.Side, decimal.Decimal, domain.Scope) bool {
	return false
}

func registry(t *testing.T, hedgers map[string]string) *domain.Registry {
	t.Helper()
	assets := []domain.Asset{
		{Symbol: "BTC", Precision: 8, Hedger: hedgers["BTC"]},
		{Symbol: "ETH", Precision: 8, Hedger: hedgers["ETH"]},
		{Symbol: "USDT", Precision: 6},
	}
	r, err := domain.NewRegistry(assets, nil)
	require.NoError(t, err)
	return r
}

func TestRouter_ResolvesPerAsset(t *testing.T) {
	reg := registry(t, map[string]string{"BTC": "ext", "ETH": VenueInternal})
	router, err := NewRouter(reg, map[string]domain.HedgeProvider{
		"ext":         refuse{},
		VenueInternal: NewInternal(nil, nil),
	})
	require.NoError(t, err)

	ctx := context.Background()
	amount := decimal.NewFromInt(1)

	require.NotNil(t, router.For("BTC"))
	assert.False(t, router.For("BTC").TryHedge(ctx, "BTC", domain.SideBuy, amount, domain.ScopeTrade))
	require.NotNil(t, router.For("ETH"))
	assert.True(t, router.For("ETH").TryHedge(ctx, "ETH", domain.SideSell, amount, domain.ScopeOTC))
	assert.Nil(t, router.For("USDT"))
	assert.Nil(t, router.For("DOGE"))
}

func TestRouter_UnknownVenue(t *testing.T) {
	reg := registry(t, map[string]string{"BTC": "nowhere"})
	_, err := NewRouter(reg, map[string]domain.HedgeProvider{})

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "assets.BTC.hedger", cfgErr.Field)
}

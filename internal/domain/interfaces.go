package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// PriceOracle supplies best bid/ask prices. With allowStale it may answer
// from a cached value when the live feed is briefly unavailable.
type PriceOracle interface {
	GetPrice(symbol string, side Side, allowStale bool) (decimal.Decimal, bool)
}

// HedgeProvider places offsetting trades on an outside venue.
// A false result blocks the dependent trade; it never changes ledger state.
type HedgeProvider interface {
	TryHedge(ctx context.Context, asset string, side Side, amount decimal.Decimal, scope Scope) bool
}

// HedgeRouter picks the hedge venue configured for an asset.
type HedgeRouter interface {
	For(asset string) HedgeProvider
}

// Notifier delivers margin-call notices to account holders.
type Notifier interface {
	MarginCall(ctx context.Context, accountID uint64, level decimal.Decimal)
	MarginResolved(ctx context.Context, accountID uint64, level decimal.Decimal)
}

// PriceCache persists tickers outside the process for stale-tolerant lookups.
type PriceCache interface {
	Put(ctx context.Context, t Ticker) error
	Get(ctx context.Context, symbol string) (Ticker, bool, error)
}

// EventPublisher receives domain events after the pipeline that produced them committed.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

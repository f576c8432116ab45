package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the best bid/ask of one symbol as seen by a price source.
type Ticker struct {
	Symbol   string          `json:"symbol"` // exchange symbol, e.g. "BTCUSDT"
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Last     decimal.Decimal `json:"last"`
	Exchange string          `json:"exchange"`
	Time     time.Time       `json:"time"`
}

// PriceFor returns the price a taker on side pays: ask for buys, bid for sells.
// Falls back to the last trade price when that side of the book is empty.
func (t Ticker) PriceFor(side Side) decimal.Decimal {
	p := t.Bid
	if side == SideBuy {
		p = t.Ask
	}
	if p.IsPositive() {
		return p
	}
	return t.Last
}

// Mid returns the mid price, or the last price if either side is missing.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Last
}

// IsStale reports whether the ticker is older than maxAge at now.
func (t Ticker) IsStale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(t.Time) > maxAge
}

// PriceSnapshot is an immutable set of tickers taken at one moment.
// Engines receive it explicitly so a whole sweep prices against the same view.
type PriceSnapshot struct {
	Taken   time.Time
	tickers map[string]Ticker
}

// NewPriceSnapshot builds a snapshot from tickers.
func NewPriceSnapshot(taken time.Time, tickers ...Ticker) PriceSnapshot {
	m := make(map[string]Ticker, len(tickers))
	for _, t := range tickers {
		m[t.Symbol] = t
	}
	return PriceSnapshot{Taken: taken, tickers: m}
}

// Price returns the side-specific price of symbol.
func (s PriceSnapshot) Price(symbol string, side Side) (decimal.Decimal, bool) {
	t, ok := s.tickers[symbol]
	if !ok {
		return decimal.Zero, false
	}
	p := t.PriceFor(side)
	return p, p.IsPositive()
}

// Ticker returns the raw ticker of symbol.
func (s PriceSnapshot) Ticker(symbol string) (Ticker, bool) {
	t, ok := s.tickers[symbol]
	return t, ok
}

// Len returns the number of priced symbols.
func (s PriceSnapshot) Len() int {
	return len(s.tickers)
}

package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultPrecision is used for assets without explicit configuration.
const DefaultPrecision int32 = 18

// Asset holds per-coin ledger settings.
type Asset struct {
	Symbol       string
	Precision    int32
	Hedger       string          // venue name, "" for none
	InterestRate decimal.Decimal // margin interest per accrual window
}

// Quantize truncates amount to the asset precision.
func (a Asset) Quantize(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(a.Precision)
}

// Pair describes a tradable symbol.
type Pair struct {
	Symbol          string
	Base            string
	Quote           string
	PricePrecision  int32
	AmountPrecision int32
	MinAmount       decimal.Decimal
	MaxAmount       decimal.Decimal
	MinNotional     decimal.Decimal
	MakerFee        decimal.Decimal
	TakerFee        decimal.Decimal
}

// ValidateAmount checks step, min and max. A zero MaxAmount means unbounded.
func (p Pair) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(p.AmountPrecision)) {
		return fmt.Errorf("%w: %s exceeds %d decimals", ErrInvalidAmount, amount, p.AmountPrecision)
	}
	if amount.LessThan(p.MinAmount) {
		return fmt.Errorf("%w: %s below minimum %s", ErrInvalidAmount, amount, p.MinAmount)
	}
	if p.MaxAmount.IsPositive() && amount.GreaterThan(p.MaxAmount) {
		return fmt.Errorf("%w: %s above maximum %s", ErrInvalidAmount, amount, p.MaxAmount)
	}
	return nil
}

// ValidatePrice checks a limit price against the price step.
func (p Pair) ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price %s must be positive", ErrInvalidAmount, price)
	}
	if !price.Equal(price.Truncate(p.PricePrecision)) {
		return fmt.Errorf("%w: price %s exceeds %d decimals", ErrInvalidAmount, price, p.PricePrecision)
	}
	return nil
}

// CheckNotional rejects orders worth less than MinNotional of the quote asset.
func (p Pair) CheckNotional(amount, price decimal.Decimal) error {
	if amount.Mul(price).LessThan(p.MinNotional) {
		return fmt.Errorf("%w: %s x %s < %s", ErrSmallOrderValue, amount, price, p.MinNotional)
	}
	return nil
}

// FeeRate returns the commission rate for the maker or taker role.
func (p Pair) FeeRate(maker bool) decimal.Decimal {
	if maker {
		return p.MakerFee
	}
	return p.TakerFee
}

// Registry indexes configured assets and pairs.
type Registry struct {
	assets map[string]Asset
	pairs  map[string]Pair
}

// NewRegistry builds a registry and checks that every pair references known assets.
func NewRegistry(assets []Asset, pairs []Pair) (*Registry, error) {
	r := &Registry{
		assets: make(map[string]Asset, len(assets)),
		pairs:  make(map[string]Pair, len(pairs)),
	}
	for _, a := range assets {
		r.assets[a.Symbol] = a
	}
	for _, p := range pairs {
		if _, ok := r.assets[p.Base]; !ok {
			return nil, fmt.Errorf("pair %s: unknown base asset %s", p.Symbol, p.Base)
		}
		if _, ok := r.assets[p.Quote]; !ok {
			return nil, fmt.Errorf("pair %s: unknown quote asset %s", p.Symbol, p.Quote)
		}
		if p.TakerFee.LessThan(p.MakerFee) {
			return nil, fmt.Errorf("pair %s: taker fee below maker fee", p.Symbol)
		}
		r.pairs[p.Symbol] = p
	}
	return r, nil
}

// Asset returns the asset configuration, falling back to DefaultPrecision.
func (r *Registry) Asset(symbol string) Asset {
	if a, ok := r.assets[symbol]; ok {
		return a
	}
	return Asset{Symbol: symbol, Precision: DefaultPrecision}
}

// Pair looks up a trading pair.
func (r *Registry) Pair(symbol string) (Pair, error) {
	p, ok := r.pairs[symbol]
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return p, nil
}

// Assets returns all configured assets sorted by symbol.
func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Pairs returns all configured pairs sorted by symbol.
func (r *Registry) Pairs() []Pair {
	out := make([]Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

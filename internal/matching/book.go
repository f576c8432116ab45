package matching

import (
	"context"
	"fmt"
	"sort"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// restingMakers locks the opposite side of the book for a taker on side.
// Makers with a pending cancel request are cancelled in passing and left out.
func (e *Engine) restingMakers(p *ledger.Pipeline, symbol string, side domain.Side) ([]*domain.Order, error) {
	orders, err := p.Storage().RestingOrders(symbol, side.Opposite(), true)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	active := orders[:0]
	for _, o := range orders {
		if o.CancelRequested {
			if err := e.cancelIn(p, o); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, o)
	}
	sortMakers(side, active)
	return active, nil
}

// sortMakers orders makers by best price for a taker on side, then creation time, then id.
func sortMakers(takerSide domain.Side, makers []*domain.Order) {
	sort.SliceStable(makers, func(i, j int) bool {
		a, b := makers[i], makers[j]
		if c := a.Price.Cmp(b.Price); c != 0 {
			if takerSide == domain.SideBuy {
				return c < 0
			}
			return c > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// compatible keeps the sorted makers the taker's limit crosses.
func compatible(taker *domain.Order, makers []*domain.Order) []*domain.Order {
	out := make([]*domain.Order, 0, len(makers))
	for _, m := range makers {
		if !taker.Crosses(m.Price) {
			break
		}
		out = append(out, m)
	}
	return out
}

func liquidity(makers []*domain.Order) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range makers {
		sum = sum.Add(m.Remaining())
	}
	return sum
}

// Level is the aggregated remaining amount at one price.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// Depth is the outcome of walking the book for an amount.
type Depth struct {
	WorstPrice decimal.Decimal // last level needed
	VWAP       decimal.Decimal
	Available  decimal.Decimal // what the walked levels can fill, at most the requested amount
}

// levelComparator orders decimal price keys ascending, or descending when desc is set.
// CalcScore must agree with Compare, so descending scores are negated.
type levelComparator struct {
	desc bool
}

func (c levelComparator) Compare(lhs, rhs interface{}) int {
	r := lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
	if c.desc {
		return -r
	}
	return r
}

func (c levelComparator) CalcScore(key interface{}) float64 {
	f := key.(decimal.Decimal).InexactFloat64()
	if c.desc {
		return -f
	}
	return f
}

// aggregate builds price levels from makers, best price first for a taker on takerSide.
func aggregate(takerSide domain.Side, makers []*domain.Order) *skiplist.SkipList {
	levels := skiplist.New(levelComparator{desc: takerSide == domain.SideSell})
	for _, m := range makers {
		rem := m.Remaining()
		if !rem.IsPositive() {
			continue
		}
		if elem := levels.Get(m.Price); elem != nil {
			lvl := elem.Value.(*Level)
			lvl.Amount = lvl.Amount.Add(rem)
			lvl.Orders++
			continue
		}
		levels.Set(m.Price, &Level{Price: m.Price, Amount: rem, Orders: 1})
	}
	return levels
}

// walk consumes levels best first until amount is covered.
func walk(levels *skiplist.SkipList, amount decimal.Decimal) (Depth, bool) {
	var d Depth
	cost := decimal.Zero
	need := amount
	for elem := levels.Front(); elem != nil && need.IsPositive(); elem = elem.Next() {
		lvl := elem.Value.(*Level)
		take := decimal.Min(need, lvl.Amount)
		cost = cost.Add(take.Mul(lvl.Price))
		need = need.Sub(take)
		d.Available = d.Available.Add(take)
		d.WorstPrice = lvl.Price
	}
	if !d.Available.IsPositive() {
		return Depth{}, false
	}
	d.VWAP = cost.Div(d.Available)
	return d, true
}

// DepthPrice returns the worst price and VWAP a taker on side would get for amount.
// ErrNoLiquidity when the opposite side is empty.
func (e *Engine) DepthPrice(ctx context.Context, symbol string, side domain.Side, amount decimal.Decimal) (Depth, error) {
	orders, err := e.ledger.Storage().WithContext(ctx).RestingOrders(symbol, side.Opposite(), false)
	if err != nil {
		return Depth{}, fmt.Errorf("load book: %w", err)
	}
	return depthOf(symbol, side, amount, orders)
}

// DepthPriceIn is DepthPrice seen from inside a pipeline.
func (e *Engine) DepthPriceIn(p *ledger.Pipeline, symbol string, side domain.Side, amount decimal.Decimal) (Depth, error) {
	orders, err := p.Storage().RestingOrders(symbol, side.Opposite(), false)
	if err != nil {
		return Depth{}, fmt.Errorf("load book: %w", err)
	}
	return depthOf(symbol, side, amount, orders)
}

func depthOf(symbol string, side domain.Side, amount decimal.Decimal, orders []*domain.Order) (Depth, error) {
	live := orders[:0]
	for _, o := range orders {
		if !o.CancelRequested {
			live = append(live, o)
		}
	}
	d, ok := walk(aggregate(side, live), amount)
	if !ok {
		return Depth{}, fmt.Errorf("%w: %s %s", domain.ErrNoLiquidity, symbol, side)
	}
	return d, nil
}

// marketPrice picks the limit for a market order from the locked makers.
// With a band and a snapshot, the limit never goes past reference ± band.
func (e *Engine) marketPrice(pair domain.Pair, req SubmitRequest, makers []*domain.Order) (decimal.Decimal, bool) {
	d, ok := walk(aggregate(req.Side, makers), req.Amount)
	if !ok {
		return decimal.Zero, false
	}
	price := d.WorstPrice
	if req.Prices == nil || !e.marketBand.IsPositive() {
		return price, true
	}
	ref, ok := req.Prices.Price(pair.Symbol, req.Side)
	if !ok {
		return price, true
	}
	one := decimal.NewFromInt(1)
	if req.Side == domain.SideBuy {
		limit := ref.Mul(one.Add(e.marketBand)).Truncate(pair.PricePrecision)
		price = decimal.Min(price, limit)
	} else {
		limit := ref.Mul(one.Sub(e.marketBand)).RoundCeil(pair.PricePrecision)
		price = decimal.Max(price, limit)
	}
	return price, true
}

// Book returns up to depth aggregated levels per side, best first.
func (e *Engine) Book(ctx context.Context, symbol string, depth int) (bids, asks []Level, err error) {
	if _, err := e.registry.Pair(symbol); err != nil {
		return nil, nil, err
	}
	store := e.ledger.Storage().WithContext(ctx)
	buys, err := store.RestingOrders(symbol, domain.SideBuy, false)
	if err != nil {
		return nil, nil, err
	}
	sells, err := store.RestingOrders(symbol, domain.SideSell, false)
	if err != nil {
		return nil, nil, err
	}
	// A taker selling walks the bids, a taker buying walks the asks.
	return levelsOf(aggregate(domain.SideSell, buys), depth), levelsOf(aggregate(domain.SideBuy, sells), depth), nil
}

func levelsOf(sl *skiplist.SkipList, depth int) []Level {
	out := make([]Level, 0, sl.Len())
	for elem := sl.Front(); elem != nil; elem = elem.Next() {
		if depth > 0 && len(out) >= depth {
			break
		}
		out = append(out, *elem.Value.(*Level))
	}
	return out
}

// Package matching crosses incoming orders against the resting book with price-time priority.
// Every submit runs inside a ledger pipeline, so a failed match leaves no trace.
package matching

import (
	"context"
	"fmt"
	"log/slog"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"
	"exchange_core/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SubmitRequest describes a new order.
type SubmitRequest struct {
	Scope       domain.WalletScope
	Symbol      string
	Side        domain.Side
	Amount      decimal.Decimal
	Price       decimal.Decimal // limit price; ignored for market orders
	FillType    domain.FillType
	TimeInForce domain.TimeInForce
	Type        domain.OrderType
	PositionID  *uint64

	// Prices bounds the worst price of a market order when the engine has a band configured.
	Prices *domain.PriceSnapshot
}

// Execution is the outcome of one submit.
type Execution struct {
	Order *domain.Order
	Fills []domain.Fill
}

// Filled returns the matched base amount.
func (x *Execution) Filled() decimal.Decimal {
	return x.Order.Filled
}

// Cost returns the quote value of every fill.
func (x *Execution) Cost() decimal.Decimal {
	sum := decimal.Zero
	for _, f := range x.Fills {
		sum = sum.Add(f.Amount.Mul(f.Price))
	}
	return sum
}

// AveragePrice returns the volume weighted fill price, zero without fills.
func (x *Execution) AveragePrice() decimal.Decimal {
	if !x.Order.Filled.IsPositive() {
		return decimal.Zero
	}
	return x.Cost().Div(x.Order.Filled)
}

// Engine matches orders for every configured pair.
type Engine struct {
	ledger     *ledger.Ledger
	registry   *domain.Registry
	hedges     domain.HedgeRouter
	events     domain.EventPublisher
	metrics    *infra.Metrics
	logger     *slog.Logger
	marketBand decimal.Decimal
}

type Option func(*Engine)

// WithHedgeRouter enables hedging of user orders that cross market-maker orders.
func WithHedgeRouter(r domain.HedgeRouter) Option {
	return func(e *Engine) { e.hedges = r }
}

// WithEvents publishes order and fill events after commit.
func WithEvents(p domain.EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMarketBand caps market orders at reference price ± band (fraction) when a snapshot is supplied.
func WithMarketBand(band decimal.Decimal) Option {
	return func(e *Engine) { e.marketBand = band }
}

// New creates a matching engine on top of a ledger.
func New(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:   l,
		registry: l.Registry(),
		logger:   slog.Default().With("module", "matching"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit places an order in its own pipeline.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	var x *Execution
	err := e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		var err error
		x, err = e.SubmitIn(p, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return x.Order, nil
}

// SubmitIn places an order inside the caller's pipeline.
// Any error must abort that pipeline; partial effects are only undone by its rollback.
func (e *Engine) SubmitIn(p *ledger.Pipeline, req SubmitRequest) (*Execution, error) {
	pair, err := e.registry.Pair(req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := validateRequest(pair, &req); err != nil {
		return nil, err
	}
	store := p.Storage()

	makers, err := e.restingMakers(p, pair.Symbol, req.Side)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		AccountID:   req.Scope.AccountID,
		Market:      req.Scope.Market,
		Variant:     req.Scope.Variant,
		PositionID:  req.PositionID,
		Symbol:      pair.Symbol,
		Side:        req.Side,
		Status:      domain.OrderStatusNew,
		Type:        req.Type,
		FillType:    req.FillType,
		TimeInForce: req.TimeInForce,
		Amount:      req.Amount,
		Filled:      decimal.Zero,
		Price:       req.Price,
		LockKey:     "order-" + uuid.NewString(),
		CreatedAt:   p.Now(),
		UpdatedAt:   p.Now(),
	}

	spendAsset := pair.Quote
	if req.Side == domain.SideSell {
		spendAsset = pair.Base
	}
	spend, err := p.Wallet(req.Scope.Key(spendAsset))
	if err != nil {
		return nil, err
	}
	order.WalletID = spend.ID

	if req.FillType == domain.FillTypeMarket {
		price, ok := e.marketPrice(pair, req, makers)
		if !ok {
			// Nothing to trade against: the order is recorded and closed.
			order.Status = domain.OrderStatusCanceled
			if err := store.CreateOrder(order); err != nil {
				return nil, fmt.Errorf("create order: %w", err)
			}
			e.afterSubmit(p, order, nil, nil)
			return &Execution{Order: order}, nil
		}
		order.Price = price
	}
	if req.Type != domain.OrderTypeLiquidation {
		if err := pair.CheckNotional(order.Amount, order.Price); err != nil {
			return nil, err
		}
	}

	if err := store.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if err := p.NewLock(order.LockKey, spend, lockAmount(order), domain.LockReasonTrade); err != nil {
		return nil, err
	}

	candidates := compatible(order, makers)
	if order.TimeInForce == domain.TimeInForceFOK && liquidity(candidates).LessThan(order.Amount) {
		order.Status = domain.OrderStatusCanceled
		p.ReleaseLock(order.LockKey)
		if err := store.SaveOrder(order); err != nil {
			return nil, fmt.Errorf("save order: %w", err)
		}
		e.afterSubmit(p, order, nil, nil)
		return &Execution{Order: order}, nil
	}

	x := &Execution{Order: order}
	var touched []*domain.Order
	for _, maker := range candidates {
		remaining := order.Remaining()
		if !remaining.IsPositive() {
			break
		}
		amt := decimal.Min(remaining, maker.Remaining())
		fill, err := e.settle(p, pair, order, maker, amt)
		if err != nil {
			return nil, err
		}
		x.Fills = append(x.Fills, *fill)
		touched = append(touched, maker)
	}

	switch {
	case !order.Remaining().IsPositive():
		order.Status = domain.OrderStatusFilled
		p.ReleaseLock(order.LockKey)
	case order.FillType == domain.FillTypeMarket || order.TimeInForce == domain.TimeInForceIOC:
		order.Status = domain.OrderStatusCanceled
		p.ReleaseLock(order.LockKey)
	}
	order.UpdatedAt = p.Now()
	if err := store.SaveOrder(order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	e.afterSubmit(p, order, touched, x.Fills)
	return x, nil
}

func validateRequest(pair domain.Pair, req *SubmitRequest) error {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidAmount, req.Side)
	}
	switch req.FillType {
	case domain.FillTypeLimit, domain.FillTypeMarket:
	default:
		return fmt.Errorf("%w: unknown fill type %q", domain.ErrInvalidAmount, req.FillType)
	}
	switch req.TimeInForce {
	case domain.TimeInForceNone, domain.TimeInForceFOK, domain.TimeInForceIOC:
	default:
		return fmt.Errorf("%w: unknown time in force %q", domain.ErrInvalidAmount, req.TimeInForce)
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeOrdinary
	}

	if req.Type == domain.OrderTypeLiquidation {
		// System sized: only the step applies.
		req.Amount = req.Amount.Truncate(pair.AmountPrecision)
		if !req.Amount.IsPositive() {
			return fmt.Errorf("%w: liquidation amount rounds to zero", domain.ErrInvalidAmount)
		}
	} else if err := pair.ValidateAmount(req.Amount); err != nil {
		return err
	}

	if req.FillType == domain.FillTypeLimit {
		return pair.ValidatePrice(req.Price)
	}
	return nil
}

// lockAmount is the worst-case cost: quote at the limit price for buys, base for sells.
func lockAmount(o *domain.Order) decimal.Decimal {
	if o.Side == domain.SideBuy {
		return o.Remaining().Mul(o.Price)
	}
	return o.Remaining()
}

// lockAsset is the asset reserved by o: quote for buys, base for sells.
func lockAsset(pair domain.Pair, o *domain.Order) string {
	if o.Side == domain.SideBuy {
		return pair.Quote
	}
	return pair.Base
}

// lockDecrease is the share of the lock consumed by matching amount at the order's own price.
func lockDecrease(o *domain.Order, amount decimal.Decimal) decimal.Decimal {
	if o.Side == domain.SideBuy {
		return amount.Mul(o.Price)
	}
	return amount
}

func (e *Engine) afterSubmit(p *ledger.Pipeline, order *domain.Order, makers []*domain.Order, fills []domain.Fill) {
	now := p.Now()
	events := make([]domain.Event, 0, 1+len(makers)+len(fills))
	events = append(events, domain.OrderEvent(order, now))
	for _, m := range makers {
		events = append(events, domain.OrderEvent(m, now))
	}
	for _, f := range fills {
		events = append(events, domain.Event{
			Type:    domain.EventFill,
			Symbol:  f.Symbol,
			OrderID: f.TakerOrderID,
			Side:    f.TakerSide,
			Amount:  f.Amount,
			Price:   f.Price,
			GroupID: f.GroupID,
			Time:    now,
		})
	}

	ctx := p.Context()
	symbol, status, n := order.Symbol, order.Status, len(fills)
	p.AfterCommit(func() {
		e.metrics.RecordOrder(symbol, status)
		e.metrics.RecordFills(symbol, n)
		e.publish(ctx, events...)
	})
}

func (e *Engine) publish(ctx context.Context, events ...domain.Event) {
	if e.events == nil {
		return
	}
	for _, ev := range events {
		if err := e.events.Publish(ctx, ev); err != nil {
			e.logger.Warn("event publish failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
		}
	}
}

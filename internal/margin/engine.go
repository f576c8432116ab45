// Package margin runs leveraged positions: opening against borrowed funds,
// interest, margin-level monitoring and forced liquidation through the matching engine.
package margin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"
	"exchange_core/internal/infra/storage"
	"exchange_core/internal/ledger"
	"exchange_core/internal/matching"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the margin engine settings.
type Config struct {
	Thresholds      domain.MarginThresholds
	MaxLeverage     decimal.Decimal
	InterestWindow  time.Duration
	RetryStaleAfter time.Duration // TERMINATING positions untouched this long are retried
	MaxAttempts     int           // retries before a position is left for an operator, 0 = unbounded
	Workers         int           // sweep pool size
}

// Engine manages margin positions.
type Engine struct {
	ledger   *ledger.Ledger
	matching *matching.Engine
	registry *domain.Registry
	cfg      Config
	oracle   domain.PriceOracle
	notifier domain.Notifier
	events   domain.EventPublisher
	metrics  *infra.Metrics
	logger   *slog.Logger
}

type Option func(*Engine)

// WithOracle prices requests that come without a snapshot.
func WithOracle(o domain.PriceOracle) Option {
	return func(e *Engine) { e.oracle = o }
}

func WithNotifier(n domain.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithMetrics(m *infra.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a margin engine. Closing trades go through m.
func New(l *ledger.Ledger, m *matching.Engine, cfg Config, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	e := &Engine{
		ledger:   l,
		matching: m,
		registry: l.Registry(),
		cfg:      cfg,
		logger:   slog.Default().With("module", "margin"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(e.logger)
	}
	return e
}

// OpenRequest describes a leveraged entry. Collateral is in the quote asset and
// comes from the account's spot wallet.
type OpenRequest struct {
	AccountID  uint64
	Symbol     string
	Side       domain.PositionSide
	Collateral decimal.Decimal
	Leverage   decimal.Decimal
	Prices     *domain.PriceSnapshot
}

// Open moves collateral into the position wallets, borrows the rest of the notional
// and trades it at market, all in one pipeline. An existing OPEN position of the
// same account, symbol and side is extended. An open that races another one for a
// new position fails with ErrPositionBusy and may be retried to extend it.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*domain.MarginPosition, error) {
	pair, err := e.registry.Pair(req.Symbol)
	if err != nil {
		return nil, err
	}
	if req.Side != domain.PositionLong && req.Side != domain.PositionShort {
		return nil, fmt.Errorf("%w: unknown position side %q", domain.ErrInvalidAmount, req.Side)
	}
	if req.Leverage.LessThanOrEqual(decimal.NewFromInt(1)) || req.Leverage.GreaterThan(e.cfg.MaxLeverage) {
		return nil, fmt.Errorf("%w: leverage %s outside (1, %s]", domain.ErrInvalidAmount, req.Leverage, e.cfg.MaxLeverage)
	}
	if !req.Collateral.IsPositive() {
		return nil, fmt.Errorf("%w: collateral %s must be positive", domain.ErrInvalidAmount, req.Collateral)
	}

	openSide := domain.SideBuy
	if req.Side == domain.PositionShort {
		openSide = domain.SideSell
	}
	ref, err := e.price(req.Prices, pair.Symbol, openSide)
	if err != nil {
		return nil, err
	}

	var pos *domain.MarginPosition
	err = e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		store := p.Storage()
		existing, err := store.FindActivePosition(req.AccountID, pair.Symbol, req.Side, true)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status != domain.PositionOpen {
			return fmt.Errorf("%w: position %d is %s", domain.ErrPositionBusy, existing.ID, existing.Status)
		}
		pos = existing
		if pos == nil {
			pos = &domain.MarginPosition{
				AccountID:        req.AccountID,
				Symbol:           pair.Symbol,
				Side:             req.Side,
				Variant:          uuid.NewString(),
				Amount:           decimal.Zero,
				AveragePrice:     decimal.Zero,
				LiquidationPrice: decimal.Zero,
				InsuranceAdvance: decimal.Zero,
				Status:           domain.PositionOpen,
				CreatedAt:        p.Now(),
				UpdatedAt:        p.Now(),
			}
		}
		pos.Leverage = req.Leverage
		if pos.ID == 0 {
			if err := store.CreatePosition(pos); err != nil {
				return fmt.Errorf("create position: %w", err)
			}
		}

		margin := pos.MarginScope()
		collateral := p.Quantize(pair.Quote, req.Collateral)
		err = p.Transfer(domain.Spot(req.AccountID).Key(pair.Quote), margin.Key(pair.Quote), collateral, domain.ScopeMarginTransfer, "")
		if err != nil {
			return err
		}
		notional := collateral.Mul(req.Leverage)

		var amount decimal.Decimal
		switch req.Side {
		case domain.PositionLong:
			borrow := p.Quantize(pair.Quote, notional.Sub(collateral))
			err := p.Transfer(pos.LoanScope().Key(pair.Quote), margin.Key(pair.Quote), borrow, domain.ScopeMarginBorrow, "")
			if err != nil {
				return err
			}
			// Size so that amount x worst price stays within the notional.
			d, err := e.matching.DepthPriceIn(p, pair.Symbol, domain.SideBuy, notional.Div(ref))
			if err != nil {
				return err
			}
			amount = notional.Div(decimal.Max(ref, d.WorstPrice)).Truncate(pair.AmountPrecision)
		case domain.PositionShort:
			amount = notional.Div(ref).Truncate(pair.AmountPrecision)
			err := p.Transfer(pos.LoanScope().Key(pair.Base), margin.Key(pair.Base), amount, domain.ScopeMarginBorrow, "")
			if err != nil {
				return err
			}
		}

		x, err := e.matching.SubmitIn(p, matching.SubmitRequest{
			Scope:      margin,
			Symbol:     pair.Symbol,
			Side:       openSide,
			Amount:     amount,
			FillType:   domain.FillTypeMarket,
			Type:       domain.OrderTypeMargin,
			PositionID: &pos.ID,
			Prices:     req.Prices,
		})
		if err != nil {
			return err
		}
		if !x.Filled().IsPositive() {
			return fmt.Errorf("%w: %s %s", domain.ErrNoLiquidity, pair.Symbol, openSide)
		}

		h, err := e.holdingsIn(p, pos, pair)
		if err != nil {
			return err
		}
		prev := pos.Amount
		if pos.Side == domain.PositionShort {
			pos.Amount = h.Debt
		} else {
			pos.Amount = h.Base
		}
		pos.AveragePrice = weightedPrice(prev, pos.AveragePrice, x.Filled(), x.AveragePrice(), pair.PricePrecision)
		pos.LiquidationPrice = e.liquidationPrice(pos, pair, h)
		pos.UpdatedAt = p.Now()
		if err := store.SavePosition(pos); err != nil {
			return fmt.Errorf("save position: %w", err)
		}
		e.afterPosition(p, domain.EventPosition, pos)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("position opened",
		slog.Uint64("position_id", pos.ID),
		slog.Uint64("account_id", pos.AccountID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.String("amount", pos.Amount.String()),
		slog.String("liquidation_price", pos.LiquidationPrice.String()),
	)
	return pos, nil
}

func weightedPrice(amountA, priceA, amountB, priceB decimal.Decimal, precision int32) decimal.Decimal {
	total := amountA.Add(amountB)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return amountA.Mul(priceA).Add(amountB.Mul(priceB)).Div(total).Round(precision)
}

// Position returns one position by id.
func (e *Engine) Position(ctx context.Context, id uint64) (*domain.MarginPosition, error) {
	pos, err := e.ledger.Storage().WithContext(ctx).PositionByID(id, false)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: position %d", domain.ErrNotFound, id)
	}
	return pos, nil
}

// Holdings reads the committed collateral and debt of a position.
func (e *Engine) Holdings(ctx context.Context, pos *domain.MarginPosition) (domain.Holdings, error) {
	pair, err := e.registry.Pair(pos.Symbol)
	if err != nil {
		return domain.Holdings{}, err
	}
	return readHoldings(e.ledger.Storage().WithContext(ctx), pos, pair)
}

// Level returns the margin level of a position at the snapshot's closing-side price.
// ok is false once the position owes nothing.
func (e *Engine) Level(ctx context.Context, pos *domain.MarginPosition, snap *domain.PriceSnapshot) (level decimal.Decimal, ok bool, err error) {
	h, err := e.Holdings(ctx, pos)
	if err != nil {
		return decimal.Zero, false, err
	}
	price, err := e.price(snap, pos.Symbol, pos.CloseSide())
	if err != nil {
		return decimal.Zero, false, err
	}
	level, ok = h.MarginLevel(pos.Side, price)
	return level, ok, nil
}

// AccountLevel is total collateral value over total debt value across the account's OPEN positions.
func (e *Engine) AccountLevel(ctx context.Context, accountID uint64, snap *domain.PriceSnapshot) (level decimal.Decimal, ok bool, err error) {
	positions, err := e.ledger.Storage().WithContext(ctx).PositionsByAccount(accountID, domain.PositionOpen)
	if err != nil {
		return decimal.Zero, false, err
	}
	var x exposure
	for i := range positions {
		pos := &positions[i]
		h, err := e.Holdings(ctx, pos)
		if err != nil {
			return decimal.Zero, false, err
		}
		price, err := e.price(snap, pos.Symbol, pos.CloseSide())
		if err != nil {
			return decimal.Zero, false, err
		}
		x.add(pos.Side, h, price)
	}
	level, ok = x.level()
	return level, ok, nil
}

// exposure accumulates collateral and debt values in the quote asset.
type exposure struct {
	collateral decimal.Decimal
	debt       decimal.Decimal
}

func (x *exposure) add(side domain.PositionSide, h domain.Holdings, price decimal.Decimal) {
	x.collateral = x.collateral.Add(h.CollateralValue(price))
	x.debt = x.debt.Add(h.DebtValue(side, price))
}

func (x exposure) level() (decimal.Decimal, bool) {
	if !x.debt.IsPositive() {
		return decimal.Zero, false
	}
	return x.collateral.Div(x.debt), true
}

// price picks the side price from the snapshot, falling back to the oracle.
func (e *Engine) price(snap *domain.PriceSnapshot, symbol string, side domain.Side) (decimal.Decimal, error) {
	if snap != nil {
		if p, ok := snap.Price(symbol, side); ok {
			return p, nil
		}
	}
	if e.oracle != nil {
		if p, ok := e.oracle.GetPrice(symbol, side, false); ok {
			return p, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s %s", domain.ErrPriceUnavailable, symbol, side)
}

func (e *Engine) liquidationPrice(pos *domain.MarginPosition, pair domain.Pair, h domain.Holdings) decimal.Decimal {
	return domain.LiquidationPrice(pos.Side, e.cfg.Thresholds.Liquidation, h).Round(pair.PricePrecision)
}

// holdingsIn reads the position wallets through the pipeline, staged legs included.
func (e *Engine) holdingsIn(p *ledger.Pipeline, pos *domain.MarginPosition, pair domain.Pair) (domain.Holdings, error) {
	margin := pos.MarginScope()
	base, err := p.Wallet(margin.Key(pair.Base))
	if err != nil {
		return domain.Holdings{}, err
	}
	quote, err := p.Wallet(margin.Key(pair.Quote))
	if err != nil {
		return domain.Holdings{}, err
	}
	loan, err := p.Wallet(pos.LoanScope().Key(pos.DebtAsset(pair)))
	if err != nil {
		return domain.Holdings{}, err
	}
	return domain.Holdings{
		Base:  p.Balance(base),
		Quote: p.Balance(quote),
		Debt:  p.Balance(loan).Neg(),
	}, nil
}

func readHoldings(store *storage.Storage, pos *domain.MarginPosition, pair domain.Pair) (domain.Holdings, error) {
	margin := pos.MarginScope()
	base, err := balanceOf(store, margin.Key(pair.Base))
	if err != nil {
		return domain.Holdings{}, err
	}
	quote, err := balanceOf(store, margin.Key(pair.Quote))
	if err != nil {
		return domain.Holdings{}, err
	}
	loan, err := balanceOf(store, pos.LoanScope().Key(pos.DebtAsset(pair)))
	if err != nil {
		return domain.Holdings{}, err
	}
	return domain.Holdings{Base: base, Quote: quote, Debt: loan.Neg()}, nil
}

func balanceOf(store *storage.Storage, key domain.WalletKey) (decimal.Decimal, error) {
	w, err := store.FindWallet(key)
	if err != nil {
		return decimal.Zero, err
	}
	if w == nil {
		return decimal.Zero, nil
	}
	return w.Balance, nil
}

// afterPosition publishes the position state once p commits.
func (e *Engine) afterPosition(p *ledger.Pipeline, t domain.EventType, pos *domain.MarginPosition) {
	ev := domain.Event{
		Type:       t,
		Symbol:     pos.Symbol,
		AccountID:  pos.AccountID,
		PositionID: pos.ID,
		Status:     string(pos.Status),
		Amount:     pos.Amount,
		Price:      pos.LiquidationPrice,
		GroupID:    p.GroupID(),
		Time:       p.Now(),
	}
	ctx := p.Context()
	p.AfterCommit(func() { e.publish(ctx, ev) })
}

func (e *Engine) publish(ctx context.Context, ev domain.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}

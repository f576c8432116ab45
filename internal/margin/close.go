package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"
	"exchange_core/internal/matching"

	"github.com/shopspring/decimal"
)

// Close outcomes, also used as metric labels.
const (
	OutcomeClosed   = "closed"
	OutcomePartial  = "partial"
	OutcomeUnfilled = "unfilled"
	OutcomeFailed   = "failed"
)

// Liquidate force-closes a position. Insurance covers what the collateral cannot.
//
// The OPEN -> TERMINATING update is the gate: a position already being closed
// returns ErrPositionBusy. A closing order that fills nothing is rolled back, the
// position returns to OPEN and the error wraps ErrCloseUnfilled. A partial fill
// leaves the position TERMINATING for RetryTerminating.
func (e *Engine) Liquidate(ctx context.Context, id uint64, snap *domain.PriceSnapshot) (*domain.MarginPosition, error) {
	return e.terminate(ctx, id, true, snap)
}

// Close unwinds a position. Forced closes are liquidations; an unforced close
// nets same-asset collateral against debt first and never draws on insurance.
func (e *Engine) Close(ctx context.Context, id uint64, forced bool, snap *domain.PriceSnapshot) (*domain.MarginPosition, error) {
	if forced {
		return e.Liquidate(ctx, id, snap)
	}
	return e.terminate(ctx, id, false, snap)
}

// CloseAccount closes every OPEN position of an account without insurance.
// Failures do not stop the remaining positions and are joined in the error.
func (e *Engine) CloseAccount(ctx context.Context, accountID uint64, snap *domain.PriceSnapshot) ([]*domain.MarginPosition, error) {
	positions, err := e.ledger.Storage().WithContext(ctx).PositionsByAccount(accountID, domain.PositionOpen)
	if err != nil {
		return nil, err
	}
	var (
		closed []*domain.MarginPosition
		errs   []error
	)
	for _, pos := range positions {
		got, err := e.Close(ctx, pos.ID, false, snap)
		if err != nil {
			errs = append(errs, fmt.Errorf("position %d: %w", pos.ID, err))
			continue
		}
		closed = append(closed, got)
	}
	return closed, errors.Join(errs...)
}

// FastRepay pays the position's debt from collateral held in the debt asset.
// Returns the amount repaid.
func (e *Engine) FastRepay(ctx context.Context, id uint64) (decimal.Decimal, error) {
	var repaid decimal.Decimal
	err := e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		pos, pair, err := e.lockPosition(p, id)
		if err != nil {
			return err
		}
		if pos.Status == domain.PositionClosed {
			return fmt.Errorf("%w: position %d is %s", domain.ErrPositionBusy, id, pos.Status)
		}
		if repaid, err = e.repayIn(p, pos, pair); err != nil {
			return err
		}
		return e.refresh(p, pos, pair)
	})
	return repaid, err
}

func (e *Engine) terminate(ctx context.Context, id uint64, forced bool, snap *domain.PriceSnapshot) (*domain.MarginPosition, error) {
	store := e.ledger.Storage().WithContext(ctx)
	ok, err := store.TransitionPosition(id, domain.PositionOpen, domain.PositionTerminating)
	if err != nil {
		return nil, err
	}
	if !ok {
		pos, err := store.PositionByID(id, false)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			return nil, fmt.Errorf("%w: position %d", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: position %d is %s", domain.ErrPositionBusy, id, pos.Status)
	}

	if err := e.prepareClose(ctx, id, forced); err != nil {
		e.reopen(ctx, id)
		return nil, err
	}

	pos, err := e.closeAttempt(ctx, id, forced, snap)
	switch {
	case err == nil:
		return pos, nil
	case errors.Is(err, domain.ErrCloseUnfilled), !forced:
		e.reopen(ctx, id)
	}
	return nil, err
}

// prepareClose cancels the position's resting orders and, for voluntary closes, fast-repays.
func (e *Engine) prepareClose(ctx context.Context, id uint64, forced bool) error {
	return e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		pos, pair, err := e.lockPosition(p, id)
		if err != nil {
			return err
		}
		n, err := e.matching.CancelWalletOrders(p, pos.MarginScope())
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.Info("position orders cancelled", slog.Uint64("position_id", id), slog.Int("orders", n))
		}
		if !forced {
			if _, err := e.repayIn(p, pos, pair); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) reopen(ctx context.Context, id uint64) {
	ok, err := e.ledger.Storage().WithContext(ctx).TransitionPosition(id, domain.PositionTerminating, domain.PositionOpen)
	if err != nil || !ok {
		e.logger.Error("failed to reopen position", slog.Uint64("position_id", id), slog.Bool("updated", ok), slog.Any("error", err))
	}
}

// closeAttempt runs one closing trade for a TERMINATING position and settles the result.
func (e *Engine) closeAttempt(ctx context.Context, id uint64, forced bool, snap *domain.PriceSnapshot) (*domain.MarginPosition, error) {
	var (
		pos     *domain.MarginPosition
		outcome string
	)
	err := e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		var (
			pair domain.Pair
			err  error
		)
		pos, pair, err = e.lockPosition(p, id)
		if err != nil {
			return err
		}
		if pos.Status != domain.PositionTerminating {
			return fmt.Errorf("%w: position %d is %s", domain.ErrPositionBusy, id, pos.Status)
		}

		h, err := e.holdingsIn(p, pos, pair)
		if err != nil {
			return err
		}
		x, err := e.closeTrade(p, pos, pair, h, forced, snap)
		if err != nil {
			return err
		}
		if x != nil && !x.Filled().IsPositive() {
			return &domain.CloseUnfilledError{PositionID: id, Reason: "closing order matched nothing"}
		}

		if _, err := e.repayIn(p, pos, pair); err != nil {
			return err
		}
		if h, err = e.holdingsIn(p, pos, pair); err != nil {
			return err
		}
		if h.Debt.IsPositive() && pos.Side == domain.PositionLong && !h.Base.Truncate(pair.AmountPrecision).IsPositive() {
			// Nothing left to sell.
			if !forced {
				return fmt.Errorf("%w: position %d still owes %s %s", domain.ErrInsufficientBalance, id, h.Debt, pair.Quote)
			}
			if err := e.insure(p, pos, pair.Quote, h.Debt); err != nil {
				return err
			}
			if _, err := e.repayIn(p, pos, pair); err != nil {
				return err
			}
			if h, err = e.holdingsIn(p, pos, pair); err != nil {
				return err
			}
		}

		if h.Debt.IsPositive() {
			outcome = OutcomePartial
			if pos.Side == domain.PositionShort {
				pos.Amount = h.Debt
			} else {
				pos.Amount = h.Base
			}
			pos.LiquidationPrice = e.liquidationPrice(pos, pair, h)
		} else {
			outcome = OutcomeClosed
			if err := e.settleClosed(p, pos, pair, h); err != nil {
				return err
			}
		}
		pos.UpdatedAt = p.Now()
		if err := p.Storage().SavePosition(pos); err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		evType := domain.EventPosition
		if forced {
			evType = domain.EventLiquidation
		}
		e.afterPosition(p, evType, pos)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCloseUnfilled) {
			outcome = OutcomeUnfilled
		} else {
			outcome = OutcomeFailed
		}
	}
	if forced {
		e.metrics.RecordLiquidation(outcome)
	}
	if err != nil {
		e.logger.Warn("close attempt failed", slog.Uint64("position_id", id), slog.Bool("forced", forced), slog.Any("error", err))
		return nil, err
	}

	e.logger.Info("close attempt settled",
		slog.Uint64("position_id", id),
		slog.Bool("forced", forced),
		slog.String("outcome", outcome),
		slog.String("remaining", pos.Amount.String()),
		slog.String("insurance_advance", pos.InsuranceAdvance.String()),
	)
	return pos, nil
}

// closeTrade places the closing market order. A nil execution means no trade was needed.
//
//	short: buy (debt - base held) / (1 - taker fee), rounded up, since the buy fee is paid in base
//	long:  sell every base unit the amount step allows
func (e *Engine) closeTrade(p *ledger.Pipeline, pos *domain.MarginPosition, pair domain.Pair, h domain.Holdings, forced bool, snap *domain.PriceSnapshot) (*matching.Execution, error) {
	side := pos.CloseSide()
	var amount decimal.Decimal
	switch pos.Side {
	case domain.PositionShort:
		need := h.Debt.Sub(h.Base)
		if !need.IsPositive() {
			return nil, nil
		}
		amount = need.Div(decimal.NewFromInt(1).Sub(pair.TakerFee)).RoundCeil(pair.AmountPrecision)

		d, err := e.matching.DepthPriceIn(p, pair.Symbol, side, amount)
		if errors.Is(err, domain.ErrNoLiquidity) {
			return nil, &domain.CloseUnfilledError{PositionID: pos.ID, Reason: "no liquidity"}
		}
		if err != nil {
			return nil, err
		}
		cost := amount.Mul(d.WorstPrice)
		shortfall := cost.Sub(h.Quote).RoundCeil(e.registry.Asset(pair.Quote).Precision)
		if shortfall.IsPositive() {
			if !forced {
				return nil, fmt.Errorf("%w: position %d needs %s %s more to close", domain.ErrInsufficientBalance, pos.ID, shortfall, pair.Quote)
			}
			if err := e.insure(p, pos, pair.Quote, shortfall); err != nil {
				return nil, err
			}
		}
	case domain.PositionLong:
		amount = h.Base.Truncate(pair.AmountPrecision)
		if !amount.IsPositive() {
			return nil, nil
		}
	}

	typ := domain.OrderTypeMargin
	if forced {
		typ = domain.OrderTypeLiquidation
	}
	return e.matching.SubmitIn(p, matching.SubmitRequest{
		Scope:      pos.MarginScope(),
		Symbol:     pair.Symbol,
		Side:       side,
		Amount:     amount,
		FillType:   domain.FillTypeMarket,
		Type:       typ,
		PositionID: &pos.ID,
		Prices:     snap,
	})
}

// settleClosed reimburses insurance from what is left and returns the rest to spot.
func (e *Engine) settleClosed(p *ledger.Pipeline, pos *domain.MarginPosition, pair domain.Pair, h domain.Holdings) error {
	margin := pos.MarginScope()
	if pos.InsuranceAdvance.IsPositive() && h.Quote.IsPositive() {
		back := decimal.Min(pos.InsuranceAdvance, h.Quote)
		if err := p.Transfer(margin.Key(pair.Quote), domain.Spot(domain.AccountInsurance).Key(pair.Quote), back, domain.ScopeInsurance, ""); err != nil {
			return err
		}
		pos.InsuranceAdvance = pos.InsuranceAdvance.Sub(back)
		h.Quote = h.Quote.Sub(back)
	}
	spot := domain.Spot(pos.AccountID)
	if err := p.Transfer(margin.Key(pair.Base), spot.Key(pair.Base), h.Base, domain.ScopeMarginTransfer, ""); err != nil {
		return err
	}
	if err := p.Transfer(margin.Key(pair.Quote), spot.Key(pair.Quote), h.Quote, domain.ScopeMarginTransfer, ""); err != nil {
		return err
	}

	now := p.Now()
	pos.Status = domain.PositionClosed
	pos.Amount = decimal.Zero
	pos.LiquidationPrice = decimal.Zero
	pos.ClosedAt = &now
	return nil
}

// insure moves amount of asset from the insurance fund into the position and records the advance.
func (e *Engine) insure(p *ledger.Pipeline, pos *domain.MarginPosition, asset string, amount decimal.Decimal) error {
	amount = p.Quantize(asset, amount)
	err := p.Transfer(domain.Spot(domain.AccountInsurance).Key(asset), pos.MarginScope().Key(asset), amount, domain.ScopeInsurance, "")
	if err != nil {
		return fmt.Errorf("insurance fund: %w", err)
	}
	pos.InsuranceAdvance = pos.InsuranceAdvance.Add(amount)
	e.logger.Warn("insurance advanced",
		slog.Uint64("position_id", pos.ID),
		slog.String("asset", asset),
		slog.String("amount", amount.String()),
	)
	return nil
}

// repayIn nets debt-asset collateral against the loan wallet.
func (e *Engine) repayIn(p *ledger.Pipeline, pos *domain.MarginPosition, pair domain.Pair) (decimal.Decimal, error) {
	asset := pos.DebtAsset(pair)
	held, err := p.Wallet(pos.MarginScope().Key(asset))
	if err != nil {
		return decimal.Zero, err
	}
	loan, err := p.Wallet(pos.LoanScope().Key(asset))
	if err != nil {
		return decimal.Zero, err
	}
	amount := p.Quantize(asset, decimal.Min(p.Available(held), p.Balance(loan).Neg()))
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}
	if err := p.NewTrx(held, loan, amount, domain.ScopeMarginRepay, ""); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// refresh recomputes the derived position fields and saves it.
func (e *Engine) refresh(p *ledger.Pipeline, pos *domain.MarginPosition, pair domain.Pair) error {
	h, err := e.holdingsIn(p, pos, pair)
	if err != nil {
		return err
	}
	if pos.Side == domain.PositionShort {
		pos.Amount = h.Debt
	}
	pos.LiquidationPrice = e.liquidationPrice(pos, pair, h)
	pos.UpdatedAt = p.Now()
	if err := p.Storage().SavePosition(pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	e.afterPosition(p, domain.EventPosition, pos)
	return nil
}

func (e *Engine) lockPosition(p *ledger.Pipeline, id uint64) (*domain.MarginPosition, domain.Pair, error) {
	pos, err := p.Storage().PositionByID(id, true)
	if err != nil {
		return nil, domain.Pair{}, err
	}
	if pos == nil {
		return nil, domain.Pair{}, fmt.Errorf("%w: position %d", domain.ErrNotFound, id)
	}
	pair, err := e.registry.Pair(pos.Symbol)
	if err != nil {
		return nil, domain.Pair{}, err
	}
	return pos, pair, nil
}

package margin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"

	"github.com/shopspring/decimal"
)

// AccrueInterest charges every OPEN or TERMINATING position debt x rate for each whole
// window elapsed since its last accrual (or its creation). The charge moves from the
// loan wallet to the margin pool, so the debt grows. Debt left on a position stuck in
// forced close keeps accruing until it is repaid. Returns how many positions were charged.
func (e *Engine) AccrueInterest(ctx context.Context, now time.Time) (int, error) {
	if e.cfg.InterestWindow <= 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { e.metrics.ObserveSweep("interest", time.Since(start)) }()

	positions, err := e.ledger.Storage().WithContext(ctx).PositionsByStatus(domain.PositionOpen, domain.PositionTerminating)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pos := range positions {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		charged, err := e.accrue(ctx, pos.ID, now)
		if err != nil {
			e.logger.Warn("interest accrual failed", slog.Uint64("position_id", pos.ID), slog.Any("error", err))
			continue
		}
		if charged {
			n++
		}
	}
	return n, nil
}

func (e *Engine) accrue(ctx context.Context, id uint64, now time.Time) (bool, error) {
	charged := false
	err := e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		pos, pair, err := e.lockPosition(p, id)
		if err != nil {
			return err
		}
		if pos.Status == domain.PositionClosed {
			return nil
		}
		since := pos.CreatedAt
		if pos.LastAccruedAt != nil {
			since = *pos.LastAccruedAt
		}
		windows := int64(now.Sub(since) / e.cfg.InterestWindow)
		if windows < 1 {
			return nil
		}

		asset := pos.DebtAsset(pair)
		loan, err := p.Wallet(pos.LoanScope().Key(asset))
		if err != nil {
			return err
		}
		pool, err := p.Wallet(domain.Spot(domain.AccountMarginPool).Key(asset))
		if err != nil {
			return err
		}
		debt := p.Balance(loan).Neg()
		interest := p.Quantize(asset, debt.Mul(e.registry.Asset(asset).InterestRate).Mul(decimal.NewFromInt(windows)))
		if err := p.NewTrx(loan, pool, interest, domain.ScopeMarginInterest, ""); err != nil {
			return fmt.Errorf("charge interest: %w", err)
		}
		charged = interest.IsPositive()

		accrued := since.Add(time.Duration(windows) * e.cfg.InterestWindow)
		pos.LastAccruedAt = &accrued
		return e.refresh(p, pos, pair)
	})
	return charged, err
}

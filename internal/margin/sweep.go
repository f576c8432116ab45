package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"exchange_core/internal/domain"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
)

// SweepReport summarizes one liquidation sweep.
type SweepReport struct {
	Checked    int
	Liquidated int // closing trades that settled, fully or partly
	Unfilled   int
	Skipped    int // already TERMINATING or unpriced
	Failed     int
	Alerts     int // margin calls raised plus resolved
}

type sweepResult struct {
	accountID uint64
	outcome   string // "" when the position stays open
	err       error
	skipped   bool
	side      domain.PositionSide
	holdings  domain.Holdings
	price     decimal.Decimal
}

// Sweep evaluates every OPEN position against snap on a worker pool, liquidates those
// at or below the liquidation level, then updates account margin-call alerts.
// Running it concurrently with itself is safe: the state transition admits one liquidator.
func (e *Engine) Sweep(ctx context.Context, snap domain.PriceSnapshot) (SweepReport, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep("liquidation", time.Since(start)) }()

	var report SweepReport
	positions, err := e.ledger.Storage().WithContext(ctx).PositionsByStatus(domain.PositionOpen)
	if err != nil {
		return report, err
	}
	e.metrics.SetOpenPositions(len(positions))
	if len(positions) == 0 {
		report.Alerts = e.clearAlerts(ctx, nil)
		return report, nil
	}

	pool, err := ants.NewPool(e.cfg.Workers)
	if err != nil {
		return report, fmt.Errorf("sweep pool: %w", err)
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]sweepResult, 0, len(positions))
	)
	for i := range positions {
		pos := positions[i]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			r := e.sweepOne(ctx, &pos, &snap)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return report, fmt.Errorf("sweep submit: %w", err)
		}
	}
	wg.Wait()

	accounts := make(map[uint64]*exposure)
	for _, r := range results {
		report.Checked++
		switch {
		case r.skipped:
			report.Skipped++
		case r.outcome == OutcomeClosed || r.outcome == OutcomePartial:
			report.Liquidated++
		case r.outcome == OutcomeUnfilled:
			report.Unfilled++
		case r.err != nil:
			report.Failed++
		}
		if r.outcome != "" || r.skipped || r.err != nil {
			continue
		}
		x := accounts[r.accountID]
		if x == nil {
			x = &exposure{}
			accounts[r.accountID] = x
		}
		x.add(r.side, r.holdings, r.price)
	}
	report.Alerts = e.evaluateAlerts(ctx, accounts) + e.clearAlerts(ctx, accounts)

	e.logger.Info("margin sweep done",
		slog.Int("checked", report.Checked),
		slog.Int("liquidated", report.Liquidated),
		slog.Int("unfilled", report.Unfilled),
		slog.Int("failed", report.Failed),
		slog.Int("alerts", report.Alerts),
		slog.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

func (e *Engine) sweepOne(ctx context.Context, pos *domain.MarginPosition, snap *domain.PriceSnapshot) sweepResult {
	r := sweepResult{accountID: pos.AccountID, side: pos.Side}

	h, err := e.Holdings(ctx, pos)
	if err != nil {
		r.err = err
		return r
	}
	price, ok := snap.Price(pos.Symbol, pos.CloseSide())
	if !ok {
		e.logger.Debug("position unpriced", slog.Uint64("position_id", pos.ID), slog.String("symbol", pos.Symbol))
		r.skipped = true
		return r
	}
	r.holdings, r.price = h, price

	level, ok := h.MarginLevel(pos.Side, price)
	if !ok || !e.cfg.Thresholds.ShouldLiquidate(level) {
		return r
	}

	e.logger.Warn("liquidating position",
		slog.Uint64("position_id", pos.ID),
		slog.Uint64("account_id", pos.AccountID),
		slog.String("level", level.StringFixed(4)),
		slog.String("price", price.String()),
	)
	got, err := e.Liquidate(ctx, pos.ID, snap)
	switch {
	case err == nil && got.Status == domain.PositionClosed:
		r.outcome = OutcomeClosed
	case err == nil:
		r.outcome = OutcomePartial
	case errors.Is(err, domain.ErrPositionBusy):
		r.skipped = true
	case errors.Is(err, domain.ErrCloseUnfilled):
		r.outcome = OutcomeUnfilled
	default:
		r.outcome = OutcomeFailed
		r.err = err
	}
	return r
}

// evaluateAlerts applies the margin-call hysteresis per account and notifies on changes.
func (e *Engine) evaluateAlerts(ctx context.Context, accounts map[uint64]*exposure) int {
	ids := make([]uint64, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	store := e.ledger.Storage().WithContext(ctx)
	changed := 0
	for _, id := range ids {
		level, ok := accounts[id].level()
		if !ok {
			continue
		}
		alert, err := store.GetAlert(id)
		if err != nil {
			e.logger.Warn("load margin alert failed", slog.Uint64("account_id", id), slog.Any("error", err))
			continue
		}
		if e.applyAlert(ctx, alert, alert.Evaluate(level, e.cfg.Thresholds)) {
			changed++
		}
	}
	return changed
}

// clearAlerts resolves active alerts of accounts that were not evaluated this sweep
// and hold no OPEN or TERMINATING position, so their debt is gone.
func (e *Engine) clearAlerts(ctx context.Context, evaluated map[uint64]*exposure) int {
	store := e.ledger.Storage().WithContext(ctx)
	alerts, err := store.ActiveAlerts()
	if err != nil {
		e.logger.Warn("load active margin alerts failed", slog.Any("error", err))
		return 0
	}
	changed := 0
	for i := range alerts {
		alert := &alerts[i]
		if _, ok := evaluated[alert.AccountID]; ok {
			continue
		}
		remaining, err := store.PositionsByAccount(alert.AccountID, domain.PositionOpen, domain.PositionTerminating)
		if err != nil {
			e.logger.Warn("load account positions failed", slog.Uint64("account_id", alert.AccountID), slog.Any("error", err))
			continue
		}
		if len(remaining) > 0 {
			continue
		}
		if e.applyAlert(ctx, alert, alert.Clear()) {
			changed++
		}
	}
	return changed
}

// applyAlert persists an alert change and notifies. Reports whether anything changed.
func (e *Engine) applyAlert(ctx context.Context, alert *domain.MarginAlert, action domain.AlertAction) bool {
	if action == domain.AlertNone {
		return false
	}
	alert.UpdatedAt = e.ledger.Now()
	if err := e.ledger.Storage().WithContext(ctx).SaveAlert(alert); err != nil {
		e.logger.Warn("save margin alert failed", slog.Uint64("account_id", alert.AccountID), slog.Any("error", err))
		return false
	}

	status := "resolved"
	if action == domain.AlertRaise {
		status = "raised"
		e.metrics.AddMarginAlerts(1)
		e.notifier.MarginCall(ctx, alert.AccountID, alert.Level)
	} else {
		e.metrics.AddMarginAlerts(-1)
		e.notifier.MarginResolved(ctx, alert.AccountID, alert.Level)
	}
	e.publish(ctx, domain.Event{
		Type:      domain.EventMarginCall,
		AccountID: alert.AccountID,
		Status:    status,
		Price:     alert.Level,
		Time:      alert.UpdatedAt,
	})
	return true
}

// RetryTerminating picks up TERMINATING positions nobody touched for RetryStaleAfter
// and runs another forced close attempt. The attempts counter guards the claim so two
// retriers never work the same position. Returns how many attempts settled.
func (e *Engine) RetryTerminating(ctx context.Context, snap domain.PriceSnapshot) (int, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveSweep("terminating_retry", time.Since(start)) }()

	store := e.ledger.Storage().WithContext(ctx)
	positions, err := store.PositionsByStatus(domain.PositionTerminating)
	if err != nil {
		return 0, err
	}
	now := e.ledger.Now()
	n := 0
	for _, pos := range positions {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if now.Sub(pos.UpdatedAt) < e.cfg.RetryStaleAfter {
			continue
		}
		if e.cfg.MaxAttempts > 0 && pos.Attempts >= e.cfg.MaxAttempts {
			e.logger.Error("position close gave up, needs manual resolution",
				slog.Uint64("position_id", pos.ID), slog.Int("attempts", pos.Attempts))
			continue
		}
		ok, err := store.ClaimPositionRetry(pos.ID, pos.Attempts)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}

		_, err = e.closeAttempt(ctx, pos.ID, true, &snap)
		switch {
		case errors.Is(err, domain.ErrCloseUnfilled):
			e.reopen(ctx, pos.ID)
		case err != nil:
			e.logger.Warn("terminating retry failed", slog.Uint64("position_id", pos.ID), slog.Any("error", err))
		default:
			n++
		}
	}
	return n, nil
}

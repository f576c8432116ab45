package matching

import (
	"context"
	"fmt"
	"log/slog"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"
)

// Cancel closes an open order and releases its lock. Resolved orders come back unchanged.
func (e *Engine) Cancel(ctx context.Context, id uint64) (*domain.Order, error) {
	var order *domain.Order
	err := e.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		o, err := p.Storage().OrderByID(id, true)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("%w: order %d", domain.ErrNotFound, id)
		}
		order = o
		if !o.IsOpen() {
			return nil
		}
		return e.cancelIn(p, o)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// RequestCancel records cancel intent. The next match touching the order or the
// cleanup sweep performs the release.
func (e *Engine) RequestCancel(ctx context.Context, id uint64) error {
	store := e.ledger.Storage().WithContext(ctx)
	ok, err := store.MarkCancelRequested(id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	o, err := store.OrderByID(id, false)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("%w: order %d", domain.ErrNotFound, id)
	}
	return nil
}

// CancelRequested releases up to batch orders with pending cancel intent.
// Each order is cancelled in its own pipeline; returns how many were closed.
func (e *Engine) CancelRequested(ctx context.Context, batch int) (int, error) {
	ids, err := e.ledger.Storage().WithContext(ctx).CancelRequestedOrderIDs(batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		o, err := e.Cancel(ctx, id)
		if err != nil {
			e.logger.Warn("cancel sweep failed", slog.Uint64("order_id", id), slog.Any("error", err))
			continue
		}
		if o.Status == domain.OrderStatusCanceled {
			n++
		}
	}
	return n, nil
}

// CancelWalletOrders cancels every open order placed from scope inside p.
func (e *Engine) CancelWalletOrders(p *ledger.Pipeline, scope domain.WalletScope) (int, error) {
	orders, err := p.Storage().OpenOrdersByScope(scope, true)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		if err := e.cancelIn(p, o); err != nil {
			return 0, err
		}
	}
	return len(orders), nil
}

func (e *Engine) cancelIn(p *ledger.Pipeline, o *domain.Order) error {
	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = p.Now()
	p.ReleaseLock(o.LockKey)
	if err := p.Storage().SaveOrder(o); err != nil {
		return fmt.Errorf("cancel order %d: %w", o.ID, err)
	}
	ev := domain.OrderEvent(o, p.Now())
	ctx := p.Context()
	p.AfterCommit(func() { e.publish(ctx, ev) })
	return nil
}

// Order returns one order by id.
func (e *Engine) Order(ctx context.Context, id uint64) (*domain.Order, error) {
	o, err := e.ledger.Storage().WithContext(ctx).OrderByID(id, false)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: order %d", domain.ErrNotFound, id)
	}
	return o, nil
}

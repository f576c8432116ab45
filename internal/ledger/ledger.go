// Package ledger applies balance and lock mutations as one atomic unit of work.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"
	"exchange_core/internal/infra/storage"
)

// Ledger opens pipelines over a storage.
type Ledger struct {
	store    *storage.Storage
	registry *domain.Registry
	logger   *slog.Logger
	metrics  *infra.Metrics
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *infra.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New creates a Ledger.
func New(store *storage.Storage, registry *domain.Registry, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		registry: registry,
		logger:   slog.Default().With("module", "ledger"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Storage returns the non-transactional storage.
func (l *Ledger) Storage() *storage.Storage {
	return l.store
}

// Registry returns the asset and pair registry.
func (l *Ledger) Registry() *domain.Registry {
	return l.registry
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Run executes fn inside one database transaction. Every mutation fn stages on the
// pipeline is committed together when fn returns nil; any error or panic persists nothing.
// After-commit hooks run only once the transaction is durable.
func (l *Ledger) Run(ctx context.Context, fn func(p *Pipeline) error) error {
	start := time.Now()
	var p *Pipeline

	err := l.store.Transaction(ctx, func(tx *storage.Storage) error {
		p = newPipeline(ctx, tx, l.registry, l.now())
		if err := fn(p); err != nil {
			return err
		}
		return p.commit()
	})
	l.metrics.ObservePipeline(err, time.Since(start))

	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			l.logger.Error("pipeline aborted", slog.Any("error", err))
		} else {
			l.logger.Debug("pipeline rolled back", slog.Any("error", err))
		}
		return err
	}

	l.logger.Debug("pipeline committed",
		slog.String("group_id", p.groupID),
		slog.Int("trxs", len(p.trxs)),
		slog.Int("lock_ops", len(p.lockOps)),
	)
	for _, hook := range p.afterCommit {
		hook()
	}
	return nil
}

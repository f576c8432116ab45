package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra"
)

const sinkTimeout = 5 * time.Second

// Bus decouples committed pipelines from slow sinks. Publish never blocks:
// when the buffer is full the event is dropped and counted.
type Bus struct {
	sink    domain.EventPublisher
	ch      chan domain.Event
	metrics *infra.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ domain.EventPublisher = (*Bus)(nil)

// NewBus starts the delivery goroutine. buffer <= 0 means 1024.
func NewBus(sink domain.EventPublisher, buffer int, metrics *infra.Metrics, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		sink:    sink,
		ch:      make(chan domain.Event, buffer),
		metrics: metrics,
		logger:  logger.With("module", "event_bus"),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) Publish(_ context.Context, e domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.metrics.RecordEventDropped()
		return nil
	}
	select {
	case b.ch <- e:
	default:
		b.metrics.RecordEventDropped()
		b.logger.Warn("event dropped", slog.String("type", string(e.Type)), slog.String("key", e.Key()))
	}
	return nil
}

func (b *Bus) run() {
	defer b.wg.Done()
	for e := range b.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := b.sink.Publish(ctx, e); err != nil {
			b.logger.Error("event delivery failed", slog.String("type", string(e.Type)), slog.Any("error", err))
		} else {
			b.metrics.RecordEvent(e.Type)
		}
		cancel()
	}
}

// Close stops accepting events, delivers what is buffered and closes the sink.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	b.wg.Wait()
	return b.sink.Close()
}

// LogPublisher writes events to a logger. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("module", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e domain.Event) error {
	p.logger.LogAttrs(ctx, slog.LevelDebug, "event",
		slog.String("type", string(e.Type)),
		slog.String("symbol", e.Symbol),
		slog.Uint64("account_id", e.AccountID),
		slog.Uint64("order_id", e.OrderID),
		slog.Uint64("position_id", e.PositionID),
		slog.String("status", e.Status),
		slog.String("amount", e.Amount.String()),
		slog.String("price", e.Price.String()),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"exchange_core/internal/domain"

	"github.com/shopspring/decimal"
)

const cacheTimeout = 500 * time.Millisecond

// PriceService keeps the latest ticker per symbol and answers price lookups.
// It implements domain.PriceOracle.
type PriceService struct {
	mu         sync.RWMutex
	tickers    map[string]domain.Ticker
	staleAfter time.Duration
	cache      domain.PriceCache
	tickerChan chan domain.Ticker
	now        func() time.Time
	logger     *slog.Logger
}

type PriceOption func(*PriceService)

// WithPriceCache mirrors every update to cache and reads it in stale mode.
func WithPriceCache(c domain.PriceCache) PriceOption {
	return func(s *PriceService) { s.cache = c }
}

func WithPriceLogger(l *slog.Logger) PriceOption {
	return func(s *PriceService) { s.logger = l }
}

// NewPriceService creates a PriceService. Tickers older than staleAfter are
// not served to strict lookups; zero disables the check.
func NewPriceService(staleAfter time.Duration, opts ...PriceOption) *PriceService {
	s := &PriceService{
		tickers:    make(map[string]domain.Ticker),
		staleAfter: staleAfter,
		tickerChan: make(chan domain.Ticker, 1000), // burst buffer
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "price_service")
	return s
}

var _ domain.PriceOracle = (*PriceService)(nil)

// GetPrice returns the taker price of symbol on side. A stale or missing
// live quote fails unless allowStale, which accepts the last known value
// from memory or, failing that, the cache.
func (s *PriceService) GetPrice(symbol string, side domain.Side, allowStale bool) (decimal.Decimal, bool) {
	s.mu.RLock()
	t, ok := s.tickers[symbol]
	s.mu.RUnlock()

	if ok && !t.IsStale(s.now(), s.staleAfter) {
		return positive(t.PriceFor(side))
	}
	if !allowStale {
		return decimal.Zero, false
	}
	if ok {
		return positive(t.PriceFor(side))
	}
	if s.cache == nil {
		return decimal.Zero, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	cached, found, err := s.cache.Get(ctx, symbol)
	if err != nil {
		s.logger.Warn("price cache read failed", slog.String("symbol", symbol), slog.Any("error", err))
		return decimal.Zero, false
	}
	if !found {
		return decimal.Zero, false
	}
	return positive(cached.PriceFor(side))
}

func positive(p decimal.Decimal) (decimal.Decimal, bool) {
	return p, p.IsPositive()
}

// Snapshot freezes every fresh ticker into a PriceSnapshot.
func (s *PriceService) Snapshot() domain.PriceSnapshot {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	fresh := make([]domain.Ticker, 0, len(s.tickers))
	for _, t := range s.tickers {
		if !t.IsStale(now, s.staleAfter) {
			fresh = append(fresh, t)
		}
	}
	return domain.NewPriceSnapshot(now, fresh...)
}

// GetAllData returns the latest tickers sorted by symbol
func (s *PriceService) GetAllData() []domain.Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Ticker, 0, len(s.tickers))
	for _, t := range s.tickers {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// GetData returns the latest ticker of symbol
func (s *PriceService) GetData(symbol string) (domain.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

// GetTickerChan returns the channel for incoming ticker updates
func (s *PriceService) GetTickerChan() chan domain.Ticker {
	return s.tickerChan
}

// StartTickerProcessor drains the ticker channel until ctx is done.
func (s *PriceService) StartTickerProcessor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-s.tickerChan:
				s.ProcessTickers(ctx, t)
			}
		}
	}()
}

// ProcessTickers stores tickers and mirrors them to the cache.
// An update older than the stored one for the same symbol is ignored.
func (s *PriceService) ProcessTickers(ctx context.Context, tickers ...domain.Ticker) {
	accepted := make([]domain.Ticker, 0, len(tickers))

	s.mu.Lock()
	for _, t := range tickers {
		if prev, ok := s.tickers[t.Symbol]; ok && t.Time.Before(prev.Time) {
			continue
		}
		s.tickers[t.Symbol] = t
		accepted = append(accepted, t)
	}
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	for _, t := range accepted {
		cctx, cancel := context.WithTimeout(ctx, cacheTimeout)
		if err := s.cache.Put(cctx, t); err != nil {
			s.logger.Debug("price cache write failed", slog.String("symbol", t.Symbol), slog.Any("error", err))
		}
		cancel()
	}
}

// Package otc sells and buys instantly against the market-maker inventory at a
// quoted price that stays valid for a short time.
package otc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Config struct {
	Spread       decimal.Decimal // fraction added for buys, removed for sells
	QuoteTTL     time.Duration
	MaxPriceMove decimal.Decimal // tolerated relative move between quote and execution
}

type Service struct {
	ledger *ledger.Ledger
	oracle domain.PriceOracle
	hedges domain.HedgeRouter
	cfg    Config
	events domain.EventPublisher
	logger *slog.Logger
}

type Option func(*Service)

func WithHedgeRouter(r domain.HedgeRouter) Option {
	return func(s *Service) { s.hedges = r }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(l *ledger.Ledger, oracle domain.PriceOracle, cfg Config, opts ...Option) *Service {
	s := &Service{
		ledger: l,
		oracle: oracle,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "otc")
	return s
}

type QuoteRequest struct {
	AccountID uint64
	Symbol    string
	Side      domain.Side
	Amount    decimal.Decimal // base asset
}

// Quote prices an instant trade from the live oracle and stores it under a fresh token.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*domain.OTCQuote, error) {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return nil, fmt.Errorf("%w: side %q", domain.ErrInvalidAmount, req.Side)
	}
	pair, err := s.ledger.Registry().Pair(req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := pair.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	ref, ok := s.oracle.GetPrice(req.Symbol, req.Side, false)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, req.Symbol)
	}

	price := s.quotedPrice(pair, req.Side, ref)
	if err := pair.CheckNotional(req.Amount, price); err != nil {
		return nil, err
	}

	now := s.ledger.Now()
	q := &domain.OTCQuote{
		Token:          uuid.NewString(),
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Amount:         req.Amount,
		Price:          price,
		ReferencePrice: ref,
		Status:         domain.QuoteStatusQuoted,
		ExpiresAt:      now.Add(s.cfg.QuoteTTL),
	}
	if err := s.ledger.Storage().WithContext(ctx).CreateQuote(q); err != nil {
		return nil, err
	}
	return q, nil
}

// quotedPrice applies the spread in the exchange's favour, rounded away from the user.
func (s *Service) quotedPrice(pair domain.Pair, side domain.Side, ref decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.SideBuy {
		return ref.Mul(one.Add(s.cfg.Spread)).RoundCeil(pair.PricePrecision)
	}
	return ref.Mul(one.Sub(s.cfg.Spread)).RoundFloor(pair.PricePrecision)
}

// Execute books a quote. The quote must belong to accountID, be unexpired and
// unexecuted, and the live price must still be within MaxPriceMove of the
// reference. The hedge runs after balances are checked and before legs are staged.
func (s *Service) Execute(ctx context.Context, accountID uint64, token string) (*domain.OTCQuote, error) {
	var booked *domain.OTCQuote
	err := s.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		q, err := p.Storage().QuoteByToken(token, true)
		if err != nil {
			return err
		}
		if q == nil || q.AccountID != accountID {
			return fmt.Errorf("%w: quote %s", domain.ErrNotFound, token)
		}
		if q.Status != domain.QuoteStatusQuoted {
			return fmt.Errorf("%w: quote %s already executed", domain.ErrTokenExpired, token)
		}
		if q.Expired(p.Now()) {
			return fmt.Errorf("%w: quote %s expired at %s", domain.ErrTokenExpired, token, q.ExpiresAt.Format(time.RFC3339))
		}
		if err := s.checkPrice(q); err != nil {
			return err
		}

		pair, err := p.Registry().Pair(q.Symbol)
		if err != nil {
			return err
		}
		if err := s.book(p, pair, q); err != nil {
			return err
		}

		q.Status = domain.QuoteStatusExecuted
		q.GroupID = p.GroupID()
		if err := p.Storage().SaveQuote(q); err != nil {
			return err
		}
		booked = q
		p.AfterCommit(func() { s.publish(ctx, q, p.Now()) })
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAbruptPriceMove) || errors.Is(err, domain.ErrHedgeFailure) {
			s.logger.Warn("otc execution refused", slog.String("token", token), slog.Any("error", err))
		}
		return nil, err
	}
	return booked, nil
}

func (s *Service) checkPrice(q *domain.OTCQuote) error {
	current, ok := s.oracle.GetPrice(q.Symbol, q.Side, false)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, q.Symbol)
	}
	move := current.Sub(q.ReferencePrice).Abs().Div(q.ReferencePrice)
	if move.GreaterThan(s.cfg.MaxPriceMove) {
		return fmt.Errorf("%w: %s moved %s from %s to %s", domain.ErrAbruptPriceMove,
			q.Symbol, move.StringFixed(4), q.ReferencePrice, current)
	}
	return nil
}

// book stages the two legs between the user and the market maker.
func (s *Service) book(p *ledger.Pipeline, pair domain.Pair, q *domain.OTCQuote) error {
	user := domain.Spot(q.AccountID)
	maker := domain.Spot(domain.AccountMarketMaker)
	quoteAsset := p.Registry().Asset(pair.Quote)

	value := q.Value().RoundFloor(quoteAsset.Precision)
	payer, payee := maker, user
	giver, taker := user, maker
	if q.Side == domain.SideBuy {
		value = q.Value().RoundCeil(quoteAsset.Precision)
		payer, payee = user, maker
		giver, taker = maker, user
	}

	if err := s.ensureAvailable(p, payer.Key(pair.Quote), value); err != nil {
		return err
	}
	if err := s.ensureAvailable(p, giver.Key(pair.Base), q.Amount); err != nil {
		return err
	}
	if err := s.hedge(p.Context(), pair.Base, q); err != nil {
		return err
	}

	if err := p.Transfer(payer.Key(pair.Quote), payee.Key(pair.Quote), value, domain.ScopeOTC, ""); err != nil {
		return err
	}
	return p.Transfer(giver.Key(pair.Base), taker.Key(pair.Base), q.Amount, domain.ScopeOTC, "")
}

func (s *Service) ensureAvailable(p *ledger.Pipeline, key domain.WalletKey, amount decimal.Decimal) error {
	w, err := p.Wallet(key)
	if err != nil {
		return err
	}
	if avail := p.Available(w); avail.LessThan(amount) {
		return &domain.BalanceError{WalletID: w.ID, Asset: w.Asset, Required: amount, Available: avail}
	}
	return nil
}

func (s *Service) hedge(ctx context.Context, asset string, q *domain.OTCQuote) error {
	if s.hedges == nil {
		return nil
	}
	provider := s.hedges.For(asset)
	if provider == nil {
		return nil
	}
	if !provider.TryHedge(ctx, asset, q.Side, q.Amount, domain.ScopeOTC) {
		return fmt.Errorf("%w: %s %s %s", domain.ErrHedgeFailure, asset, q.Side, q.Amount)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, q *domain.OTCQuote, now time.Time) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, domain.Event{
		Type:      domain.EventOTCTrade,
		Symbol:    q.Symbol,
		AccountID: q.AccountID,
		Status:    string(q.Status),
		Side:      q.Side,
		Amount:    q.Amount,
		Price:     q.Price,
		GroupID:   q.GroupID,
		Time:      now,
	})
	if err != nil {
		s.logger.Warn("event publish failed", slog.String("type", string(domain.EventOTCTrade)), slog.Any("error", err))
	}
}

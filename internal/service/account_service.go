package service

import (
	"context"
	"fmt"
	"log/slog"

	"exchange_core/internal/domain"
	"exchange_core/internal/ledger"
	"exchange_core/internal/margin"
	"exchange_core/internal/matching"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const withdrawKeyPrefix = "withdraw:"

// Snapshotter hands out consistent price views.
type Snapshotter interface {
	Snapshot() domain.PriceSnapshot
}

// AccountService is the account-facing surface: external flows, wallet moves
// and read-only queries over balances, orders and positions.
type AccountService struct {
	ledger   *ledger.Ledger
	matching *matching.Engine
	margin   *margin.Engine
	prices   Snapshotter
	events   domain.EventPublisher
	logger   *slog.Logger
}

type AccountOption func(*AccountService)

func WithAccountEvents(p domain.EventPublisher) AccountOption {
	return func(s *AccountService) { s.events = p }
}

func WithAccountLogger(l *slog.Logger) AccountOption {
	return func(s *AccountService) { s.logger = l }
}

func NewAccountService(l *ledger.Ledger, m *matching.Engine, mg *margin.Engine, prices Snapshotter, opts ...AccountOption) *AccountService {
	s := &AccountService{
		ledger:   l,
		matching: m,
		margin:   mg,
		prices:   prices,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("module", "account_service")
	return s
}

// Deposit credits amount of asset to the account's spot wallet from the out account.
func (s *AccountService) Deposit(ctx context.Context, accountID uint64, asset string, amount decimal.Decimal) error {
	if err := s.checkAmount(asset, amount); err != nil {
		return err
	}
	return s.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		out := domain.Spot(domain.AccountOut).Key(asset)
		if err := p.Transfer(out, domain.Spot(accountID).Key(asset), amount, domain.ScopeDeposit, ""); err != nil {
			return err
		}
		s.afterTransfer(p, accountID, asset, amount, "deposit")
		return nil
	})
}

// RequestWithdrawal reserves amount on the spot wallet and returns the request key.
// Funds leave only on CompleteWithdrawal.
func (s *AccountService) RequestWithdrawal(ctx context.Context, accountID uint64, asset string, amount decimal.Decimal) (string, error) {
	if err := s.checkAmount(asset, amount); err != nil {
		return "", err
	}
	key := withdrawKeyPrefix + uuid.NewString()
	err := s.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		w, err := p.Wallet(domain.Spot(accountID).Key(asset))
		if err != nil {
			return err
		}
		return p.NewLock(key, w, amount, domain.LockReasonWithdraw)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// CompleteWithdrawal frees the reservation and moves the funds to the out account.
func (s *AccountService) CompleteWithdrawal(ctx context.Context, key string) error {
	return s.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		lock, w, err := s.withdrawal(p, key)
		if err != nil {
			return err
		}
		p.ReleaseLock(key)
		out, err := p.Wallet(domain.Spot(domain.AccountOut).Key(w.Asset))
		if err != nil {
			return err
		}
		if err := p.NewTrx(w, out, lock.Amount, domain.ScopeWithdraw, ""); err != nil {
			return err
		}
		s.afterTransfer(p, w.AccountID, w.Asset, lock.Amount, "withdraw")
		return nil
	})
}

// CancelWithdrawal frees the reservation without moving funds.
func (s *AccountService) CancelWithdrawal(ctx context.Context, key string) error {
	return s.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		if _, _, err := s.withdrawal(p, key); err != nil {
			return err
		}
		p.ReleaseLock(key)
		return nil
	})
}

// withdrawal row-locks a pending withdrawal so concurrent completions serialize.
func (s *AccountService) withdrawal(p *ledger.Pipeline, key string) (*domain.BalanceLock, *domain.Wallet, error) {
	locks, err := p.Storage().LockBalanceLocks([]string{key})
	if err != nil {
		return nil, nil, err
	}
	if len(locks) == 0 || locks[0].Reason != domain.LockReasonWithdraw || locks[0].Freed {
		return nil, nil, fmt.Errorf("%w: withdrawal %s", domain.ErrNotFound, key)
	}
	lock := &locks[0]
	row, err := p.Storage().WalletByID(lock.WalletID)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, domain.NewIntegrityError("withdrawal", "lock %s references missing wallet %d", key, lock.WalletID)
	}
	w, err := p.Wallet(row.Key())
	if err != nil {
		return nil, nil, err
	}
	return lock, w, nil
}

// Transfer moves funds between the account's spot and general margin wallets.
func (s *AccountService) Transfer(ctx context.Context, accountID uint64, asset string, amount decimal.Decimal, from, to domain.Market) error {
	spotMargin := from == domain.MarketSpot && to == domain.MarketMargin
	marginSpot := from == domain.MarketMargin && to == domain.MarketSpot
	if !spotMargin && !marginSpot {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransfer, from, to)
	}
	if err := s.checkAmount(asset, amount); err != nil {
		return err
	}
	return s.ledger.Run(ctx, func(p *ledger.Pipeline) error {
		src := domain.WalletScope{AccountID: accountID, Market: from}.Key(asset)
		dst := domain.WalletScope{AccountID: accountID, Market: to}.Key(asset)
		if err := p.Transfer(src, dst, amount, domain.ScopeMarginTransfer, ""); err != nil {
			return err
		}
		s.afterTransfer(p, accountID, asset, amount, string(from)+"->"+string(to))
		return nil
	})
}

func (s *AccountService) checkAmount(asset string, amount decimal.Decimal) error {
	if q := s.ledger.Registry().Asset(asset).Quantize(amount); !q.IsPositive() {
		return fmt.Errorf("%w: %s %s", domain.ErrInvalidAmount, amount, asset)
	}
	return nil
}

func (s *AccountService) afterTransfer(p *ledger.Pipeline, accountID uint64, asset string, amount decimal.Decimal, status string) {
	if s.events == nil {
		return
	}
	ev := domain.Event{
		Type:      domain.EventTransfer,
		Symbol:    asset,
		AccountID: accountID,
		Status:    status,
		Amount:    p.Quantize(asset, amount),
		GroupID:   p.GroupID(),
		Time:      p.Now(),
	}
	ctx := p.Context()
	p.AfterCommit(func() {
		if err := s.events.Publish(ctx, ev); err != nil {
			s.logger.Warn("event publish failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
		}
	})
}

// Balances lists every wallet of the account.
func (s *AccountService) Balances(ctx context.Context, accountID uint64) ([]domain.Wallet, error) {
	return s.ledger.Storage().WithContext(ctx).WalletsByAccount(accountID)
}

// History lists the ledger legs touching one wallet, newest first.
// A wallet that was never created has no history.
func (s *AccountService) History(ctx context.Context, key domain.WalletKey, limit int) ([]domain.Trx, error) {
	store := s.ledger.Storage().WithContext(ctx)
	w, err := store.FindWallet(key)
	if err != nil || w == nil {
		return nil, err
	}
	return store.TrxsByWallet(w.ID, limit)
}

// Order returns an order owned by the account.
func (s *AccountService) Order(ctx context.Context, accountID, orderID uint64) (*domain.Order, error) {
	o, err := s.matching.Order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.AccountID != accountID {
		return nil, fmt.Errorf("%w: order %d", domain.ErrNotFound, orderID)
	}
	return o, nil
}

// Orders lists the account's most recent orders.
func (s *AccountService) Orders(ctx context.Context, accountID uint64, limit int) ([]domain.Order, error) {
	return s.ledger.Storage().WithContext(ctx).OrdersByAccount(accountID, limit)
}

// Positions lists the account's positions in the given states, all when none.
func (s *AccountService) Positions(ctx context.Context, accountID uint64, statuses ...domain.PositionStatus) ([]domain.MarginPosition, error) {
	return s.ledger.Storage().WithContext(ctx).PositionsByAccount(accountID, statuses...)
}

// PositionLevel returns the current margin level of a position owned by the account.
// ok is false when the position carries no debt.
func (s *AccountService) PositionLevel(ctx context.Context, accountID, positionID uint64) (decimal.Decimal, bool, error) {
	pos, err := s.margin.Position(ctx, positionID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if pos.AccountID != accountID {
		return decimal.Zero, false, fmt.Errorf("%w: position %d", domain.ErrNotFound, positionID)
	}
	snap := s.prices.Snapshot()
	return s.margin.Level(ctx, pos, &snap)
}

// PositionWallets lists the isolated margin and loan wallets of a position owned by the account.
func (s *AccountService) PositionWallets(ctx context.Context, accountID, positionID uint64) ([]domain.Wallet, error) {
	pos, err := s.margin.Position(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.AccountID != accountID {
		return nil, fmt.Errorf("%w: position %d", domain.ErrNotFound, positionID)
	}
	store := s.ledger.Storage().WithContext(ctx)
	wallets, err := store.WalletsByScope(pos.MarginScope())
	if err != nil {
		return nil, err
	}
	loan, err := store.WalletsByScope(pos.LoanScope())
	if err != nil {
		return nil, err
	}
	return append(wallets, loan...), nil
}

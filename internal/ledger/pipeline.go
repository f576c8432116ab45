package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"exchange_core/internal/domain"
	"exchange_core/internal/infra/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type lockOpKind int

const (
	opCreate lockOpKind = iota
	opDecrease
	opRelease
)

type lockOp struct {
	kind     lockOpKind
	key      string
	walletID uint64
	amount   decimal.Decimal
	reason   domain.LockReason
}

type pendingLock struct {
	walletID  uint64
	remaining decimal.Decimal
}

// Pipeline stages ledger legs and lock changes for one transaction.
// It is not safe for concurrent use; pass it by pointer through the call chain.
type Pipeline struct {
	ctx      context.Context
	store    *storage.Storage
	registry *domain.Registry
	now      time.Time
	groupID  string

	wallets map[uint64]*domain.Wallet
	byKey   map[domain.WalletKey]*domain.Wallet

	// Balance deltas per wallet id, netted across legs.
	deltas map[uint64]decimal.Decimal

	lockOps []lockOp
	// Locks created in this pipeline, for availability checks before commit.
	pending       map[string]*pendingLock
	pendingLocked map[uint64]decimal.Decimal

	trxs        []domain.Trx
	afterCommit []func()
}

func newPipeline(ctx context.Context, tx *storage.Storage, registry *domain.Registry, now time.Time) *Pipeline {
	return &Pipeline{
		ctx:           ctx,
		store:         tx.WithContext(ctx),
		registry:      registry,
		now:           now,
		groupID:       uuid.NewString(),
		wallets:       make(map[uint64]*domain.Wallet),
		byKey:         make(map[domain.WalletKey]*domain.Wallet),
		deltas:        make(map[uint64]decimal.Decimal),
		pending:       make(map[string]*pendingLock),
		pendingLocked: make(map[uint64]decimal.Decimal),
	}
}

// Context returns the context the pipeline was opened with.
func (p *Pipeline) Context() context.Context { return p.ctx }

// Storage returns the transaction-bound storage. Rows read through it see this transaction.
func (p *Pipeline) Storage() *storage.Storage { return p.store }

// Registry returns the asset and pair registry.
func (p *Pipeline) Registry() *domain.Registry { return p.registry }

// Now is the pipeline timestamp, shared by every row it writes.
func (p *Pipeline) Now() time.Time { return p.now }

// GroupID is the default group for legs staged without one.
func (p *Pipeline) GroupID() string { return p.groupID }

// AfterCommit registers fn to run after a successful commit.
func (p *Pipeline) AfterCommit(fn func()) {
	p.afterCommit = append(p.afterCommit, fn)
}

// Wallet returns the wallet for key, creating it inside the transaction if needed.
func (p *Pipeline) Wallet(key domain.WalletKey) (*domain.Wallet, error) {
	if w, ok := p.byKey[key]; ok {
		return w, nil
	}
	w, err := p.store.GetOrCreateWallet(key)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", key, err)
	}
	p.track(w)
	return p.wallets[w.ID], nil
}

func (p *Pipeline) track(w *domain.Wallet) {
	if _, ok := p.wallets[w.ID]; ok {
		return
	}
	p.wallets[w.ID] = w
	p.byKey[w.Key()] = w
}

// Balance returns the wallet balance including staged legs.
func (p *Pipeline) Balance(w *domain.Wallet) decimal.Decimal {
	return w.Balance.Add(p.deltas[w.ID])
}

// Available returns balance minus locked, including staged legs and locks created
// in this pipeline. Staged releases of pre-existing locks are only known at commit.
func (p *Pipeline) Available(w *domain.Wallet) decimal.Decimal {
	return p.Balance(w).Sub(w.Locked).Sub(p.pendingLocked[w.ID])
}

// Quantize truncates amount to the precision of asset.
func (p *Pipeline) Quantize(asset string, amount decimal.Decimal) decimal.Decimal {
	return p.registry.Asset(asset).Quantize(amount)
}

// NewTrx stages one leg moving amount from sender to receiver.
// Legs that quantize to zero and self-transfers are dropped silently.
func (p *Pipeline) NewTrx(sender, receiver *domain.Wallet, amount decimal.Decimal, scope domain.Scope, groupID string) error {
	amt := p.Quantize(sender.Asset, amount)
	if amt.IsZero() || sender.ID == receiver.ID {
		return nil
	}
	if sender.Asset != receiver.Asset {
		return domain.NewIntegrityError("new_trx", "asset mismatch: wallet %d is %s, wallet %d is %s",
			sender.ID, sender.Asset, receiver.ID, receiver.Asset)
	}
	if amt.IsNegative() {
		return domain.NewIntegrityError("new_trx", "negative amount %s", amt)
	}
	if groupID == "" {
		groupID = p.groupID
	}

	p.track(sender)
	p.track(receiver)
	p.deltas[sender.ID] = p.deltas[sender.ID].Sub(amt)
	p.deltas[receiver.ID] = p.deltas[receiver.ID].Add(amt)
	p.trxs = append(p.trxs, domain.Trx{
		SenderID:   sender.ID,
		ReceiverID: receiver.ID,
		Asset:      sender.Asset,
		Amount:     amt,
		Scope:      scope,
		GroupID:    groupID,
		CreatedAt:  p.now,
	})
	return nil
}

// Transfer resolves both wallets by key and stages one leg.
func (p *Pipeline) Transfer(from, to domain.WalletKey, amount decimal.Decimal, scope domain.Scope, groupID string) error {
	sender, err := p.Wallet(from)
	if err != nil {
		return err
	}
	receiver, err := p.Wallet(to)
	if err != nil {
		return err
	}
	return p.NewTrx(sender, receiver, amount, scope, groupID)
}

// NewLock reserves amount of w under key.
func (p *Pipeline) NewLock(key string, w *domain.Wallet, amount decimal.Decimal, reason domain.LockReason) error {
	if !domain.LockAllowed(w.Market, reason) {
		return fmt.Errorf("%w: %s/%s", domain.ErrLockNotAllowed, w.Market, reason)
	}
	amt := p.Quantize(w.Asset, amount)
	if !amt.IsPositive() {
		return fmt.Errorf("%w: lock amount %s", domain.ErrInvalidAmount, amount)
	}
	if _, dup := p.pending[key]; dup {
		return domain.NewIntegrityError("new_lock", "duplicate lock key %s", key)
	}
	p.track(w)
	if avail := p.Available(w); avail.LessThan(amt) {
		return &domain.BalanceError{WalletID: w.ID, Asset: w.Asset, Required: amt, Available: avail}
	}

	p.pending[key] = &pendingLock{walletID: w.ID, remaining: amt}
	p.pendingLocked[w.ID] = p.pendingLocked[w.ID].Add(amt)
	p.lockOps = append(p.lockOps, lockOp{kind: opCreate, key: key, walletID: w.ID, amount: amt, reason: reason})
	return nil
}

// DecreaseLock releases up to amount from the lock under key.
// Absent or freed locks are ignored.
func (p *Pipeline) DecreaseLock(key string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	if pl, ok := p.pending[key]; ok {
		d := decimal.Min(amount, pl.remaining)
		pl.remaining = pl.remaining.Sub(d)
		p.pendingLocked[pl.walletID] = p.pendingLocked[pl.walletID].Sub(d)
	}
	p.lockOps = append(p.lockOps, lockOp{kind: opDecrease, key: key, amount: amount})
}

// ReleaseLock frees whatever is still reserved under key. Idempotent.
func (p *Pipeline) ReleaseLock(key string) {
	if pl, ok := p.pending[key]; ok {
		p.pendingLocked[pl.walletID] = p.pendingLocked[pl.walletID].Sub(pl.remaining)
		pl.remaining = decimal.Zero
	}
	p.lockOps = append(p.lockOps, lockOp{kind: opRelease, key: key})
}

// Trxs returns the legs staged so far.
func (p *Pipeline) Trxs() []domain.Trx {
	return p.trxs
}

// commit applies lock ops, then wallet deltas, then inserts legs.
// Rows are locked in id order: balance_locks first, wallets second.
func (p *Pipeline) commit() error {
	lockDeltas, changed, created, err := p.applyLockOps()
	if err != nil {
		return err
	}

	ids := make([]uint64, 0, len(p.deltas)+len(lockDeltas))
	seen := make(map[uint64]bool)
	for id, d := range p.deltas {
		if !d.IsZero() && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for id, d := range lockDeltas {
		if !d.IsZero() && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := p.store.LockWallets(ids)
	if err != nil {
		return fmt.Errorf("lock wallets: %w", err)
	}
	if len(rows) != len(ids) {
		return domain.NewIntegrityError("commit", "locked %d of %d wallets", len(rows), len(ids))
	}

	for i := range rows {
		w := &rows[i]
		balance := w.Balance.Add(p.deltas[w.ID])
		locked := w.Locked.Add(lockDeltas[w.ID])
		if err := w.VerifyInvariant(balance, locked); err != nil {
			return err
		}
		w.Balance, w.Locked = balance, locked
		if err := p.store.UpdateWalletBalance(w, p.now); err != nil {
			return fmt.Errorf("update wallet %d: %w", w.ID, err)
		}
		if cached, ok := p.wallets[w.ID]; ok {
			cached.Balance, cached.Locked = balance, locked
		}
	}

	for _, l := range changed {
		if err := p.store.UpdateBalanceLock(l); err != nil {
			return fmt.Errorf("update lock %s: %w", l.Key, err)
		}
	}
	for _, l := range created {
		if err := p.store.CreateBalanceLock(l); err != nil {
			return fmt.Errorf("create lock %s: %w", l.Key, err)
		}
	}

	if err := p.store.InsertTrxs(p.trxs); err != nil {
		return fmt.Errorf("insert trxs: %w", err)
	}
	return nil
}

// applyLockOps replays staged lock operations in call order against the locked rows.
// Returns the locked delta per wallet, existing locks that changed (id order) and new locks.
func (p *Pipeline) applyLockOps() (map[uint64]decimal.Decimal, []*domain.BalanceLock, []*domain.BalanceLock, error) {
	deltas := make(map[uint64]decimal.Decimal)
	if len(p.lockOps) == 0 {
		return deltas, nil, nil, nil
	}

	keys := make([]string, 0, len(p.lockOps))
	seen := make(map[string]bool)
	for _, op := range p.lockOps {
		if !seen[op.key] {
			seen[op.key] = true
			keys = append(keys, op.key)
		}
	}
	rows, err := p.store.LockBalanceLocks(keys)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("lock balance locks: %w", err)
	}

	state := make(map[string]*domain.BalanceLock, len(rows))
	for i := range rows {
		state[rows[i].Key] = &rows[i]
	}

	touched := make(map[uint64]*domain.BalanceLock)
	var created []*domain.BalanceLock
	for _, op := range p.lockOps {
		switch op.kind {
		case opCreate:
			if _, exists := state[op.key]; exists {
				return nil, nil, nil, domain.NewIntegrityError("new_lock", "lock key %s already exists", op.key)
			}
			l := &domain.BalanceLock{
				Key:       op.key,
				WalletID:  op.walletID,
				Original:  op.amount,
				Amount:    op.amount,
				Reason:    op.reason,
				CreatedAt: p.now,
			}
			state[op.key] = l
			created = append(created, l)
			deltas[op.walletID] = deltas[op.walletID].Add(op.amount)
		case opDecrease, opRelease:
			l, ok := state[op.key]
			if !ok || l.Freed {
				continue
			}
			var released decimal.Decimal
			if op.kind == opDecrease {
				released = l.Decrease(op.amount, p.now)
			} else {
				released = l.Release(p.now)
			}
			deltas[l.WalletID] = deltas[l.WalletID].Sub(released)
			if l.ID != 0 {
				touched[l.ID] = l
			}
		}
	}

	changed := make([]*domain.BalanceLock, 0, len(touched))
	for _, l := range touched {
		changed = append(changed, l)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return deltas, changed, created, nil
}

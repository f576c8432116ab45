package storage

import (
	"exchange_core/internal/domain"

	"github.com/shopspring/decimal"
)

// ======================================================================================
// Balance Lock Operations
// ======================================================================================

// LockBalanceLocks loads the locks with the given keys ordered by id, taking row locks.
func (s *Storage) LockBalanceLocks(keys []string) ([]domain.BalanceLock, error) {
	var locks []domain.BalanceLock
	if len(keys) == 0 {
		return locks, nil
	}
	err := s.locking().Where("lock_key IN ?", keys).Order("id").Find(&locks).Error
	return locks, err
}

// BalanceLockByKey retrieves a lock by key. Returns nil, nil when absent.
func (s *Storage) BalanceLockByKey(key string) (*domain.BalanceLock, error) {
	var l domain.BalanceLock
	err := s.db.First(&l, "lock_key = ?", key).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateBalanceLock inserts a new lock.
func (s *Storage) CreateBalanceLock(l *domain.BalanceLock) error {
	return s.db.Create(l).Error
}

// UpdateBalanceLock writes the mutable fields of an existing lock.
func (s *Storage) UpdateBalanceLock(l *domain.BalanceLock) error {
	return s.db.Model(&domain.BalanceLock{}).Where("id = ?", l.ID).Updates(map[string]any{
		"amount":      l.Amount,
		"freed":       l.Freed,
		"released_at": l.ReleasedAt,
	}).Error
}

// ActiveLocks lists unreleased locks of a wallet.
func (s *Storage) ActiveLocks(walletID uint64) ([]domain.BalanceLock, error) {
	var locks []domain.BalanceLock
	err := s.db.Where("wallet_id = ? AND freed = ?", walletID, false).Order("id").Find(&locks).Error
	return locks, err
}

// ActiveLockSum returns the total still reserved on a wallet.
func (s *Storage) ActiveLockSum(walletID uint64) (decimal.Decimal, error) {
	locks, err := s.ActiveLocks(walletID)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, l := range locks {
		sum = sum.Add(l.Amount)
	}
	return sum, nil
}

// ======================================================================================
// Trx Operations
// ======================================================================================

// InsertTrxs appends ledger legs in one batch.
func (s *Storage) InsertTrxs(trxs []domain.Trx) error {
	if len(trxs) == 0 {
		return nil
	}
	return s.db.CreateInBatches(trxs, 100).Error
}

// TrxsByGroup lists the legs of one logical operation.
func (s *Storage) TrxsByGroup(groupID string) ([]domain.Trx, error) {
	var trxs []domain.Trx
	err := s.db.Where("group_id = ?", groupID).Order("id").Find(&trxs).Error
	return trxs, err
}

// TrxsByWallet lists legs touching a wallet, newest first.
func (s *Storage) TrxsByWallet(walletID uint64, limit int) ([]domain.Trx, error) {
	var trxs []domain.Trx
	q := s.db.Where("sender_id = ? OR receiver_id = ?", walletID, walletID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&trxs).Error
	return trxs, err
}

package storage

import (
	"time"

	"exchange_core/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// ======================================================================================
// Wallet Operations
// ======================================================================================

// GetOrCreateWallet returns the wallet for key, inserting an empty one if needed.
func (s *Storage) GetOrCreateWallet(key domain.WalletKey) (*domain.Wallet, error) {
	w := &domain.Wallet{
		AccountID: key.AccountID,
		Asset:     key.Asset,
		Market:    key.Market,
		Variant:   key.Variant,
		Balance:   decimal.Zero,
		Locked:    decimal.Zero,
	}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(w).Error; err != nil {
		return nil, err
	}

	var existing domain.Wallet
	err := s.db.Where("account_id = ? AND asset = ? AND market = ? AND variant = ?",
		key.AccountID, key.Asset, key.Market, key.Variant).First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// FindWallet retrieves a wallet by key. Returns nil, nil when absent.
func (s *Storage) FindWallet(key domain.WalletKey) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.Where("account_id = ? AND asset = ? AND market = ? AND variant = ?",
		key.AccountID, key.Asset, key.Market, key.Variant).First(&w).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// WalletByID retrieves a wallet by id. Returns nil, nil when absent.
func (s *Storage) WalletByID(id uint64) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.First(&w, "id = ?", id).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// LockWallets loads wallets ordered by id, taking row locks in that order.
func (s *Storage) LockWallets(ids []uint64) ([]domain.Wallet, error) {
	var wallets []domain.Wallet
	if len(ids) == 0 {
		return wallets, nil
	}
	err := s.locking().Where("id IN ?", ids).Order("id").Find(&wallets).Error
	return wallets, err
}

// UpdateWalletBalance writes balance and locked of w.
func (s *Storage) UpdateWalletBalance(w *domain.Wallet, now time.Time) error {
	return s.db.Model(&domain.Wallet{}).Where("id = ?", w.ID).Updates(map[string]any{
		"balance":    w.Balance,
		"locked":     w.Locked,
		"updated_at": now,
	}).Error
}

// WalletsByAccount lists every wallet of an account ordered by id.
func (s *Storage) WalletsByAccount(accountID uint64) ([]domain.Wallet, error) {
	var wallets []domain.Wallet
	err := s.db.Where("account_id = ?", accountID).Order("id").Find(&wallets).Error
	return wallets, err
}

// WalletsByScope lists the wallets of one account/market/variant.
func (s *Storage) WalletsByScope(scope domain.WalletScope) ([]domain.Wallet, error) {
	var wallets []domain.Wallet
	err := s.db.Where("account_id = ? AND market = ? AND variant = ?",
		scope.AccountID, scope.Market, scope.Variant).Order("id").Find(&wallets).Error
	return wallets, err
}

// WalletsByAsset lists every wallet holding asset.
func (s *Storage) WalletsByAsset(asset string) ([]domain.Wallet, error) {
	var wallets []domain.Wallet
	err := s.db.Where("asset = ?", asset).Order("id").Find(&wallets).Error
	return wallets, err
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is one balance row, identified by (account, asset, market, variant).
// Balance is signed; only debt-permitting wallets may hold a negative balance.
type Wallet struct {
	ID        uint64          `gorm:"primaryKey" json:"id"`
	AccountID uint64          `gorm:"not null;uniqueIndex:idx_wallet_key,priority:1" json:"account_id"`
	Asset     string          `gorm:"size:16;not null;uniqueIndex:idx_wallet_key,priority:2" json:"asset"`
	Market    Market          `gorm:"size:16;not null;uniqueIndex:idx_wallet_key,priority:3" json:"market"`
	Variant   string          `gorm:"size:64;not null;uniqueIndex:idx_wallet_key,priority:4" json:"variant"`
	Balance   decimal.Decimal `gorm:"not null" json:"balance"`
	Locked    decimal.Decimal `gorm:"not null" json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Key returns the identifying key of the wallet.
func (w *Wallet) Key() WalletKey {
	return WalletKey{AccountID: w.AccountID, Asset: w.Asset, Market: w.Market, Variant: w.Variant}
}

// Scope returns the wallet scope (key without asset).
func (w *Wallet) Scope() WalletScope {
	return WalletScope{AccountID: w.AccountID, Market: w.Market, Variant: w.Variant}
}

// Available returns the spendable balance (balance - locked).
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// AllowsNegative reports whether the wallet may carry debt.
func (w *Wallet) AllowsNegative() bool {
	return w.Market == MarketLoan || w.AccountID == AccountOut
}

// VerifyInvariant checks the wallet after applying balance and locked deltas.
// Over-spending is reported as a BalanceError, anything else as an IntegrityError.
func (w *Wallet) VerifyInvariant(balance, locked decimal.Decimal) error {
	if locked.IsNegative() {
		return NewIntegrityError("wallet", "wallet %d locked would become %s", w.ID, locked)
	}
	if w.AllowsNegative() {
		return nil
	}
	if balance.IsNegative() || locked.GreaterThan(balance) {
		return &BalanceError{
			WalletID:  w.ID,
			Asset:     w.Asset,
			Required:  locked.Add(w.Balance.Sub(balance)),
			Available: w.Balance,
		}
	}
	return nil
}

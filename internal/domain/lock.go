package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockReason tells why funds are reserved.
type LockReason string

const (
	LockReasonTrade    LockReason = "trade"
	LockReasonWithdraw LockReason = "withdraw"
)

// lockPolicy is the allow-list of (market, reason) pairs that may be reserved.
// Loan wallets are deliberately absent.
var lockPolicy = map[Market]map[LockReason]bool{
	MarketSpot:   {LockReasonTrade: true, LockReasonWithdraw: true},
	MarketMargin: {LockReasonTrade: true},
}

// LockAllowed reports whether a wallet of market m may be locked for reason r.
func LockAllowed(m Market, r LockReason) bool {
	return lockPolicy[m][r]
}

// BalanceLock reserves part of a wallet balance against a key.
// Amount is what is still reserved; Original is what was reserved at creation.
type BalanceLock struct {
	ID         uint64          `gorm:"primaryKey" json:"id"`
	Key        string          `gorm:"column:lock_key;size:64;not null;uniqueIndex" json:"key"`
	WalletID   uint64          `gorm:"not null;index" json:"wallet_id"`
	Original   decimal.Decimal `gorm:"not null" json:"original"`
	Amount     decimal.Decimal `gorm:"not null" json:"amount"`
	Reason     LockReason      `gorm:"size:16;not null" json:"reason"`
	Freed      bool            `gorm:"not null;index" json:"freed"`
	CreatedAt  time.Time       `json:"created_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
}

// Decrease lowers the reserved amount by up to amount and returns what was actually released.
// A lock that reaches zero becomes freed; freed locks release nothing.
func (l *BalanceLock) Decrease(amount decimal.Decimal, now time.Time) decimal.Decimal {
	if l.Freed || !amount.IsPositive() {
		return decimal.Zero
	}
	released := decimal.Min(amount, l.Amount)
	l.Amount = l.Amount.Sub(released)
	if l.Amount.IsZero() {
		l.Freed = true
		l.ReleasedAt = &now
	}
	return released
}

// Release frees whatever is still reserved and returns it.
func (l *BalanceLock) Release(now time.Time) decimal.Decimal {
	if l.Freed {
		return decimal.Zero
	}
	released := l.Amount
	l.Amount = decimal.Zero
	l.Freed = true
	l.ReleasedAt = &now
	return released
}

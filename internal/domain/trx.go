package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scope labels the business purpose of a ledger leg.
type Scope string

const (
	ScopeTrade          Scope = "trade"
	ScopeTransfer       Scope = "transfer"
	ScopeCommission     Scope = "commission"
	ScopeLiquidation    Scope = "liquidation"
	ScopeMarginInterest Scope = "margin_interest"
	ScopeMarginBorrow   Scope = "margin_borrow"
	ScopeMarginRepay    Scope = "margin_repay"
	ScopeMarginTransfer Scope = "margin_transfer"
	ScopeInsurance      Scope = "insurance"
	ScopeDeposit        Scope = "deposit"
	ScopeWithdraw       Scope = "withdraw"
	ScopeOTC            Scope = "otc"
)

// Trx is one immutable ledger leg moving Amount of a single asset
// from Sender to Receiver. Legs of one logical operation share GroupID.
type Trx struct {
	ID         uint64          `gorm:"primaryKey" json:"id"`
	SenderID   uint64          `gorm:"not null;index" json:"sender_id"`
	ReceiverID uint64          `gorm:"not null;index" json:"receiver_id"`
	Asset      string          `gorm:"size:16;not null" json:"asset"`
	Amount     decimal.Decimal `gorm:"not null" json:"amount"`
	Scope      Scope           `gorm:"size:32;not null" json:"scope"`
	GroupID    string          `gorm:"size:64;not null;index" json:"group_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

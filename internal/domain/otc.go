package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type QuoteStatus string

const (
	QuoteStatusQuoted   QuoteStatus = "QUOTED"
	QuoteStatusExecuted QuoteStatus = "EXECUTED"
)

// OTCQuote is a time-boxed instant trade offer against system inventory.
// ReferencePrice is the oracle price the quote was built from.
type OTCQuote struct {
	ID             uint64          `gorm:"primaryKey" json:"id"`
	Token          string          `gorm:"size:64;not null;uniqueIndex" json:"token"`
	AccountID      uint64          `gorm:"not null;index" json:"account_id"`
	Symbol         string          `gorm:"size:32;not null" json:"symbol"`
	Side           Side            `gorm:"size:8;not null" json:"side"`
	Amount         decimal.Decimal `gorm:"not null" json:"amount"`
	Price          decimal.Decimal `gorm:"not null" json:"price"`
	ReferencePrice decimal.Decimal `gorm:"not null" json:"reference_price"`
	Status         QuoteStatus     `gorm:"size:16;not null" json:"status"`
	GroupID        string          `gorm:"size:64;not null" json:"group_id"`
	ExpiresAt      time.Time       `gorm:"not null" json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Expired reports whether the quote deadline has passed at now.
func (q *OTCQuote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Value returns the quote-asset amount of the trade.
func (q *OTCQuote) Value() decimal.Decimal {
	return q.Amount.Mul(q.Price)
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

type PositionStatus string

const (
	PositionOpen        PositionStatus = "OPEN"
	PositionTerminating PositionStatus = "TERMINATING"
	PositionClosed      PositionStatus = "CLOSED"
)

// MarginPosition is a leveraged position isolated in its own wallets by Variant.
// Amount is the position size in the base asset: debt for shorts, holdings for longs.
type MarginPosition struct {
	ID               uint64          `gorm:"primaryKey" json:"id"`
	AccountID        uint64          `gorm:"not null;index" json:"account_id"`
	Symbol           string          `gorm:"size:32;not null;index" json:"symbol"`
	Side             PositionSide    `gorm:"size:8;not null" json:"side"`
	Variant          string          `gorm:"size:64;not null;uniqueIndex" json:"variant"`
	Amount           decimal.Decimal `gorm:"not null" json:"amount"`
	AveragePrice     decimal.Decimal `gorm:"not null" json:"average_price"`
	Leverage         decimal.Decimal `gorm:"not null" json:"leverage"`
	LiquidationPrice decimal.Decimal `gorm:"not null" json:"liquidation_price"`
	Status           PositionStatus  `gorm:"size:16;not null;index" json:"status"`
	Attempts         int             `gorm:"not null" json:"attempts"`
	InsuranceAdvance decimal.Decimal `gorm:"not null" json:"insurance_advance"`
	LastAccruedAt    *time.Time      `json:"last_accrued_at,omitempty"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MarginScope addresses the position's collateral wallets.
func (p *MarginPosition) MarginScope() WalletScope {
	return WalletScope{AccountID: p.AccountID, Market: MarketMargin, Variant: p.Variant}
}

// LoanScope addresses the position's debt wallet.
func (p *MarginPosition) LoanScope() WalletScope {
	return WalletScope{AccountID: p.AccountID, Market: MarketLoan, Variant: p.Variant}
}

// DebtAsset returns the borrowed asset: base for shorts, quote for longs.
func (p *MarginPosition) DebtAsset(pair Pair) string {
	if p.Side == PositionShort {
		return pair.Base
	}
	return pair.Quote
}

// CloseSide returns the order side that unwinds the position.
func (p *MarginPosition) CloseSide() Side {
	if p.Side == PositionShort {
		return SideBuy
	}
	return SideSell
}

// OpenSide returns the order side that builds the position.
func (p *MarginPosition) OpenSide() Side {
	return p.CloseSide().Opposite()
}

// Holdings is a position's collateral and debt at one point in time.
// Base and Quote are margin wallet balances; Debt is the positive amount owed in the debt asset.
type Holdings struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
	Debt  decimal.Decimal
}

// LiquidationPrice returns the price at which collateral value equals level x debt value.
//
//	short: quote / (level*debt - base)   (= collateral / (level*debt) with no base held)
//	long:  (level*debt - quote) / base
//
// Zero means the position cannot reach the liquidation level.
func LiquidationPrice(side PositionSide, level decimal.Decimal, h Holdings) decimal.Decimal {
	if !h.Debt.IsPositive() {
		return decimal.Zero
	}
	scaled := level.Mul(h.Debt)
	switch side {
	case PositionShort:
		denom := scaled.Sub(h.Base)
		if !denom.IsPositive() || !h.Quote.IsPositive() {
			return decimal.Zero
		}
		return h.Quote.Div(denom)
	case PositionLong:
		num := scaled.Sub(h.Quote)
		if !num.IsPositive() || !h.Base.IsPositive() {
			return decimal.Zero
		}
		return num.Div(h.Base)
	}
	return decimal.Zero
}

// CollateralValue and DebtValue express holdings in the quote asset at price.
func (h Holdings) CollateralValue(price decimal.Decimal) decimal.Decimal {
	return h.Quote.Add(h.Base.Mul(price))
}

func (h Holdings) DebtValue(side PositionSide, price decimal.Decimal) decimal.Decimal {
	if side == PositionShort {
		return h.Debt.Mul(price)
	}
	return h.Debt
}

// MarginLevel is collateral value over debt value. ok is false for debt-free holdings.
func (h Holdings) MarginLevel(side PositionSide, price decimal.Decimal) (level decimal.Decimal, ok bool) {
	debt := h.DebtValue(side, price)
	if !debt.IsPositive() {
		return decimal.Zero, false
	}
	return h.CollateralValue(price).Div(debt), true
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type FillType string

const (
	FillTypeLimit  FillType = "LIMIT"
	FillTypeMarket FillType = "MARKET"
)

type TimeInForce string

const (
	TimeInForceNone TimeInForce = ""
	TimeInForceFOK  TimeInForce = "FOK"
	TimeInForceIOC  TimeInForce = "IOC"
)

// OrderType tells who placed the order and why.
type OrderType string

const (
	OrderTypeOrdinary    OrderType = "ORDINARY"
	OrderTypeMargin      OrderType = "MARGIN"
	OrderTypeLiquidation OrderType = "LIQUIDATION"
	OrderTypeSystem      OrderType = "SYSTEM"
)

type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// Order is a resting or resolved order. A partially matched order stays NEW.
// It owns exactly one BalanceLock, keyed by LockKey, for its worst-case cost.
type Order struct {
	ID              uint64          `gorm:"primaryKey" json:"id"`
	AccountID       uint64          `gorm:"not null;index" json:"account_id"`
	Market          Market          `gorm:"size:16;not null" json:"market"`
	Variant         string          `gorm:"size:64;not null;index" json:"variant"`
	WalletID        uint64          `gorm:"not null;index" json:"wallet_id"`
	PositionID      *uint64         `gorm:"index" json:"position_id,omitempty"`
	Symbol          string          `gorm:"size:32;not null;index:idx_order_book,priority:1" json:"symbol"`
	Side            Side            `gorm:"size:8;not null;index:idx_order_book,priority:2" json:"side"`
	Status          OrderStatus     `gorm:"size:16;not null;index:idx_order_book,priority:3" json:"status"`
	Type            OrderType       `gorm:"size:16;not null" json:"type"`
	FillType        FillType        `gorm:"size:8;not null" json:"fill_type"`
	TimeInForce     TimeInForce     `gorm:"size:8;not null" json:"time_in_force"`
	Amount          decimal.Decimal `gorm:"not null" json:"amount"`
	Filled          decimal.Decimal `gorm:"not null" json:"filled"`
	Price           decimal.Decimal `gorm:"not null" json:"price"`
	LockKey         string          `gorm:"size:64;not null;uniqueIndex" json:"lock_key"`
	CancelRequested bool            `gorm:"not null" json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Scope returns the wallet scope the order trades from.
func (o *Order) Scope() WalletScope {
	return WalletScope{AccountID: o.AccountID, Market: o.Market, Variant: o.Variant}
}

// Remaining returns the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew
}

// Crosses reports whether o (a taker) may trade against a resting order at price.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Side == SideBuy {
		return o.Price.GreaterThanOrEqual(price)
	}
	return o.Price.LessThanOrEqual(price)
}

// Fill records one match between a resting maker order and an incoming taker order.
type Fill struct {
	ID           uint64          `gorm:"primaryKey" json:"id"`
	Symbol       string          `gorm:"size:32;not null;index" json:"symbol"`
	MakerOrderID uint64          `gorm:"not null;index" json:"maker_order_id"`
	TakerOrderID uint64          `gorm:"not null;index" json:"taker_order_id"`
	TakerSide    Side            `gorm:"size:8;not null" json:"taker_side"`
	Amount       decimal.Decimal `gorm:"not null" json:"amount"`
	Price        decimal.Decimal `gorm:"not null" json:"price"`
	MakerFee     decimal.Decimal `gorm:"not null" json:"maker_fee"`
	TakerFee     decimal.Decimal `gorm:"not null" json:"taker_fee"`
	GroupID      string          `gorm:"size:64;not null;index" json:"group_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

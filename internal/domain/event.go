package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderUpdate EventType = "order_update"
	EventFill        EventType = "fill"
	EventLiquidation EventType = "liquidation"
	EventPosition    EventType = "position_update"
	EventMarginCall  EventType = "margin_call"
	EventTransfer    EventType = "transfer"
	EventOTCTrade    EventType = "otc_trade"
)

// Event is a committed state change published to downstream consumers.
// Only the fields relevant to Type are set.
type Event struct {
	Type       EventType       `json:"type"`
	Symbol     string          `json:"symbol,omitempty"`
	AccountID  uint64          `json:"account_id,omitempty"`
	OrderID    uint64          `json:"order_id,omitempty"`
	PositionID uint64          `json:"position_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Side       Side            `json:"side,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	GroupID    string          `json:"group_id,omitempty"`
	Time       time.Time       `json:"time"`
}

// Key partitions events so that one account's events stay ordered.
func (e Event) Key() string {
	if e.AccountID != 0 {
		return strconv.FormatUint(e.AccountID, 10)
	}
	return e.Symbol
}

// OrderEvent builds an order_update event from the order's current state.
func OrderEvent(o *Order, now time.Time) Event {
	return Event{
		Type:      EventOrderUpdate,
		Symbol:    o.Symbol,
		AccountID: o.AccountID,
		OrderID:   o.ID,
		Status:    string(o.Status),
		Side:      o.Side,
		Amount:    o.Filled,
		Price:     o.Price,
		Time:      now,
	}
}

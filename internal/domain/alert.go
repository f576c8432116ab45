package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarginThresholds drive the margin engine.
// Liquidation < MarginCall < Resolve; all are collateral/debt ratios.
type MarginThresholds struct {
	Liquidation decimal.Decimal
	MarginCall  decimal.Decimal
	Resolve     decimal.Decimal
}

// ShouldLiquidate reports whether level has fallen to the forced-close threshold.
func (t MarginThresholds) ShouldLiquidate(level decimal.Decimal) bool {
	return level.LessThanOrEqual(t.Liquidation)
}

type AlertAction int

const (
	AlertNone AlertAction = iota
	AlertRaise
	AlertResolve
)

// MarginAlert is the margin-call state of one account.
type MarginAlert struct {
	AccountID uint64          `gorm:"primaryKey;autoIncrement:false" json:"account_id"`
	Active    bool            `gorm:"not null" json:"active"`
	Level     decimal.Decimal `gorm:"not null" json:"level"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Evaluate applies the thresholds with hysteresis:
// - raise when level <= MarginCall and no alert is active
// - resolve when level >= Resolve and an alert is active
// Levels in between leave the state untouched.
func (a *MarginAlert) Evaluate(level decimal.Decimal, t MarginThresholds) AlertAction {
	a.Level = level
	switch {
	case !a.Active && level.LessThanOrEqual(t.MarginCall):
		a.Active = true
		return AlertRaise
	case a.Active && level.GreaterThanOrEqual(t.Resolve):
		a.Active = false
		return AlertResolve
	default:
		return AlertNone
	}
}

// Clear resolves an active alert for an account that no longer carries debt.
func (a *MarginAlert) Clear() AlertAction {
	if !a.Active {
		return AlertNone
	}
	a.Active = false
	return AlertResolve
}

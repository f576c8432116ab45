package storage

import (
	"errors"
	"fmt"
	"time"

	"exchange_core/internal/domain"

	"gorm.io/gorm"
)

// ======================================================================================
// Margin Position Operations
// ======================================================================================

// CreatePosition inserts a new margin position. A second active position for the
// same account, symbol and side fails with ErrPositionBusy.
func (s *Storage) CreatePosition(p *domain.MarginPosition) error {
	err := s.db.Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s %s already active for account %d", domain.ErrPositionBusy, p.Symbol, p.Side, p.AccountID)
	}
	return err
}

// SavePosition writes every field of an existing position.
func (s *Storage) SavePosition(p *domain.MarginPosition) error {
	return s.db.Save(p).Error
}

// PositionByID retrieves a position, optionally taking its row lock. Returns nil, nil when absent.
func (s *Storage) PositionByID(id uint64, lock bool) (*domain.MarginPosition, error) {
	var p domain.MarginPosition
	err := s.query(lock).First(&p, "id = ?", id).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindActivePosition returns the OPEN or TERMINATING position of (account, symbol, side).
func (s *Storage) FindActivePosition(accountID uint64, symbol string, side domain.PositionSide, lock bool) (*domain.MarginPosition, error) {
	var p domain.MarginPosition
	err := s.query(lock).
		Where("account_id = ? AND symbol = ? AND side = ? AND status IN ?", accountID, symbol, side,
			[]domain.PositionStatus{domain.PositionOpen, domain.PositionTerminating}).
		Order("id").
		First(&p).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PositionsByStatus lists positions in the given states ordered by id.
func (s *Storage) PositionsByStatus(statuses ...domain.PositionStatus) ([]domain.MarginPosition, error) {
	var positions []domain.MarginPosition
	err := s.db.Where("status IN ?", statuses).Order("id").Find(&positions).Error
	return positions, err
}

// PositionsByAccount lists an account's positions, optionally filtered by state.
func (s *Storage) PositionsByAccount(accountID uint64, statuses ...domain.PositionStatus) ([]domain.MarginPosition, error) {
	var positions []domain.MarginPosition
	q := s.db.Where("account_id = ?", accountID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("id").Find(&positions).Error
	return positions, err
}

// TransitionPosition moves a position from one state to another.
// Returns false if it was not in the expected state; the update is the mutual-exclusion gate.
func (s *Storage) TransitionPosition(id uint64, from, to domain.PositionStatus) (bool, error) {
	res := s.db.Model(&domain.MarginPosition{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

// ClaimPositionRetry bumps the attempt counter of a TERMINATING position.
// Only the caller that observed attempts wins.
func (s *Storage) ClaimPositionRetry(id uint64, attempts int) (bool, error) {
	res := s.db.Model(&domain.MarginPosition{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.PositionTerminating, attempts).
		Updates(map[string]any{"attempts": attempts + 1, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

// ======================================================================================
// Margin Alert Operations
// ======================================================================================

// GetAlert returns the alert state of an account, or an inactive zero value.
func (s *Storage) GetAlert(accountID uint64) (*domain.MarginAlert, error) {
	var a domain.MarginAlert
	err := s.db.First(&a, "account_id = ?", accountID).Error
	if notFound(err) {
		return &domain.MarginAlert{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ActiveAlerts lists accounts currently under a margin call.
func (s *Storage) ActiveAlerts() ([]domain.MarginAlert, error) {
	var alerts []domain.MarginAlert
	err := s.db.Where("active = ?", true).Order("account_id").Find(&alerts).Error
	return alerts, err
}

// SaveAlert upserts the alert state of an account.
func (s *Storage) SaveAlert(a *domain.MarginAlert) error {
	return s.db.Save(a).Error
}

// ======================================================================================
// OTC Quote Operations
// ======================================================================================

// CreateQuote inserts a new instant trade quote.
func (s *Storage) CreateQuote(q *domain.OTCQuote) error {
	return s.db.Create(q).Error
}

// QuoteByToken retrieves a quote, optionally taking its row lock. Returns nil, nil when absent.
func (s *Storage) QuoteByToken(token string, lock bool) (*domain.OTCQuote, error) {
	var q domain.OTCQuote
	err := s.query(lock).First(&q, "token = ?", token).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// SaveQuote writes every field of an existing quote.
func (s *Storage) SaveQuote(q *domain.OTCQuote) error {
	return s.db.Save(q).Error
}

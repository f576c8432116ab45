package storage

import (
	"time"

	"exchange_core/internal/domain"
)

// ======================================================================================
// Order Operations
// ======================================================================================

// CreateOrder inserts a new order.
func (s *Storage) CreateOrder(o *domain.Order) error {
	return s.db.Create(o).Error
}

// SaveOrder writes every field of an existing order.
func (s *Storage) SaveOrder(o *domain.Order) error {
	return s.db.Save(o).Error
}

// OrderByID retrieves an order, optionally taking its row lock. Returns nil, nil when absent.
func (s *Storage) OrderByID(id uint64, lock bool) (*domain.Order, error) {
	var o domain.Order
	err := s.query(lock).First(&o, "id = ?", id).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// RestingOrders lists NEW orders of one book side ordered by id.
// With lock set, the rows stay locked until the transaction ends.
func (s *Storage) RestingOrders(symbol string, side domain.Side, lock bool) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.query(lock).
		Where("symbol = ? AND side = ? AND status = ?", symbol, side, domain.OrderStatusNew).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// OpenOrdersByScope lists NEW orders placed from one wallet scope.
func (s *Storage) OpenOrdersByScope(scope domain.WalletScope, lock bool) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.query(lock).
		Where("account_id = ? AND market = ? AND variant = ? AND status = ?",
			scope.AccountID, scope.Market, scope.Variant, domain.OrderStatusNew).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// OrdersByAccount lists an account's orders, newest first.
func (s *Storage) OrdersByAccount(accountID uint64, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	q := s.db.Where("account_id = ?", accountID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

// MarkCancelRequested records cancel intent on a NEW order.
// Returns false when the order is already resolved or absent.
func (s *Storage) MarkCancelRequested(id uint64) (bool, error) {
	res := s.db.Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, domain.OrderStatusNew).
		Updates(map[string]any{"cancel_requested": true, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}

// CancelRequestedOrderIDs lists NEW orders with pending cancel intent.
func (s *Storage) CancelRequestedOrderIDs(limit int) ([]uint64, error) {
	var ids []uint64
	q := s.db.Model(&domain.Order{}).
		Where("status = ? AND cancel_requested = ?", domain.OrderStatusNew, true).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

// ======================================================================================
// Fill Operations
// ======================================================================================

// CreateFill inserts a fill record.
func (s *Storage) CreateFill(f *domain.Fill) error {
	return s.db.Create(f).Error
}

// FillsByOrder lists fills where the order was maker or taker.
func (s *Storage) FillsByOrder(orderID uint64) ([]domain.Fill, error) {
	var fills []domain.Fill
	err := s.db.Where("maker_order_id = ? OR taker_order_id = ?", orderID, orderID).
		Order("id").Find(&fills).Error
	return fills, err
}

// FillsBySymbol lists the most recent fills of a symbol.
func (s *Storage) FillsBySymbol(symbol string, limit int) ([]domain.Fill, error) {
	var fills []domain.Fill
	q := s.db.Where("symbol = ?", symbol).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&fills).Error
	return fills, err
}

// Package repository 订单与成交数据访问层
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
)

// OrderStatus 订单状态
const (
	StatusInit            = 0
	StatusNew             = 1
	StatusPartiallyFilled = 2
	StatusFilled          = 3
	StatusCanceled        = 4
	StatusRejected        = 5
	StatusExpired         = 6
)

// Order 订单
type Order struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	Instrument    string // 合约键，如 EUA-2026
	Side          int    // 1=BUY, 2=SELL
	Type          int    // 1=LIMIT, 2=MARKET, 3=STOP_LIMIT
	TimeInForce   int    // 1=GTC, 2=IOC, 3=FOK
	Price         int64  // 最小单位整数
	StopPrice     int64
	OrigQty       int64
	ExecutedQty   int64
	LeavesQty     int64
	Status        int
	StrategyID    int64
	RejectReason  string
	CancelReason  string
	CreateTimeMs  int64
	UpdateTimeMs  int64
}

// IsTerminal 订单是否处于终态
func IsTerminal(status int) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `order_id, client_order_id, account_id, instrument, side, type, time_in_force,
	       price, stop_price, orig_qty, executed_qty, leaves_qty, status, strategy_id,
	       reject_reason, cancel_reason, create_time_ms, update_time_ms`

// CreateOrder 创建订单
func (r *OrderRepository) CreateOrder(ctx context.Context, order *Order) error {
	query := `
		INSERT INTO carbonex.orders
		(order_id, client_order_id, account_id, instrument, side, type, time_in_force,
		 price, stop_price, orig_qty, executed_qty, leaves_qty, status, strategy_id,
		 reject_reason, cancel_reason, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := r.db.ExecContext(ctx, query,
		order.OrderID, nullString(order.ClientOrderID), order.AccountID, order.Instrument,
		order.Side, order.Type, order.TimeInForce, order.Price, order.StopPrice,
		order.OrigQty, order.ExecutedQty, order.LeavesQty, order.Status,
		nullInt64(order.StrategyID), order.RejectReason, order.CancelReason,
		order.CreateTimeMs, order.UpdateTimeMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClientOrderID
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder 获取订单
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM carbonex.orders
		WHERE order_id = $1
	`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, orderID))
}

// GetOrderByClientID 通过 clientOrderId 获取订单
func (r *OrderRepository) GetOrderByClientID(ctx context.Context, accountID int64, clientOrderID string) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM carbonex.orders
		WHERE account_id = $1 AND client_order_id = $2
	`
	return r.scanOrder(r.db.QueryRowContext(ctx, query, accountID, clientOrderID))
}

// UpdateOrderStatus 更新订单状态与成交进度
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status int, executedQty, leavesQty, updateTimeMs int64) error {
	query := `
		UPDATE carbonex.orders
		SET status = $1, executed_qty = $2, leaves_qty = $3, update_time_ms = $4
		WHERE order_id = $5
	`
	result, err := r.db.ExecContext(ctx, query, status, executedQty, leavesQty, updateTimeMs, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// AcceptOrder 订单入簿确认，仅 INIT 态生效。
// 部分成交事件先于接受事件到达时订单已是 2，不回退。
func (r *OrderRepository) AcceptOrder(ctx context.Context, orderID, updateTimeMs int64) error {
	query := `
		UPDATE carbonex.orders
		SET status = $1, update_time_ms = $2
		WHERE order_id = $3 AND status = 0
	`
	result, err := r.db.ExecContext(ctx, query, StatusNew, updateTimeMs, orderID)
	if err != nil {
		return fmt.Errorf("accept order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CancelOrder 取消订单，仅对非终态生效
func (r *OrderRepository) CancelOrder(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error {
	query := `
		UPDATE carbonex.orders
		SET status = $1, cancel_reason = $2, update_time_ms = $3
		WHERE order_id = $4 AND status IN (1, 2)
	`
	result, err := r.db.ExecContext(ctx, query, StatusCanceled, reason, updateTimeMs, orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// RejectOrder 拒绝订单
func (r *OrderRepository) RejectOrder(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error {
	query := `
		UPDATE carbonex.orders
		SET status = $1, reject_reason = $2, update_time_ms = $3
		WHERE order_id = $4 AND status IN (0, 1, 2)
	`
	result, err := r.db.ExecContext(ctx, query, StatusRejected, reason, updateTimeMs, orderID)
	if err != nil {
		return fmt.Errorf("reject order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListOpenOrdersByInstrument 按合约查询未完结限价单，恢复订单簿用
func (r *OrderRepository) ListOpenOrdersByInstrument(ctx context.Context, instrumentKey string) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM carbonex.orders
		WHERE instrument = $1 AND status IN (1, 2) AND type = 1
		ORDER BY create_time_ms ASC
	`
	return r.queryOrders(ctx, query, instrumentKey)
}

// ListOpenOrders 查询账户当前委托
func (r *OrderRepository) ListOpenOrders(ctx context.Context, accountID int64, instrumentKey string, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM carbonex.orders
		WHERE account_id = $1 AND status IN (1, 2)
		  AND ($2 = '' OR instrument = $2)
		ORDER BY create_time_ms DESC
		LIMIT $3
	`
	return r.queryOrders(ctx, query, accountID, instrumentKey, limit)
}

func (r *OrderRepository) scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var clientOrderID sql.NullString
	var strategyID sql.NullInt64

	err := row.Scan(
		&o.OrderID, &clientOrderID, &o.AccountID, &o.Instrument, &o.Side, &o.Type, &o.TimeInForce,
		&o.Price, &o.StopPrice, &o.OrigQty, &o.ExecutedQty, &o.LeavesQty, &o.Status, &strategyID,
		&o.RejectReason, &o.CancelReason, &o.CreateTimeMs, &o.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.ClientOrderID = clientOrderID.String
	o.StrategyID = strategyID.Int64

	return &o, nil
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		var clientOrderID sql.NullString
		var strategyID sql.NullInt64

		if err := rows.Scan(
			&o.OrderID, &clientOrderID, &o.AccountID, &o.Instrument, &o.Side, &o.Type, &o.TimeInForce,
			&o.Price, &o.StopPrice, &o.OrigQty, &o.ExecutedQty, &o.LeavesQty, &o.Status, &strategyID,
			&o.RejectReason, &o.CancelReason, &o.CreateTimeMs, &o.UpdateTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		o.ClientOrderID = clientOrderID.String
		o.StrategyID = strategyID.Int64

		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Trade 成交记录，写入后不可变
type Trade struct {
	TradeID        int64
	Instrument     string
	MakerOrderID   int64
	TakerOrderID   int64
	MakerAccountID int64
	TakerAccountID int64
	Price          int64
	Qty            int64
	TakerSide      int
	TimestampMs    int64
}

// TradeRepository 成交仓储
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository 创建仓储
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// InsertTrade 写入成交，trade_id 冲突时幂等跳过
func (r *TradeRepository) InsertTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO carbonex.trades
		(trade_id, instrument, maker_order_id, taker_order_id, maker_account_id,
		 taker_account_id, price, qty, taker_side, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trade_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		trade.TradeID, trade.Instrument, trade.MakerOrderID, trade.TakerOrderID,
		trade.MakerAccountID, trade.TakerAccountID, trade.Price, trade.Qty,
		trade.TakerSide, trade.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTradesByInstrument 按合约查询最近成交
func (r *TradeRepository) ListTradesByInstrument(ctx context.Context, instrumentKey string, limit int) ([]*Trade, error) {
	query := `
		SELECT trade_id, instrument, maker_order_id, taker_order_id, maker_account_id,
		       taker_account_id, price, qty, taker_side, timestamp_ms
		FROM carbonex.trades
		WHERE instrument = $1
		ORDER BY timestamp_ms DESC
		LIMIT $2
	`
	return r.queryTrades(ctx, query, instrumentKey, limit)
}

// ListTradesByAccount 按账户查询成交
func (r *TradeRepository) ListTradesByAccount(ctx context.Context, accountID int64, limit int) ([]*Trade, error) {
	query := `
		SELECT trade_id, instrument, maker_order_id, taker_order_id, maker_account_id,
		       taker_account_id, price, qty, taker_side, timestamp_ms
		FROM carbonex.trades
		WHERE maker_account_id = $1 OR taker_account_id = $1
		ORDER BY timestamp_ms DESC
		LIMIT $2
	`
	return r.queryTrades(ctx, query, accountID, limit)
}

func (r *TradeRepository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(
			&t.TradeID, &t.Instrument, &t.MakerOrderID, &t.TakerOrderID, &t.MakerAccountID,
			&t.TakerAccountID, &t.Price, &t.Qty, &t.TakerSide, &t.TimestampMs,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

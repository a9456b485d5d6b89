// Package recovery 启动恢复：将库中未完结的限价单重放进订单簿
package recovery

import (
	"context"
	"fmt"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/gateway"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/orderbook"
	"github.com/carbonex/engine/internal/repository"
	"github.com/carbonex/engine/pkg/logger"
)

// OrderLister 未完结订单查询接口
type OrderLister interface {
	ListOpenOrdersByInstrument(ctx context.Context, instrumentKey string) ([]*repository.Order, error)
}

// StateRestorer 网关内存状态回填接口
type StateRestorer interface {
	Restore(state *gateway.OrderState)
}

// Loader 订单簿恢复器。按合约逐个拉取挂单并按时间顺序重放，
// 未完结的挂单之间不会互相成交，重放结束后订单簿与停机前一致。
type Loader struct {
	registry *instrument.Registry
	engines  *engine.Manager
	orders   OrderLister
	restorer StateRestorer
	log      *logger.Logger
}

func NewLoader(
	registry *instrument.Registry,
	engines *engine.Manager,
	orders OrderLister,
	restorer StateRestorer,
	log *logger.Logger,
) *Loader {
	if log == nil {
		log = logger.New("recovery", nil)
	}
	return &Loader{
		registry: registry,
		engines:  engines,
		orders:   orders,
		restorer: restorer,
		log:      log,
	}
}

// Run 对注册表内全部合约执行恢复，返回重放的订单数
func (l *Loader) Run(ctx context.Context) (int, error) {
	total := 0
	for _, key := range l.registry.Keys() {
		n, err := l.recoverInstrument(ctx, key)
		if err != nil {
			return total, fmt.Errorf("recover %s: %w", key, err)
		}
		total += n
	}
	l.log.Infof("order book recovery done", map[string]interface{}{"orders": total})
	return total, nil
}

func (l *Loader) recoverInstrument(ctx context.Context, key string) (int, error) {
	rows, err := l.orders.ListOpenOrdersByInstrument(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	eng := l.engines.GetOrCreate(key)
	replayed := 0
	for _, row := range rows {
		leaves := row.LeavesQty
		if leaves <= 0 {
			leaves = row.OrigQty - row.ExecutedQty
		}
		if leaves <= 0 {
			continue
		}
		// 直接回填订单簿，不走下单入场路径，闭市窗口内重启也能恢复
		cmd := &engine.Command{
			Type:          engine.CmdRestoreOrder,
			OrderID:       row.OrderID,
			ClientOrderID: row.ClientOrderID,
			AccountID:     row.AccountID,
			Instrument:    row.Instrument,
			Side:          orderbook.Side(row.Side),
			OrderType:     row.Type,
			TimeInForce:   row.TimeInForce,
			Price:         row.Price,
			Qty:           row.OrigQty,
			LeavesQty:     leaves,
			StrategyID:    row.StrategyID,
		}
		if err := eng.Submit(cmd); err != nil {
			return replayed, fmt.Errorf("replay order %d: %w", row.OrderID, err)
		}
		if l.restorer != nil {
			l.restorer.Restore(&gateway.OrderState{
				OrderID:       row.OrderID,
				ClientOrderID: row.ClientOrderID,
				AccountID:     row.AccountID,
				Instrument:    row.Instrument,
				Status:        row.Status,
				ExecutedQty:   row.ExecutedQty,
				LeavesQty:     leaves,
			})
		}
		replayed++
	}

	l.log.Infof("instrument recovered", map[string]interface{}{
		"instrument": key, "orders": replayed,
	})
	return replayed, nil
}

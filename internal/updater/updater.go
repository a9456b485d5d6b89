// Package updater 撮合事件落库：把引擎事件投影成订单表里的状态机。
// 落库失败只告警不阻塞撮合，重启后由恢复流程对账。
package updater

import (
	"context"
	"time"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/repository"
	"github.com/carbonex/engine/pkg/logger"
)

const storeTimeout = 2 * time.Second

// OrderStore 订单状态持久化接口
type OrderStore interface {
	AcceptOrder(ctx context.Context, orderID, updateTimeMs int64) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status int, executedQty, leavesQty, updateTimeMs int64) error
	CancelOrder(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error
	RejectOrder(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error
}

// OrderUpdater 订阅引擎订单生命周期事件并写库
type OrderUpdater struct {
	orders OrderStore
	log    *logger.Logger
}

func NewOrderUpdater(orders OrderStore, log *logger.Logger) *OrderUpdater {
	if log == nil {
		log = logger.New("updater", nil)
	}
	return &OrderUpdater{orders: orders, log: log}
}

// HandleEvent 处理引擎事件，注册为事件分发器的下游
func (u *OrderUpdater) HandleEvent(ev *engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	now := time.Now().UnixMilli()

	switch ev.Type {
	case engine.EventOrderAccepted:
		data := ev.Data.(*engine.OrderAcceptedData)
		// 先于接受事件落库的部分成交不回退，条件更新未命中即忽略
		err := u.orders.AcceptOrder(ctx, data.OrderID, now)
		if err != nil && err != repository.ErrOrderNotFound {
			u.warn("accept", data.OrderID, err)
		}

	case engine.EventOrderPartiallyFilled:
		data := ev.Data.(*engine.OrderPartiallyFilledData)
		err := u.orders.UpdateOrderStatus(ctx, data.OrderID,
			repository.StatusPartiallyFilled, data.ExecutedQty, data.LeavesQty, now)
		if err != nil {
			u.warn("partial fill", data.OrderID, err)
		}

	case engine.EventOrderFilled:
		data := ev.Data.(*engine.OrderFilledData)
		err := u.orders.UpdateOrderStatus(ctx, data.OrderID,
			repository.StatusFilled, data.ExecutedQty, 0, now)
		if err != nil {
			u.warn("fill", data.OrderID, err)
		}

	case engine.EventOrderCanceled:
		data := ev.Data.(*engine.OrderCanceledData)
		err := u.orders.CancelOrder(ctx, data.OrderID, data.Reason, now)
		if err != nil && err != repository.ErrOrderNotFound {
			u.warn("cancel", data.OrderID, err)
		}

	case engine.EventOrderRejected:
		data := ev.Data.(*engine.OrderRejectedData)
		err := u.orders.RejectOrder(ctx, data.OrderID, data.Reason, now)
		if err != nil && err != repository.ErrOrderNotFound {
			u.warn("reject", data.OrderID, err)
		}
	}
}

func (u *OrderUpdater) warn(op string, orderID int64, err error) {
	u.log.WithError(err).WithField("orderId", orderID).Warn("persist order " + op + " error")
}

// Package strategy 母单执行策略调度。TWAP 母单按时间均匀切片，
// 子单走网关统一入场路径。
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/gateway"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/metrics"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
)

// 母单状态
const (
	StateActive          = "ACTIVE"
	StatePartiallyFilled = "PARTIALLY_FILLED"
	StateFilled          = "FILLED"
	StateCanceled        = "CANCELED"
)

// SubmitFunc 子单提交入口，复用网关下单主流程
type SubmitFunc func(ctx context.Context, req *gateway.SubmitRequest) (*gateway.SubmitResponse, error)

// CancelFunc 子单撤单入口
type CancelFunc func(ctx context.Context, accountID, orderID int64) (*gateway.CancelResponse, error)

// VolumeSource 近期观测成交量（最小单位/分钟），用于参与率约束
type VolumeSource interface {
	RecentVolume(instrumentKey string) (int64, bool)
}

// TWAPParams TWAP 母单参数
type TWAPParams struct {
	AccountID            int64
	Instrument           string
	Side                 string // BUY / SELL
	Quantity             string // 母单总量
	LimitPrice           string // 空表示市价子单
	DurationMinutes      int
	MaxParticipationRate float64 // 单个切片占近期成交量的上限，0 表示不约束
}

// childState 子单执行进度
type childState struct {
	orderID  int64
	executed int64
	terminal bool
}

// Strategy TWAP 母单运行时状态
type Strategy struct {
	ID     int64
	Params TWAPParams

	totalQty     int64
	submittedQty int64
	filledQty    int64
	slices       int
	slicesDone   int
	canceled     bool

	children map[int64]*childState
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Snapshot 母单对外视图
type Snapshot struct {
	ID           int64
	Instrument   string
	TotalQty     int64
	SubmittedQty int64
	FilledQty    int64
	Slices       int
	SlicesDone   int
	State        string
	ChildOrders  []int64
}

// Scheduler 策略调度器
type Scheduler struct {
	registry *instrument.Registry
	volumes  VolumeSource
	submit   SubmitFunc
	cancel   CancelFunc
	nextID   func() int64
	log      *logger.Logger

	// 切片时间粒度，生产为一分钟
	granularity time.Duration

	mu         sync.RWMutex
	strategies map[int64]*Strategy

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler 创建调度器。volumes 允许为 nil（不做参与率约束）。
func NewScheduler(
	registry *instrument.Registry,
	volumes VolumeSource,
	submit SubmitFunc,
	cancel CancelFunc,
	nextID func() int64,
	log *logger.Logger,
) *Scheduler {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Scheduler{
		registry:    registry,
		volumes:     volumes,
		submit:      submit,
		cancel:      cancel,
		nextID:      nextID,
		log:         log,
		granularity: time.Minute,
		strategies:  make(map[int64]*Strategy),
		ctx:         ctx,
		cancelFn:    cancelFn,
	}
}

// SubmitTWAP 接受母单，立即发出首个切片并按计算出的间隔继续
func (s *Scheduler) SubmitTWAP(params TWAPParams) (int64, error) {
	inst, ok := s.registry.Get(params.Instrument)
	if !ok {
		return 0, errors.Newf(errors.CodeInstrumentNotFound, "unknown instrument: %s", params.Instrument)
	}
	totalQty, err := inst.QtyToScaled(params.Quantity)
	if err != nil {
		return 0, err
	}
	if totalQty <= 0 {
		return 0, errors.Newf(errors.CodeInvalidStrategyParams, "quantity must be positive: %s", params.Quantity)
	}
	if params.DurationMinutes <= 0 {
		return 0, errors.Newf(errors.CodeInvalidStrategyParams, "duration must be positive: %d", params.DurationMinutes)
	}
	if params.MaxParticipationRate < 0 || params.MaxParticipationRate > 1 {
		return 0, errors.Newf(errors.CodeInvalidStrategyParams, "participation rate out of range: %f", params.MaxParticipationRate)
	}

	st := &Strategy{
		ID:       s.nextID(),
		Params:   params,
		totalQty: totalQty,
		slices:   s.sliceCount(params, totalQty),
		children: make(map[int64]*childState),
		stopCh:   make(chan struct{}),
	}

	s.mu.Lock()
	s.strategies[st.ID] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(st, inst)

	s.log.Infof("twap strategy accepted", map[string]interface{}{
		"strategy_id": st.ID,
		"instrument":  params.Instrument,
		"qty":         totalQty,
		"slices":      st.slices,
	})
	return st.ID, nil
}

// sliceCount 切片数：满足参与率约束的最小切片数，受一分钟粒度上限约束。
// 无成交量数据或未设参与率时按最细粒度切片。
func (s *Scheduler) sliceCount(params TWAPParams, totalQty int64) int {
	n := params.DurationMinutes
	if params.MaxParticipationRate <= 0 || s.volumes == nil {
		return n
	}
	vol, ok := s.volumes.RecentVolume(params.Instrument)
	if !ok || vol <= 0 {
		return n
	}
	maxChild := int64(params.MaxParticipationRate * float64(vol))
	if maxChild < 1 {
		return n
	}
	need := int((totalQty + maxChild - 1) / maxChild)
	if need < 1 {
		need = 1
	}
	if need > n {
		need = n
	}
	return need
}

func (s *Scheduler) run(st *Strategy, inst *instrument.Instrument) {
	defer s.wg.Done()

	window := time.Duration(st.Params.DurationMinutes) * s.granularity
	interval := window / time.Duration(st.slices)

	if s.submitSlice(st, inst) {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopCh:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.submitSlice(st, inst) {
				return
			}
		}
	}
}

// submitSlice 发出下一个切片，返回 true 表示母单不再产生切片
func (s *Scheduler) submitSlice(st *Strategy, inst *instrument.Instrument) bool {
	s.mu.Lock()
	if st.canceled {
		s.mu.Unlock()
		return true
	}
	remainingSlices := st.slices - st.slicesDone
	remaining := st.totalQty - st.submittedQty
	if remainingSlices <= 0 || remaining <= 0 {
		s.mu.Unlock()
		return true
	}
	qty := remaining / int64(remainingSlices)
	if remainingSlices == 1 {
		// 取整余量全部进入最后一个切片
		qty = remaining
	}
	if qty <= 0 {
		st.slicesDone++
		done := st.slicesDone >= st.slices
		s.mu.Unlock()
		return done
	}
	s.mu.Unlock()

	req := &gateway.SubmitRequest{
		AccountID:  st.Params.AccountID,
		Instrument: st.Params.Instrument,
		Side:       st.Params.Side,
		Quantity:   inst.QtyFromScaled(qty).String(),
		StrategyID: st.ID,
	}
	if st.Params.LimitPrice != "" {
		req.Type = "LIMIT"
		req.Price = st.Params.LimitPrice
	} else {
		req.Type = "MARKET"
	}

	resp, err := s.submit(s.ctx, req)
	if err != nil {
		// 本切片失败不扣减余量，下个节拍带上重试
		s.log.Warnf("twap slice rejected", map[string]interface{}{
			"strategy_id": st.ID,
			"qty":         qty,
			"error":       err.Error(),
		})
		s.mu.Lock()
		st.slicesDone++
		done := st.slicesDone >= st.slices
		s.mu.Unlock()
		return done
	}

	metrics.IncTWAPSlices()

	s.mu.Lock()
	st.submittedQty += qty
	st.slicesDone++
	st.children[resp.OrderID] = &childState{orderID: resp.OrderID}
	done := st.slicesDone >= st.slices || st.submittedQty >= st.totalQty
	s.mu.Unlock()
	return done
}

// CancelStrategy 撤母单：停止后续切片并撤掉未终态子单，已成交部分不回滚
func (s *Scheduler) CancelStrategy(ctx context.Context, strategyID int64) error {
	s.mu.Lock()
	st, ok := s.strategies[strategyID]
	if !ok {
		s.mu.Unlock()
		return errors.Newf(errors.CodeStrategyNotFound, "strategy not found: %d", strategyID)
	}
	if st.canceled {
		s.mu.Unlock()
		return errors.Newf(errors.CodeStrategyAlreadyStopped, "strategy already canceled: %d", strategyID)
	}
	st.canceled = true
	open := make([]*childState, 0, len(st.children))
	for _, c := range st.children {
		if !c.terminal {
			open = append(open, c)
		}
	}
	accountID := st.Params.AccountID
	s.mu.Unlock()

	st.stopOnce.Do(func() { close(st.stopCh) })

	for _, c := range open {
		if _, err := s.cancel(ctx, accountID, c.orderID); err != nil {
			s.log.Warnf("twap child cancel failed", map[string]interface{}{
				"strategy_id": strategyID,
				"order_id":    c.orderID,
				"error":       err.Error(),
			})
		}
	}
	return nil
}

// HandleEvent 消费引擎事件，维护母单聚合成交量与子单终态
func (s *Scheduler) HandleEvent(ev *engine.Event) {
	var strategyID, orderID, executed int64
	terminal := false
	switch ev.Type {
	case engine.EventOrderFilled:
		d := ev.Data.(*engine.OrderFilledData)
		strategyID, orderID, executed, terminal = d.StrategyID, d.OrderID, d.ExecutedQty, true
	case engine.EventOrderPartiallyFilled:
		d := ev.Data.(*engine.OrderPartiallyFilledData)
		strategyID, orderID, executed = d.StrategyID, d.OrderID, d.ExecutedQty
	case engine.EventOrderCanceled:
		d := ev.Data.(*engine.OrderCanceledData)
		strategyID, orderID, terminal = d.StrategyID, d.OrderID, true
	case engine.EventOrderRejected:
		d := ev.Data.(*engine.OrderRejectedData)
		strategyID, orderID, terminal = d.StrategyID, d.OrderID, true
	default:
		return
	}
	if strategyID == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return
	}
	c, ok := st.children[orderID]
	if !ok {
		c = &childState{orderID: orderID}
		st.children[orderID] = c
	}
	if executed > c.executed {
		st.filledQty += executed - c.executed
		c.executed = executed
	}
	if terminal {
		c.terminal = true
	}
}

// Snapshot 读取母单当前状态
func (s *Scheduler) Snapshot(strategyID int64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[strategyID]
	if !ok {
		return nil, errors.Newf(errors.CodeStrategyNotFound, "strategy not found: %d", strategyID)
	}
	snap := &Snapshot{
		ID:           st.ID,
		Instrument:   st.Params.Instrument,
		TotalQty:     st.totalQty,
		SubmittedQty: st.submittedQty,
		FilledQty:    st.filledQty,
		Slices:       st.slices,
		SlicesDone:   st.slicesDone,
		State:        st.state(),
		ChildOrders:  make([]int64, 0, len(st.children)),
	}
	for id := range st.children {
		snap.ChildOrders = append(snap.ChildOrders, id)
	}
	return snap, nil
}

// state 派生母单状态，调用方需持有锁
func (st *Strategy) state() string {
	if st.canceled {
		return StateCanceled
	}
	if st.filledQty >= st.totalQty {
		return StateFilled
	}
	if st.slicesDone >= st.slices && st.childrenTerminal() {
		return StatePartiallyFilled
	}
	return StateActive
}

func (st *Strategy) childrenTerminal() bool {
	for _, c := range st.children {
		if !c.terminal {
			return false
		}
	}
	return true
}

// Stop 停止全部母单调度
func (s *Scheduler) Stop() {
	s.cancelFn()
	s.wg.Wait()
}

// Package engine 撮合引擎
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/metrics"
	"github.com/carbonex/engine/internal/orderbook"
)

// CommandType 命令类型
type CommandType int

const (
	CmdNewOrder CommandType = iota + 1
	CmdCancelOrder
	CmdRestoreOrder
)

// 订单类型
const (
	OrderTypeLimit     = 1
	OrderTypeMarket    = 2
	OrderTypeStopLimit = 3
)

// 有效期策略
const (
	TIFGTC = 1
	TIFIOC = 2
	TIFFOK = 3
)

// 事件原因码
const (
	ReasonIOCExpired            = "IOC_EXPIRED"
	ReasonNoLiquidity           = "NO_LIQUIDITY"
	ReasonInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	ReasonUserCanceled          = "USER_CANCELED"
	ReasonSelfMatch             = "SELF_MATCH"
	ReasonAlreadyTerminal       = "ALREADY_TERMINAL"
	ReasonMarketClosed          = "MARKET_CLOSED"
	ReasonEngineHalted          = "ENGINE_HALTED"
	ReasonInvalidQuantity       = "INVALID_QUANTITY"
)

// Command 撮合命令
type Command struct {
	Type          CommandType
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	Instrument    string
	Side          orderbook.Side
	OrderType     int // 1=LIMIT, 2=MARKET, 3=STOP_LIMIT
	TimeInForce   int // 1=GTC, 2=IOC, 3=FOK
	Price         int64
	StopPrice     int64
	Qty           int64
	LeavesQty     int64 // 仅恢复命令使用，回填未成交量
	StrategyID    int64 // 父策略单 ID，0 表示独立订单
}

// EventType 事件类型
type EventType int

const (
	EventOrderAccepted EventType = iota + 1
	EventOrderRejected
	EventOrderCanceled
	EventTradeCreated
	EventOrderFilled
	EventOrderPartiallyFilled
	EventStopTriggered
	EventQuote
	EventEngineHalted
)

// Event 撮合事件
type Event struct {
	Type       EventType
	Instrument string
	Seq        int64
	Timestamp  int64
	Data       interface{}
}

// OrderAcceptedData 订单接受事件数据
type OrderAcceptedData struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	Side          orderbook.Side
	Price         int64
	StopPrice     int64 // 非零表示止损单休眠中
	Qty           int64
	StrategyID    int64
}

// OrderRejectedData 订单拒绝事件数据
type OrderRejectedData struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	StrategyID    int64
	Reason        string
}

// OrderCanceledData 订单取消事件数据
type OrderCanceledData struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	StrategyID    int64
	LeavesQty     int64
	Reason        string
}

// TradeCreatedData 成交事件数据
type TradeCreatedData struct {
	TradeID        int64
	MakerOrderID   int64
	TakerOrderID   int64
	MakerAccountID int64
	TakerAccountID int64
	Price          int64
	Qty            int64
	TakerSide      orderbook.Side
}

// OrderFilledData 订单完全成交事件数据
type OrderFilledData struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	StrategyID    int64
	ExecutedQty   int64
}

// OrderPartiallyFilledData 订单部分成交事件数据
type OrderPartiallyFilledData struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	StrategyID    int64
	ExecutedQty   int64
	LeavesQty     int64
}

// StopTriggeredData 止损单触发事件数据
type StopTriggeredData struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	StopPrice     int64
	LimitPrice    int64
	TriggerPrice  int64
}

// QuoteData 行情快照事件数据
type QuoteData struct {
	BidPrice  int64
	BidQty    int64
	AskPrice  int64
	AskQty    int64
	LastPrice int64
}

// EngineHaltedData 引擎熔断事件数据
type EngineHaltedData struct {
	Reason string
}

// stopOrder 休眠中的止损限价单
type stopOrder struct {
	cmd      *Command
	parkedAt int64
}

// Engine 单合约撮合引擎。命令串行处理，事件按序号递增发布。
type Engine struct {
	instrumentKey string
	book          *orderbook.OrderBook
	calendar      *instrument.Calendar

	// 休眠止损单，按停靠顺序触发
	stops     map[int64]*stopOrder
	stopQueue []int64

	lastPrice int64
	halted    bool

	cmdCh   chan *Command
	eventCh chan *Event

	seq int64
	mu  sync.Mutex

	nextID func() int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine 创建撮合引擎。nextID 用于成交 ID，calendar 为 nil 表示不做开闭市检查。
func NewEngine(instrumentKey string, cal *instrument.Calendar, nextID func() int64, cmdBufferSize, eventBufferSize int) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		instrumentKey: instrumentKey,
		book:          orderbook.NewOrderBook(instrumentKey, nextID),
		calendar:      cal,
		stops:         make(map[int64]*stopOrder),
		cmdCh:         make(chan *Command, cmdBufferSize),
		eventCh:       make(chan *Event, eventBufferSize),
		nextID:        nextID,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 启动引擎
func (e *Engine) Start() {
	go e.run()
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.cancel()
}

// Submit 提交命令
func (e *Engine) Submit(cmd *Command) error {
	select {
	case <-e.ctx.Done():
		return fmt.Errorf("engine stopped")
	default:
	}

	select {
	case e.cmdCh <- cmd:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("engine stopped")
	default:
		return fmt.Errorf("command queue full")
	}
}

// Events 获取事件通道
func (e *Engine) Events() <-chan *Event {
	return e.eventCh
}

func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Instrument 合约键
func (e *Engine) Instrument() string {
	return e.instrumentKey
}

// Depth 获取深度
func (e *Engine) Depth(limit int) (bids, asks []orderbook.PriceQty) {
	return e.book.Depth(limit)
}

// Halted 引擎是否已熔断
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) run() {
	for {
		select {
		case cmd := <-e.cmdCh:
			e.processCommand(cmd)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) processCommand(cmd *Command) {
	start := time.Now()
	defer func() {
		metrics.ObserveMatchingLatency(time.Since(start))
	}()

	switch cmd.Type {
	case CmdNewOrder:
		e.processNewOrder(cmd)
	case CmdCancelOrder:
		e.processCancelOrder(cmd)
	case CmdRestoreOrder:
		e.processRestoreOrder(cmd)
	}
}

// processRestoreOrder 启动恢复时直接回填订单簿，不经过撮合和开闭市检查
func (e *Engine) processRestoreOrder(cmd *Command) {
	leaves := cmd.LeavesQty
	if leaves <= 0 {
		leaves = cmd.Qty
	}
	if leaves <= 0 {
		return
	}

	e.book.AddOrder(&orderbook.Order{
		OrderID:       cmd.OrderID,
		AccountID:     cmd.AccountID,
		ClientOrderID: cmd.ClientOrderID,
		Instrument:    cmd.Instrument,
		Side:          cmd.Side,
		Price:         cmd.Price,
		OrigQty:       cmd.Qty,
		LeavesQty:     leaves,
		TimeInForce:   cmd.TimeInForce,
		Timestamp:     time.Now().UnixNano(),
	})
	e.emitQuote()
}

func (e *Engine) processNewOrder(cmd *Command) {
	if e.Halted() {
		e.reject(cmd, ReasonEngineHalted)
		return
	}

	if cmd.Qty <= 0 {
		e.reject(cmd, ReasonInvalidQuantity)
		return
	}

	if e.calendar != nil && !e.calendar.IsOpen(time.Now()) {
		e.reject(cmd, ReasonMarketClosed)
		return
	}

	// 止损限价单：未触发则休眠停靠，不进订单簿
	if cmd.OrderType == OrderTypeStopLimit && !e.stopTriggered(cmd.Side, cmd.StopPrice) {
		e.parkStop(cmd)
		return
	}

	e.matchOrder(cmd)
	e.emitQuote()
}

// stopTriggered 止损触发条件：买单 last≥stop，卖单 last≤stop。无成交价不触发。
func (e *Engine) stopTriggered(side orderbook.Side, stopPrice int64) bool {
	if e.lastPrice == 0 {
		return false
	}
	if side == orderbook.SideBuy {
		return e.lastPrice >= stopPrice
	}
	return e.lastPrice <= stopPrice
}

func (e *Engine) parkStop(cmd *Command) {
	e.stops[cmd.OrderID] = &stopOrder{cmd: cmd, parkedAt: time.Now().UnixNano()}
	e.stopQueue = append(e.stopQueue, cmd.OrderID)

	e.emit(EventOrderAccepted, &OrderAcceptedData{
		OrderID:       cmd.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		AccountID:     cmd.AccountID,
		Side:          cmd.Side,
		Price:         cmd.Price,
		StopPrice:     cmd.StopPrice,
		Qty:           cmd.Qty,
		StrategyID:    cmd.StrategyID,
	})
}

// matchOrder 执行撮合主流程，含 FOK 预检、自成交撤单、止损级联触发。
func (e *Engine) matchOrder(cmd *Command) {
	order := &orderbook.Order{
		OrderID:       cmd.OrderID,
		AccountID:     cmd.AccountID,
		ClientOrderID: cmd.ClientOrderID,
		Instrument:    cmd.Instrument,
		Side:          cmd.Side,
		Price:         cmd.Price,
		OrigQty:       cmd.Qty,
		LeavesQty:     cmd.Qty,
		TimeInForce:   cmd.TimeInForce,
		Timestamp:     time.Now().UnixNano(),
	}

	// 市价单无价格限制
	if cmd.OrderType == OrderTypeMarket {
		order.Price = 0
	}

	// FOK：流动性不足则整单拒绝，零成交
	if cmd.TimeInForce == TIFFOK {
		if e.book.MatchableQty(order) < order.LeavesQty {
			e.reject(cmd, ReasonInsufficientLiquidity)
			return
		}
	}

	result := e.book.Match(order)

	// 自成交防护撤销的被动方挂单
	for _, canceled := range result.SelfMatchCancels {
		e.emit(EventOrderCanceled, &OrderCanceledData{
			OrderID:       canceled.OrderID,
			ClientOrderID: canceled.ClientOrderID,
			AccountID:     canceled.AccountID,
			LeavesQty:     canceled.LeavesQty,
			Reason:        ReasonSelfMatch,
		})
	}

	for _, trade := range result.Trades {
		e.lastPrice = trade.Price
		e.emit(EventTradeCreated, &TradeCreatedData{
			TradeID:        trade.TradeID,
			MakerOrderID:   trade.MakerOrderID,
			TakerOrderID:   trade.TakerOrderID,
			MakerAccountID: trade.MakerAccountID,
			TakerAccountID: trade.TakerAccountID,
			Price:          trade.Price,
			Qty:            trade.Qty,
			TakerSide:      trade.TakerSide,
		})
	}

	for _, maker := range result.MakerUpdates {
		if maker.LeavesQty < 0 {
			e.halt(fmt.Sprintf("maker order %d negative leaves qty %d", maker.OrderID, maker.LeavesQty))
			return
		}
		if maker.LeavesQty == 0 {
			e.emit(EventOrderFilled, &OrderFilledData{
				OrderID:       maker.OrderID,
				ClientOrderID: maker.ClientOrderID,
				AccountID:     maker.AccountID,
				ExecutedQty:   maker.OrigQty,
			})
		} else {
			e.emit(EventOrderPartiallyFilled, &OrderPartiallyFilledData{
				OrderID:       maker.OrderID,
				ClientOrderID: maker.ClientOrderID,
				AccountID:     maker.AccountID,
				ExecutedQty:   maker.OrigQty - maker.LeavesQty,
				LeavesQty:     maker.LeavesQty,
			})
		}
	}

	if order.LeavesQty < 0 {
		e.halt(fmt.Sprintf("taker order %d negative leaves qty %d", order.OrderID, order.LeavesQty))
		return
	}

	executedQty := order.OrigQty - order.LeavesQty

	switch {
	case result.TakerFilled:
		e.emit(EventOrderFilled, &OrderFilledData{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			AccountID:     order.AccountID,
			StrategyID:    cmd.StrategyID,
			ExecutedQty:   executedQty,
		})

	case executedQty > 0:
		e.emit(EventOrderPartiallyFilled, &OrderPartiallyFilledData{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			AccountID:     order.AccountID,
			StrategyID:    cmd.StrategyID,
			ExecutedQty:   executedQty,
			LeavesQty:     order.LeavesQty,
		})

		switch {
		case cmd.TimeInForce == TIFIOC:
			e.cancelRemainder(cmd, order.LeavesQty, ReasonIOCExpired)
		case cmd.OrderType == OrderTypeMarket:
			// 市价单不挂簿，剩余取消
			e.cancelRemainder(cmd, order.LeavesQty, ReasonNoLiquidity)
		default:
			e.rest(order, cmd)
		}

	default: // 零成交
		switch {
		case cmd.TimeInForce == TIFIOC:
			e.reject(cmd, ReasonNoLiquidity)
		case cmd.OrderType == OrderTypeMarket:
			e.reject(cmd, ReasonNoLiquidity)
		default:
			e.rest(order, cmd)
		}
	}

	if len(result.Trades) > 0 {
		e.triggerStops()
	}
}

func (e *Engine) rest(order *orderbook.Order, cmd *Command) {
	e.book.AddOrder(order)
	e.emit(EventOrderAccepted, &OrderAcceptedData{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		AccountID:     order.AccountID,
		Side:          order.Side,
		Price:         order.Price,
		Qty:           order.LeavesQty,
		StrategyID:    cmd.StrategyID,
	})
}

func (e *Engine) cancelRemainder(cmd *Command, leavesQty int64, reason string) {
	e.emit(EventOrderCanceled, &OrderCanceledData{
		OrderID:       cmd.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		AccountID:     cmd.AccountID,
		StrategyID:    cmd.StrategyID,
		LeavesQty:     leavesQty,
		Reason:        reason,
	})
}

func (e *Engine) reject(cmd *Command, reason string) {
	e.emit(EventOrderRejected, &OrderRejectedData{
		OrderID:       cmd.OrderID,
		ClientOrderID: cmd.ClientOrderID,
		AccountID:     cmd.AccountID,
		StrategyID:    cmd.StrategyID,
		Reason:        reason,
	})
}

// triggerStops 成交后扫描休眠止损单，触发转为限价并立即撮合。
// 转换单向，不可回退。级联成交可能触发更多止损，循环至稳定。
func (e *Engine) triggerStops() {
	for {
		var triggered []*stopOrder
		remaining := e.stopQueue[:0]
		for _, id := range e.stopQueue {
			so, ok := e.stops[id]
			if !ok {
				continue
			}
			if e.stopTriggered(so.cmd.Side, so.cmd.StopPrice) {
				triggered = append(triggered, so)
				delete(e.stops, id)
			} else {
				remaining = append(remaining, id)
			}
		}
		e.stopQueue = remaining

		if len(triggered) == 0 {
			return
		}

		for _, so := range triggered {
			e.emit(EventStopTriggered, &StopTriggeredData{
				OrderID:       so.cmd.OrderID,
				ClientOrderID: so.cmd.ClientOrderID,
				AccountID:     so.cmd.AccountID,
				StopPrice:     so.cmd.StopPrice,
				LimitPrice:    so.cmd.Price,
				TriggerPrice:  e.lastPrice,
			})

			limitCmd := *so.cmd
			limitCmd.OrderType = OrderTypeLimit
			limitCmd.StopPrice = 0
			e.matchOrder(&limitCmd)

			if e.Halted() {
				return
			}
		}
	}
}

func (e *Engine) processCancelOrder(cmd *Command) {
	// 休眠止损单可按 ID 撤销
	if so, ok := e.stops[cmd.OrderID]; ok {
		delete(e.stops, cmd.OrderID)
		e.emit(EventOrderCanceled, &OrderCanceledData{
			OrderID:       so.cmd.OrderID,
			ClientOrderID: so.cmd.ClientOrderID,
			AccountID:     so.cmd.AccountID,
			StrategyID:    so.cmd.StrategyID,
			LeavesQty:     so.cmd.Qty,
			Reason:        ReasonUserCanceled,
		})
		e.emitQuote()
		return
	}

	order := e.book.RemoveOrder(cmd.OrderID)
	if order == nil {
		// 已成交或不存在：幂等，返回终态取消
		e.emit(EventOrderCanceled, &OrderCanceledData{
			OrderID:       cmd.OrderID,
			ClientOrderID: cmd.ClientOrderID,
			AccountID:     cmd.AccountID,
			LeavesQty:     0,
			Reason:        ReasonAlreadyTerminal,
		})
		return
	}

	e.emit(EventOrderCanceled, &OrderCanceledData{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		AccountID:     order.AccountID,
		LeavesQty:     order.LeavesQty,
		Reason:        ReasonUserCanceled,
	})
	e.emitQuote()
}

// halt 不变式被破坏时熔断：停止受理新单，保留订单簿现场
func (e *Engine) halt(reason string) {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()

	e.emit(EventEngineHalted, &EngineHaltedData{Reason: reason})
}

func (e *Engine) emitQuote() {
	bidPrice, bidQty, _ := e.book.BestBid()
	askPrice, askQty, _ := e.book.BestAsk()
	e.emit(EventQuote, &QuoteData{
		BidPrice:  bidPrice,
		BidQty:    bidQty,
		AskPrice:  askPrice,
		AskQty:    askQty,
		LastPrice: e.lastPrice,
	})
}

func (e *Engine) emit(eventType EventType, data interface{}) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	event := &Event{
		Type:       eventType,
		Instrument: e.instrumentKey,
		Seq:        seq,
		Timestamp:  time.Now().UnixNano(),
		Data:       data,
	}

	select {
	case e.eventCh <- event:
	case <-e.ctx.Done():
	}
}

package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/ledger"
	"github.com/carbonex/engine/internal/orderbook"
	"github.com/carbonex/engine/internal/repository"
	"github.com/carbonex/engine/internal/risk"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
)

// RiskChecker 交易前风控检查
type RiskChecker interface {
	CheckOrder(check risk.OrderCheck) error
}

// OrderStore 订单落库接口
type OrderStore interface {
	CreateOrder(ctx context.Context, order *repository.Order) error
}

// SubmitRequest 下单请求
type SubmitRequest struct {
	AccountID     int64  `json:"account_id"`
	Instrument    string `json:"instrument"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Side          string `json:"side"`          // BUY / SELL
	Type          string `json:"type"`          // LIMIT / MARKET / STOP_LIMIT
	TimeInForce   string `json:"time_in_force"` // GTC / IOC / FOK，默认 GTC
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	Quantity      string `json:"quantity"`
	StrategyID    int64  `json:"strategy_id,omitempty"`
}

// SubmitResponse 下单响应，状态由引擎异步推进
type SubmitResponse struct {
	OrderID       int64  `json:"order_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Instrument    string `json:"instrument"`
	Status        string `json:"status"`
}

// CancelResponse 撤单响应
type CancelResponse struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// OrderState 网关维护的订单视图，由引擎事件驱动更新
type OrderState struct {
	OrderID       int64
	ClientOrderID string
	AccountID     int64
	Instrument    string
	Status        int
	ExecutedQty   int64
	LeavesQty     int64
	Reason        string
}

// Gateway 订单网关。所有入场订单走同一条路径：
// 校验 -> 幂等 -> 合规 -> 风控 -> 落库 -> 路由到对应合约引擎。
type Gateway struct {
	registry   *instrument.Registry
	engines    *engine.Manager
	riskEngine RiskChecker
	compliance ComplianceChecker
	store      OrderStore
	quotes     ledger.QuoteSource
	nextID     func() int64
	log        *logger.Logger

	mu        sync.RWMutex
	clientIDs map[int64]map[string]int64
	orders    map[int64]*OrderState
}

// NewGateway 创建网关。compliance、store、quotes 允许为 nil（对应环节跳过）。
func NewGateway(
	registry *instrument.Registry,
	engines *engine.Manager,
	riskEngine RiskChecker,
	compliance ComplianceChecker,
	store OrderStore,
	quotes ledger.QuoteSource,
	nextID func() int64,
	log *logger.Logger,
) *Gateway {
	return &Gateway{
		registry:   registry,
		engines:    engines,
		riskEngine: riskEngine,
		compliance: compliance,
		store:      store,
		quotes:     quotes,
		nextID:     nextID,
		log:        log,
		clientIDs:  make(map[int64]map[string]int64),
		orders:     make(map[int64]*OrderState),
	}
}

// Submit 下单主流程
func (g *Gateway) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	cmd, inst, err := g.validate(req)
	if err != nil {
		return nil, err
	}

	if req.ClientOrderID != "" {
		if err := g.reserveClientID(req.AccountID, req.ClientOrderID); err != nil {
			return nil, err
		}
	}

	if g.compliance != nil {
		if err := g.compliance.CheckOrder(ctx, req.AccountID, req); err != nil {
			g.releaseClientID(req.AccountID, req.ClientOrderID)
			g.log.Warnf("order blocked by compliance", map[string]interface{}{
				"account_id": req.AccountID,
				"instrument": req.Instrument,
				"error":      err.Error(),
			})
			return nil, err
		}
	}

	if g.riskEngine != nil {
		check := risk.OrderCheck{
			AccountID:  req.AccountID,
			Instrument: req.Instrument,
			Buy:        cmd.Side == orderbook.SideBuy,
			Qty:        inst.QtyFromScaled(cmd.Qty),
			Price:      g.effectivePrice(inst, cmd),
		}
		if err := g.riskEngine.CheckOrder(check); err != nil {
			g.releaseClientID(req.AccountID, req.ClientOrderID)
			return nil, err
		}
	}

	cmd.OrderID = g.nextID()
	now := time.Now().UnixMilli()

	if g.store != nil {
		row := &repository.Order{
			OrderID:       cmd.OrderID,
			ClientOrderID: req.ClientOrderID,
			AccountID:     req.AccountID,
			Instrument:    req.Instrument,
			Side:          int(cmd.Side),
			Type:          cmd.OrderType,
			TimeInForce:   cmd.TimeInForce,
			Price:         cmd.Price,
			StopPrice:     cmd.StopPrice,
			OrigQty:       cmd.Qty,
			LeavesQty:     cmd.Qty,
			Status:        repository.StatusInit,
			StrategyID:    cmd.StrategyID,
			CreateTimeMs:  now,
			UpdateTimeMs:  now,
		}
		if err := g.store.CreateOrder(ctx, row); err != nil {
			g.releaseClientID(req.AccountID, req.ClientOrderID)
			if err == repository.ErrDuplicateClientOrderID {
				return nil, errors.Newf(errors.CodeDuplicateClientOrderID, "duplicate client order id: %s", req.ClientOrderID)
			}
			return nil, errors.Newf(errors.CodeInternal, "persist order: %v", err)
		}
	}

	g.mu.Lock()
	if req.ClientOrderID != "" {
		g.clientIDs[req.AccountID][req.ClientOrderID] = cmd.OrderID
	}
	g.orders[cmd.OrderID] = &OrderState{
		OrderID:       cmd.OrderID,
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Status:        repository.StatusInit,
		LeavesQty:     cmd.Qty,
	}
	g.mu.Unlock()

	eng := g.engines.GetOrCreate(req.Instrument)
	if err := eng.Submit(cmd); err != nil {
		g.releaseClientID(req.AccountID, req.ClientOrderID)
		g.mu.Lock()
		delete(g.orders, cmd.OrderID)
		g.mu.Unlock()
		return nil, errors.Newf(errors.CodeSystemBusy, "submit to engine: %v", err)
	}

	return &SubmitResponse{
		OrderID:       cmd.OrderID,
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Status:        "PENDING",
	}, nil
}

// Cancel 撤单。撤已终态订单返回成功且不产生任何状态变化。
func (g *Gateway) Cancel(ctx context.Context, accountID, orderID int64) (*CancelResponse, error) {
	g.mu.RLock()
	state, ok := g.orders[orderID]
	g.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeOrderNotFound, "order not found: %d", orderID)
	}
	if state.AccountID != accountID {
		return nil, errors.Newf(errors.CodeOrderNotFound, "order not found: %d", orderID)
	}
	if repository.IsTerminal(state.Status) {
		return &CancelResponse{OrderID: orderID, Status: "ALREADY_TERMINAL"}, nil
	}

	eng, ok := g.engines.Get(state.Instrument)
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "engine missing for %s", state.Instrument)
	}
	err := eng.Submit(&engine.Command{
		Type:       engine.CmdCancelOrder,
		OrderID:    orderID,
		AccountID:  accountID,
		Instrument: state.Instrument,
	})
	if err != nil {
		return nil, errors.Newf(errors.CodeSystemBusy, "submit cancel: %v", err)
	}
	return &CancelResponse{OrderID: orderID, Status: "CANCEL_PENDING"}, nil
}

// Restore 回填历史订单的内存状态，启动恢复时调用。
// 不校验不落库，仅重建 clientOrderId 去重表与状态表。
func (g *Gateway) Restore(state *OrderState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state.ClientOrderID != "" {
		ids, ok := g.clientIDs[state.AccountID]
		if !ok {
			ids = make(map[string]int64)
			g.clientIDs[state.AccountID] = ids
		}
		ids[state.ClientOrderID] = state.OrderID
	}
	cp := *state
	g.orders[state.OrderID] = &cp
}

// Order 查询网关内存中的订单视图
func (g *Gateway) Order(orderID int64) (*OrderState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	state, ok := g.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *state
	return &cp, true
}

// HandleEvent 消费引擎事件，推进网关内订单视图
func (g *Gateway) HandleEvent(ev *engine.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch ev.Type {
	case engine.EventOrderAccepted:
		d := ev.Data.(*engine.OrderAcceptedData)
		// 恢复重放的部分成交单不回退到 NEW
		if st, ok := g.orders[d.OrderID]; ok && st.Status == repository.StatusInit {
			st.Status = repository.StatusNew
		}
	case engine.EventOrderRejected:
		d := ev.Data.(*engine.OrderRejectedData)
		if st, ok := g.orders[d.OrderID]; ok {
			st.Status = repository.StatusRejected
			st.Reason = d.Reason
			st.LeavesQty = 0
		}
	case engine.EventOrderCanceled:
		d := ev.Data.(*engine.OrderCanceledData)
		if st, ok := g.orders[d.OrderID]; ok && !repository.IsTerminal(st.Status) {
			st.Status = repository.StatusCanceled
			st.Reason = d.Reason
			st.LeavesQty = 0
		}
	case engine.EventOrderFilled:
		d := ev.Data.(*engine.OrderFilledData)
		if st, ok := g.orders[d.OrderID]; ok {
			st.Status = repository.StatusFilled
			st.ExecutedQty = d.ExecutedQty
			st.LeavesQty = 0
		}
	case engine.EventOrderPartiallyFilled:
		d := ev.Data.(*engine.OrderPartiallyFilledData)
		if st, ok := g.orders[d.OrderID]; ok {
			st.Status = repository.StatusPartiallyFilled
			st.ExecutedQty = d.ExecutedQty
			st.LeavesQty = d.LeavesQty
		}
	}
}

// validate 请求校验并转换为引擎命令
func (g *Gateway) validate(req *SubmitRequest) (*engine.Command, *instrument.Instrument, error) {
	inst, ok := g.registry.Get(req.Instrument)
	if !ok {
		return nil, nil, errors.Newf(errors.CodeInstrumentNotFound, "unknown instrument: %s", req.Instrument)
	}
	if inst.Status != instrument.StatusTrading {
		return nil, nil, errors.Newf(errors.CodeInstrumentNotTrading, "instrument not trading: %s", req.Instrument)
	}

	var side orderbook.Side
	switch strings.ToUpper(req.Side) {
	case "BUY":
		side = orderbook.SideBuy
	case "SELL":
		side = orderbook.SideSell
	default:
		return nil, nil, errors.Newf(errors.CodeInvalidSide, "invalid side: %s", req.Side)
	}

	var orderType int
	switch strings.ToUpper(req.Type) {
	case "LIMIT":
		orderType = engine.OrderTypeLimit
	case "MARKET":
		orderType = engine.OrderTypeMarket
	case "STOP_LIMIT":
		orderType = engine.OrderTypeStopLimit
	default:
		return nil, nil, errors.Newf(errors.CodeInvalidOrderType, "invalid order type: %s", req.Type)
	}

	tif := engine.TIFGTC
	switch strings.ToUpper(req.TimeInForce) {
	case "", "GTC":
		tif = engine.TIFGTC
	case "IOC":
		tif = engine.TIFIOC
	case "FOK":
		tif = engine.TIFFOK
	default:
		return nil, nil, errors.Newf(errors.CodeInvalidTimeInForce, "invalid time in force: %s", req.TimeInForce)
	}

	qty, err := inst.QtyToScaled(req.Quantity)
	if err != nil {
		return nil, nil, err
	}
	if qty <= 0 {
		return nil, nil, errors.Newf(errors.CodeInvalidQuantity, "quantity must be positive: %s", req.Quantity)
	}

	var price int64
	switch orderType {
	case engine.OrderTypeLimit, engine.OrderTypeStopLimit:
		price, err = inst.PriceToScaled(req.Price)
		if err != nil {
			return nil, nil, err
		}
		if price <= 0 {
			return nil, nil, errors.Newf(errors.CodeInvalidPrice, "limit price must be positive: %s", req.Price)
		}
	case engine.OrderTypeMarket:
		if req.Price != "" {
			return nil, nil, errors.New(errors.CodeInvalidPrice, "market order must not carry a price")
		}
	}

	var stopPrice int64
	if orderType == engine.OrderTypeStopLimit {
		stopPrice, err = inst.PriceToScaled(req.StopPrice)
		if err != nil {
			return nil, nil, errors.Newf(errors.CodeInvalidStopPrice, "invalid stop price: %s", req.StopPrice)
		}
		if stopPrice <= 0 {
			return nil, nil, errors.Newf(errors.CodeInvalidStopPrice, "stop price must be positive: %s", req.StopPrice)
		}
	} else if req.StopPrice != "" {
		return nil, nil, errors.New(errors.CodeInvalidStopPrice, "stop price only valid for stop-limit orders")
	}

	return &engine.Command{
		Type:          engine.CmdNewOrder,
		ClientOrderID: req.ClientOrderID,
		AccountID:     req.AccountID,
		Instrument:    req.Instrument,
		Side:          side,
		OrderType:     orderType,
		TimeInForce:   tif,
		Price:         price,
		StopPrice:     stopPrice,
		Qty:           qty,
		StrategyID:    req.StrategyID,
	}, inst, nil
}

// effectivePrice 风控估值价：限价单用限价，市价单用最新行情
func (g *Gateway) effectivePrice(inst *instrument.Instrument, cmd *engine.Command) decimal.Decimal {
	if cmd.Price > 0 {
		return inst.PriceFromScaled(cmd.Price)
	}
	if g.quotes != nil {
		if last, ok := g.quotes.LastPrice(cmd.Instrument); ok {
			return last
		}
	}
	return decimal.Zero
}

func (g *Gateway) reserveClientID(accountID int64, clientOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, ok := g.clientIDs[accountID]
	if !ok {
		ids = make(map[string]int64)
		g.clientIDs[accountID] = ids
	}
	if _, exists := ids[clientOrderID]; exists {
		return errors.Newf(errors.CodeDuplicateClientOrderID, "duplicate client order id: %s", clientOrderID)
	}
	ids[clientOrderID] = 0
	return nil
}

func (g *Gateway) releaseClientID(accountID int64, clientOrderID string) {
	if clientOrderID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ids, ok := g.clientIDs[accountID]; ok {
		delete(ids, clientOrderID)
	}
}

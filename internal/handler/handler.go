// Package handler 消息处理：订单流入场与引擎事件出场
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/gateway"
	"github.com/carbonex/engine/internal/metrics"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/health"
	"github.com/carbonex/engine/pkg/logger"
)

// Submitter 订单入场接口。流里进来的订单同样走网关的
// 合规与风控路径，不直接触达引擎。
type Submitter interface {
	Submit(ctx context.Context, req *gateway.SubmitRequest) (*gateway.SubmitResponse, error)
	Cancel(ctx context.Context, accountID, orderID int64) (*gateway.CancelResponse, error)
}

// EventSink 进程内事件消费方（账本、风控、行情、网关视图）
type EventSink func(ev *engine.Event)

// OrderMessage 订单消息（从 Redis Stream 接收）
type OrderMessage struct {
	Type          string `json:"type"`              // NEW / CANCEL
	OrderID       int64  `json:"orderId,omitempty"` // 撤单用
	ClientOrderID string `json:"clientOrderId,omitempty"`
	AccountID     int64  `json:"accountId"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	TimeInForce   string `json:"timeInForce"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	Qty           string `json:"qty"`
	StrategyID    int64  `json:"strategyId,omitempty"`
}

// EventMessage 事件消息（发送到 Redis Stream）
type EventMessage struct {
	Type       string      `json:"type"`
	Instrument string      `json:"instrument"`
	Seq        int64       `json:"seq"`
	Timestamp  int64       `json:"timestamp"`
	Data       interface{} `json:"data"`
}

const (
	defaultMaxStreamRetries = 10
	defaultClaimMinIdle     = 30 * time.Second
)

// Config 配置
type Config struct {
	OrderStream string
	EventStream string
	Group       string
	Consumer    string
	DedupeTTL   time.Duration
	Logger      *logger.Logger
}

// Handler 消息处理器
type Handler struct {
	redis    *redis.Client
	admitter Submitter
	log      *logger.Logger

	orderStream string
	eventStream string
	group       string
	consumer    string
	dedupeTTL   time.Duration

	sinkMu sync.RWMutex
	sinks  []EventSink

	ctxMu sync.RWMutex
	ctx   context.Context

	forwardWg sync.WaitGroup
	loop      health.LoopMonitor
}

// NewHandler 创建处理器
func NewHandler(redisClient *redis.Client, admitter Submitter, cfg *Config) *Handler {
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("handler", nil)
	}
	return &Handler{
		redis:       redisClient,
		admitter:    admitter,
		log:         log,
		orderStream: cfg.OrderStream,
		eventStream: cfg.EventStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		dedupeTTL:   dedupeTTL,
	}
}

// AddSink 注册进程内事件消费方，需在 AttachEngine 之前调用
func (h *Handler) AddSink(sink EventSink) {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// Start 启动消费循环
func (h *Handler) Start(ctx context.Context) error {
	err := h.redis.XGroupCreateMkStream(ctx, h.orderStream, h.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	h.ctxMu.Lock()
	h.ctx = ctx
	h.ctxMu.Unlock()

	h.loop.Tick()
	go h.consumeLoop(ctx)
	return nil
}

// AttachEngine 接入一个引擎的事件转发，用作引擎管理器的创建回调
func (h *Handler) AttachEngine(eng *engine.Engine) {
	h.ctxMu.RLock()
	ctx := h.ctx
	h.ctxMu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	h.forwardWg.Add(1)
	go h.forwardEvents(ctx, eng)
}

// ConsumeLoopHealthy 消费循环健康状况
func (h *Handler) ConsumeLoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return h.loop.Healthy(now, maxAge)
}

func (h *Handler) consumeLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.loop.SetError(fmt.Errorf("panic: %v", r))
			h.log.Errorf("consumeLoop panic", map[string]interface{}{
				"panic": r, "stack": string(debug.Stack()),
			})
		}
	}()

	pendingTicker := time.NewTicker(30 * time.Second)
	defer pendingTicker.Stop()

	if err := h.processPending(ctx); err != nil {
		h.loop.SetError(err)
		h.log.WithError(err).Warn("process pending error")
	}

	for {
		h.loop.Tick()

		select {
		case <-ctx.Done():
			return
		case <-pendingTicker.C:
			if err := h.processPending(ctx); err != nil {
				h.loop.SetError(err)
				h.log.WithError(err).Warn("process pending error")
			}
			continue
		default:
		}

		results, err := h.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    h.group,
			Consumer: h.consumer,
			Streams:  []string{h.orderStream, ">"},
			Count:    100,
			Block:    1000 * time.Millisecond,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.loop.SetError(err)
			h.log.WithError(err).Warn("read stream error")
			continue
		}

		for _, result := range results {
			for _, msg := range result.Messages {
				h.processMessage(ctx, msg)
			}
		}
	}
}

func (h *Handler) processMessage(ctx context.Context, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		h.ack(ctx, msg.ID)
		return
	}

	var orderMsg OrderMessage
	if err := json.Unmarshal([]byte(data), &orderMsg); err != nil {
		h.log.WithError(err).Warn("unmarshal message error")
		h.ack(ctx, msg.ID)
		return
	}

	if !h.shouldProcess(ctx, &orderMsg) {
		h.ack(ctx, msg.ID)
		return
	}

	switch strings.ToUpper(orderMsg.Type) {
	case "CANCEL":
		_, err := h.admitter.Cancel(ctx, orderMsg.AccountID, orderMsg.OrderID)
		if err != nil && errors.CodeOf(err) == errors.CodeSystemBusy {
			// 引擎队列满，留在 pending 里等待重投，释放幂等键避免重投被去重拦截
			h.releaseDedupe(ctx, &orderMsg)
			metrics.IncStreamError(h.orderStream, h.group)
			return
		}
		if err != nil {
			h.log.WithError(err).WithField("orderId", orderMsg.OrderID).Warn("cancel rejected")
		}
	default:
		_, err := h.admitter.Submit(ctx, h.toSubmitRequest(&orderMsg))
		if err != nil && errors.CodeOf(err) == errors.CodeSystemBusy {
			h.releaseDedupe(ctx, &orderMsg)
			metrics.IncStreamError(h.orderStream, h.group)
			return
		}
		if err != nil {
			// 业务拒绝是终态，确认消息
			metrics.IncOrdersRejected(string(errors.CodeOf(err)))
			h.log.WithError(err).WithField("instrument", orderMsg.Instrument).Warn("order rejected")
		} else {
			metrics.IncOrdersAdmitted(orderMsg.Instrument)
		}
	}

	h.ack(ctx, msg.ID)
}

func (h *Handler) toSubmitRequest(msg *OrderMessage) *gateway.SubmitRequest {
	return &gateway.SubmitRequest{
		AccountID:     msg.AccountID,
		Instrument:    msg.Instrument,
		ClientOrderID: msg.ClientOrderID,
		Side:          msg.Side,
		Type:          msg.OrderType,
		TimeInForce:   msg.TimeInForce,
		Price:         msg.Price,
		StopPrice:     msg.StopPrice,
		Quantity:      msg.Qty,
		StrategyID:    msg.StrategyID,
	}
}

// dedupeKey 消息幂等键，NEW 用账户+clientOrderId，CANCEL 用订单号
func dedupeKey(msg *OrderMessage) string {
	switch {
	case strings.EqualFold(msg.Type, "CANCEL") && msg.OrderID > 0:
		return fmt.Sprintf("dedupe:cancel:%d", msg.OrderID)
	case msg.ClientOrderID != "":
		return fmt.Sprintf("dedupe:new:%d:%s", msg.AccountID, msg.ClientOrderID)
	}
	return ""
}

func (h *Handler) shouldProcess(ctx context.Context, msg *OrderMessage) bool {
	if h.dedupeTTL <= 0 || msg == nil {
		return true
	}
	key := dedupeKey(msg)
	if key == "" {
		return true
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := h.redis.SetNX(timeoutCtx, key, "1", h.dedupeTTL).Result()
	if err != nil {
		h.log.WithError(err).Warn("dedupe check error")
		return true
	}
	return ok
}

// releaseDedupe 把消息交还 pending 重投前释放幂等键
func (h *Handler) releaseDedupe(ctx context.Context, msg *OrderMessage) {
	if h.dedupeTTL <= 0 || msg == nil {
		return
	}
	key := dedupeKey(msg)
	if key == "" {
		return
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redis.Del(timeoutCtx, key).Err(); err != nil {
		h.log.WithError(err).Warn("dedupe release error")
	}
}

func (h *Handler) processPending(ctx context.Context) error {
	if summary, err := h.redis.XPending(ctx, h.orderStream, h.group).Result(); err == nil {
		metrics.SetStreamPending(h.orderStream, h.group, summary.Count)
	}

	pending, err := h.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: h.orderStream,
		Group:  h.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return err
	}

	var ids []string
	dlqIDs := make(map[string]int64)
	for _, entry := range pending {
		if entry.Idle >= defaultClaimMinIdle {
			ids = append(ids, entry.ID)
			if entry.RetryCount > defaultMaxStreamRetries {
				dlqIDs[entry.ID] = entry.RetryCount
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	claimed, err := h.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   h.orderStream,
		Group:    h.group,
		Consumer: h.consumer,
		MinIdle:  defaultClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return err
	}

	for _, msg := range claimed {
		if retryCount, toDLQ := dlqIDs[msg.ID]; toDLQ {
			if err := h.sendToDLQ(ctx, &msg, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
				metrics.IncStreamError(h.orderStream, h.group)
				h.log.WithError(err).Warn("send dlq error")
				continue
			}
			metrics.IncStreamDLQ(h.orderStream, h.group)
			h.ack(ctx, msg.ID)
			continue
		}
		h.processMessage(ctx, msg)
	}
	return nil
}

func (h *Handler) sendToDLQ(ctx context.Context, msg *redis.XMessage, reason string) error {
	dlqStream := h.orderStream + ":dlq"
	_, err := h.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{
			"stream":   h.orderStream,
			"msgId":    msg.ID,
			"reason":   reason,
			"data":     msg.Values["data"],
			"tsMs":     time.Now().UnixMilli(),
			"group":    h.group,
			"consumer": h.consumer,
		},
	}).Result()
	return err
}

func (h *Handler) forwardEvents(ctx context.Context, eng *engine.Engine) {
	defer h.forwardWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.Done():
			return
		case event := <-eng.Events():
			if event == nil {
				continue
			}
			h.dispatch(event)

			eventMsg := &EventMessage{
				Type:       eventTypeToString(event.Type),
				Instrument: event.Instrument,
				Seq:        event.Seq,
				Timestamp:  event.Timestamp,
				Data:       event.Data,
			}
			data, err := json.Marshal(eventMsg)
			if err != nil {
				h.log.WithError(err).Warn("marshal event error")
				continue
			}
			if err := h.publishEvent(ctx, data); err != nil && ctx.Err() == nil {
				h.log.WithError(err).Warn("send event error")
			}
		}
	}
}

func (h *Handler) dispatch(ev *engine.Event) {
	h.sinkMu.RLock()
	sinks := h.sinks
	h.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(ev)
	}
}

func (h *Handler) publishEvent(ctx context.Context, payload []byte) error {
	backoff := 200 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := h.redis.XAdd(sendCtx, &redis.XAddArgs{
			Stream: h.eventStream,
			Values: map[string]interface{}{
				"data": string(payload),
			},
		}).Result()
		cancel()
		if err == nil {
			return nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (h *Handler) ack(ctx context.Context, id string) {
	if err := h.redis.XAck(ctx, h.orderStream, h.group, id).Err(); err != nil {
		h.log.WithError(err).WithField("msgId", id).Warn("ack message error")
	}
}

// Wait 等待事件转发 goroutine 全部退出
func (h *Handler) Wait() {
	h.forwardWg.Wait()
}

func eventTypeToString(t engine.EventType) string {
	switch t {
	case engine.EventOrderAccepted:
		return "ORDER_ACCEPTED"
	case engine.EventOrderRejected:
		return "ORDER_REJECTED"
	case engine.EventOrderCanceled:
		return "ORDER_CANCELED"
	case engine.EventTradeCreated:
		return "TRADE_CREATED"
	case engine.EventOrderFilled:
		return "ORDER_FILLED"
	case engine.EventOrderPartiallyFilled:
		return "ORDER_PARTIALLY_FILLED"
	case engine.EventStopTriggered:
		return "STOP_TRIGGERED"
	case engine.EventQuote:
		return "QUOTE"
	case engine.EventEngineHalted:
		return "ENGINE_HALTED"
	default:
		return "UNKNOWN"
	}
}

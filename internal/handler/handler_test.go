package handler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/gateway"
	"github.com/carbonex/engine/internal/orderbook"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
)

type fakeAdmitter struct {
	mu      sync.Mutex
	submits []*gateway.SubmitRequest
	cancels []int64
	err     error
	called  chan struct{}
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{called: make(chan struct{}, 32)}
}

func (f *fakeAdmitter) Submit(ctx context.Context, req *gateway.SubmitRequest) (*gateway.SubmitResponse, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	err := f.err
	f.mu.Unlock()
	f.called <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &gateway.SubmitResponse{OrderID: 1, Status: "PENDING"}, nil
}

func (f *fakeAdmitter) Cancel(ctx context.Context, accountID, orderID int64) (*gateway.CancelResponse, error) {
	f.mu.Lock()
	f.cancels = append(f.cancels, orderID)
	err := f.err
	f.mu.Unlock()
	f.called <- struct{}{}
	if err != nil {
		return nil, err
	}
	return &gateway.CancelResponse{OrderID: orderID, Status: "CANCEL_PENDING"}, nil
}

func newTestHandler(t *testing.T, admitter Submitter) (*Handler, *redis.Client, context.CancelFunc) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := NewHandler(client, admitter, &Config{
		OrderStream: "carbonex:orders",
		EventStream: "carbonex:events",
		Group:       "matching",
		Consumer:    "matching-1",
		Logger:      logger.New("handler-test", nil),
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start handler: %v", err)
	}
	t.Cleanup(cancel)
	return h, client, cancel
}

func pushOrder(t *testing.T, client *redis.Client, msg *OrderMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "carbonex:orders",
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
}

func waitCalls(t *testing.T, fa *fakeAdmitter, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-fa.called:
		case <-deadline:
			t.Fatalf("timeout waiting for admitter call %d of %d", i+1, n)
		}
	}
}

func TestHandlerRoutesNewOrder(t *testing.T) {
	fa := newFakeAdmitter()
	_, client, _ := newTestHandler(t, fa)

	pushOrder(t, client, &OrderMessage{
		Type: "NEW", AccountID: 7, Instrument: "EUA-2026",
		ClientOrderID: "c-1", Side: "BUY", OrderType: "LIMIT",
		TimeInForce: "GTC", Price: "30.00", Qty: "10",
	})
	waitCalls(t, fa, 1)

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.submits) != 1 {
		t.Fatalf("expected 1 submit, got %d", len(fa.submits))
	}
	req := fa.submits[0]
	if req.AccountID != 7 || req.Instrument != "EUA-2026" || req.Side != "BUY" ||
		req.Type != "LIMIT" || req.Price != "30.00" || req.Quantity != "10" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestHandlerRoutesCancel(t *testing.T) {
	fa := newFakeAdmitter()
	_, client, _ := newTestHandler(t, fa)

	pushOrder(t, client, &OrderMessage{Type: "CANCEL", AccountID: 7, OrderID: 1234})
	waitCalls(t, fa, 1)

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.cancels) != 1 || fa.cancels[0] != 1234 {
		t.Fatalf("expected cancel of 1234, got %v", fa.cancels)
	}
}

func TestHandlerDedupesByClientOrderID(t *testing.T) {
	fa := newFakeAdmitter()
	_, client, _ := newTestHandler(t, fa)

	msg := &OrderMessage{
		Type: "NEW", AccountID: 7, Instrument: "EUA-2026",
		ClientOrderID: "dup-1", Side: "BUY", OrderType: "LIMIT", Price: "30.00", Qty: "10",
	}
	pushOrder(t, client, msg)
	pushOrder(t, client, msg)
	waitCalls(t, fa, 1)

	// 第二条被幂等键挡下，不会再触达网关
	time.Sleep(200 * time.Millisecond)
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.submits) != 1 {
		t.Fatalf("expected duplicate discarded, got %d submits", len(fa.submits))
	}
}

func TestHandlerAcksBusinessRejection(t *testing.T) {
	fa := newFakeAdmitter()
	fa.err = errors.New(errors.CodeRiskLimitExceeded, "limit breached")
	_, client, _ := newTestHandler(t, fa)

	pushOrder(t, client, &OrderMessage{
		Type: "NEW", AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", OrderType: "LIMIT", Price: "30.00", Qty: "10",
	})
	waitCalls(t, fa, 1)

	// 业务拒绝是终态，消息应被确认
	deadline := time.Now().Add(2 * time.Second)
	for {
		summary, err := client.XPending(context.Background(), "carbonex:orders", "matching").Result()
		if err == nil && summary.Count == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message still pending after rejection: %+v", summary)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandlerLeavesBusyMessagePending(t *testing.T) {
	fa := newFakeAdmitter()
	fa.err = errors.New(errors.CodeSystemBusy, "queue full")
	_, client, _ := newTestHandler(t, fa)

	pushOrder(t, client, &OrderMessage{
		Type: "NEW", AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", OrderType: "LIMIT", Price: "30.00", Qty: "10",
	})
	waitCalls(t, fa, 1)

	summary, err := client.XPending(context.Background(), "carbonex:orders", "matching").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if summary.Count != 1 {
		t.Fatalf("expected message left pending for retry, got %d", summary.Count)
	}
}

func TestHandlerBusyReleasesDedupeKey(t *testing.T) {
	fa := newFakeAdmitter()
	fa.err = errors.New(errors.CodeSystemBusy, "queue full")
	_, client, _ := newTestHandler(t, fa)

	msg := &OrderMessage{
		Type: "NEW", AccountID: 7, Instrument: "EUA-2026",
		ClientOrderID: "retry-1", Side: "BUY", OrderType: "LIMIT", Price: "30.00", Qty: "10",
	}
	pushOrder(t, client, msg)
	waitCalls(t, fa, 1)

	// 繁忙不是终态，幂等键必须释放，否则重投会被去重挡下
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.Exists(context.Background(), "dedupe:new:7:retry-1").Result()
		if err == nil && n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dedupe key not released after busy rejection")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// 引擎恢复后重投同一条消息可以正常入场
	fa.mu.Lock()
	fa.err = nil
	fa.mu.Unlock()
	pushOrder(t, client, msg)
	waitCalls(t, fa, 1)

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.submits) != 2 {
		t.Fatalf("expected redelivery to reach gateway, got %d submits", len(fa.submits))
	}
}

func TestHandlerAcksMalformedMessage(t *testing.T) {
	fa := newFakeAdmitter()
	_, client, _ := newTestHandler(t, fa)

	if err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "carbonex:orders",
		Values: map[string]interface{}{"data": "{not json"},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		summary, err := client.XPending(context.Background(), "carbonex:orders", "matching").Result()
		if err == nil && summary.Count == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("malformed message not acked")
		}
		time.Sleep(20 * time.Millisecond)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.submits) != 0 {
		t.Fatalf("expected no submits, got %d", len(fa.submits))
	}
}

func TestForwardEventsPublishesAndDispatches(t *testing.T) {
	fa := newFakeAdmitter()
	h, client, _ := newTestHandler(t, fa)

	var sinkMu sync.Mutex
	var sunk []engine.EventType
	h.AddSink(func(ev *engine.Event) {
		sinkMu.Lock()
		sunk = append(sunk, ev.Type)
		sinkMu.Unlock()
	})

	eng := engine.NewEngine("EUA-2026", nil, nil, 16, 256)
	eng.Start()
	t.Cleanup(eng.Stop)
	h.AttachEngine(eng)

	if err := eng.Submit(&engine.Command{
		Type: engine.CmdNewOrder, AccountID: 7, Instrument: "EUA-2026",
		Side: orderbook.SideBuy, OrderType: engine.OrderTypeLimit,
		TimeInForce: engine.TIFGTC, Price: 3000, Qty: 10,
	}); err != nil {
		t.Fatalf("engine submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var msgs []redis.XMessage
	for {
		var err error
		msgs, err = client.XRange(context.Background(), "carbonex:events", "-", "+").Result()
		if err == nil && len(msgs) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 published events, got %d", len(msgs))
		}
		time.Sleep(20 * time.Millisecond)
	}

	var first EventMessage
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &first); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if first.Type != "ORDER_ACCEPTED" || first.Instrument != "EUA-2026" || first.Seq != 1 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	var second EventMessage
	if err := json.Unmarshal([]byte(msgs[1].Values["data"].(string)), &second); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if second.Type != "QUOTE" {
		t.Fatalf("expected QUOTE, got %s", second.Type)
	}

	sinkMu.Lock()
	defer sinkMu.Unlock()
	if len(sunk) < 2 || sunk[0] != engine.EventOrderAccepted || sunk[1] != engine.EventQuote {
		t.Fatalf("unexpected sink sequence: %v", sunk)
	}
}

func TestEventTypeToString(t *testing.T) {
	cases := map[engine.EventType]string{
		engine.EventOrderAccepted:        "ORDER_ACCEPTED",
		engine.EventOrderRejected:        "ORDER_REJECTED",
		engine.EventOrderCanceled:        "ORDER_CANCELED",
		engine.EventTradeCreated:         "TRADE_CREATED",
		engine.EventOrderFilled:          "ORDER_FILLED",
		engine.EventOrderPartiallyFilled: "ORDER_PARTIALLY_FILLED",
		engine.EventStopTriggered:        "STOP_TRIGGERED",
		engine.EventQuote:                "QUOTE",
		engine.EventEngineHalted:         "ENGINE_HALTED",
		engine.EventType(0):              "UNKNOWN",
	}
	for in, want := range cases {
		if got := eventTypeToString(in); got != want {
			t.Fatalf("type %d: expected %s, got %s", in, want, got)
		}
	}
}

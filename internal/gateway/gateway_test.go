package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/risk"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
)

type staticQuotes map[string]decimal.Decimal

func (q staticQuotes) LastPrice(inst string) (decimal.Decimal, bool) {
	p, ok := q[inst]
	return p, ok
}

func testRegistry() *instrument.Registry {
	reg := instrument.NewRegistry()
	reg.Register(&instrument.Instrument{
		Symbol:         "EUA",
		VintageYear:    2026,
		PricePrecision: 2,
		QtyPrecision:   0,
		Status:         instrument.StatusTrading,
	})
	reg.Register(&instrument.Instrument{
		Symbol:         "CER",
		VintageYear:    2025,
		PricePrecision: 2,
		QtyPrecision:   0,
		Status:         instrument.StatusSuspended,
	})
	return reg
}

func newTestGateway(t *testing.T, compliance ComplianceChecker, riskEngine RiskChecker, quotes staticQuotes) (*Gateway, *engine.Manager) {
	t.Helper()
	mgr := engine.NewManager(nil, nil, 16, 256, nil)
	t.Cleanup(mgr.StopAll)

	var seq int64
	nextID := func() int64 { return atomic.AddInt64(&seq, 1) + 1000 }
	log := logger.New("gateway-test", nil)
	gw := NewGateway(testRegistry(), mgr, riskEngine, compliance, nil, quotes, nextID, log)
	return gw, mgr
}

// waitEvent 等待指定类型事件，期间所有事件喂给网关视图
func waitEvent(t *testing.T, gw *Gateway, eng *engine.Engine, typ engine.EventType) *engine.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-eng.Events():
			gw.HandleEvent(ev)
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event type %d", typ)
			return nil
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	gw, _ := newTestGateway(t, nil, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		code errors.Code
	}{
		{"unknown instrument", SubmitRequest{AccountID: 1, Instrument: "ICE-2026", Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10"}, errors.CodeInstrumentNotFound},
		{"suspended instrument", SubmitRequest{AccountID: 1, Instrument: "CER-2025", Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10"}, errors.CodeInstrumentNotTrading},
		{"bad side", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "LONG", Type: "LIMIT", Price: "30.00", Quantity: "10"}, errors.CodeInvalidSide},
		{"bad type", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "ICEBERG", Price: "30.00", Quantity: "10"}, errors.CodeInvalidOrderType},
		{"bad tif", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "LIMIT", TimeInForce: "GTD", Price: "30.00", Quantity: "10"}, errors.CodeInvalidTimeInForce},
		{"zero qty", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "0"}, errors.CodeInvalidQuantity},
		{"fractional lot", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "1.5"}, errors.CodeInvalidQuantity},
		{"limit without price", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "LIMIT", Quantity: "10"}, errors.CodeInvalidPrice},
		{"price precision overflow", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "LIMIT", Price: "30.001", Quantity: "10"}, errors.CodeInvalidPrice},
		{"market with price", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "MARKET", Price: "30.00", Quantity: "10"}, errors.CodeInvalidPrice},
		{"stop limit without stop", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "STOP_LIMIT", Price: "30.00", Quantity: "10"}, errors.CodeInvalidStopPrice},
		{"stop price on plain limit", SubmitRequest{AccountID: 1, Instrument: "EUA-2026", Side: "BUY", Type: "LIMIT", Price: "30.00", StopPrice: "29.00", Quantity: "10"}, errors.CodeInvalidStopPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gw.Submit(ctx, &tc.req)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if errors.CodeOf(err) != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, errors.CodeOf(err))
			}
		})
	}
}

func TestSubmitRoutesToEngine(t *testing.T) {
	gw, mgr := newTestGateway(t, nil, nil, nil)

	resp, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID:     7,
		Instrument:    "EUA-2026",
		ClientOrderID: "c-1",
		Side:          "BUY",
		Type:          "LIMIT",
		Price:         "30.00",
		Quantity:      "10",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.OrderID == 0 || resp.Status != "PENDING" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	eng, ok := mgr.Get("EUA-2026")
	if !ok {
		t.Fatal("engine not created")
	}
	waitEvent(t, gw, eng, engine.EventOrderAccepted)

	state, ok := gw.Order(resp.OrderID)
	if !ok {
		t.Fatal("order state missing")
	}
	if state.Status != 1 {
		t.Fatalf("expected status NEW, got %d", state.Status)
	}
	if state.LeavesQty != 10 {
		t.Fatalf("expected leaves 10, got %d", state.LeavesQty)
	}
}

func TestSubmitDuplicateClientOrderID(t *testing.T) {
	gw, _ := newTestGateway(t, nil, nil, nil)
	ctx := context.Background()

	req := SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026", ClientOrderID: "dup-1",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	}
	if _, err := gw.Submit(ctx, &req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := gw.Submit(ctx, &req)
	if errors.CodeOf(err) != errors.CodeDuplicateClientOrderID {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	// 不同账户可复用同一 clientOrderId
	other := req
	other.AccountID = 8
	if _, err := gw.Submit(ctx, &other); err != nil {
		t.Fatalf("other account submit: %v", err)
	}
}

func TestSubmitRiskRejected(t *testing.T) {
	log := logger.New("risk-test", nil)
	re := risk.NewEngine(nil, nil, 0, log)
	re.SetLimit(risk.Limit{AccountID: 7, MaxPositionValue: decimal.NewFromInt(1000)})

	gw, _ := newTestGateway(t, nil, re, nil)
	_, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "50",
	})
	if errors.CodeOf(err) != errors.CodeRiskLimitExceeded {
		t.Fatalf("expected risk rejection, got %v", err)
	}

	// 限额内订单放行
	if _, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "30",
	}); err != nil {
		t.Fatalf("expected admit, got %v", err)
	}
}

func TestMarketOrderRiskUsesLastQuote(t *testing.T) {
	log := logger.New("risk-test", nil)
	re := risk.NewEngine(nil, nil, 0, log)
	re.SetLimit(risk.Limit{AccountID: 7, MaxPositionValue: decimal.NewFromInt(1000)})

	quotes := staticQuotes{"EUA-2026": decimal.NewFromInt(30)}
	gw, _ := newTestGateway(t, nil, re, quotes)

	_, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "MARKET", Quantity: "50",
	})
	if errors.CodeOf(err) != errors.CodeRiskLimitExceeded {
		t.Fatalf("expected risk rejection via quote mark, got %v", err)
	}
}

func TestComplianceDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"allow":false,"reason":"sanctioned account"}`))
	}))
	defer srv.Close()

	gw, _ := newTestGateway(t, NewComplianceClient(srv.URL, "token"), nil, nil)
	_, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026", ClientOrderID: "c-deny",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	})
	if errors.CodeOf(err) != errors.CodeComplianceRejected {
		t.Fatalf("expected compliance rejection, got %v", err)
	}

	// 被拒后 clientOrderId 可重用
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"allow":true}`))
	}))
	defer srv2.Close()
	gw2, _ := newTestGateway(t, NewComplianceClient(srv2.URL, "token"), nil, nil)
	if _, err := gw2.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026", ClientOrderID: "c-deny",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	}); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
}

func TestComplianceTimeoutFailsClosed(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client := NewComplianceClient(srv.URL, "token")
	client.httpClient.Timeout = 50 * time.Millisecond

	gw, _ := newTestGateway(t, client, nil, nil)
	_, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	})
	if errors.CodeOf(err) != errors.CodeComplianceTimeout {
		t.Fatalf("expected fail-closed timeout, got %v", err)
	}
}

func TestComplianceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw, _ := newTestGateway(t, NewComplianceClient(srv.URL, ""), nil, nil)
	_, err := gw.Submit(context.Background(), &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	})
	if errors.CodeOf(err) != errors.CodeComplianceRejected {
		t.Fatalf("expected fail-closed rejection, got %v", err)
	}
}

func TestCancelLifecycle(t *testing.T) {
	gw, mgr := newTestGateway(t, nil, nil, nil)
	ctx := context.Background()

	resp, err := gw.Submit(ctx, &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	eng, _ := mgr.Get("EUA-2026")
	waitEvent(t, gw, eng, engine.EventOrderAccepted)

	cr, err := gw.Cancel(ctx, 7, resp.OrderID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cr.Status != "CANCEL_PENDING" {
		t.Fatalf("expected CANCEL_PENDING, got %s", cr.Status)
	}
	waitEvent(t, gw, eng, engine.EventOrderCanceled)

	state, _ := gw.Order(resp.OrderID)
	if state.Status != 4 {
		t.Fatalf("expected status CANCELED, got %d", state.Status)
	}

	// 对终态订单重复撤单直接返回成功
	cr2, err := gw.Cancel(ctx, 7, resp.OrderID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if cr2.Status != "ALREADY_TERMINAL" {
		t.Fatalf("expected ALREADY_TERMINAL, got %s", cr2.Status)
	}
}

func TestCancelUnknownOrWrongAccount(t *testing.T) {
	gw, mgr := newTestGateway(t, nil, nil, nil)
	ctx := context.Background()

	if _, err := gw.Cancel(ctx, 7, 999999); errors.CodeOf(err) != errors.CodeOrderNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	resp, err := gw.Submit(ctx, &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "10",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	eng, _ := mgr.Get("EUA-2026")
	waitEvent(t, gw, eng, engine.EventOrderAccepted)

	if _, err := gw.Cancel(ctx, 8, resp.OrderID); errors.CodeOf(err) != errors.CodeOrderNotFound {
		t.Fatalf("expected not found for wrong account, got %v", err)
	}
}

func TestHandleEventFillTransitions(t *testing.T) {
	gw, mgr := newTestGateway(t, nil, nil, nil)
	ctx := context.Background()

	maker, err := gw.Submit(ctx, &SubmitRequest{
		AccountID: 7, Instrument: "EUA-2026",
		Side: "BUY", Type: "LIMIT", Price: "30.00", Quantity: "100",
	})
	if err != nil {
		t.Fatalf("maker submit: %v", err)
	}
	eng, _ := mgr.Get("EUA-2026")
	waitEvent(t, gw, eng, engine.EventOrderAccepted)

	taker, err := gw.Submit(ctx, &SubmitRequest{
		AccountID: 8, Instrument: "EUA-2026",
		Side: "SELL", Type: "MARKET", Quantity: "60",
	})
	if err != nil {
		t.Fatalf("taker submit: %v", err)
	}
	waitEvent(t, gw, eng, engine.EventOrderFilled)
	waitEvent(t, gw, eng, engine.EventQuote)

	makerState, _ := gw.Order(maker.OrderID)
	if makerState.Status != 2 || makerState.ExecutedQty != 60 || makerState.LeavesQty != 40 {
		t.Fatalf("unexpected maker state: %+v", makerState)
	}
	takerState, _ := gw.Order(taker.OrderID)
	if takerState.Status != 3 || takerState.ExecutedQty != 60 {
		t.Fatalf("unexpected taker state: %+v", takerState)
	}
}

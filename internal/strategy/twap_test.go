package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/gateway"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
)

// fakeGateway 记录子单提交与撤单，可注入失败
type fakeGateway struct {
	mu        sync.Mutex
	requests  []*gateway.SubmitRequest
	canceled  []int64
	failNext  int32
	nextOrder int64
	submitted chan *gateway.SubmitResponse
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextOrder: 5000,
		submitted: make(chan *gateway.SubmitResponse, 32),
	}
}

func (f *fakeGateway) submit(ctx context.Context, req *gateway.SubmitRequest) (*gateway.SubmitResponse, error) {
	if atomic.AddInt32(&f.failNext, -1) >= 0 {
		return nil, errors.New(errors.CodeRiskLimitExceeded, "injected rejection")
	}
	f.mu.Lock()
	f.nextOrder++
	id := f.nextOrder
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	resp := &gateway.SubmitResponse{OrderID: id, Instrument: req.Instrument, Status: "PENDING"}
	f.submitted <- resp
	return resp, nil
}

func (f *fakeGateway) cancel(ctx context.Context, accountID, orderID int64) (*gateway.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return &gateway.CancelResponse{OrderID: orderID, Status: "CANCEL_PENDING"}, nil
}

func (f *fakeGateway) quantities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Quantity
	}
	return out
}

type staticVolume int64

func (v staticVolume) RecentVolume(instrumentKey string) (int64, bool) {
	if v <= 0 {
		return 0, false
	}
	return int64(v), true
}

func newTestScheduler(t *testing.T, fg *fakeGateway, volumes VolumeSource) *Scheduler {
	t.Helper()
	reg := instrument.NewRegistry()
	reg.Register(&instrument.Instrument{
		Symbol: "EUA", VintageYear: 2026, PricePrecision: 2, QtyPrecision: 0,
		Status: instrument.StatusTrading,
	})
	var seq int64
	s := NewScheduler(reg, volumes, fg.submit, fg.cancel, func() int64 {
		return atomic.AddInt64(&seq, 1) + 9000
	}, logger.New("twap-test", nil))
	s.granularity = 5 * time.Millisecond
	t.Cleanup(s.Stop)
	return s
}

func waitChildren(t *testing.T, fg *fakeGateway, n int) []*gateway.SubmitResponse {
	t.Helper()
	out := make([]*gateway.SubmitResponse, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case resp := <-fg.submitted:
			out = append(out, resp)
		case <-deadline:
			t.Fatalf("timeout: got %d children, want %d", len(out), n)
		}
	}
	return out
}

func TestTWAPParamValidation(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)

	cases := []struct {
		name   string
		params TWAPParams
		code   errors.Code
	}{
		{"unknown instrument", TWAPParams{Instrument: "XXX-2026", Side: "BUY", Quantity: "100", DurationMinutes: 5}, errors.CodeInstrumentNotFound},
		{"zero quantity", TWAPParams{Instrument: "EUA-2026", Side: "BUY", Quantity: "0", DurationMinutes: 5}, errors.CodeInvalidStrategyParams},
		{"zero duration", TWAPParams{Instrument: "EUA-2026", Side: "BUY", Quantity: "100"}, errors.CodeInvalidStrategyParams},
		{"rate above one", TWAPParams{Instrument: "EUA-2026", Side: "BUY", Quantity: "100", DurationMinutes: 5, MaxParticipationRate: 1.5}, errors.CodeInvalidStrategyParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.SubmitTWAP(tc.params)
			if errors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestSliceQuantitiesSumToParent(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "BUY",
		Quantity: "100", LimitPrice: "30.00", DurationMinutes: 3,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	waitChildren(t, fg, 3)

	got := fg.quantities()
	want := []string{"33", "33", "34"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slice %d: expected %s, got %s (all %v)", i, want[i], got[i], got)
		}
	}

	snap, err := s.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SubmittedQty != 100 {
		t.Fatalf("expected submitted 100, got %d", snap.SubmittedQty)
	}
	if snap.SlicesDone != 3 {
		t.Fatalf("expected 3 slices done, got %d", snap.SlicesDone)
	}
}

func TestSliceCountBoundedByParticipationRate(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, staticVolume(1000))

	// 每切片上限 0.1*1000=100，250 需要 3 片
	n := s.sliceCount(TWAPParams{Instrument: "EUA-2026", DurationMinutes: 10, MaxParticipationRate: 0.1}, 250)
	if n != 3 {
		t.Fatalf("expected 3 slices, got %d", n)
	}

	// 需要的切片数超过分钟粒度上限时封顶
	n = s.sliceCount(TWAPParams{Instrument: "EUA-2026", DurationMinutes: 10, MaxParticipationRate: 0.1}, 10000)
	if n != 10 {
		t.Fatalf("expected 10 slices, got %d", n)
	}

	// 无成交量数据回退到最细粒度
	s2 := newTestScheduler(t, fg, nil)
	n = s2.sliceCount(TWAPParams{Instrument: "EUA-2026", DurationMinutes: 7, MaxParticipationRate: 0.1}, 250)
	if n != 7 {
		t.Fatalf("expected 7 slices, got %d", n)
	}
}

func TestChildOrdersCarryStrategyAndType(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "SELL",
		Quantity: "10", DurationMinutes: 1,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	waitChildren(t, fg, 1)

	fg.mu.Lock()
	req := fg.requests[0]
	fg.mu.Unlock()
	if req.StrategyID != id {
		t.Fatalf("expected strategy id %d, got %d", id, req.StrategyID)
	}
	if req.Type != "MARKET" || req.Price != "" {
		t.Fatalf("expected market child, got type=%s price=%s", req.Type, req.Price)
	}
	if req.Side != "SELL" || req.AccountID != 7 {
		t.Fatalf("unexpected child request: %+v", req)
	}
}

func TestRejectedSliceConsumesSlotNotQuantity(t *testing.T) {
	fg := newFakeGateway()
	atomic.StoreInt32(&fg.failNext, 1)
	s := newTestScheduler(t, fg, nil)

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "BUY",
		Quantity: "100", LimitPrice: "30.00", DurationMinutes: 2,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	// 第一片被拒，余量并入第二片
	waitChildren(t, fg, 1)

	got := fg.quantities()
	if len(got) != 1 || got[0] != "100" {
		t.Fatalf("expected single child of 100, got %v", got)
	}
	snap, _ := s.Snapshot(id)
	if snap.SubmittedQty != 100 || snap.SlicesDone != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCancelStrategyStopsSlicesAndCancelsChildren(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)
	s.granularity = time.Hour // 只有首片会发出

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "BUY",
		Quantity: "90", LimitPrice: "30.00", DurationMinutes: 3,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	children := waitChildren(t, fg, 1)

	if err := s.CancelStrategy(context.Background(), id); err != nil {
		t.Fatalf("cancel strategy: %v", err)
	}

	fg.mu.Lock()
	canceled := append([]int64(nil), fg.canceled...)
	fg.mu.Unlock()
	if len(canceled) != 1 || canceled[0] != children[0].OrderID {
		t.Fatalf("expected child %d canceled, got %v", children[0].OrderID, canceled)
	}

	snap, _ := s.Snapshot(id)
	if snap.State != StateCanceled {
		t.Fatalf("expected CANCELED, got %s", snap.State)
	}
	if snap.SubmittedQty != 30 {
		t.Fatalf("expected only first slice submitted, got %d", snap.SubmittedQty)
	}

	if err := s.CancelStrategy(context.Background(), id); errors.CodeOf(err) != errors.CodeStrategyAlreadyStopped {
		t.Fatalf("expected already stopped, got %v", err)
	}
	if err := s.CancelStrategy(context.Background(), 424242); errors.CodeOf(err) != errors.CodeStrategyNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandleEventAggregatesChildFills(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "BUY",
		Quantity: "10", LimitPrice: "30.00", DurationMinutes: 1,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	children := waitChildren(t, fg, 1)
	childID := children[0].OrderID

	s.HandleEvent(&engine.Event{
		Type: engine.EventOrderPartiallyFilled,
		Data: &engine.OrderPartiallyFilledData{OrderID: childID, StrategyID: id, ExecutedQty: 4, LeavesQty: 6},
	})
	snap, _ := s.Snapshot(id)
	if snap.FilledQty != 4 || snap.State != StateActive {
		t.Fatalf("after partial: %+v", snap)
	}

	s.HandleEvent(&engine.Event{
		Type: engine.EventOrderFilled,
		Data: &engine.OrderFilledData{OrderID: childID, StrategyID: id, ExecutedQty: 10},
	})
	snap, _ = s.Snapshot(id)
	if snap.FilledQty != 10 {
		t.Fatalf("expected filled 10, got %d", snap.FilledQty)
	}
	if snap.State != StateFilled {
		t.Fatalf("expected FILLED, got %s", snap.State)
	}
}

func TestPartiallyFilledAtExpiry(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "BUY",
		Quantity: "10", LimitPrice: "30.00", DurationMinutes: 1,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	children := waitChildren(t, fg, 1)
	childID := children[0].OrderID

	s.HandleEvent(&engine.Event{
		Type: engine.EventOrderPartiallyFilled,
		Data: &engine.OrderPartiallyFilledData{OrderID: childID, StrategyID: id, ExecutedQty: 4, LeavesQty: 6},
	})
	s.HandleEvent(&engine.Event{
		Type: engine.EventOrderCanceled,
		Data: &engine.OrderCanceledData{OrderID: childID, StrategyID: id, LeavesQty: 6, Reason: "IOC_EXPIRED"},
	})

	snap, _ := s.Snapshot(id)
	if snap.State != StatePartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", snap.State)
	}
	if snap.FilledQty != 4 {
		t.Fatalf("expected filled 4, got %d", snap.FilledQty)
	}
}

// 事件乱序或重复不应重复累计
func TestHandleEventIdempotentOnDuplicate(t *testing.T) {
	fg := newFakeGateway()
	s := newTestScheduler(t, fg, nil)

	id, err := s.SubmitTWAP(TWAPParams{
		AccountID: 7, Instrument: "EUA-2026", Side: "BUY",
		Quantity: "10", LimitPrice: "30.00", DurationMinutes: 1,
	})
	if err != nil {
		t.Fatalf("submit twap: %v", err)
	}
	children := waitChildren(t, fg, 1)
	childID := children[0].OrderID

	fill := &engine.Event{
		Type: engine.EventOrderFilled,
		Data: &engine.OrderFilledData{OrderID: childID, StrategyID: id, ExecutedQty: 10},
	}
	s.HandleEvent(fill)
	s.HandleEvent(fill)

	snap, _ := s.Snapshot(id)
	if snap.FilledQty != 10 {
		t.Fatalf("expected filled 10 after duplicate event, got %d", snap.FilledQty)
	}
}

// Package marketdata 行情服务：行情缓存、近期成交、订阅推送。
// 同时作为账本/风控的标记价来源与策略的成交量来源。
package marketdata

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/metrics"
)

// 成交量滚动窗口长度（分钟）
const volumeWindowMinutes = 15

// Quote 盘口快照
type Quote struct {
	Instrument  string `json:"instrument"`
	BidPrice    int64  `json:"bidPrice"`
	BidQty      int64  `json:"bidQty"`
	AskPrice    int64  `json:"askPrice"`
	AskQty      int64  `json:"askQty"`
	LastPrice   int64  `json:"lastPrice"`
	Seq         int64  `json:"seq"`
	TimestampMs int64  `json:"timestampMs"`
}

// Trade 成交
type Trade struct {
	TradeID     int64  `json:"tradeId"`
	Instrument  string `json:"instrument"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	TakerSide   int    `json:"takerSide"`
	TimestampMs int64  `json:"timestampMs"`
}

// Ticker 24h 行情
type Ticker struct {
	Instrument         string `json:"instrument"`
	LastPrice          int64  `json:"lastPrice"`
	PriceChange        int64  `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          int64  `json:"highPrice"`
	LowPrice           int64  `json:"lowPrice"`
	Volume             int64  `json:"volume"`
	OpenPrice          int64  `json:"openPrice"`
	TradeCount         int64  `json:"tradeCount"`
	OpenTimeMs         int64  `json:"openTimeMs"`
	CloseTimeMs        int64  `json:"closeTimeMs"`
}

// Depth 盘口深度
type Depth struct {
	Instrument  string       `json:"instrument"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	TimestampMs int64        `json:"timestampMs"`
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Event 推送事件
type Event struct {
	Channel     string      `json:"channel"`
	Seq         int64       `json:"seq"`
	TimestampMs int64       `json:"timestampMs"`
	Data        interface{} `json:"data"`
}

// volumeWindow 按分钟聚合的成交量窗口
type volumeWindow struct {
	buckets map[int64]int64 // unix 分钟 -> 成交量
}

func (w *volumeWindow) add(minute, qty int64) {
	if w.buckets == nil {
		w.buckets = make(map[int64]int64)
	}
	w.buckets[minute] += qty
	for m := range w.buckets {
		if m < minute-volumeWindowMinutes {
			delete(w.buckets, m)
		}
	}
}

// perMinute 窗口内的分钟均量
func (w *volumeWindow) perMinute(nowMinute int64) (int64, bool) {
	if len(w.buckets) == 0 {
		return 0, false
	}
	var total int64
	for m, q := range w.buckets {
		if m >= nowMinute-volumeWindowMinutes {
			total += q
		}
	}
	if total <= 0 {
		return 0, false
	}
	return total / volumeWindowMinutes, true
}

// Service 行情服务
type Service struct {
	registry *instrument.Registry
	engines  *engine.Manager

	mu      sync.RWMutex
	quotes  map[string]*Quote
	trades  map[string][]*Trade
	tickers map[string]*Ticker
	volumes map[string]*volumeWindow

	subMu       sync.RWMutex
	subscribers map[string][]chan *Event
}

// NewService 创建行情服务
func NewService(registry *instrument.Registry, engines *engine.Manager) *Service {
	return &Service{
		registry:    registry,
		engines:     engines,
		quotes:      make(map[string]*Quote),
		trades:      make(map[string][]*Trade),
		tickers:     make(map[string]*Ticker),
		volumes:     make(map[string]*volumeWindow),
		subscribers: make(map[string][]chan *Event),
	}
}

// HandleEvent 消费引擎事件，接入 handler 的事件分发
func (s *Service) HandleEvent(ev *engine.Event) {
	switch ev.Type {
	case engine.EventQuote:
		s.handleQuote(ev)
	case engine.EventTradeCreated:
		s.handleTrade(ev)
	}
}

func (s *Service) handleQuote(ev *engine.Event) {
	d, ok := ev.Data.(*engine.QuoteData)
	if !ok {
		return
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	q := &Quote{
		Instrument:  ev.Instrument,
		BidPrice:    d.BidPrice,
		BidQty:      d.BidQty,
		AskPrice:    d.AskPrice,
		AskQty:      d.AskQty,
		LastPrice:   d.LastPrice,
		Seq:         ev.Seq,
		TimestampMs: now,
	}
	s.quotes[ev.Instrument] = q
	s.mu.Unlock()

	s.publish(ev.Instrument, "quote", ev.Seq, q)
}

func (s *Service) handleTrade(ev *engine.Event) {
	d, ok := ev.Data.(*engine.TradeCreatedData)
	if !ok {
		return
	}
	now := time.Now().UnixMilli()
	metrics.IncTradesCreated(ev.Instrument)

	s.mu.Lock()
	t := &Trade{
		TradeID:     d.TradeID,
		Instrument:  ev.Instrument,
		Price:       d.Price,
		Qty:         d.Qty,
		TakerSide:   int(d.TakerSide),
		TimestampMs: now,
	}
	trades := append(s.trades[ev.Instrument], t)
	if len(trades) > 1000 {
		trades = trades[len(trades)-1000:]
	}
	s.trades[ev.Instrument] = trades

	ticker := s.tickers[ev.Instrument]
	if ticker == nil {
		ticker = &Ticker{
			Instrument: ev.Instrument,
			OpenTimeMs: now,
			OpenPrice:  d.Price,
			HighPrice:  d.Price,
			LowPrice:   d.Price,
		}
		s.tickers[ev.Instrument] = ticker
	}
	ticker.LastPrice = d.Price
	ticker.CloseTimeMs = now
	ticker.Volume += d.Qty
	ticker.TradeCount++
	if d.Price > ticker.HighPrice {
		ticker.HighPrice = d.Price
	}
	if d.Price < ticker.LowPrice || ticker.LowPrice == 0 {
		ticker.LowPrice = d.Price
	}
	ticker.PriceChange = ticker.LastPrice - ticker.OpenPrice
	if ticker.OpenPrice > 0 {
		pct := float64(ticker.PriceChange) / float64(ticker.OpenPrice) * 100
		ticker.PriceChangePercent = formatPercent(pct)
	}

	w := s.volumes[ev.Instrument]
	if w == nil {
		w = &volumeWindow{}
		s.volumes[ev.Instrument] = w
	}
	w.add(now/60000, d.Qty)
	s.mu.Unlock()

	s.publish(ev.Instrument, "trades", ev.Seq, t)
}

// LastPrice 最新成交价（标记价），无成交时退回盘口中间价
func (s *Service) LastPrice(instrumentKey string) (decimal.Decimal, bool) {
	inst, ok := s.registry.Get(instrumentKey)
	if !ok {
		return decimal.Zero, false
	}

	s.mu.RLock()
	q := s.quotes[instrumentKey]
	s.mu.RUnlock()
	if q == nil {
		return decimal.Zero, false
	}
	if q.LastPrice > 0 {
		return inst.PriceFromScaled(q.LastPrice), true
	}
	if q.BidPrice > 0 && q.AskPrice > 0 {
		return inst.PriceFromScaled((q.BidPrice + q.AskPrice) / 2), true
	}
	return decimal.Zero, false
}

// RecentVolume 近期分钟均量（最小单位），用于 TWAP 参与率约束
func (s *Service) RecentVolume(instrumentKey string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.volumes[instrumentKey]
	if w == nil {
		return 0, false
	}
	return w.perMinute(time.Now().UnixMilli() / 60000)
}

// GetQuote 当前盘口快照
func (s *Service) GetQuote(instrumentKey string) *Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[instrumentKey]
	if !ok {
		return &Quote{Instrument: instrumentKey}
	}
	cp := *q
	return &cp
}

// GetTrades 最近成交
func (s *Service) GetTrades(instrumentKey string, limit int) []*Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trades := s.trades[instrumentKey]
	if limit <= 0 || limit > len(trades) {
		return trades
	}
	return trades[len(trades)-limit:]
}

// GetTicker 24h 行情
func (s *Service) GetTicker(instrumentKey string) *Ticker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickers[instrumentKey]
	if !ok {
		return &Ticker{Instrument: instrumentKey}
	}
	cp := *t
	return &cp
}

// GetDepth 盘口深度，直接读对应引擎的订单簿
func (s *Service) GetDepth(instrumentKey string, limit int) *Depth {
	depth := &Depth{
		Instrument:  instrumentKey,
		Bids:        []PriceLevel{},
		Asks:        []PriceLevel{},
		TimestampMs: time.Now().UnixMilli(),
	}
	if s.engines == nil {
		return depth
	}
	eng, ok := s.engines.Get(instrumentKey)
	if !ok {
		return depth
	}
	bids, asks := eng.Depth(limit)
	for _, b := range bids {
		depth.Bids = append(depth.Bids, PriceLevel{Price: b.Price, Qty: b.Qty})
	}
	for _, a := range asks {
		depth.Asks = append(depth.Asks, PriceLevel{Price: a.Price, Qty: a.Qty})
	}
	metrics.SetOrderbookDepth(instrumentKey, "buy", float64(len(bids)))
	metrics.SetOrderbookDepth(instrumentKey, "sell", float64(len(asks)))
	return depth
}

// Subscribe 订阅频道
func (s *Service) Subscribe(channel string) chan *Event {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan *Event, 100)
	s.subscribers[channel] = append(s.subscribers[channel], ch)
	return ch
}

// Unsubscribe 取消订阅
func (s *Service) Unsubscribe(channel string, ch chan *Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	subs := s.subscribers[channel]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
}

func (s *Service) publish(instrumentKey, dataType string, seq int64, data interface{}) {
	channel := "market." + instrumentKey + "." + dataType
	event := &Event{
		Channel:     channel,
		Seq:         seq,
		TimestampMs: time.Now().UnixMilli(),
		Data:        data,
	}

	s.subMu.RLock()
	subs := s.subscribers[channel]
	s.subMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// 队列满，丢弃
		}
	}
}

func formatPercent(p float64) string {
	if p >= 0 {
		return "+" + strconv.FormatFloat(p, 'f', 2, 64) + "%"
	}
	return strconv.FormatFloat(p, 'f', 2, 64) + "%"
}

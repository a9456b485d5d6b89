// Package settlement 成交清算：成交落库、账本入账、风控计量与私有事件推送
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/ledger"
	"github.com/carbonex/engine/internal/orderbook"
	"github.com/carbonex/engine/internal/repository"
	"github.com/carbonex/engine/pkg/logger"
)

const (
	privateAccountEventChannelTemplate = "private:account:{accountId}:events"
	defaultSettlementStream            = "carbonex:settlement"
)

// TradeStore 成交落库接口
type TradeStore interface {
	InsertTrade(ctx context.Context, trade *repository.Trade) error
}

// FillApplier 账本入账接口
type FillApplier interface {
	Apply(fill *ledger.Fill)
}

// VolumeRecorder 风控日内成交量计量接口
type VolumeRecorder interface {
	RecordTrade(accountID int64, qty, price decimal.Decimal)
}

// Service 清算服务。作为引擎事件的进程内消费方，
// 对每笔成交的买卖双方各生成一条账本回报。
type Service struct {
	registry *instrument.Registry
	trades   TradeStore
	books    FillApplier
	risk     VolumeRecorder
	redis    *redis.Client
	log      *logger.Logger

	channelFormat string
	hasAccountID  bool
	stream        string
}

// NewService 创建清算服务。trades、risk、redisClient 允许为 nil。
func NewService(
	registry *instrument.Registry,
	trades TradeStore,
	books FillApplier,
	risk VolumeRecorder,
	redisClient *redis.Client,
	channel string,
	stream string,
	log *logger.Logger,
) *Service {
	if channel == "" {
		channel = privateAccountEventChannelTemplate
	}
	if stream == "" {
		stream = defaultSettlementStream
	}
	format, hasAccountID := normalizeAccountChannelFormat(channel)
	if log == nil {
		log = logger.New("settlement", nil)
	}
	return &Service{
		registry:      registry,
		trades:        trades,
		books:         books,
		risk:          risk,
		redis:         redisClient,
		log:           log,
		channelFormat: format,
		hasAccountID:  hasAccountID,
		stream:        stream,
	}
}

// TradeSettled 对外结算流消息。成交即结算，下游系统异步消费。
type TradeSettled struct {
	TradeID    int64  `json:"tradeId"`
	Buyer      int64  `json:"buyer"`
	Seller     int64  `json:"seller"`
	Instrument string `json:"instrument"`
	Qty        string `json:"qty"`
	Price      string `json:"price"`
	TsMs       int64  `json:"tsMs"`
}

// SettledEvent 私有推送的成交回报
type SettledEvent struct {
	TradeID    int64  `json:"tradeId"`
	OrderID    int64  `json:"orderId"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	TsMs       int64  `json:"tsMs"`
}

// HandleEvent 消费引擎事件，只处理成交
func (s *Service) HandleEvent(ev *engine.Event) {
	if ev.Type != engine.EventTradeCreated {
		return
	}
	d, ok := ev.Data.(*engine.TradeCreatedData)
	if !ok {
		return
	}

	inst, ok := s.registry.Get(ev.Instrument)
	if !ok {
		s.log.Warnf("trade for unknown instrument", map[string]interface{}{
			"instrument": ev.Instrument, "trade_id": d.TradeID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	if s.trades != nil {
		row := &repository.Trade{
			TradeID:        d.TradeID,
			Instrument:     ev.Instrument,
			MakerOrderID:   d.MakerOrderID,
			TakerOrderID:   d.TakerOrderID,
			MakerAccountID: d.MakerAccountID,
			TakerAccountID: d.TakerAccountID,
			Price:          d.Price,
			Qty:            d.Qty,
			TakerSide:      int(d.TakerSide),
			TimestampMs:    now,
		}
		if err := s.trades.InsertTrade(ctx, row); err != nil {
			s.log.WithError(err).WithField("tradeId", d.TradeID).Warn("insert trade error")
		}
	}

	price := inst.PriceFromScaled(d.Price)
	qty := inst.QtyFromScaled(d.Qty)
	takerBuy := d.TakerSide == orderbook.SideBuy

	if s.books != nil {
		s.books.Apply(&ledger.Fill{
			TradeID:    d.TradeID,
			OrderID:    d.MakerOrderID,
			AccountID:  d.MakerAccountID,
			Instrument: ev.Instrument,
			Buy:        !takerBuy,
			Qty:        qty,
			Price:      price,
			Seq:        ev.Seq,
		})
		s.books.Apply(&ledger.Fill{
			TradeID:    d.TradeID,
			OrderID:    d.TakerOrderID,
			AccountID:  d.TakerAccountID,
			Instrument: ev.Instrument,
			Buy:        takerBuy,
			Qty:        qty,
			Price:      price,
			Seq:        ev.Seq,
		})
	}

	if s.risk != nil {
		s.risk.RecordTrade(d.MakerAccountID, qty, price)
		s.risk.RecordTrade(d.TakerAccountID, qty, price)
	}

	buyer, seller := d.MakerAccountID, d.TakerAccountID
	if takerBuy {
		buyer, seller = d.TakerAccountID, d.MakerAccountID
	}
	s.emitSettlement(ctx, &TradeSettled{
		TradeID: d.TradeID, Buyer: buyer, Seller: seller, Instrument: ev.Instrument,
		Qty: qty.String(), Price: price.String(), TsMs: now,
	})

	s.publishSettled(ctx, d.MakerAccountID, &SettledEvent{
		TradeID: d.TradeID, OrderID: d.MakerOrderID, Instrument: ev.Instrument,
		Side: sideString(!takerBuy), Price: price.String(), Qty: qty.String(), TsMs: now,
	})
	s.publishSettled(ctx, d.TakerAccountID, &SettledEvent{
		TradeID: d.TradeID, OrderID: d.TakerOrderID, Instrument: ev.Instrument,
		Side: sideString(takerBuy), Price: price.String(), Qty: qty.String(), TsMs: now,
	})
}

func (s *Service) emitSettlement(ctx context.Context, msg *TradeSettled) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	err = s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"data": string(raw)},
	}).Err()
	if err != nil {
		s.log.WithError(err).WithField("tradeId", msg.TradeID).Warn("emit settlement error")
	}
}

func (s *Service) publishSettled(ctx context.Context, accountID int64, data *SettledEvent) {
	if s.redis == nil {
		return
	}
	payload := map[string]interface{}{
		"channel": "settlement",
		"event":   "settled",
		"data":    data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	target := s.channelFormat
	if s.hasAccountID {
		target = fmt.Sprintf(s.channelFormat, accountID)
	}
	if err := s.redis.Publish(ctx, target, raw).Err(); err != nil {
		s.log.WithError(err).Warn("publish settled event error")
	}
}

func sideString(buy bool) string {
	if buy {
		return "BUY"
	}
	return "SELL"
}

func normalizeAccountChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{accountId}") {
		return strings.ReplaceAll(template, "{accountId}", "%d"), true
	}
	return template, false
}

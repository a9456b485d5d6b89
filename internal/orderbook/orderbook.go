// Package orderbook 订单簿实现
package orderbook

import (
	"container/list"
	"sync"
	"time"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// Order 订单
type Order struct {
	OrderID       int64
	AccountID     int64
	ClientOrderID string
	Instrument    string // 合约键，如 EUA-2026
	Side          Side
	Price         int64 // 最小单位整数，市价单为 0
	OrigQty       int64 // 原始数量
	LeavesQty     int64 // 剩余数量
	TimeInForce   int   // 1=GTC, 2=IOC, 3=FOK
	Timestamp     int64 // 纳秒时间戳
	element       *list.Element
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order
	Total  int64      // 该档位总数量
}

// OrderBook 订单簿
type OrderBook struct {
	Instrument string

	// 买盘：价格降序（高价优先）
	bids map[int64]*PriceLevel
	// 卖盘：价格升序（低价优先）
	asks map[int64]*PriceLevel

	// 订单索引
	orders map[int64]*Order

	// 价格排序缓存
	bidPrices []int64
	askPrices []int64

	mu sync.RWMutex

	// 成交 ID 生成，nil 时使用内部自增
	nextTradeID func() int64
	seq         int64
}

// NewOrderBook 创建订单簿。nextTradeID 为 nil 时使用簿内自增序号。
func NewOrderBook(instrument string, nextTradeID func() int64) *OrderBook {
	return &OrderBook{
		Instrument:  instrument,
		bids:        make(map[int64]*PriceLevel),
		asks:        make(map[int64]*PriceLevel),
		orders:      make(map[int64]*Order),
		bidPrices:   make([]int64, 0),
		askPrices:   make([]int64, 0),
		nextTradeID: nextTradeID,
	}
}

// AddOrder 添加订单到订单簿
func (ob *OrderBook) AddOrder(order *Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if order.Timestamp == 0 {
		order.Timestamp = time.Now().UnixNano()
	}

	var levels map[int64]*PriceLevel
	var prices *[]int64
	if order.Side == SideBuy {
		levels = ob.bids
		prices = &ob.bidPrices
	} else {
		levels = ob.asks
		prices = &ob.askPrices
	}

	level, exists := levels[order.Price]
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels[order.Price] = level
		*prices = insertPrice(*prices, order.Price, order.Side == SideBuy)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.LeavesQty
	ob.orders[order.OrderID] = order
}

// RemoveOrder 从订单簿移除订单（撤单）
func (ob *OrderBook) RemoveOrder(orderID int64) *Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	return ob.removeOrderLocked(orderID)
}

func (ob *OrderBook) removeOrderLocked(orderID int64) *Order {
	order, exists := ob.orders[orderID]
	if !exists {
		return nil
	}

	var levels map[int64]*PriceLevel
	var prices *[]int64
	if order.Side == SideBuy {
		levels = ob.bids
		prices = &ob.bidPrices
	} else {
		levels = ob.asks
		prices = &ob.askPrices
	}

	level := levels[order.Price]
	if level != nil {
		level.Orders.Remove(order.element)
		level.Total -= order.LeavesQty

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price)
		}
	}

	delete(ob.orders, orderID)
	return order
}

// GetOrder 获取订单
func (ob *OrderBook) GetOrder(orderID int64) *Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.orders[orderID]
}

// BestBid 最优买价
func (ob *OrderBook) BestBid() (int64, int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if len(ob.bidPrices) == 0 {
		return 0, 0, false
	}
	price := ob.bidPrices[0]
	level := ob.bids[price]
	return price, level.Total, true
}

// BestAsk 最优卖价
func (ob *OrderBook) BestAsk() (int64, int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if len(ob.askPrices) == 0 {
		return 0, 0, false
	}
	price := ob.askPrices[0]
	level := ob.asks[price]
	return price, level.Total, true
}

// Depth 获取深度
func (ob *OrderBook) Depth(limit int) (bids, asks []PriceQty) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bids = make([]PriceQty, 0, limit)
	asks = make([]PriceQty, 0, limit)

	for i := 0; i < len(ob.bidPrices) && i < limit; i++ {
		price := ob.bidPrices[i]
		level := ob.bids[price]
		bids = append(bids, PriceQty{Price: price, Qty: level.Total})
	}

	for i := 0; i < len(ob.askPrices) && i < limit; i++ {
		price := ob.askPrices[i]
		level := ob.asks[price]
		asks = append(asks, PriceQty{Price: price, Qty: level.Total})
	}

	return
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// MatchResult 撮合结果
type MatchResult struct {
	Trades           []*Trade
	MakerUpdates     []*Order // 被动方订单更新
	SelfMatchCancels []*Order // 自成交防护撤销的被动方订单
	TakerOrder       *Order   // 主动方订单
	TakerFilled      bool     // 主动方是否完全成交
}

// Trade 成交
type Trade struct {
	TradeID        int64
	Instrument     string
	MakerOrderID   int64
	TakerOrderID   int64
	MakerAccountID int64
	TakerAccountID int64
	Price          int64
	Qty            int64
	TakerSide      Side
	Timestamp      int64
}

// MatchableQty 统计主动方在价格限制内可成交的对手盘数量，
// 同账户挂单不计入（会被自成交防护撤销而非成交）。FOK 预检使用。
func (ob *OrderBook) MatchableQty(taker *Order) int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	levels, prices, canMatch := ob.opposite(taker.Side)

	var total int64
	for _, price := range *prices {
		if !canMatch(price, taker.Price) {
			break
		}
		level := levels[price]
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			maker := e.Value.(*Order)
			if maker.AccountID == taker.AccountID {
				continue
			}
			total += maker.LeavesQty
			if total >= taker.LeavesQty {
				return total
			}
		}
	}
	return total
}

// Match 撮合订单。同账户对手挂单被撤销（记入 SelfMatchCancels），不成交。
func (ob *OrderBook) Match(taker *Order) *MatchResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	result := &MatchResult{
		Trades:       make([]*Trade, 0),
		MakerUpdates: make([]*Order, 0),
		TakerOrder:   taker,
	}

	levels, prices, canMatch := ob.opposite(taker.Side)

	now := time.Now().UnixNano()

	for taker.LeavesQty > 0 && len(*prices) > 0 {
		bestPrice := (*prices)[0]

		if !canMatch(bestPrice, taker.Price) {
			break
		}

		level := levels[bestPrice]
		for e := level.Orders.Front(); e != nil && taker.LeavesQty > 0; {
			maker := e.Value.(*Order)
			next := e.Next()

			// 自成交防护：撤销被动方挂单
			if maker.AccountID == taker.AccountID {
				level.Orders.Remove(e)
				level.Total -= maker.LeavesQty
				delete(ob.orders, maker.OrderID)
				result.SelfMatchCancels = append(result.SelfMatchCancels, maker)
				e = next
				continue
			}

			// 成交数量与价格（按被动方价格成交）
			matchQty := min(taker.LeavesQty, maker.LeavesQty)

			trade := &Trade{
				TradeID:        ob.tradeID(),
				Instrument:     ob.Instrument,
				MakerOrderID:   maker.OrderID,
				TakerOrderID:   taker.OrderID,
				MakerAccountID: maker.AccountID,
				TakerAccountID: taker.AccountID,
				Price:          maker.Price,
				Qty:            matchQty,
				TakerSide:      taker.Side,
				Timestamp:      now,
			}
			result.Trades = append(result.Trades, trade)

			taker.LeavesQty -= matchQty
			maker.LeavesQty -= matchQty
			level.Total -= matchQty

			result.MakerUpdates = append(result.MakerUpdates, maker)

			if maker.LeavesQty <= 0 {
				level.Orders.Remove(e)
				delete(ob.orders, maker.OrderID)
			}

			e = next
		}

		// 移除空档位
		if level.Orders.Len() == 0 {
			delete(levels, bestPrice)
			*prices = (*prices)[1:]
		}
	}

	result.TakerFilled = taker.LeavesQty <= 0
	return result
}

func (ob *OrderBook) opposite(takerSide Side) (map[int64]*PriceLevel, *[]int64, func(makerPrice, takerPrice int64) bool) {
	if takerSide == SideBuy {
		return ob.asks, &ob.askPrices, func(makerPrice, takerPrice int64) bool {
			return takerPrice == 0 || makerPrice <= takerPrice // 市价单 takerPrice=0
		}
	}
	return ob.bids, &ob.bidPrices, func(makerPrice, takerPrice int64) bool {
		return takerPrice == 0 || makerPrice >= takerPrice
	}
}

func (ob *OrderBook) tradeID() int64 {
	if ob.nextTradeID != nil {
		return ob.nextTradeID()
	}
	ob.seq++
	return ob.seq
}

// insertPrice 插入价格并保持排序
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := 0
	for i < len(prices) {
		if descending {
			if price > prices[i] {
				break
			}
		} else {
			if price < prices[i] {
				break
			}
		}
		i++
	}

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 移除价格
func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

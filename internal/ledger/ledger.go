// Package ledger tracks positions, cash, and P&L per account.
//
// It consumes trade fills in engine sequence, maintains weighted-average
// cost basis, and derives unrealized P&L and market value on read from
// the latest known quote.
package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/pkg/logger"
)

// Fill is one account's side of a trade, exposed to the ledger by value.
type Fill struct {
	TradeID    int64
	OrderID    int64
	AccountID  int64
	Instrument string
	Buy        bool
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Seq        int64
}

// Position is a single-instrument position snapshot.
type Position struct {
	AccountID   int64
	Instrument  string
	Qty         decimal.Decimal // positive = long, negative = short
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
}

// UnrealizedPnL returns (mark - avg_cost) * qty, signed for shorts.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.AvgCost).Mul(p.Qty)
}

// MarketValue returns qty * mark.
func (p *Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(mark)
}

// Portfolio is an account-level aggregate, derived on read.
type Portfolio struct {
	AccountID     int64
	Cash          decimal.Decimal
	MarketValue   decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Positions     []Position
}

// QuoteSource supplies the latest known price per instrument.
type QuoteSource interface {
	LastPrice(instrument string) (decimal.Decimal, bool)
}

// accountBook holds one account's state. Writes go through the account's
// single worker goroutine so updates are never lost.
type accountBook struct {
	mu        sync.RWMutex
	accountID int64
	cash      decimal.Decimal
	positions map[string]*Position
	fillCh    chan *Fill
}

// Ledger routes fills to per-account workers and serves read-only snapshots.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[int64]*accountBook

	quotes QuoteSource
	log    *logger.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Ledger. quotes may be nil; unpriced instruments are
// excluded from derived market value and unrealized P&L.
func New(quotes QuoteSource, log *logger.Logger) *Ledger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ledger{
		accounts: make(map[int64]*accountBook),
		quotes:   quotes,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Apply queues a fill for the owning account's worker. Blocks only when
// that account's queue is full.
func (l *Ledger) Apply(fill *Fill) {
	book := l.getOrCreateBook(fill.AccountID)
	select {
	case book.fillCh <- fill:
	case <-l.ctx.Done():
		if l.log != nil {
			l.log.Warnf("ledger stopped, fill dropped", map[string]interface{}{
				"account_id": fill.AccountID,
				"trade_id":   fill.TradeID,
			})
		}
	}
}

// ApplySync applies a fill inline, bypassing the worker. Used at startup
// replay and in tests where ordering is already serialized.
func (l *Ledger) ApplySync(fill *Fill) {
	book := l.getOrCreateBook(fill.AccountID)
	book.apply(fill)
}

// Stop halts all account workers after draining queued fills.
func (l *Ledger) Stop() {
	l.cancel()
	l.wg.Wait()
}

func (l *Ledger) getOrCreateBook(accountID int64) *accountBook {
	l.mu.RLock()
	book, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return book
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if book, ok = l.accounts[accountID]; ok {
		return book
	}

	book = &accountBook{
		accountID: accountID,
		positions: make(map[string]*Position),
		fillCh:    make(chan *Fill, 256),
	}
	l.accounts[accountID] = book

	l.wg.Add(1)
	go l.runWorker(book)
	return book
}

func (l *Ledger) runWorker(book *accountBook) {
	defer l.wg.Done()
	for {
		select {
		case fill := <-book.fillCh:
			book.apply(fill)
		case <-l.ctx.Done():
			// drain remaining fills before exit
			for {
				select {
				case fill := <-book.fillCh:
					book.apply(fill)
				default:
					return
				}
			}
		}
	}
}

// apply updates position, cash, and realized P&L for one fill using
// weighted-average cost basis. Reducing or flipping a position realizes
// P&L before the basis is adjusted.
func (b *accountBook) apply(fill *Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[fill.Instrument]
	if !ok {
		pos = &Position{AccountID: b.accountID, Instrument: fill.Instrument}
		b.positions[fill.Instrument] = pos
	}

	signedQty := fill.Qty
	if !fill.Buy {
		signedQty = fill.Qty.Neg()
	}

	notional := fill.Qty.Mul(fill.Price)
	if fill.Buy {
		b.cash = b.cash.Sub(notional)
	} else {
		b.cash = b.cash.Add(notional)
	}

	oldQty := pos.Qty
	newQty := oldQty.Add(signedQty)

	switch {
	case oldQty.IsZero():
		pos.AvgCost = fill.Price

	case oldQty.Sign() == signedQty.Sign():
		// increasing in the same direction: weighted average
		oldAbs := oldQty.Abs()
		totalCost := pos.AvgCost.Mul(oldAbs).Add(fill.Price.Mul(fill.Qty))
		pos.AvgCost = totalCost.Div(oldAbs.Add(fill.Qty))

	default:
		// reducing or flipping: realize P&L on the closed quantity
		closeQty := decimal.Min(oldQty.Abs(), fill.Qty)
		pnlPerUnit := fill.Price.Sub(pos.AvgCost)
		if oldQty.Sign() < 0 {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(closeQty.Mul(pnlPerUnit))

		if newQty.IsZero() {
			pos.AvgCost = decimal.Zero
		} else if oldQty.Sign() != newQty.Sign() {
			// flipped: remainder opens at the fill price
			pos.AvgCost = fill.Price
		}
	}

	pos.Qty = newQty
}

// Position returns a snapshot of one position.
func (l *Ledger) Position(accountID int64, instrument string) (Position, bool) {
	l.mu.RLock()
	book, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return Position{}, false
	}

	book.mu.RLock()
	defer book.mu.RUnlock()
	pos, ok := book.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns snapshots of all of an account's positions.
func (l *Ledger) Positions(accountID int64) []Position {
	l.mu.RLock()
	book, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	book.mu.RLock()
	defer book.mu.RUnlock()
	out := make([]Position, 0, len(book.positions))
	for _, pos := range book.positions {
		out = append(out, *pos)
	}
	return out
}

// Portfolio derives the account aggregate from positions and latest quotes.
func (l *Ledger) Portfolio(accountID int64) Portfolio {
	l.mu.RLock()
	book, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if !ok {
		return Portfolio{AccountID: accountID}
	}

	book.mu.RLock()
	defer book.mu.RUnlock()

	pf := Portfolio{
		AccountID: accountID,
		Cash:      book.cash,
		Positions: make([]Position, 0, len(book.positions)),
	}
	for _, pos := range book.positions {
		pf.Positions = append(pf.Positions, *pos)
		pf.RealizedPnL = pf.RealizedPnL.Add(pos.RealizedPnL)

		if l.quotes == nil {
			continue
		}
		mark, ok := l.quotes.LastPrice(pos.Instrument)
		if !ok {
			continue
		}
		pf.MarketValue = pf.MarketValue.Add(pos.MarketValue(mark))
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(pos.UnrealizedPnL(mark))
	}
	return pf
}

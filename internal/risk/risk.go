// Package risk enforces pre-trade limits and computes post-trade
// portfolio analytics (VaR, stress scenarios) over ledger state.
package risk

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/internal/ledger"
	"github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
)

// Limit is the externally supplied per-account risk configuration.
// Zero fields disable the corresponding check.
type Limit struct {
	AccountID           int64
	MaxPositionValue    decimal.Decimal
	MaxConcentrationPct decimal.Decimal // percentage, 0-100
	MaxDailyVolume      decimal.Decimal // notional traded per UTC day
	MaxVaR95            decimal.Decimal
}

// PortfolioReader is the read-only ledger surface the risk engine needs.
type PortfolioReader interface {
	Position(accountID int64, instrument string) (ledger.Position, bool)
	Portfolio(accountID int64) ledger.Portfolio
}

// Engine runs synchronous pre-trade checks and asynchronous analytics.
// Pre-trade checks never mutate ledger state.
type Engine struct {
	mu          sync.RWMutex
	limits      map[int64]Limit
	dailyVolume map[int64]decimal.Decimal
	windows     map[int64]*returnWindow

	portfolios PortfolioReader
	quotes     ledger.QuoteSource
	lookback   int

	cron *cron.Cron
	log  *logger.Logger
}

// NewEngine creates a risk engine. lookback bounds the per-account
// return window used for historical VaR.
func NewEngine(portfolios PortfolioReader, quotes ledger.QuoteSource, lookback int, log *logger.Logger) *Engine {
	if lookback <= 0 {
		lookback = 250
	}
	return &Engine{
		limits:      make(map[int64]Limit),
		dailyVolume: make(map[int64]decimal.Decimal),
		windows:     make(map[int64]*returnWindow),
		portfolios:  portfolios,
		quotes:      quotes,
		lookback:    lookback,
		log:         log,
	}
}

// SetLimit installs or replaces an account's limit configuration.
func (e *Engine) SetLimit(limit Limit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[limit.AccountID] = limit
}

// Limit returns an account's limit configuration.
func (e *Engine) Limit(accountID int64) (Limit, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	limit, ok := e.limits[accountID]
	return limit, ok
}

// OrderCheck describes the incoming order for the pre-trade check.
// Price must be the effective mark: the limit price, or the latest quote
// for market orders.
type OrderCheck struct {
	AccountID  int64
	Instrument string
	Buy        bool
	Qty        decimal.Decimal
	Price      decimal.Decimal
}

// CheckOrder runs the pre-trade limit checks. A nil return admits the
// order; a non-nil error carries CodeRiskLimitExceeded.
func (e *Engine) CheckOrder(check OrderCheck) error {
	limit, ok := e.Limit(check.AccountID)
	if !ok {
		return nil
	}

	notional := check.Qty.Mul(check.Price)

	signedQty := check.Qty
	if !check.Buy {
		signedQty = check.Qty.Neg()
	}

	currentQty := decimal.Zero
	if e.portfolios != nil {
		if pos, ok := e.portfolios.Position(check.AccountID, check.Instrument); ok {
			currentQty = pos.Qty
		}
	}
	projectedQty := currentQty.Add(signedQty)
	projectedValue := projectedQty.Abs().Mul(check.Price)

	if limit.MaxPositionValue.IsPositive() && projectedValue.GreaterThan(limit.MaxPositionValue) {
		return errors.Newf(errors.CodeRiskLimitExceeded,
			"projected position value %s exceeds limit %s", projectedValue, limit.MaxPositionValue)
	}

	if limit.MaxConcentrationPct.IsPositive() {
		if err := e.checkConcentration(check, limit, projectedValue); err != nil {
			return err
		}
	}

	if limit.MaxDailyVolume.IsPositive() {
		e.mu.RLock()
		traded := e.dailyVolume[check.AccountID]
		e.mu.RUnlock()
		if traded.Add(notional).GreaterThan(limit.MaxDailyVolume) {
			return errors.Newf(errors.CodeRiskLimitExceeded,
				"daily volume %s would exceed limit %s", traded.Add(notional), limit.MaxDailyVolume)
		}
	}

	return nil
}

// checkConcentration compares the projected instrument weight against the
// account's portfolio value after the order.
func (e *Engine) checkConcentration(check OrderCheck, limit Limit, projectedValue decimal.Decimal) error {
	if e.portfolios == nil {
		return nil
	}
	pf := e.portfolios.Portfolio(check.AccountID)

	currentInstValue := decimal.Zero
	if pos, ok := e.portfolios.Position(check.AccountID, check.Instrument); ok {
		if mark, ok := e.lastPrice(check.Instrument, check.Price); ok {
			currentInstValue = pos.Qty.Abs().Mul(mark)
		}
	}

	projectedTotal := pf.MarketValue.Abs().Sub(currentInstValue).Add(projectedValue)
	if !projectedTotal.IsPositive() {
		return nil
	}

	weight := projectedValue.Div(projectedTotal).Mul(decimal.NewFromInt(100))
	if weight.GreaterThan(limit.MaxConcentrationPct) {
		return errors.Newf(errors.CodeRiskLimitExceeded,
			"projected concentration %s%% exceeds limit %s%%", weight.Round(2), limit.MaxConcentrationPct)
	}
	return nil
}

func (e *Engine) lastPrice(instrument string, fallback decimal.Decimal) (decimal.Decimal, bool) {
	if e.quotes != nil {
		if mark, ok := e.quotes.LastPrice(instrument); ok {
			return mark, true
		}
	}
	if fallback.IsPositive() {
		return fallback, true
	}
	return decimal.Zero, false
}

// RecordTrade accumulates same-day traded notional for the daily volume check.
func (e *Engine) RecordTrade(accountID int64, qty, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyVolume[accountID] = e.dailyVolume[accountID].Add(qty.Mul(price))
}

// DailyVolume returns the notional traded today by an account.
func (e *Engine) DailyVolume(accountID int64) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyVolume[accountID]
}

// ResetDailyVolumes clears all same-day volume counters.
func (e *Engine) ResetDailyVolumes() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyVolume = make(map[int64]decimal.Decimal)
	if e.log != nil {
		e.log.Info("daily volume counters reset")
	}
}

// StartDailyReset schedules the volume reset at midnight UTC.
func (e *Engine) StartDailyReset() {
	e.cron = cron.New(cron.WithLocation(time.UTC))
	e.cron.AddFunc("0 0 * * *", e.ResetDailyVolumes)
	e.cron.Start()
}

// StopDailyReset stops the reset schedule.
func (e *Engine) StopDailyReset() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

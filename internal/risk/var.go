package risk

import (
	"sort"

	"github.com/shopspring/decimal"
)

// returnWindow is a bounded FIFO of observed portfolio returns.
type returnWindow struct {
	max       int
	returns   []decimal.Decimal
	lastValue decimal.Decimal
	hasValue  bool
}

func (w *returnWindow) observe(value decimal.Decimal) {
	if w.hasValue && w.lastValue.IsPositive() {
		r := value.Sub(w.lastValue).Div(w.lastValue)
		w.returns = append(w.returns, r)
		if len(w.returns) > w.max {
			w.returns = w.returns[len(w.returns)-w.max:]
		}
	}
	w.lastValue = value
	w.hasValue = true
}

// ObservePortfolioValue records an account's end-of-interval portfolio
// value. Consecutive observations produce one return sample.
func (e *Engine) ObservePortfolioValue(accountID int64, value decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[accountID]
	if !ok {
		w = &returnWindow{max: e.lookback}
		e.windows[accountID] = w
	}
	w.observe(value)
}

// VaR estimates value at risk by historical simulation: the loss at the
// (1-confidence) quantile of observed returns applied to the current
// portfolio value. Returns zero with fewer than two samples.
func (e *Engine) VaR(accountID int64, confidence float64) decimal.Decimal {
	e.mu.RLock()
	w, ok := e.windows[accountID]
	var returns []decimal.Decimal
	if ok {
		returns = make([]decimal.Decimal, len(w.returns))
		copy(returns, w.returns)
	}
	e.mu.RUnlock()

	if len(returns) < 2 {
		return decimal.Zero
	}

	sort.Slice(returns, func(i, j int) bool {
		return returns[i].LessThan(returns[j])
	})

	idx := int(float64(len(returns)) * (1 - confidence))
	if idx >= len(returns) {
		idx = len(returns) - 1
	}
	quantile := returns[idx]
	if quantile.Sign() >= 0 || e.portfolios == nil {
		return decimal.Zero
	}

	value := e.portfolios.Portfolio(accountID).MarketValue
	return quantile.Neg().Mul(value.Abs())
}

// VaR95 is the 95% confidence estimate.
func (e *Engine) VaR95(accountID int64) decimal.Decimal {
	return e.VaR(accountID, 0.95)
}

// VaR99 is the 99% confidence estimate.
func (e *Engine) VaR99(accountID int64) decimal.Decimal {
	return e.VaR(accountID, 0.99)
}

// StressResult is the outcome of one stress scenario.
type StressResult struct {
	AccountID    int64
	TotalImpact  decimal.Decimal
	ByInstrument map[string]decimal.Decimal
}

// StressTest applies a shock map (instrument -> fractional return) to the
// account's current positions and reports the portfolio impact. Read-only.
func (e *Engine) StressTest(accountID int64, shocks map[string]decimal.Decimal) StressResult {
	result := StressResult{
		AccountID:    accountID,
		ByInstrument: make(map[string]decimal.Decimal),
	}

	if e.portfolios == nil {
		return result
	}
	pf := e.portfolios.Portfolio(accountID)
	for _, pos := range pf.Positions {
		shock, ok := shocks[pos.Instrument]
		if !ok {
			continue
		}
		mark, ok := e.lastPrice(pos.Instrument, decimal.Zero)
		if !ok {
			continue
		}
		impact := pos.Qty.Mul(mark).Mul(shock)
		result.ByInstrument[pos.Instrument] = impact
		result.TotalImpact = result.TotalImpact.Add(impact)
	}
	return result
}

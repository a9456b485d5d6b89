// Package instrument 碳信用合约定义与精度转换
package instrument

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/pkg/errors"
)

// 合约状态
const (
	StatusTrading   = 1
	StatusSuspended = 2
)

// Instrument 碳信用合约（标的 × 签发年份）
type Instrument struct {
	Symbol         string // EUA, CER, VCU...
	VintageYear    int
	PricePrecision int // 价格小数位
	QtyPrecision   int // 数量小数位（碳配额整手为 0）
	Status         int
}

// Key 合约唯一键，如 EUA-2026
func (i *Instrument) Key() string {
	return MakeKey(i.Symbol, i.VintageYear)
}

// MakeKey 拼接合约键
func MakeKey(symbol string, vintageYear int) string {
	return fmt.Sprintf("%s-%d", strings.ToUpper(symbol), vintageYear)
}

// ParseKey 解析合约键
func ParseKey(key string) (symbol string, vintageYear int, err error) {
	idx := strings.LastIndex(key, "-")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, errors.Newf(errors.CodeInstrumentNotFound, "invalid instrument key: %s", key)
	}
	year, err := strconv.Atoi(key[idx+1:])
	if err != nil || year < 2000 || year > 2100 {
		return "", 0, errors.Newf(errors.CodeInvalidVintage, "invalid vintage year in key: %s", key)
	}
	return key[:idx], year, nil
}

func normalizePrecision(precision int) int {
	if precision < 0 {
		return 0
	}
	return precision
}

func scaleFactor(precision int) int64 {
	precision = normalizePrecision(precision)
	factor := int64(1)
	for i := 0; i < precision; i++ {
		factor *= 10
	}
	return factor
}

// PriceToScaled 价格字符串转最小单位整数
func (i *Instrument) PriceToScaled(value string) (int64, error) {
	return toScaled(value, i.PricePrecision, errors.CodeInvalidPrice)
}

// QtyToScaled 数量字符串转最小单位整数
func (i *Instrument) QtyToScaled(value string) (int64, error) {
	return toScaled(value, i.QtyPrecision, errors.CodeInvalidQuantity)
}

// PriceFromScaled 最小单位整数转 decimal
func (i *Instrument) PriceFromScaled(v int64) decimal.Decimal {
	return decimal.New(v, -int32(normalizePrecision(i.PricePrecision)))
}

// QtyFromScaled 最小单位整数转 decimal
func (i *Instrument) QtyFromScaled(v int64) decimal.Decimal {
	return decimal.New(v, -int32(normalizePrecision(i.QtyPrecision)))
}

func toScaled(value string, precision int, code errors.Code) (int64, error) {
	if value == "" {
		return 0, nil
	}
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return 0, errors.Newf(code, "invalid decimal: %s", value)
	}
	shifted := dec.Shift(int32(normalizePrecision(precision)))
	if !shifted.IsInteger() {
		return 0, errors.Newf(code, "precision exceeds %d decimals: %s", normalizePrecision(precision), value)
	}
	return shifted.IntPart(), nil
}

// Notional 计算名义价值（价格最小单位）
func (i *Instrument) Notional(price, qty int64) int64 {
	return price * qty / scaleFactor(i.QtyPrecision)
}

// Registry 合约注册表，外部配置只读
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Instrument
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*Instrument)}
}

// Register 注册合约
func (r *Registry) Register(inst *Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[inst.Key()] = inst
}

// Get 按键查找合约
func (r *Registry) Get(key string) (*Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byKey[key]
	return inst, ok
}

// Keys 返回全部合约键
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

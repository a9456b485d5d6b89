// Package health 后台循环健康探测
package health

import (
	"sync/atomic"
	"time"
)

// 未显式指定时的心跳超时
const defaultMaxAge = 10 * time.Second

// LoopMonitor 记录消费循环的心跳与最近一次错误。
// 零值可用，心跳从未上报前视为不健康。
type LoopMonitor struct {
	lastTickMs atomic.Int64
	lastErr    atomic.Pointer[string]
}

// Tick 上报一次心跳
func (m *LoopMonitor) Tick() {
	m.lastTickMs.Store(time.Now().UnixMilli())
}

// SetError 记录循环内的最近错误，nil 忽略
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	s := err.Error()
	m.lastErr.Store(&s)
}

// LastError 最近一次错误文本，无错误返回空串
func (m *LoopMonitor) LastError() string {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Healthy 判断距上次心跳是否超出 maxAge，maxAge 非正时取默认值
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	ms := m.lastTickMs.Load()
	if ms == 0 {
		return false, 0, lastErr
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	age = now.Sub(time.UnixMilli(ms))
	if age < 0 {
		age = 0
	}
	return age <= maxAge, age, lastErr
}

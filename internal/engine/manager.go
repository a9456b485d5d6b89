package engine

import (
	"sync"

	"github.com/carbonex/engine/internal/instrument"
)

// Manager 按合约管理撮合引擎实例，懒加载创建并启动。
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	calendar *instrument.Calendar
	nextID   func() int64

	cmdBufferSize   int
	eventBufferSize int

	// 新引擎创建后的回调，用于接入事件消费
	onCreate func(*Engine)
}

// NewManager 创建引擎管理器。onCreate 在引擎启动前调用，可为 nil。
func NewManager(cal *instrument.Calendar, nextID func() int64, cmdBufferSize, eventBufferSize int, onCreate func(*Engine)) *Manager {
	return &Manager{
		engines:         make(map[string]*Engine),
		calendar:        cal,
		nextID:          nextID,
		cmdBufferSize:   cmdBufferSize,
		eventBufferSize: eventBufferSize,
		onCreate:        onCreate,
	}
}

// Get 获取已存在的引擎
func (m *Manager) Get(instrumentKey string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[instrumentKey]
	return e, ok
}

// GetOrCreate 获取或创建引擎，双重检查避免重复创建
func (m *Manager) GetOrCreate(instrumentKey string) *Engine {
	m.mu.RLock()
	e, ok := m.engines[instrumentKey]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.engines[instrumentKey]; ok {
		return e
	}

	e = NewEngine(instrumentKey, m.calendar, m.nextID, m.cmdBufferSize, m.eventBufferSize)
	m.engines[instrumentKey] = e
	if m.onCreate != nil {
		m.onCreate(e)
	}
	e.Start()
	return e
}

// Instruments 返回当前管理的合约键
func (m *Manager) Instruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.engines))
	for k := range m.engines {
		keys = append(keys, k)
	}
	return keys
}

// StopAll 停止全部引擎
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.engines {
		e.Stop()
	}
}

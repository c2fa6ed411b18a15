package breaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/liveline-app/transcriber-core/internal/clock"
)

// SystemHealth summarizes the states of every breaker a Manager tracks.
type SystemHealth struct {
	Closed   int
	Open     int
	HalfOpen int
}

// Manager holds a map from service name to its Breaker; the public client
// builds one and hands each transport tier its Breaker from it.
type Manager struct {
	mu       sync.RWMutex
	clk      clock.Clock
	log      *zap.Logger
	breakers map[string]*Breaker
	defaults Config
}

// NewManager builds a Manager. Breakers it creates on demand inherit
// defaults (with Name overridden per service).
func NewManager(defaults Config, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{clk: clk, log: log, breakers: make(map[string]*Breaker), defaults: defaults}
}

// Get returns the breaker for name, creating one from defaults if absent.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg := m.defaults
	cfg.Name = name
	b = New(cfg, m.clk, m.log)
	m.breakers[name] = b
	return b
}

// Health reports the aggregate state count across all tracked breakers.
func (m *Manager) Health() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var h SystemHealth
	for _, b := range m.breakers {
		switch b.State() {
		case Open:
			h.Open++
		case HalfOpen:
			h.HalfOpen++
		default:
			h.Closed++
		}
	}
	return h
}

// ResetAll resets every tracked breaker to Closed.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}

package quota

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Причины отказа.
const (
	ReasonNotRegistered   = "agent_not_registered"
	ReasonCPUBudget       = "cpu_budget_exceeded"
	ReasonStorageExceeded = "storage_quota_exceeded"
)

// Manager: таблица квот всех агентов под одним мьютексом.
type Manager struct {
	mu       sync.Mutex
	quotas   map[string]*AgentQuota
	online   map[string]struct{}
	defaults Limits
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Manager)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWindow задает интервал сброса бюджета.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

func NewManager(defaults Limits, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		quotas:   make(map[string]*AgentQuota),
		online:   make(map[string]struct{}),
		defaults: defaults,
		window:   DefaultWindow,
		now:      time.Now,
		logger:   logger.Named("quota"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register создает квоту при первом контакте и помечает агента онлайн.
// Повторный вызов сохраняет накопленное использование.
func (m *Manager) Register(agentID string, limits *Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(agentID, limits)
	m.online[agentID] = struct{}{}
}

// Ensure создает квоту с лимитами по умолчанию, не трогая присутствие.
// Так учитываются id, объявленные в call_tool без собственного соединения.
func (m *Manager) Ensure(agentID string) {
	m.mu.Lock()
	m.ensure(agentID, nil)
	m.mu.Unlock()
}

// ensure вызывается под m.mu.
func (m *Manager) ensure(agentID string, limits *Limits) {
	if _, ok := m.quotas[agentID]; ok {
		return
	}
	l := m.defaults
	if limits != nil {
		l = *limits
	}
	m.quotas[agentID] = newAgentQuota(agentID, l, m.now())
	m.logger.Debug("agent quota created", zap.String("agent_id", agentID))
}

// Deregister помечает агента офлайн. Квота сохраняется для аудита.
func (m *Manager) Deregister(agentID string) {
	m.mu.Lock()
	delete(m.online, agentID)
	m.mu.Unlock()
}

// Known сообщает, есть ли у агента квота.
func (m *Manager) Known(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.quotas[agentID]
	return ok
}

// CheckToolAccess проверяет окно вызовов агента и CPU-бюджет с учетом оценки.
func (m *Manager) CheckToolAccess(agentID, tool string, estimatedMs float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[agentID]
	if !ok {
		return false, ReasonNotRegistered
	}
	now := m.now()
	q.ResetIfNeeded(now, m.window)

	if ok, limit := q.withinRate(tool, now); !ok {
		return false, rateReason(limit)
	}
	if estimatedMs > 0 && !q.withinCPU(estimatedMs) {
		return false, ReasonCPUBudget
	}
	if !q.withinStorage() {
		return false, ReasonStorageExceeded
	}
	return true, ""
}

// RecordToolCall учитывает завершенный вызов.
func (m *Manager) RecordToolCall(agentID, tool string, durationMs, storageMB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[agentID]
	if !ok {
		return
	}
	now := m.now()
	q.ResetIfNeeded(now, m.window)
	q.calls[tool] = append(q.calls[tool], now)
	if durationMs > 0 {
		q.cpuUsedMs += durationMs
	}
	if storageMB > 0 {
		q.storageUsedMB += storageMB
	}
}

// AgentStats возвращает статистику агента.
func (m *Manager) AgentStats(agentID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[agentID]
	if !ok {
		return Stats{}, false
	}
	now := m.now()
	q.ResetIfNeeded(now, m.window)
	st := q.stats(now)
	_, st.Online = m.online[agentID]
	return st, true
}

// AllStats: статистика по всем известным агентам.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]Stats, len(m.quotas))
	for id, q := range m.quotas {
		q.ResetIfNeeded(now, m.window)
		st := q.stats(now)
		_, st.Online = m.online[id]
		out[id] = st
	}
	return out
}

// OnlineAgents: отсортированный список агентов онлайн.
func (m *Manager) OnlineAgents() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.online))
	for id := range m.online {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

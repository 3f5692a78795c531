package quota

import (
	"fmt"
	"maps"
	"time"
)

// DefaultWindow: интервал сброса CPU-бюджета и окна вызовов.
const DefaultWindow = 60 * time.Second

// Limits: лимиты, которые получает новый агент.
type Limits struct {
	CPUBudgetMs    float64        `mapstructure:"cpu_budget_ms"`
	StorageQuotaMB float64        `mapstructure:"storage_quota_mb"`
	ToolRateLimits map[string]int `mapstructure:"tool_rate_limits"`
}

// DefaultLimits: минута CPU в минуту, 500 МБ, лимиты на сенсоры.
func DefaultLimits() Limits {
	return Limits{
		CPUBudgetMs:    60000,
		StorageQuotaMB: 500,
		ToolRateLimits: map[string]int{
			"capture_frame": 30,
			"record_audio":  10,
			"say":           20,
		},
	}
}

// AgentQuota: бюджет одного агента. Не потокобезопасен сам по себе,
// доступ идет только через Manager.
type AgentQuota struct {
	AgentID string
	Limits  Limits

	cpuUsedMs     float64
	storageUsedMB float64 // Только растет
	lastReset     time.Time
	calls         map[string][]time.Time
}

func newAgentQuota(agentID string, limits Limits, now time.Time) *AgentQuota {
	limits.ToolRateLimits = maps.Clone(limits.ToolRateLimits)
	if limits.ToolRateLimits == nil {
		limits.ToolRateLimits = map[string]int{}
	}
	return &AgentQuota{
		AgentID:   agentID,
		Limits:    limits,
		lastReset: now,
		calls:     make(map[string][]time.Time),
	}
}

// ResetIfNeeded сбрасывает CPU и окно вызовов, если интервал истек.
func (q *AgentQuota) ResetIfNeeded(now time.Time, window time.Duration) {
	if now.Sub(q.lastReset) > window {
		q.cpuUsedMs = 0
		clear(q.calls)
		q.lastReset = now
	}
}

func (q *AgentQuota) withinRate(tool string, now time.Time) (bool, int) {
	limit, ok := q.Limits.ToolRateLimits[tool]
	if !ok {
		return true, 0
	}
	q.prune(tool, now)
	return len(q.calls[tool]) < limit, limit
}

func (q *AgentQuota) prune(tool string, now time.Time) {
	ts := q.calls[tool]
	keep := ts[:0]
	for _, t := range ts {
		if now.Sub(t) < time.Minute {
			keep = append(keep, t)
		}
	}
	q.calls[tool] = keep
}

func (q *AgentQuota) withinCPU(extraMs float64) bool {
	return q.cpuUsedMs+extraMs <= q.Limits.CPUBudgetMs
}

func (q *AgentQuota) withinStorage() bool {
	return q.Limits.StorageQuotaMB <= 0 || q.storageUsedMB < q.Limits.StorageQuotaMB
}

// Stats: снимок использования квоты.
type Stats struct {
	AgentID        string         `json:"agent_id"`
	Online         bool           `json:"online"`
	CPUUsedMs      float64        `json:"cpu_used_ms"`
	CPUBudgetMs    float64        `json:"cpu_budget_ms"`
	CPUPercent     float64        `json:"cpu_percent"`
	StorageUsedMB  float64        `json:"storage_used_mb"`
	StorageQuotaMB float64        `json:"storage_quota_mb"`
	StoragePercent float64        `json:"storage_percent"`
	ToolCalls      map[string]int `json:"tool_calls"`
	ToolLimits     map[string]int `json:"tool_limits"`
	LastReset      time.Time      `json:"last_reset"`
}

func (q *AgentQuota) stats(now time.Time) Stats {
	st := Stats{
		AgentID:        q.AgentID,
		CPUUsedMs:      q.cpuUsedMs,
		CPUBudgetMs:    q.Limits.CPUBudgetMs,
		StorageUsedMB:  q.storageUsedMB,
		StorageQuotaMB: q.Limits.StorageQuotaMB,
		ToolCalls:      make(map[string]int, len(q.Limits.ToolRateLimits)),
		ToolLimits:     maps.Clone(q.Limits.ToolRateLimits),
		LastReset:      q.lastReset,
	}
	if q.Limits.CPUBudgetMs > 0 {
		st.CPUPercent = q.cpuUsedMs / q.Limits.CPUBudgetMs * 100
	}
	if q.Limits.StorageQuotaMB > 0 {
		st.StoragePercent = q.storageUsedMB / q.Limits.StorageQuotaMB * 100
	}
	for tool := range q.Limits.ToolRateLimits {
		q.prune(tool, now)
		st.ToolCalls[tool] = len(q.calls[tool])
	}
	return st
}

func rateReason(limit int) string {
	return fmt.Sprintf("rate_limit_exceeded_%d_per_min", limit)
}

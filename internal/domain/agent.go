package domain

import "time"

// AgentStatus: состояние агента в control plane. Агенты не удаляются.
type AgentStatus string

const (
	StatusActive  AgentStatus = "active"
	StatusBlocked AgentStatus = "blocked" // Kill-switch
	StatusOffline AgentStatus = "offline"
)

// Agent: снимок состояния агента для статистики.
type Agent struct {
	ID           string      `json:"id"`
	Status       AgentStatus `json:"status"`
	Scopes       []string    `json:"scopes"`
	Online       bool        `json:"online"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastActivity time.Time   `json:"last_activity"`
}

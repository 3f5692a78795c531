package domain

import "time"

// EventType: тип записи в ленте событий.
type EventType string

const (
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventAgentConnect    EventType = "agent_connect"
	EventAgentDisconnect EventType = "agent_disconnect"
)

// Event: единица ленты. После Append не изменяется.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    *CallResult    `json:"result,omitempty"`
	Data      map[string]any `json:"data,omitempty"` // Произвольные поля служебных событий
}

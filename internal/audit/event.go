package audit

import "time"

// AuditEvent: запись аудита для асинхронного зеркала (Postgres).
// Сырые аргументы и результаты сюда не попадают, только отпечатки.
type AuditEvent struct {
	ID         string    `json:"id"`          // UUID записи
	AgentID    string    `json:"agent_id"`    // Кто вызывал
	CallID     string    `json:"call_id"`     // Сквозной id вызова
	Tool       string    `json:"tool"`        // Что вызывал
	EventType  string    `json:"event_type"`  // "tool_call" или "permission_denied"
	ArgsHash   string    `json:"args_hash"`   // 8 hex символов
	ResultHash string    `json:"result_hash"` // 8 hex символов
	Status     string    `json:"status"`      // success, error, timeout, rate_limited, denied
	Reason     string    `json:"reason"`
	DurationMs float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

package domain

// CallStatus: итоговый статус вызова в конверте ответа.
type CallStatus string

const (
	CallOK    CallStatus = "ok"
	CallError CallStatus = "error"
)

// Outcome: терминальное состояние вызова для аудита и метрик.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeDenied      Outcome = "denied"
)

// CallRequest: запрос на выполнение capability.
type CallRequest struct {
	AgentID       string
	CallID        string
	Tool          string
	Args          map[string]any
	ApprovalToken string
}

// CallResult: конверт ответа, уходит агенту как есть.
type CallResult struct {
	Status     CallStatus     `json:"status"`
	CallID     string         `json:"call_id"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	DurationMs int64          `json:"duration_ms"`

	Outcome Outcome `json:"-"`
}

// OK собирает успешный конверт.
func OK(callID string, result map[string]any) *CallResult {
	return &CallResult{Status: CallOK, CallID: callID, Result: result, Outcome: OutcomeOK}
}

// Failure собирает конверт ошибки с машинным токеном.
func Failure(callID, token string, outcome Outcome) *CallResult {
	return &CallResult{Status: CallError, CallID: callID, Error: token, Outcome: outcome}
}

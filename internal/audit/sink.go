package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Статусы вызова в журнале аудита.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusRateLimited = "rate_limited"

	EventPermissionDenied = "permission_denied"
)

// Record: одна строка JSONL-журнала.
type Record struct {
	Timestamp  string         `json:"timestamp"`
	AgentID    string         `json:"agent_id"`
	CallID     string         `json:"call_id"`
	Tool       string         `json:"tool,omitempty"`
	ArgsHash   string         `json:"args_hash,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	Status     string         `json:"status,omitempty"`
	DurationMs *float64       `json:"duration_ms,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Type       string         `json:"type,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Auditor: асинхронный приемник событий аудита (AgentFS).
type Auditor interface {
	Log(event AuditEvent)
}

// Sink пишет журнал аудита построчно. Пустой путь отключает файл,
// но записи по-прежнему уходят в лог и в зеркало.
type Sink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	mirror Auditor
	logger *zap.Logger
	now    func() time.Time
}

type SinkOption func(*Sink)

// WithMirror дублирует записи в асинхронный приемник.
func WithMirror(a Auditor) SinkOption {
	return func(s *Sink) { s.mirror = a }
}

// WithClock подменяет время (для тестов).
func WithClock(now func() time.Time) SinkOption {
	return func(s *Sink) { s.now = now }
}

// NewSink открывает журнал на дозапись, создавая каталог при необходимости.
func NewSink(path string, logger *zap.Logger, opts ...SinkOption) (*Sink, error) {
	s := &Sink{
		path:   path,
		logger: logger.With(zap.String("mod", "audit")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s.file = f
	s.logger.Info("audit logging enabled", zap.String("path", path))
	return s, nil
}

func (s *Sink) timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// LogCall пишет вызов с отпечатками аргументов и результата вместо самих данных.
func (s *Sink) LogCall(agentID, callID, tool string, args, result map[string]any, status string, duration time.Duration) {
	now := s.now()
	ms := float64(duration.Microseconds()) / 1000
	rec := Record{
		Timestamp:  s.timestamp(now),
		AgentID:    agentID,
		CallID:     callID,
		Tool:       tool,
		ArgsHash:   Fingerprint(args),
		ResultHash: Fingerprint(result),
		Status:     status,
		DurationMs: &ms,
	}
	s.write(rec)

	s.logger.Info("tool call",
		zap.String("agent_id", agentID),
		zap.String("call_id", callID),
		zap.String("tool", tool),
		zap.String("result_hash", rec.ResultHash),
		zap.String("status", status),
		zap.Float64("duration_ms", ms),
	)

	if s.mirror != nil {
		s.mirror.Log(AuditEvent{
			ID:         uuid.New().String(),
			AgentID:    agentID,
			CallID:     callID,
			Tool:       tool,
			EventType:  "tool_call",
			ArgsHash:   rec.ArgsHash,
			ResultHash: rec.ResultHash,
			Status:     status,
			DurationMs: ms,
			Timestamp:  now,
		})
	}
}

// LogDenial пишет отказ полностью: причины отказа не секретны.
func (s *Sink) LogDenial(agentID, callID, tool, reason string) {
	now := s.now()
	s.write(Record{
		Timestamp: s.timestamp(now),
		AgentID:   agentID,
		CallID:    callID,
		Tool:      tool,
		EventType: EventPermissionDenied,
		Reason:    reason,
	})

	s.logger.Warn("tool call denied",
		zap.String("agent_id", agentID),
		zap.String("call_id", callID),
		zap.String("tool", tool),
		zap.String("reason", reason),
	)

	if s.mirror != nil {
		s.mirror.Log(AuditEvent{
			ID:        uuid.New().String(),
			AgentID:   agentID,
			CallID:    callID,
			Tool:      tool,
			EventType: EventPermissionDenied,
			Status:    "denied",
			Reason:    reason,
			Timestamp: now,
		})
	}
}

// LogEvent пишет служебное событие (подключение агента и т.п.).
func (s *Sink) LogEvent(agentID, callID, eventType string, details map[string]any) {
	s.write(Record{
		Timestamp: s.timestamp(s.now()),
		AgentID:   agentID,
		CallID:    callID,
		Type:      eventType,
		Details:   details,
	})
	s.logger.Debug("audit event", zap.String("agent_id", agentID), zap.String("type", eventType))
}

func (s *Sink) write(rec Record) {
	if s.file == nil {
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("failed to encode audit entry", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.logger.Error("failed to write audit entry", zap.Error(err))
	}
}

// Load читает весь журнал, пропуская нечитаемые строки.
func (s *Sink) Load() ([]Record, error) {
	if s.path == "" {
		return nil, nil
	}
	return ReadFile(s.path)
}

// ReadFile читает JSONL-журнал аудита. Отсутствующий файл — пустой журнал.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Close закрывает файл журнала.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// DefaultCapacity: размер кольца по умолчанию.
const DefaultCapacity = 1000

const idPrefix = "event-"

// Ledger: упорядоченная лента событий в кольцевом буфере с необязательным
// зеркалом в JSONL. Все методы безопасны для конкурентного использования.
type Ledger struct {
	mu       sync.Mutex
	ring     []domain.Event
	capacity int
	head     int // позиция самого старого события
	size     int
	counter  uint64

	mirror     *os.File
	mirrorPath string

	observers []func(domain.Event)
	logger    *zap.Logger
}

type Option func(*Ledger) error

// WithMirror включает дозапись событий в JSONL-файл.
func WithMirror(path string) Option {
	return func(l *Ledger) error {
		if path == "" {
			return nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open ledger mirror: %w", err)
		}
		l.mirror = f
		l.mirrorPath = path
		return nil
	}
}

// WithObserver подписывает наблюдателя на добавленные события.
// Наблюдатель вызывается вне блокировки ленты.
func WithObserver(fn func(domain.Event)) Option {
	return func(l *Ledger) error {
		l.observers = append(l.observers, fn)
		return nil
	}
}

// New создает ленту заданной емкости.
func New(capacity int, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		ring:     make([]domain.Event, capacity),
		capacity: capacity,
		logger:   logger.Named("ledger"),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Append проставляет время и id (если их нет) и добавляет событие.
// Самое старое событие вытесняется при переполнении.
func (l *Ledger) Append(ev domain.Event) domain.Event {
	l.mu.Lock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		l.counter++
		ev.ID = idPrefix + strconv.FormatUint(l.counter, 10)
	}
	l.push(ev)
	l.persist(ev)
	l.mu.Unlock()

	for _, fn := range l.observers {
		fn(ev)
	}
	return ev
}

// push вызывается под l.mu.
func (l *Ledger) push(ev domain.Event) {
	idx := (l.head + l.size) % l.capacity
	l.ring[idx] = ev
	if l.size < l.capacity {
		l.size++
		return
	}
	l.head = (l.head + 1) % l.capacity
}

// persist вызывается под l.mu, чтобы порядок строк в файле совпадал с порядком в кольце.
func (l *Ledger) persist(ev domain.Event) {
	if l.mirror == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("failed to encode event", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	if _, err := l.mirror.Write(append(line, '\n')); err != nil {
		l.logger.Error("failed to persist event", zap.String("id", ev.ID), zap.Error(err))
	}
}

// snapshot вызывается под l.mu; возвращает события от старых к новым.
func (l *Ledger) snapshot() []domain.Event {
	out := make([]domain.Event, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.ring[(l.head+i)%l.capacity]
	}
	return out
}

// Recent возвращает последние n событий, самое новое последним.
func (l *Ledger) Recent(n int) []domain.Event {
	return l.lastMatching(n, func(domain.Event) bool { return true })
}

// ForAgent возвращает последние n событий агента.
func (l *Ledger) ForAgent(agentID string, n int) []domain.Event {
	return l.lastMatching(n, func(ev domain.Event) bool { return ev.AgentID == agentID })
}

// ByType возвращает последние n событий заданного типа.
func (l *Ledger) ByType(t domain.EventType, n int) []domain.Event {
	return l.lastMatching(n, func(ev domain.Event) bool { return ev.Type == t })
}

func (l *Ledger) lastMatching(n int, match func(domain.Event) bool) []domain.Event {
	if n <= 0 {
		return []domain.Event{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	picked := make([]domain.Event, 0, min(n, l.size))
	for i := l.size - 1; i >= 0 && len(picked) < n; i-- {
		ev := l.ring[(l.head+i)%l.capacity]
		if match(ev) {
			picked = append(picked, ev)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// All возвращает все события в памяти.
func (l *Ledger) All() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// Len: количество событий в кольце.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Clear очищает кольцо. Счетчик id сохраняется, файл-зеркало не трогается.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.ring = make([]domain.Event, l.capacity)
	l.head, l.size = 0, 0
	l.mu.Unlock()
	l.logger.Info("ledger cleared")
}

// Stats: сводка по содержимому кольца.
type Stats struct {
	TotalEvents  int                      `json:"total_events"`
	MaxCapacity  int                      `json:"max_capacity"`
	UniqueAgents int                      `json:"unique_agents"`
	EventTypes   map[domain.EventType]int `json:"event_types"`
	Persisted    bool                     `json:"persisted"`
	LastID       string                   `json:"last_id,omitempty"`
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	events := l.snapshot()
	st := Stats{
		TotalEvents: l.size,
		MaxCapacity: l.capacity,
		EventTypes:  make(map[domain.EventType]int),
		Persisted:   l.mirror != nil,
	}
	if l.counter > 0 {
		st.LastID = idPrefix + strconv.FormatUint(l.counter, 10)
	}
	l.mu.Unlock()

	agents := make(map[string]struct{})
	for _, ev := range events {
		if ev.AgentID != "" {
			agents[ev.AgentID] = struct{}{}
		}
		st.EventTypes[ev.Type]++
	}
	st.UniqueAgents = len(agents)
	return st
}

// Close закрывает файл-зеркало.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror == nil {
		return nil
	}
	err := l.mirror.Close()
	l.mirror = nil
	return err
}

// seq извлекает N из "event-N".
func seq(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, idPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

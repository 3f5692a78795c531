package health

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

const maxRecentErrors = 10

// Severity ошибки в мониторе.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ErrorRecord: одна из последних ошибок.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool"`
	Error     string    `json:"error"`
	Severity  string    `json:"severity"`
}

// Status: краткое состояние шлюза.
type Status struct {
	Status         string        `json:"status"`
	UptimeSeconds  int64         `json:"uptime_seconds"`
	UptimeReadable string        `json:"uptime_readable"`
	Timestamp      time.Time     `json:"timestamp"`
	Version        string        `json:"version"`
	Platform       string        `json:"platform"`
	GoVersion      string        `json:"go_version"`
	MemoryMB       float64       `json:"memory_mb"`
	EventCount     int64         `json:"event_count"`
	LastEventTime  *time.Time    `json:"last_event_time"`
	RecentErrors   []ErrorRecord `json:"recent_errors"`
	ErrorCount     int           `json:"error_count"`
}

// Diagnostics: Status плюс данные рантайма для разбора проблем.
type Diagnostics struct {
	Status
	PID        int     `json:"pid"`
	Goroutines int     `json:"goroutines"`
	NumCPU     int     `json:"num_cpu"`
	HeapMB     float64 `json:"heap_mb"`
	NumGC      uint32  `json:"num_gc"`
}

// Monitor собирает события и последние ошибки. Экземпляр принадлежит серверу.
type Monitor struct {
	mu        sync.Mutex
	version   string
	start     time.Time
	now       func() time.Time
	events    int64
	lastEvent time.Time
	errors    []ErrorRecord
}

func NewMonitor(version string) *Monitor {
	return NewMonitorWithClock(version, time.Now)
}

func NewMonitorWithClock(version string, now func() time.Time) *Monitor {
	return &Monitor{version: version, start: now(), now: now}
}

// RecordEvent отмечает событие (вызов, подключение).
func (m *Monitor) RecordEvent() {
	m.mu.Lock()
	m.events++
	m.lastEvent = m.now()
	m.mu.Unlock()
}

// RecordError хранит только последние maxRecentErrors ошибок.
func (m *Monitor) RecordError(tool, errText, severity string) {
	if severity == "" {
		severity = SeverityWarning
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, ErrorRecord{
		Timestamp: m.now().UTC(),
		Tool:      tool,
		Error:     errText,
		Severity:  severity,
	})
	if len(m.errors) > maxRecentErrors {
		m.errors = append(m.errors[:0], m.errors[len(m.errors)-maxRecentErrors:]...)
	}
}

func (m *Monitor) Status() Status {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	uptime := now.Sub(m.start)
	st := Status{
		Status:         "running",
		UptimeSeconds:  int64(uptime.Seconds()),
		UptimeReadable: FormatUptime(uptime),
		Timestamp:      now.UTC(),
		Version:        m.version,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:      runtime.Version(),
		MemoryMB:       roundMB(mem.Sys),
		EventCount:     m.events,
		RecentErrors:   append([]ErrorRecord{}, m.errors...),
		ErrorCount:     len(m.errors),
	}
	if !m.lastEvent.IsZero() {
		t := m.lastEvent.UTC()
		st.LastEventTime = &t
	}
	return st
}

func (m *Monitor) Diagnostics() Diagnostics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Diagnostics{
		Status:     m.Status(),
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
		HeapMB:     roundMB(mem.HeapAlloc),
		NumGC:      mem.NumGC,
	}
}

// FormatUptime: "1h 2m 3s", "2m 3s" или "3s".
func FormatUptime(d time.Duration) string {
	total := int64(d.Seconds())
	h, rem := total/3600, total%3600
	m, s := rem/60, rem%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func roundMB(b uint64) float64 {
	return float64(b*10/(1<<20)) / 10
}

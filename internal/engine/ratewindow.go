package engine

import (
	"sync"
	"time"
)

// DefaultRateWindow: окно скользящего лимитера по умолчанию.
const DefaultRateWindow = 60 * time.Second

// rateWindows: скользящие окна завершенных вызовов по capability.
// Один мьютекс на все окна; с другими блокировками не вкладывается.
type rateWindows struct {
	mu        sync.Mutex
	window    time.Duration
	calls     map[string][]time.Time
	overrides map[string]int
}

func newRateWindows(window time.Duration) *rateWindows {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &rateWindows{
		window:    window,
		calls:     make(map[string][]time.Time),
		overrides: make(map[string]int),
	}
}

// setLimit задает лимит в обход политики; 0 снимает переопределение.
func (w *rateWindows) setLimit(tool string, limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if limit <= 0 {
		delete(w.overrides, tool)
		return
	}
	w.overrides[tool] = limit
}

func (w *rateWindows) limit(tool string, fallback int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if l, ok := w.overrides[tool]; ok {
		return l
	}
	return fallback
}

// allow проверяет, что в окне меньше limit вызовов. limit <= 0 — без ограничения.
func (w *rateWindows) allow(tool string, limit int, now time.Time) bool {
	if limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(tool, now)) < limit
}

// record учитывает завершенный вызов.
func (w *rateWindows) record(tool string, now time.Time) {
	w.mu.Lock()
	w.calls[tool] = append(w.prune(tool, now), now)
	w.mu.Unlock()
}

func (w *rateWindows) usage(tool string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(tool, now))
}

// prune вызывается под w.mu.
func (w *rateWindows) prune(tool string, now time.Time) []time.Time {
	ts := w.calls[tool]
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		w.calls[tool] = ts
	}
	return ts
}

func (w *rateWindows) overridden() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.overrides))
	for k, v := range w.overrides {
		out[k] = v
	}
	return out
}

// seen: capability, по которым уже есть окно, в том виде, как их вызывали.
func (w *rateWindows) seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.calls))
	for k := range w.calls {
		out = append(out, k)
	}
	return out
}

package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

const maxLine = 4 << 20

// Replay загружает события из JSONL-файла в кольцо как есть: id и время
// сохраняются, повторной записи в зеркало нет. Испорченные строки пропускаются.
// Счетчик id сдвигается за максимальный загруженный номер.
func (l *Ledger) Replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var loaded, skipped int
	l.mu.Lock()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			continue
		}
		if n, ok := seq(ev.ID); ok && n > l.counter {
			l.counter = n
		}
		if ev.ID == "" {
			l.counter++
			ev.ID = fmt.Sprintf("%s%d", idPrefix, l.counter)
		}
		l.push(ev)
		loaded++
	}
	l.mu.Unlock()

	if err := scanner.Err(); err != nil {
		// Обрезанный хвост файла не считается фатальным.
		l.logger.Warn("replay stopped early", zap.String("path", path), zap.Error(err))
	}
	l.logger.Info("ledger replayed", zap.String("path", path), zap.Int("loaded", loaded), zap.Int("skipped", skipped))
	return loaded, nil
}

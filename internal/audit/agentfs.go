package audit

/*
AgentFS — асинхронное зеркало журнала аудита во внешнее хранилище (Postgres).

- Горячий путь диспетчера не ждет БД: Log кладет событие в буферизованный канал.
- События копятся в пачку и пишутся одним INSERT по размеру пачки или по таймеру.
- При переполнении буфера событие сбрасывается с ошибкой в логе (load shedding),
  JSONL-журнал Sink при этом остается полным.
- Stop закрывает канал под мьютексом: Log держит RLock на время отправки,
  поэтому отправка в закрытый канал невозможна. Воркер вычитывает остаток
  и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняются события.
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

// AgentFSConfig: размеры буфера и пачки.
type AgentFSConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// OnFill получает текущее заполнение буфера (для метрики backpressure).
	OnFill func(n int)
}

type AgentFS struct {
	ch      chan AuditEvent
	repo    StorageInterface
	cfg     AgentFSConfig
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool // под mu
	dropped atomic.Int64
}

func NewAgentFS(repo StorageInterface, cfg AgentFSConfig, logger *zap.Logger) *AgentFS {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &AgentFS{
		ch:     make(chan AuditEvent, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop запирает вход и ждет, пока воркер допишет остаток.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	close(fs.ch)
	fs.mu.Unlock()

	fs.logger.Info("stopping audit mirror: flushing buffer...")
	fs.wg.Wait()
	fs.logger.Info("audit mirror stopped", zap.Int64("dropped", fs.dropped.Load()))
}

// Log не блокирует: при переполнении событие сбрасывается.
func (fs *AgentFS) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit event dropped: mirror is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
		if fs.cfg.OnFill != nil {
			fs.cfg.OnFill(len(fs.ch))
		}
	default:
		fs.dropped.Add(1)
		fs.logger.Error("audit_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("call_id", event.CallID),
		)
	}
}

// Dropped: сколько событий сброшено из-за переполнения.
func (fs *AgentFS) Dropped() int64 {
	return fs.dropped.Load()
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.cfg.BatchSize)
	ticker := time.NewTicker(fs.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
			fs.logger.Error("audit flush failed", zap.Int("size", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if fs.cfg.OnFill != nil {
			fs.cfg.OnFill(len(fs.ch))
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop: остаток уже вычитан, финальный сброс
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/infra"
)

// AgentStore: источник истины для статусов агентов (Postgres).
type AgentStore interface {
	SetStatus(ctx context.Context, id, status string) error
	AgentsByStatus(ctx context.Context, status string) ([]string, error)
}

// KillSwitch: мгновенная блокировка агентов.
// L1 — локальная мапа (проверяется на каждом вызове), L2 — множество в Redis,
// изменения между инстансами расходятся через Pub/Sub.
// Без Redis и без БД работает как локальный список.
type KillSwitch struct {
	mu      sync.RWMutex
	blocked map[string]struct{}

	rdb    redis.UniversalClient
	store  AgentStore
	logger *zap.Logger
}

func NewKillSwitch(rdb redis.UniversalClient, store AgentStore, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		store:   store,
		logger:  logger.Named("killswitch"),
	}
}

// Init загружает текущее состояние блокировок: из БД с прогревом Redis, либо из Redis.
func (k *KillSwitch) Init(ctx context.Context) error {
	switch {
	case k.store != nil:
		ids, err := k.store.AgentsByStatus(ctx, string(domain.StatusBlocked))
		if err != nil {
			return fmt.Errorf("killswitch: load blocked agents: %w", err)
		}
		if k.rdb == nil {
			k.replace(ids)
			return nil
		}
		return WarmupState(ctx, k.rdb, k.logger, ids, infra.RedisKeyBlockedAgents, infra.RedisKeyLockBlocked, k.replace)

	case k.rdb != nil:
		ids, err := k.rdb.SMembers(ctx, infra.RedisKeyBlockedAgents).Result()
		if err != nil {
			return fmt.Errorf("killswitch: read blocked set: %w", err)
		}
		k.replace(ids)
	}
	return nil
}

// StartListener блокирует до отмены ctx. Без Redis сразу возвращается.
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	k.logger.Info("kill-switch listener started", zap.String("chan", infra.RedisChanKillSwitch))
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch, k.Init, k.apply)
}

// Block фиксирует блокировку в БД, Redis и рассылает сигнал.
func (k *KillSwitch) Block(ctx context.Context, agentID string) error {
	return k.set(ctx, agentID, true)
}

func (k *KillSwitch) Unblock(ctx context.Context, agentID string) error {
	return k.set(ctx, agentID, false)
}

func (k *KillSwitch) set(ctx context.Context, agentID string, blocked bool) error {
	if agentID == "" {
		return domain.ValidationError("agent_id", "empty agent id", nil)
	}
	status := domain.StatusActive
	if blocked {
		status = domain.StatusBlocked
	}
	if k.store != nil {
		if err := k.store.SetStatus(ctx, agentID, string(status)); err != nil {
			return err
		}
	}
	k.apply(agentID, blocked)

	if k.rdb == nil {
		return nil
	}
	pipe := k.rdb.TxPipeline()
	if blocked {
		pipe.SAdd(ctx, infra.RedisKeyBlockedAgents, agentID)
	} else {
		pipe.SRem(ctx, infra.RedisKeyBlockedAgents, agentID)
	}
	pipe.Publish(ctx, infra.RedisChanKillSwitch, fmt.Sprintf("%s:%t", agentID, blocked))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("killswitch: publish: %w", err)
	}
	return nil
}

func (k *KillSwitch) IsBlocked(agentID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.blocked[agentID]
	return ok
}

// Blocked: отсортированный список заблокированных.
func (k *KillSwitch) Blocked() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.blocked))
	for id := range k.blocked {
		out = append(out, id)
	}
	k.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (k *KillSwitch) apply(agentID string, blocked bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if blocked {
		k.blocked[agentID] = struct{}{}
		k.logger.Warn("agent blocked", zap.String("agent_id", agentID))
		return
	}
	if _, ok := k.blocked[agentID]; ok {
		delete(k.blocked, agentID)
		k.logger.Info("agent unblocked", zap.String("agent_id", agentID))
	}
}

func (k *KillSwitch) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	k.mu.Lock()
	k.blocked = next
	k.mu.Unlock()
}

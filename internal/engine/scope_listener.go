package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/infra"
)

// ScopeGrantor: изменяемая часть политики.
type ScopeGrantor interface {
	GrantScope(agentID, scope string)
	RevokeScope(agentID, scope string)
}

const (
	scopeGrant  = "grant"
	scopeRevoke = "revoke"
)

// ScopeSignals применяет выдачу и отзыв scope, пришедшие от оператора через Redis.
type ScopeSignals struct {
	rdb    redis.UniversalClient
	policy ScopeGrantor
	logger *zap.Logger
}

func NewScopeSignals(rdb redis.UniversalClient, policy ScopeGrantor, logger *zap.Logger) *ScopeSignals {
	return &ScopeSignals{rdb: rdb, policy: policy, logger: logger.Named("scopes")}
}

// Listen блокирует до отмены ctx.
func (s *ScopeSignals) Listen(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanScopes, nil, s.Apply)
}

// Apply разбирает и применяет один сигнал.
func (s *ScopeSignals) Apply(payload string) {
	agentID, scope, grant, ok := ParseScopeSignal(payload)
	if !ok {
		s.logger.Error("invalid scope signal", zap.String("payload", payload))
		return
	}
	if grant {
		s.policy.GrantScope(agentID, scope)
	} else {
		s.policy.RevokeScope(agentID, scope)
	}
	s.logger.Info("scope updated",
		zap.String("agent_id", agentID),
		zap.String("scope", scope),
		zap.Bool("grant", grant),
	)
}

// PublishScope рассылает сигнал всем инстансам шлюза.
func PublishScope(ctx context.Context, rdb redis.UniversalClient, agentID, scope string, grant bool) error {
	action := scopeRevoke
	if grant {
		action = scopeGrant
	}
	payload := strings.Join([]string{agentID, scope, action}, ":")
	if _, _, _, ok := ParseScopeSignal(payload); !ok {
		return fmt.Errorf("invalid scope signal %q", payload)
	}
	return rdb.Publish(ctx, infra.RedisChanScopes, payload).Err()
}

// ParseScopeSignal разбирает "agent_id:scope:grant|revoke". Scope может содержать двоеточия.
func ParseScopeSignal(payload string) (agentID, scope string, grant, ok bool) {
	first := strings.IndexByte(payload, ':')
	last := strings.LastIndexByte(payload, ':')
	if first <= 0 || last <= first+1 {
		return "", "", false, false
	}
	switch payload[last+1:] {
	case scopeGrant:
		grant = true
	case scopeRevoke:
	default:
		return "", "", false, false
	}
	return payload[:first], payload[first+1 : last], grant, true
}

package policy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Evaluator хранит выданные агентам scope и отвечает на вопросы политики.
// Сам документ после загрузки только читается; меняются лишь выдачи scope.
type Evaluator struct {
	doc *Document

	sensitive map[string]struct{}
	approval  map[string]struct{}

	// Имена capability в лимитах и таймаутах сравниваются без учета регистра.
	rateLimits map[string]int
	timeouts   map[string]float64

	mu     sync.RWMutex
	scopes map[string]map[string]struct{} // agent_id -> scopes

	logger *zap.Logger
}

// NewEvaluator создает вычислитель поверх загруженного документа.
func NewEvaluator(doc *Document, logger *zap.Logger) *Evaluator {
	if doc == nil {
		doc = &Document{}
	}
	return &Evaluator{
		doc:        doc,
		sensitive:  toSet(doc.SensitiveScopes),
		approval:   toSet(doc.ApprovalRequired),
		rateLimits: foldKeys(doc.RateLimits),
		timeouts:   foldKeys(doc.Timeouts.Capabilities),
		scopes:     make(map[string]map[string]struct{}),
		logger:     logger.Named("policy"),
	}
}

// foldKeys приводит ключи к нижнему регистру, как их хранит viper.
func foldKeys[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// RegisterAgent выдает агенту явный набор scope; nil означает набор по умолчанию.
func (e *Evaluator) RegisterAgent(agentID string, scopes []string) {
	if scopes == nil {
		scopes = e.doc.DefaultScopes
	}
	e.mu.Lock()
	e.scopes[agentID] = toSet(scopes)
	e.mu.Unlock()
}

// ensure вызывается под e.mu.Lock.
func (e *Evaluator) ensure(agentID string) map[string]struct{} {
	s, ok := e.scopes[agentID]
	if !ok {
		s = toSet(e.doc.DefaultScopes)
		e.scopes[agentID] = s
	}
	return s
}

// CheckPermission разрешает вызов, если scope не требуется, не является
// чувствительным или уже выдан агенту. Неизвестный агент получает scope по умолчанию.
func (e *Evaluator) CheckPermission(agentID, tool, requiredScope string) (bool, string) {
	e.mu.Lock()
	granted := e.ensure(agentID)
	_, has := granted[requiredScope]
	e.mu.Unlock()

	if requiredScope == "" {
		return true, ""
	}
	if _, sensitive := e.sensitive[requiredScope]; sensitive && !has {
		return false, "Missing required scope: " + requiredScope
	}
	return true, ""
}

// RequiresApproval: только поиск по списку approval_required.
func (e *Evaluator) RequiresApproval(tool, scope string) bool {
	if scope != "" {
		if _, ok := e.approval[scope]; ok {
			return true
		}
	}
	_, ok := e.approval[tool]
	return ok
}

// RateLimit возвращает лимит вызовов в минуту; 0 — без ограничения.
func (e *Evaluator) RateLimit(tool string) int {
	return e.rateLimits[strings.ToLower(tool)]
}

// RateLimits: копия всех лимитов из документа, ключи в нижнем регистре.
func (e *Evaluator) RateLimits() map[string]int {
	out := make(map[string]int, len(e.rateLimits))
	for k, v := range e.rateLimits {
		out[k] = v
	}
	return out
}

// Timeout возвращает таймаут вызова capability.
func (e *Evaluator) Timeout(tool string) time.Duration {
	if sec, ok := e.timeouts[strings.ToLower(tool)]; ok && sec > 0 {
		return seconds(sec)
	}
	if e.doc.Timeouts.DefaultCallTimeout > 0 {
		return seconds(e.doc.Timeouts.DefaultCallTimeout)
	}
	return DefaultCallTimeout
}

// GrantScope идемпотентно выдает scope.
func (e *Evaluator) GrantScope(agentID, scope string) {
	e.mu.Lock()
	e.ensure(agentID)[scope] = struct{}{}
	e.mu.Unlock()
	e.logger.Info("scope granted", zap.String("agent_id", agentID), zap.String("scope", scope))
}

// RevokeScope идемпотентно отзывает scope. Незнакомый агент не создается.
func (e *Evaluator) RevokeScope(agentID, scope string) {
	e.mu.Lock()
	if s, ok := e.scopes[agentID]; ok {
		delete(s, scope)
	}
	e.mu.Unlock()
	e.logger.Info("scope revoked", zap.String("agent_id", agentID), zap.String("scope", scope))
}

// AgentScopes возвращает отсортированную копию scope агента.
func (e *Evaluator) AgentScopes(agentID string) []string {
	e.mu.Lock()
	s := e.ensure(agentID)
	out := make([]string, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/audit"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// Catalog: то, что диспетчеру нужно от каталога capability.
type Catalog interface {
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Describe(name string) (domain.CapabilityInfo, bool)
	Scope(name string) string
}

// PolicyEvaluator: вопросы к политике безопасности.
type PolicyEvaluator interface {
	CheckPermission(agentID, tool, requiredScope string) (bool, string)
	RequiresApproval(tool, scope string) bool
	RateLimit(tool string) int
	RateLimits() map[string]int
	Timeout(tool string) time.Duration
}

// EventLedger: лента событий.
type EventLedger interface {
	Append(ev domain.Event) domain.Event
}

// AuditLogger: журнал аудита.
type AuditLogger interface {
	LogCall(agentID, callID, tool string, args, result map[string]any, status string, duration time.Duration)
	LogDenial(agentID, callID, tool, reason string)
}

// QuotaGate: пер-агентные квоты, независимые от окна capability.
type QuotaGate interface {
	Ensure(agentID string)
	CheckToolAccess(agentID, tool string, estimatedMs float64) (bool, string)
	RecordToolCall(agentID, tool string, durationMs, storageMB float64)
}

// ApprovalVerifier проверяет внешне выданный токен одобрения.
type ApprovalVerifier interface {
	Verify(token, agentID, tool string) error
}

// BlockList: kill-switch.
type BlockList interface {
	IsBlocked(agentID string) bool
}

const ReasonApprovalRequired = "approval_required"

// Config: параметры диспетчера.
type Config struct {
	Workers    int
	RateWindow time.Duration
}

// Dispatcher проводит вызов через гейты, лимитер, пул воркеров и ленту.
//
// Порядок: событие попытки -> kill-switch -> scope -> одобрение -> квота агента ->
// окно capability -> исполнение с таймаутом -> учет (только успех) -> событие результата.
type Dispatcher struct {
	catalog Catalog
	policy  PolicyEvaluator
	ledger  EventLedger

	audit     AuditLogger
	quotas    QuotaGate
	approvals ApprovalVerifier
	blocked   BlockList
	metrics   *Metrics

	windows *rateWindows
	pool    *workerPool
	now     func() time.Time
	calls   atomic.Int64

	logger *zap.Logger
}

type Option func(*Dispatcher)

func WithAudit(a AuditLogger) Option          { return func(d *Dispatcher) { d.audit = a } }
func WithQuota(q QuotaGate) Option            { return func(d *Dispatcher) { d.quotas = q } }
func WithApprovals(v ApprovalVerifier) Option { return func(d *Dispatcher) { d.approvals = v } }
func WithBlockList(b BlockList) Option        { return func(d *Dispatcher) { d.blocked = b } }
func WithMetrics(m *Metrics) Option           { return func(d *Dispatcher) { d.metrics = m } }

// WithClock подменяет источник времени окна (для тестов).
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// NewDispatcher собирает диспетчер. Необязательные гейты подключаются опциями.
func NewDispatcher(cat Catalog, pol PolicyEvaluator, led EventLedger, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog: cat,
		policy:  pol,
		ledger:  led,
		windows: newRateWindows(cfg.RateWindow),
		pool:    newWorkerPool(cfg.Workers),
		now:     time.Now,
		logger:  logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	return d
}

// SetRateLimit переопределяет лимит capability (вызовов за окно). 0 снимает переопределение.
func (d *Dispatcher) SetRateLimit(tool string, perWindow int) {
	d.windows.setLimit(tool, perWindow)
}

// Execute выполняет вызов. Всегда возвращает конверт и всегда пишет
// ровно два события в ленту: попытку и результат с тем же call_id.
func (d *Dispatcher) Execute(ctx context.Context, req domain.CallRequest) *domain.CallResult {
	start := time.Now()
	d.calls.Add(1)
	d.metrics.TotalCalls.WithLabelValues(req.AgentID, req.Tool).Inc()

	d.ledger.Append(domain.Event{
		Type:    domain.EventToolCall,
		AgentID: req.AgentID,
		CallID:  req.CallID,
		Tool:    req.Tool,
		Args:    req.Args,
	})

	res := d.execute(ctx, req, start)
	elapsed := time.Since(start)
	res.DurationMs = elapsed.Milliseconds()

	// В ленту уходит снимок: правки вызывающего в res не меняют историю.
	snapshot := *res
	snapshot.Result = cloneMap(res.Result)
	d.ledger.Append(domain.Event{
		Type:    domain.EventToolResult,
		AgentID: req.AgentID,
		CallID:  req.CallID,
		Tool:    req.Tool,
		Result:  &snapshot,
	})

	d.metrics.CallDuration.WithLabelValues(req.Tool, string(res.Outcome)).Observe(elapsed.Seconds())
	if res.Status != domain.CallOK {
		d.metrics.ErrorTotal.WithLabelValues(errorType(res.Error)).Inc()
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, req domain.CallRequest, start time.Time) *domain.CallResult {
	scope := d.catalog.Scope(req.Tool)

	if d.blocked != nil && d.blocked.IsBlocked(req.AgentID) {
		return d.deny(req, domain.AgentBlocked(req.AgentID))
	}

	if ok, reason := d.policy.CheckPermission(req.AgentID, req.Tool, scope); !ok {
		return d.deny(req, domain.PermissionDenied(req.Tool, reason))
	}

	if d.policy.RequiresApproval(req.Tool, scope) {
		if d.approvals == nil {
			return d.deny(req, domain.PermissionDenied(req.Tool, ReasonApprovalRequired))
		}
		if err := d.approvals.Verify(req.ApprovalToken, req.AgentID, req.Tool); err != nil {
			d.logger.Debug("approval rejected", zap.String("agent_id", req.AgentID), zap.Error(err))
			return d.deny(req, domain.PermissionDenied(req.Tool, ReasonApprovalRequired))
		}
	}

	var estimatedMs float64
	if info, ok := d.catalog.Describe(req.Tool); ok {
		estimatedMs = float64(info.CostHint.LatencyMs)
	}
	if d.quotas != nil {
		d.quotas.Ensure(req.AgentID)
		if ok, reason := d.quotas.CheckToolAccess(req.AgentID, req.Tool, estimatedMs); !ok {
			if strings.HasPrefix(reason, "rate_limit_exceeded") {
				return d.deny(req, domain.RateLimited(req.AgentID, reason))
			}
			return d.deny(req, domain.QuotaExceeded(req.AgentID, reason))
		}
	}

	limit := d.windows.limit(req.Tool, d.policy.RateLimit(req.Tool))
	if !d.windows.allow(req.Tool, limit, d.now()) {
		res := domain.Failure(req.CallID, string(domain.CodeRateLimited), domain.OutcomeRateLimited)
		d.logCall(req, nil, audit.StatusRateLimited, time.Since(start))
		return res
	}

	timeout := d.policy.Timeout(req.Tool)
	d.metrics.InflightCalls.Set(float64(d.pool.busy()))
	// Обработчик получает свою копию аргументов, событие попытки остается неизменным.
	args := cloneMap(req.Args)
	result, err := d.pool.run(ctx, req.Tool, timeout, func(callCtx context.Context) (map[string]any, error) {
		return d.catalog.Invoke(callCtx, req.Tool, args)
	})
	d.metrics.InflightCalls.Set(float64(d.pool.busy()))
	elapsed := time.Since(start)

	if err != nil {
		res, status := d.normalize(req, err, timeout)
		d.logCall(req, nil, status, elapsed)
		return res
	}

	// Лимит считает только реально исполненные вызовы.
	d.windows.record(req.Tool, d.now())
	if d.quotas != nil {
		d.quotas.RecordToolCall(req.AgentID, req.Tool, float64(elapsed.Microseconds())/1000, storageMB(result))
	}

	d.logCall(req, result, audit.StatusSuccess, elapsed)
	return domain.OK(req.CallID, result)
}

// normalize переводит ошибку в конверт без стектрейсов.
func (d *Dispatcher) normalize(req domain.CallRequest, err error, timeout time.Duration) (*domain.CallResult, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.Failure(req.CallID, string(domain.CodeNotFound)+": "+req.Tool, domain.OutcomeError), audit.StatusError

	case errors.Is(err, domain.ErrTimeout):
		d.logger.Warn("tool call timed out",
			zap.String("tool", req.Tool),
			zap.String("call_id", req.CallID),
			zap.Duration("timeout", timeout),
		)
		return domain.Failure(req.CallID, string(domain.CodeTimeout), domain.OutcomeTimeout), audit.StatusTimeout

	case errors.Is(err, ErrCancelled):
		res := domain.Failure(req.CallID, "cancelled", domain.OutcomeError)
		return res, audit.StatusError

	case errors.Is(err, domain.ErrValidation):
		res := domain.Failure(req.CallID, string(domain.CodeValidation), domain.OutcomeError)
		var de *domain.Error
		if errors.As(err, &de) && de.Err != nil {
			res.Message = de.Err.Error()
		}
		return res, audit.StatusError
	}

	d.logger.Error("tool handler failed",
		zap.String("tool", req.Tool),
		zap.String("call_id", req.CallID),
		zap.String("agent_id", req.AgentID),
		zap.Error(err),
	)
	res := domain.Failure(req.CallID, string(domain.CodeHandler), domain.OutcomeError)
	res.Kind = domain.KindOf(err)
	res.Message = err.Error()
	return res, audit.StatusError
}

// deny отдает агенту токен и причину отказа; обработчик не вызывается.
func (d *Dispatcher) deny(req domain.CallRequest, e *domain.Error) *domain.CallResult {
	res := domain.Failure(req.CallID, string(e.Code), domain.OutcomeDenied)
	res.Reason = e.Msg
	if e.Code == domain.CodeRateLimited {
		res.Outcome = domain.OutcomeRateLimited
	}
	if d.audit != nil {
		d.audit.LogDenial(req.AgentID, req.CallID, req.Tool, e.Msg)
	}
	return res
}

func (d *Dispatcher) logCall(req domain.CallRequest, result map[string]any, status string, elapsed time.Duration) {
	if d.audit != nil {
		d.audit.LogCall(req.AgentID, req.CallID, req.Tool, req.Args, result, status, elapsed)
	}
}

// RateUsage: состояние окна одной capability.
type RateUsage struct {
	Limit        int `json:"limit"`
	CurrentUsage int `json:"current_usage"`
}

// Stats: сводка диспетчера.
type Stats struct {
	TotalCalls int64                `json:"total_calls"`
	Inflight   int64                `json:"inflight"`
	Workers    int64                `json:"workers"`
	Abandoned  int64                `json:"abandoned"`
	RateLimits map[string]RateUsage `json:"rate_limits"`
}

func (d *Dispatcher) Stats() Stats {
	limits := d.policy.RateLimits()
	// Ключи политики без учета регистра: показываем имя так, как его вызывали.
	for _, name := range d.windows.seen() {
		key := strings.ToLower(name)
		if l, ok := limits[key]; ok && key != name {
			delete(limits, key)
			limits[name] = l
		}
	}
	for tool, l := range d.windows.overridden() {
		limits[tool] = l
	}

	tools := make([]string, 0, len(limits))
	for tool := range limits {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	now := d.now()
	usage := make(map[string]RateUsage, len(tools))
	for _, tool := range tools {
		usage[tool] = RateUsage{Limit: limits[tool], CurrentUsage: d.windows.usage(tool, now)}
	}
	return Stats{
		TotalCalls: d.calls.Load(),
		Inflight:   d.pool.busy(),
		Workers:    d.pool.size,
		Abandoned:  d.pool.orphans(),
		RateLimits: usage,
	}
}

// errorType убирает подробности из токена для метки метрики.
func errorType(token string) string {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i]
	}
	return token
}

// storageMB: грубая оценка объема результата для квоты хранения.
func storageMB(result map[string]any) float64 {
	if len(result) == 0 {
		return 0
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return 0
	}
	return float64(len(raw)) / (1 << 20)
}

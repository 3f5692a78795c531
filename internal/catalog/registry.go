package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// Handler: реализация capability. Должна уважать отмену ctx:
// по таймауту диспетчер отпускает вызывающего, не дожидаясь обработчика.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Имя capability: буквы, цифры, '_', '-', '.', ':'; на первом месте буква или цифра.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

const maxNameLen = 128

// Capability: описание и обработчик одной операции каталога.
type Capability struct {
	Name        string
	Description string
	Schema      map[string]any
	Sensitivity domain.Sensitivity
	CostHint    domain.CostHint
	Scope       string
	Handler     Handler

	compiled *jsonschema.Schema
}

func (c *Capability) info() domain.CapabilityInfo {
	schema := c.Schema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return domain.CapabilityInfo{
		Description: c.Description,
		Schema:      schema,
		Sensitivity: c.Sensitivity,
		CostHint:    c.CostHint,
		Scope:       c.Scope,
	}
}

// Registry: потокобезопасный каталог capability.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Capability
	logger *zap.Logger
}

// NewRegistry создает пустой каталог.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		caps:   make(map[string]*Capability),
		logger: logger.Named("catalog"),
	}
}

// Register добавляет capability. Повторная регистрация перезаписывает прежнюю запись.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return domain.ValidationError("", "capability name is empty", nil)
	}
	if len(c.Name) > maxNameLen || !validName.MatchString(c.Name) {
		return domain.ValidationError(c.Name, "invalid capability name", nil)
	}
	if c.Handler == nil {
		return domain.ValidationError(c.Name, "handler is not callable", nil)
	}
	sens, err := domain.ParseSensitivity(string(c.Sensitivity))
	if err != nil {
		return domain.ValidationError(c.Name, "invalid sensitivity", err)
	}
	c.Sensitivity = sens

	if c.Schema != nil {
		compiled, err := compileSchema(c.Schema)
		if err != nil {
			return domain.ValidationError(c.Name, "invalid schema", err)
		}
		c.compiled = compiled
	}

	r.mu.Lock()
	_, exists := r.caps[c.Name]
	r.caps[c.Name] = &c
	r.mu.Unlock()

	if exists {
		r.logger.Warn("capability re-registered, previous definition replaced", zap.String("tool", c.Name))
	} else {
		r.logger.Debug("capability registered", zap.String("tool", c.Name), zap.String("sensitivity", string(c.Sensitivity)))
	}
	return nil
}

// RegisterAll регистрирует набор определений. Ошибка одного не мешает остальным.
func (r *Registry) RegisterAll(defs ...*Builder) error {
	var errs []error
	for _, d := range defs {
		if err := r.Register(d.Capability()); err != nil {
			r.logger.Error("capability rejected", zap.String("tool", d.c.Name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invoke проверяет аргументы по схеме и вызывает обработчик.
// Ошибки обработчика возвращаются без изменений.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NotFoundError(name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if c.compiled != nil {
		if err := validateArgs(c.compiled, args); err != nil {
			return nil, domain.ValidationError(name, "arguments do not match schema", err)
		}
	}

	return c.Handler(ctx, args)
}

// Describe возвращает метаданные capability.
func (r *Registry) Describe(name string) (domain.CapabilityInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return domain.CapabilityInfo{}, false
	}
	return c.info(), true
}

// List возвращает метаданные всех capability.
func (r *Registry) List() map[string]domain.CapabilityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.CapabilityInfo, len(r.caps))
	for name, c := range r.caps {
		out[name] = c.info()
	}
	return out
}

// Names: отсортированный список имен.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Scope возвращает scope, которого требует capability (пусто, если не требует).
func (r *Registry) Scope(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.caps[name]; ok {
		return c.Scope
	}
	return ""
}

func (r *Registry) String() string {
	return fmt.Sprintf("catalog(%d)", r.Len())
}

// Package extensions загружает декларативные расширения каталога из YAML.
//
// Расширение не исполняет код: инструмент либо отдает статический ответ
// (returns), либо вычисляет его выражением expr-lang над аргументами (expr).
package extensions

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/domain"
)

// maxASTNodes ограничивает сложность выражения.
const maxASTNodes = 500

// Plugin: один YAML-файл.
type Plugin struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tools       []Tool `yaml:"tools"`

	Path string `yaml:"-"`
}

// Tool: декларация инструмента.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"` // JSON-schema properties
	Required    []string       `yaml:"required"`
	Sensitivity string         `yaml:"sensitivity"`
	Scope       string         `yaml:"scope"`
	RateLimit   int            `yaml:"rate_limit"` // вызовов в минуту, 0 — по политике
	LatencyMs   int            `yaml:"latency_ms"`
	Returns     map[string]any `yaml:"returns"`
	Expr        string         `yaml:"expr"`
}

// ExprError: выражение не вычислилось или вернуло не объект.
type ExprError struct {
	Tool string
	Err  error
}

func (e *ExprError) Error() string { return fmt.Sprintf("expression for %s: %v", e.Tool, e.Err) }
func (e *ExprError) Unwrap() error { return e.Err }
func (e *ExprError) Kind() string  { return "ExpressionError" }

// RateLimitSetter: куда уходит rate_limit инструмента (диспетчер).
type RateLimitSetter interface {
	SetRateLimit(tool string, perWindow int)
}

// LoadDir читает *.yaml и *.yml из dir. Отсутствующий каталог — не ошибка.
// Битый файл логируется и пропускается.
func LoadDir(dir string, logger *zap.Logger) ([]Plugin, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Info("extensions dir not found, skipping", zap.String("dir", dir))
		return nil, nil
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("scan extensions dir: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	plugins := make([]Plugin, 0, len(files))
	for _, path := range files {
		p, err := LoadFile(path)
		if err != nil {
			logger.Error("failed to load extension", zap.String("path", path), zap.Error(err))
			continue
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// LoadFile разбирает один файл. Неизвестные поля — ошибка.
func LoadFile(path string) (Plugin, error) {
	f, err := os.Open(path)
	if err != nil {
		return Plugin{}, err
	}
	defer f.Close()

	var p Plugin
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plugin{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = filepath.Base(path)
	}
	p.Path = path
	return p, nil
}

// Builder превращает декларацию в определение для каталога.
func (t Tool) Builder() (*catalog.Builder, error) {
	if t.Name == "" {
		return nil, domain.ValidationError("", "tool name is empty", nil)
	}

	var handler catalog.Handler
	switch {
	case t.Expr != "" && t.Returns != nil:
		return nil, domain.ValidationError(t.Name, "returns and expr are mutually exclusive", nil)
	case t.Expr != "":
		program, err := expr.Compile(t.Expr,
			expr.Env(exprEnv(t.Name, nil)),
			expr.MaxNodes(maxASTNodes),
		)
		if err != nil {
			return nil, domain.ValidationError(t.Name, "invalid expression", err)
		}
		handler = exprHandler(t.Name, program)
	case t.Returns != nil:
		static := t.Returns
		handler = func(context.Context, map[string]any) (map[string]any, error) {
			return maps.Clone(static), nil
		}
	default:
		return nil, domain.ValidationError(t.Name, "either returns or expr is required", nil)
	}

	properties := t.Parameters
	if properties == nil {
		properties = map[string]any{}
	}
	return catalog.Define(t.Name).
		Describe(t.Description).
		Sensitivity(domain.Sensitivity(t.Sensitivity)).
		Params(properties, t.Required...).
		Cost(t.LatencyMs, false).
		Scope(t.Scope).
		Handle(handler), nil
}

func exprEnv(tool string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{"args": args, "tool": tool}
}

func exprHandler(tool string, program *vm.Program) catalog.Handler {
	return func(_ context.Context, args map[string]any) (map[string]any, error) {
		out, err := expr.Run(program, exprEnv(tool, args))
		if err != nil {
			return nil, &ExprError{Tool: tool, Err: err}
		}
		switch v := out.(type) {
		case map[string]any:
			return v, nil
		case nil:
			return map[string]any{}, nil
		}
		return nil, &ExprError{Tool: tool, Err: fmt.Errorf("result must be a map, got %T", out)}
	}
}

// Register регистрирует инструменты всех расширений. Плохой инструмент пропускается,
// остальные регистрируются. Возвращает число зарегистрированных.
func Register(reg *catalog.Registry, plugins []Plugin, limits RateLimitSetter, logger *zap.Logger) int {
	registered := 0
	for _, p := range plugins {
		for _, t := range p.Tools {
			b, err := t.Builder()
			if err == nil {
				err = b.Register(reg)
			}
			if err != nil {
				logger.Error("extension tool rejected",
					zap.String("plugin", p.Name),
					zap.String("tool", t.Name),
					zap.Error(err),
				)
				continue
			}
			if t.RateLimit > 0 && limits != nil {
				limits.SetRateLimit(t.Name, t.RateLimit)
			}
			registered++
		}
		logger.Info("extension loaded", zap.String("plugin", p.Name), zap.String("path", p.Path))
	}
	return registered
}

package catalog

import "github.com/xela07ax/spaceai-sensor-gateway/internal/domain"

// Builder: явная регистрация capability вместо автообнаружения методов.
//
//	catalog.Define("say").
//		Describe("Speak text").
//		Schema(schema).
//		Handle(fn)
type Builder struct {
	c Capability
}

func Define(name string) *Builder {
	return &Builder{c: Capability{Name: name, Sensitivity: domain.SensitivityLow}}
}

func (b *Builder) Describe(text string) *Builder {
	b.c.Description = text
	return b
}

func (b *Builder) Sensitivity(s domain.Sensitivity) *Builder {
	b.c.Sensitivity = s
	return b
}

func (b *Builder) Schema(schema map[string]any) *Builder {
	b.c.Schema = schema
	return b
}

// Params: сокращение для схемы-объекта с набором свойств.
func (b *Builder) Params(properties map[string]any, required ...string) *Builder {
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	b.c.Schema = schema
	return b
}

func (b *Builder) Cost(latencyMs int, expensive bool) *Builder {
	b.c.CostHint = domain.CostHint{LatencyMs: latencyMs, Expensive: expensive}
	return b
}

// Scope задает scope, который проверяется перед вызовом.
func (b *Builder) Scope(scope string) *Builder {
	b.c.Scope = scope
	return b
}

func (b *Builder) Handle(h Handler) *Builder {
	b.c.Handler = h
	return b
}

func (b *Builder) Capability() Capability {
	return b.c
}

// Register регистрирует определение в каталоге.
func (b *Builder) Register(r *Registry) error {
	return r.Register(b.c)
}

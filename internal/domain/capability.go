package domain

import "fmt"

// Sensitivity: уровень чувствительности capability.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// ParseSensitivity разбирает уровень; пустая строка трактуется как low.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch Sensitivity(s) {
	case "":
		return SensitivityLow, nil
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return Sensitivity(s), nil
	}
	return "", fmt.Errorf("unknown sensitivity %q", s)
}

// CostHint: подсказка о стоимости вызова для планировщиков агента.
type CostHint struct {
	LatencyMs int  `json:"latency_ms"`
	Expensive bool `json:"expensive"`
}

// CapabilityInfo: публичная проекция capability. Обработчик сюда не попадает никогда.
type CapabilityInfo struct {
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Sensitivity Sensitivity    `json:"sensitivity"`
	CostHint    CostHint       `json:"cost_hint"`
	Scope       string         `json:"scope,omitempty"` // Требуемый scope, если capability его объявляет
}

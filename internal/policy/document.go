package policy

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// DefaultCallTimeout используется, если политика не задает таймаут.
const DefaultCallTimeout = 30 * time.Second

// Document: декларативная политика безопасности.
type Document struct {
	DefaultScopes    []string       `mapstructure:"default_scopes"`
	SensitiveScopes  []string       `mapstructure:"sensitive_scopes"`
	ApprovalRequired []string       `mapstructure:"approval_required"`
	RateLimits       map[string]int `mapstructure:"rate_limits"` // capability -> вызовов в минуту
	Timeouts         Timeouts       `mapstructure:"timeouts"`
}

// Timeouts задаются в секундах.
type Timeouts struct {
	DefaultCallTimeout float64            `mapstructure:"default_call_timeout"`
	Capabilities       map[string]float64 `mapstructure:"capabilities"`
}

// Load читает документ политики (yaml/json/toml по расширению).
// Пустой путь дает политику по умолчанию.
// Имена capability могут содержать точки (weather.get), поэтому разделитель ключей viper не точка.
func Load(path string) (*Document, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetDefault("timeouts::default_call_timeout", DefaultCallTimeout.Seconds())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read policy %s: %w", path, err)
		}
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return &doc, nil
}

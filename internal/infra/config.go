package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации шлюза.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Extensions ExtensionsConfig `mapstructure:"extensions"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Simulate   bool             `mapstructure:"simulate"` // Регистрировать сенсоры без железа
}

// ServerConfig: WebSocket и служебный HTTP (metrics, healthz).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadLimit    int64         `mapstructure:"read_limit"` // Максимальный размер сообщения агента
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig: gRPC-вход для внепроцессных агентов и расширений.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// EngineConfig: настройки диспетчера и ленты событий.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	LedgerCapacity int           `mapstructure:"ledger_capacity"`
	LedgerPath     string        `mapstructure:"ledger_path"`
	ReplayPath     string        `mapstructure:"replay_path"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Circuit Breaker для удаленных расширений
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

type AuditConfig struct {
	Path   string `mapstructure:"path"`
	Mirror bool   `mapstructure:"mirror"` // Дублировать в Postgres через AgentFS
}

// QuotaConfig: лимиты по умолчанию для новых агентов.
type QuotaConfig struct {
	Window         time.Duration  `mapstructure:"window"`
	CPUBudgetMs    float64        `mapstructure:"cpu_budget_ms"`
	StorageQuotaMB float64        `mapstructure:"storage_quota_mb"`
	ToolRateLimits map[string]int `mapstructure:"tool_rate_limits"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL отключает БД.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig: control plane (kill-switch, выдача scope). Пустой адрес отключает.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ApprovalConfig: проверка токенов одобрения оператора.
type ApprovalConfig struct {
	HMACSecret    string        `mapstructure:"hmac_secret"`
	PublicKeyPath string        `mapstructure:"public_key_path"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"` // Для выдачи через CLI
	PublicKey     []byte
}

// ExtensionsConfig: декларативные и удаленные расширения каталога.
type ExtensionsConfig struct {
	Dir    string            `mapstructure:"dir"`
	Remote []RemoteExtension `mapstructure:"remote"`
}

// RemoteExtension: внепроцессное расширение, говорящее по тому же gRPC Bridge.
type RemoteExtension struct {
	Name      string        `mapstructure:"name"`
	Addr      string        `mapstructure:"addr"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // запросов в секунду
	Burst     int           `mapstructure:"burst"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig объединяет файл, ENV и значения по умолчанию.
// Пустой path ищет config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM-ключ может прийти прямо в ENV (Docker/K8s), иначе читаем файл
	cfg.Approval.PublicKey = loadKeyResource(cfg.Approval.PublicKeyPath, "APPROVAL_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.addr", "127.0.0.1:8766")

	v.SetDefault("engine.workers", 16)
	v.SetDefault("engine.rate_window", 60*time.Second)
	v.SetDefault("engine.ledger_capacity", 1000)
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)

	v.SetDefault("audit.path", "logs/audit.jsonl")

	v.SetDefault("quota.window", 60*time.Second)
	v.SetDefault("quota.cpu_budget_ms", 60000.0)
	v.SetDefault("quota.storage_quota_mb", 500.0)
	v.SetDefault("quota.tool_rate_limits", map[string]int{
		"capture_frame": 30,
		"record_audio":  10,
		"say":           20,
	})

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("approval.token_ttl", 5*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("simulate", true)
}

// loadKeyResource берет ключ из ENV или из файла по пути.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}

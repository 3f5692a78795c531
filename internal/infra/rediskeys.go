package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "anse"
)

// Ключи для Sets (состояние)
const (
	RedisKeyBlockedAgents = RedisNamespace + ":agents:blocked_set"
	RedisKeyLockBlocked   = RedisNamespace + ":lock:warmup:blocked"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch: payload "agent_id:true|false".
	RedisChanKillSwitch = RedisNamespace + ":agents:kill-switch-signal"
	// RedisChanScopes: payload "agent_id:scope:grant|revoke".
	RedisChanScopes = RedisNamespace + ":agents:scope-signal"
)

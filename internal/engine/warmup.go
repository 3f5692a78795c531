package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// WarmupState прогревает L1 (RAM) и L2 (Redis) из источника истины.
// Redis заливается только если множество пусто и только одним инстансом (SetNX).
func WarmupState(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	updateL1(ids)

	ok, err := rdb.SetNX(ctx, lockKey, "processing", warmupLockTTL).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}

	if count > 0 || len(ids) == 0 {
		return nil
	}

	logger.Info("redis set is empty, warming up from DB",
		zap.String("key", redisKey), zap.Int("count", len(ids)))

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return rdb.SAdd(ctx, redisKey, members...).Err()
}

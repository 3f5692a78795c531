package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	subscribeRetryDelay = 5 * time.Second
	reconnectDelay      = time.Second
)

// ListenResilient: "живучая" подписка на канал Redis.
// Переподписывается при обрыве и вызывает onReconnect после каждой успешной подписки,
// чтобы догнать сигналы, пропущенные пока соединения не было.
func ListenResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func(context.Context) error,
	onPayload func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, subscribeRetryDelay) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onPayload(msg.Payload)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// ListenStateResilient: подписка на сигналы вида "agent_id:true|false".
func ListenStateResilient(
	ctx context.Context,
	rdb redis.UniversalClient,
	logger *zap.Logger,
	channel string,
	onReconnect func(context.Context) error,
	onMessage func(id string, status bool),
) {
	ListenResilient(ctx, rdb, logger, channel, onReconnect, func(payload string) {
		id, status, ok := ParseToggle(payload)
		if !ok {
			logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		onMessage(id, status)
	})
}

// ParseToggle разбирает "agent_id:status". Статус "true"/"on" включает, остальное выключает.
// Id может содержать двоеточия, статус берется после последнего.
func ParseToggle(payload string) (string, bool, bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	status := payload[i+1:]
	return payload[:i], status == "true" || status == "on", true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Watch — живучая подписка на канал пруфов: переподключается после обрыва
// и отдаёт каждое корректное сообщение в onProof. Возвращается по ctx.Done().
func Watch(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onProof func(ProofMessage),
) {
	log := logger.With(zap.String("mod", "proof-watch"), zap.String("chan", channel))
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// 1. Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to subscribe", zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		log.Info("subscribed")

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
				pm, err := DecodeProofMessage(msg.Payload)
				if err != nil {
					log.Error("invalid proof message", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				onProof(pm)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// DecodeProofMessage разбирает тело сообщения из канала пруфов.
func DecodeProofMessage(payload string) (ProofMessage, error) {
	var pm ProofMessage
	if err := json.Unmarshal([]byte(payload), &pm); err != nil {
		return pm, fmt.Errorf("notify: decode proof message: %w", err)
	}
	if pm.ProofID == "" {
		return pm, fmt.Errorf("notify: proof message without proof_id")
	}
	return pm, nil
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

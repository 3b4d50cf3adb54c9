package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/infra"
)

// Publisher — то, что нужно нотификатору от Redis-клиента.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ProofMessage — тело сообщения в канале пруфов.
type ProofMessage struct {
	ProofID       string             `json:"proof_id"`
	SessionID     string             `json:"session_id"`
	PolicyID      domain.PolicyID    `json:"policy_id"`
	Status        domain.ProofStatus `json:"status"`
	FinalDecision string             `json:"final_decision,omitempty"`
	ErrorCode     domain.ErrorCode   `json:"error_code,omitempty"`
	FlagsSummary  []string           `json:"flags_summary"`
	TimeUTC       string             `json:"time_utc"`
}

// RedisNotifier публикует каждый записанный пруф в общий канал и в канал политики.
type RedisNotifier struct {
	rdb     Publisher
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisNotifier(rdb Publisher, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb:     rdb,
		timeout: 2 * time.Second,
		logger:  logger.With(zap.String("mod", "notifier")),
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, event domain.VerificationEvent) error {
	msg := ProofMessage{
		ProofID:       event.ProofID,
		SessionID:     event.SessionID,
		PolicyID:      event.PolicyID,
		Status:        event.Status,
		FinalDecision: event.FinalDecision,
		ErrorCode:     event.ErrorCode,
		FlagsSummary:  event.Flags,
		TimeUTC:       event.Timestamp.UTC().Format(time.RFC3339),
	}
	if msg.FlagsSummary == nil {
		msg.FlagsSummary = []string{}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", event.ProofID, err)
	}

	// Ответ клиенту не должен ждать медленный Redis
	pCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	for _, channel := range []string{infra.RedisChanProofs, infra.GetPolicyChannel(string(event.PolicyID))} {
		receivers, err := n.rdb.Publish(pCtx, channel, payload).Result()
		if err != nil {
			return fmt.Errorf("notify: publish to %s: %w", channel, err)
		}
		n.logger.Debug("proof published",
			zap.String("channel", channel),
			zap.String("proof_id", event.ProofID),
			zap.Int64("receivers", receivers))
	}
	return nil
}

// Nop — нотификатор для запуска без Redis.
type Nop struct{}

func (Nop) Publish(context.Context, domain.VerificationEvent) error { return nil }

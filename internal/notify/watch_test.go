package notify

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

func TestDecodeProofMessageReadsPublishedPayload(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, zap.NewNop())
	require.NoError(t, n.Publish(context.Background(), domain.VerificationEvent{
		ProofID:   "PROOF-0123456789ABCDEF",
		SessionID: "SES-1",
		PolicyID:  domain.PolicyStrictStandard,
		Status:    domain.ProofFailed,
		ErrorCode: domain.CodeFaceError,
		Flags:     []string{"FACE_MISMATCH"},
		Timestamp: time.Now(),
	}))

	pm, err := DecodeProofMessage(string(pub.sent[0].payload))
	require.NoError(t, err)
	assert.Equal(t, "PROOF-0123456789ABCDEF", pm.ProofID)
	assert.Equal(t, domain.ProofFailed, pm.Status)
	assert.Equal(t, domain.CodeFaceError, pm.ErrorCode)
	assert.Equal(t, []string{"FACE_MISMATCH"}, pm.FlagsSummary)
}

func TestDecodeProofMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeProofMessage("agent-1:true")
	assert.Error(t, err)

	_, err = DecodeProofMessage(`{"session_id":"SES-1"}`)
	assert.Error(t, err)
}

func TestWatchStopsOnContextWithoutRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		Watch(ctx, rdb, zap.NewNop(), "veritas:proofs:completed", func(ProofMessage) {
			t.Error("no messages expected")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after context cancellation")
	}
}

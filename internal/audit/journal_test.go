package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]domain.VerificationEvent
	err     error
}

func (s *memSink) WriteBatch(_ context.Context, events []domain.VerificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.VerificationEvent, len(events))
	copy(cp, events)
	s.batches = append(s.batches, cp)
	return s.err
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestJournalDrainsOnStop(t *testing.T) {
	sink := &memSink{}
	j := NewJournal(sink, 1000, zap.NewNop(), WithFlushInterval(time.Hour))
	j.Start()

	for i := 0; i < 250; i++ {
		j.Log(domain.VerificationEvent{ID: fmt.Sprint(i), Status: domain.ProofCompleted})
	}
	j.Stop()

	assert.Equal(t, 250, sink.count())
	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), defaultBatchSize)
	}
}

func TestJournalFlushesOnTicker(t *testing.T) {
	sink := &memSink{}
	j := NewJournal(sink, 10, zap.NewNop(), WithFlushInterval(10*time.Millisecond))
	j.Start()
	defer j.Stop()

	j.Log(domain.VerificationEvent{ID: "one"})
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalDropsAfterStop(t *testing.T) {
	sink := &memSink{}
	j := NewJournal(sink, 10, zap.NewNop())
	j.Start()
	j.Stop()
	j.Stop() // повторный Stop безопасен

	j.Log(domain.VerificationEvent{ID: "late"})
	assert.Zero(t, sink.count())
}

func TestJournalShedsLoadWhenFull(t *testing.T) {
	sink := &memSink{}
	// воркер не запущен: буфер на 2 события
	j := NewJournal(sink, 2, zap.NewNop())
	for i := 0; i < 5; i++ {
		j.Log(domain.VerificationEvent{ID: fmt.Sprint(i)})
	}
	assert.Len(t, j.ch, 2)
}

func TestJournalSinkErrorDoesNotStopWorker(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	j := NewJournal(sink, 10, zap.NewNop(), WithFlushInterval(5*time.Millisecond))
	j.Start()

	j.Log(domain.VerificationEvent{ID: "a"})
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	j.Log(domain.VerificationEvent{ID: "b"})
	j.Stop()
	assert.Equal(t, 2, sink.count())
}

func TestJournalReportsBufferFill(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "fill"})
	j := NewJournal(&memSink{}, 10, zap.NewNop(), WithBufferGauge(gauge), WithFlushInterval(5*time.Millisecond))
	gauge.Set(42)
	j.Start()
	defer j.Stop()

	assert.Eventually(t, func() bool { return testutil.ToFloat64(gauge) == 0 }, time.Second, 5*time.Millisecond)
}

func TestFileSinkWritesDailyJSONL(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	events := []domain.VerificationEvent{
		{ID: "1", ProofID: "PROOF-A", Status: domain.ProofCompleted, Timestamp: day1, Flags: []string{"X"}},
		{ID: "2", Status: domain.ProofFailed, ErrorCode: domain.CodeFaceError, Timestamp: day2},
		{ID: "3", Status: domain.ProofCompleted, Timestamp: day1},
	}
	require.NoError(t, sink.WriteBatch(context.Background(), events))
	require.NoError(t, sink.WriteBatch(context.Background(), events[:1]))

	first := readLines(t, sink.FileFor(day1))
	require.Len(t, first, 3)
	assert.Equal(t, "1", first[0].ID)
	assert.Equal(t, "3", first[1].ID)
	assert.Equal(t, "PROOF-A", first[2].ProofID)

	second := readLines(t, sink.FileFor(day2))
	require.Len(t, second, 1)
	assert.Equal(t, domain.CodeFaceError, second[0].ErrorCode)
	assert.Contains(t, sink.FileFor(day2), "journal-20260302.jsonl")
}

func TestFileSinkHonoursContext(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.WriteBatch(ctx, []domain.VerificationEvent{{ID: "x"}}), context.Canceled)
}

func readLines(t *testing.T, path string) []domain.VerificationEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []domain.VerificationEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e domain.VerificationEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

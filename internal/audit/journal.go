package audit

/*
Файл journal.go реализует журнал прогонов верификации.

- Non-blocking: конвейер отдаёт событие в буферизированный канал и не ждёт диска.
- Batching: воркер копит события и сбрасывает их пачкой по таймеру или
  при достижении размера пачки.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остатки и делает
  финальный flush, после чего Stop возвращается.
- Load Shedding: при переполнении буфера событие не блокирует запрос,
  а уходит в обычный лог.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

const (
	defaultBuffer    = 1024
	defaultBatchSize = 100
	flushInterval    = 500 * time.Millisecond
)

// Sink определяет, куда физически сохраняются события
type Sink interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []domain.VerificationEvent) error
}

type Journal struct {
	ch     chan domain.VerificationEvent
	sink   Sink
	logger *zap.Logger
	fill   prometheus.Gauge
	wg     sync.WaitGroup

	batchSize int
	interval  time.Duration

	closed  atomic.Bool
	closeMu sync.RWMutex
}

// Option настраивает журнал.
type Option func(*Journal)

// WithBufferGauge — метрика заполненности буфера.
func WithBufferGauge(g prometheus.Gauge) Option {
	return func(j *Journal) { j.fill = g }
}

// WithFlushInterval меняет период сброса.
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) { j.interval = d }
}

func NewJournal(sink Sink, buffer int, logger *zap.Logger, opts ...Option) *Journal {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	j := &Journal{
		ch:        make(chan domain.VerificationEvent, buffer),
		sink:      sink,
		logger:    logger.With(zap.String("mod", "journal")),
		batchSize: defaultBatchSize,
		interval:  flushInterval,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.closeMu.Lock()
	if j.closed.Swap(true) {
		j.closeMu.Unlock()
		return
	}
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.closeMu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Log(event domain.VerificationEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Под RLock канал не может быть закрыт посреди отправки
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed.Load() {
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case j.ch <- event:
	default:
		// Backpressure: запрос не ждёт, событие остаётся хотя бы в логе
		j.logger.Error("journal_buffer_overflow",
			zap.String("id", event.ID),
			zap.String("session_id", event.SessionID),
			zap.String("proof_id", event.ProofID),
			zap.String("status", string(event.Status)))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.VerificationEvent, 0, j.batchSize)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	flush := func() {
		if j.fill != nil {
			j.fill.Set(float64(len(j.ch)))
		}
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже завершён
		if err := j.sink.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): всё, что было в очереди, уже вычитано
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

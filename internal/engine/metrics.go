package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/policy"
)

// Значения меток, которые подставляются вместо неизвестных.
const (
	labelInvalidPolicy = "invalid"
	labelOtherOutcome  = "other"
)

type Metrics struct {
	// Traffic: прогоны конвейера по политике и исходу
	Verifications *prometheus.CounterVec

	// Latency: полный прогон, включая запись пруфа
	VerificationDuration *prometheus.HistogramVec

	// Вызовы модулей: ok, module_error, transport_error
	ModuleCalls        *prometheus.CounterVec
	ModuleCallDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	BreakerState *prometheus.GaugeVec

	// Журнал: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Verifications: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_verifications_total",
			Help: "Total number of verification runs by policy and outcome.",
		}, []string{"policy", "outcome"}),

		VerificationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veritas_verification_duration_seconds",
			Help:    "Histogram of full verification latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 25, 60},
		}, []string{"policy", "outcome"}),

		ModuleCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_module_calls_total",
			Help: "Total number of downstream module calls by outcome.",
		}, []string{"module", "outcome"}),

		ModuleCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veritas_module_call_duration_seconds",
			Help:    "Histogram of downstream module call latencies, retries included.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 25},
		}, []string{"module"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "veritas_module_breaker_state",
			Help: "Current state of the module circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"module"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "veritas_journal_buffer_utilization",
			Help: "Current number of events waiting in the journal buffer.",
		}),
	}
}

// ObserveCall реализует connectors.Observer.
func (m *Metrics) ObserveCall(module, outcome string, d time.Duration) {
	m.ModuleCalls.WithLabelValues(module, outcome).Inc()
	m.ModuleCallDuration.WithLabelValues(module).Observe(d.Seconds())
}

// ObserveBreaker реализует connectors.Observer.
func (m *Metrics) ObserveBreaker(module string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(module).Set(v)
}

// ObserveVerification фиксирует итог прогона.
// policy_id и решение fusion приходят извне, поэтому метки сводятся к закрытому набору.
func (m *Metrics) ObserveVerification(policyID, outcome string, d time.Duration) {
	p, o := policyLabel(policyID), outcomeLabel(outcome)
	m.Verifications.WithLabelValues(p, o).Inc()
	m.VerificationDuration.WithLabelValues(p, o).Observe(d.Seconds())
}

func policyLabel(id string) string {
	if _, err := (policy.StaticResolver{}).Resolve(domain.PolicyID(id)); err != nil {
		return labelInvalidPolicy
	}
	return id
}

func outcomeLabel(outcome string) string {
	switch outcome {
	case "ACCEPT", "REJECT", domain.DecisionInconclusive:
		return outcome
	}
	switch domain.ErrorCode(outcome) {
	case domain.CodeInvalidPolicy, domain.CodeMissingField, domain.CodeInvalidField,
		domain.CodeVideoTooLarge, domain.CodeAudioTooLarge, domain.CodePayloadTooBig,
		domain.CodeChallengeError, domain.CodeFaceError, domain.CodeVoiceError,
		domain.CodeLipsyncError, domain.CodeVSRError, domain.CodeFusionError,
		domain.CodeInternal:
		return outcome
	}
	return labelOtherOutcome
}

// Package metrics exposes Prometheus gauges/counters for circuit-breaker
// state and usage totals, grounded on lookatitude-beluga-ai's use of
// github.com/prometheus/client_golang for its own /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/resilience"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/usage"
)

// Registry bundles the collectors this server exposes. It wraps a
// dedicated prometheus.Registry rather than the global default one, so
// multiple orchestrator instances in-process (tests) don't collide on
// registration.
type Registry struct {
	reg *prometheus.Registry

	circuitState      *prometheus.GaugeVec
	circuitFailures   *prometheus.CounterVec
	providerRequests  *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	sttSecondsTotal   prometheus.Counter
	llmTokensTotal    *prometheus.CounterVec
	ttsCharsTotal     prometheus.Counter
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "voiceagent",
			Subsystem: "circuitbreaker",
			Name:      "state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
		}, []string{"provider"}),
		circuitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Subsystem: "circuitbreaker",
			Name:      "failures_total",
			Help:      "Calls rejected or failed through a circuit breaker, per provider.",
		}, []string{"provider"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Subsystem: "failover",
			Name:      "provider_requests_total",
			Help:      "Requests attempted per failover provider, by outcome.",
		}, []string{"provider", "outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceagent",
			Name:      "sessions_active",
			Help:      "Number of sessions currently running.",
		}),
		sttSecondsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Subsystem: "usage",
			Name:      "stt_seconds_total",
			Help:      "Cumulative seconds of audio sent to STT providers.",
		}),
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Subsystem: "usage",
			Name:      "llm_tokens_total",
			Help:      "Cumulative LLM tokens, by direction (input/output).",
		}, []string{"direction"}),
		ttsCharsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voiceagent",
			Subsystem: "usage",
			Name:      "tts_chars_total",
			Help:      "Cumulative characters sent to TTS providers.",
		}),
	}

	reg.MustRegister(
		r.circuitState, r.circuitFailures, r.providerRequests,
		r.sessionsActive, r.sttSecondsTotal, r.llmTokensTotal, r.ttsCharsTotal,
	)
	return r
}

// Handler returns the http.Handler for this registry's /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// circuitStateValue maps a resilience.State to its gauge value.
func circuitStateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateOpen:
		return 2
	case resilience.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// ObserveCircuitBreaker records the current state of a named circuit
// breaker, e.g. on a periodic scrape-adjacent tick or after a state
// transition.
func (r *Registry) ObserveCircuitBreaker(provider string, state resilience.State) {
	r.circuitState.WithLabelValues(provider).Set(circuitStateValue(state))
}

// RecordCircuitFailure increments the failure counter for provider.
func (r *Registry) RecordCircuitFailure(provider string) {
	r.circuitFailures.WithLabelValues(provider).Inc()
}

// RecordProviderRequest increments the failover request counter for
// provider with the given outcome ("success" or "failure").
func (r *Registry) RecordProviderRequest(provider, outcome string) {
	r.providerRequests.WithLabelValues(provider, outcome).Inc()
}

// SetActiveSessions sets the current session gauge.
func (r *Registry) SetActiveSessions(n int) {
	r.sessionsActive.Set(float64(n))
}

// ObserveUsage folds one finalized usage.Record's totals into the
// cumulative counters.
func (r *Registry) ObserveUsage(rec usage.Record) {
	r.sttSecondsTotal.Add(rec.STTSeconds)
	r.llmTokensTotal.WithLabelValues("input").Add(float64(rec.LLMInputTokens))
	r.llmTokensTotal.WithLabelValues("output").Add(float64(rec.LLMOutputTokens))
	r.ttsCharsTotal.Add(float64(rec.TTSChars))
}

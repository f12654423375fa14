// Package metrics exposes Prometheus instrumentation for chat turns.
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat"

// Turn outcomes.
const (
	OutcomeCompleted      = "completed"
	OutcomeDetached       = "detached"
	OutcomeInferenceError = "inference_error"
	OutcomeToolError      = "tool_error"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	// TurnsTotal counts generated turns by outcome.
	TurnsTotal *prometheus.CounterVec

	// StreamFragmentsTotal counts fragments delivered to clients.
	StreamFragmentsTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams abandoned by the client.
	ClientDisconnectsTotal prometheus.Counter

	// ToolRoundsTotal counts search rounds. Labels: result (search, no_tool,
	// parse_error, search_error, cap_reached).
	ToolRoundsTotal *prometheus.CounterVec

	// TimeToFirstFragmentSeconds measures the delay before the first
	// fragment reaches the client.
	TimeToFirstFragmentSeconds prometheus.Histogram

	// PersistTotal counts assistant message saves. Labels: result (saved,
	// skipped, error).
	PersistTotal *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Generated chat turns by outcome.",
		}, []string{"outcome"}),
		StreamFragmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Text fragments delivered to clients.",
		}),
		ClientDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects_total",
			Help:      "Streams abandoned by the client before completion.",
		}),
		ToolRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_rounds_total",
			Help:      "Web search tool rounds by result.",
		}, []string{"result"}),
		TimeToFirstFragmentSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_fragment_seconds",
			Help:      "Latency from turn start to the first delivered fragment.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		PersistTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Assistant message persistence attempts by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.StreamFragmentsTotal.Inc()
}

func (m *Metrics) Disconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

func (m *Metrics) ToolRound(result string) {
	if m == nil {
		return
	}
	m.ToolRoundsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) FirstFragment(since time.Time) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.Observe(time.Since(since).Seconds())
}

func (m *Metrics) Persist(result string) {
	if m == nil {
		return
	}
	m.PersistTotal.WithLabelValues(result).Inc()
}

// Package metrics is the Prometheus sink injected at startup. Components
// never import a concrete telemetry backend directly; they call into this
// package, and main registers it against a prometheus.Registerer (or the
// default one) the same way the teacher's pkg/metrics/anomaly.go does.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// --- Edge Gate ---
	EdgeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "edge_decisions_total",
			Help:      "Count of edge gate decisions by action and the rule that produced it.",
		},
		[]string{"action", "rule"},
	)

	// --- Tarpit Generator ---
	TarpitPagesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "tarpit_pages_served_total",
			Help:      "Count of tarpit pages fully or partially streamed.",
		},
		[]string{"outcome"}, // "completed" or "cancelled"
	)

	TarpitBytesStreamed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "tarpit_bytes_streamed_total",
			Help:      "Total bytes streamed by the tarpit generator.",
		},
		[]string{"kind"}, // "page" or "archive"
	)

	TarpitHopLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "tarpit_hop_limit_hits_total",
			Help:      "Count of times a client exceeded the hop limit and was blocked.",
		},
		[]string{"tenant"},
	)

	// --- Escalation Scorer ---
	ScorerVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "scorer_verdicts_total",
			Help:      "Count of escalation verdicts by category and action.",
		},
		[]string{"category", "action"},
	)

	ScorerExternalSignalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "scorer_external_signal_errors_total",
			Help:      "Count of external signal calls that errored or timed out.",
		},
		[]string{"signal", "outcome"}, // outcome: "timeout" or "error"
	)

	// --- Markov backend ---
	MarkovGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "markov_generations_total",
			Help:      "Count of prose generations, labeled by whether the degenerate fallback was used.",
		},
		[]string{"mode"}, // "table" or "fallback"
	)

	// --- Mitigation ladder (kept from the teacher) ---
	OverridesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "overrides_total",
			Help:      "Total number of per {route,client} overrides applied, labeled by reason.",
		},
		[]string{"route", "reason"},
	)

	BlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "blocks_total",
			Help:      "Total number of temporary blocks applied, labeled by reason.",
		},
		[]string{"route", "reason"},
	)

	ActiveBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tarpitgate",
			Name:      "active_blocks",
			Help:      "Number of currently active blocks per tenant.",
		},
		[]string{"tenant"},
	)

	ActiveOverrides = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tarpitgate",
			Name:      "active_overrides",
			Help:      "Number of currently active per-route rate limit overrides.",
		},
		[]string{"route"},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "anomalies_total",
			Help:      "Count of detected traffic anomalies (spikes) per route and client.",
		},
		[]string{"route", "client"},
	)

	Limited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tarpitgate",
			Name:      "limited_total",
			Help:      "Total requests sent to the tarpit due to rate limiting.",
		},
		[]string{"route"},
	)

	AnomalousClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tarpitgate",
			Name:      "anomalous_clients",
			Help:      "Number of clients currently flagged as anomalous per route.",
		},
		[]string{"route"},
	)

	ActiveKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tarpitgate",
			Name:      "anomaly_detector_active_keys",
			Help:      "Number of {route,client} windows currently tracked by the anomaly detector.",
		},
	)

	registerOnce sync.Once
)

// Register registers every metric once against reg. Safe to call multiple
// times; only the first call takes effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EdgeDecisions,
			TarpitPagesServed,
			TarpitBytesStreamed,
			TarpitHopLimitHits,
			ScorerVerdicts,
			ScorerExternalSignalErrors,
			MarkovGenerations,
			OverridesTotal,
			BlocksTotal,
			ActiveBlocks,
			ActiveOverrides,
			AnomaliesTotal,
			Limited,
			AnomalousClients,
			ActiveKeys,
		)
	})
}

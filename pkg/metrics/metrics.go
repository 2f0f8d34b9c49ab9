package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the receive pipeline. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec
	DispatchOutcomes  *prometheus.CounterVec
	SignatureVariants *prometheus.CounterVec

	// Key resolution metrics
	KeyResolutions        *prometheus.CounterVec
	KeyResolutionFailures prometheus.Counter
	KeyFetchLatency       prometheus.Histogram

	// PubSubHubbub metrics
	HubVerifications *prometheus.CounterVec
	HubPushes        *prometheus.CounterVec
	FeedPolls        *prometheus.CounterVec

	// Ledger metrics
	LedgerPruned prometheus.Counter
}

// New creates and registers the courier metrics
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_envelopes_received_total",
			Help: "Envelopes parsed, by wire format",
		}, []string{"format"}),
		DispatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dispatch_outcomes_total",
			Help: "Deliveries by terminal dispatch state",
		}, []string{"state"}),
		SignatureVariants: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_signature_variant_total",
			Help: "Successful verifications by signed-string variant",
		}, []string{"variant"}),
		KeyResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_key_resolutions_total",
			Help: "Public key resolutions by source",
		}, []string{"source"}),
		KeyResolutionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_key_resolution_failures_total",
			Help: "Public key resolutions that produced no key",
		}),
		KeyFetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_key_fetch_latency_seconds",
			Help:    "Latency of remote key discovery",
			Buckets: prometheus.DefBuckets,
		}),
		HubVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_hub_verifications_total",
			Help: "Hub and subscriber intent verifications by result",
		}, []string{"result"}),
		HubPushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_hub_pushes_total",
			Help: "Feed pushes to subscribers by result",
		}, []string{"result"}),
		FeedPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_feed_polls_total",
			Help: "Feed pulls by result",
		}, []string{"result"}),
		LedgerPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_ledger_pruned_total",
			Help: "Processed guid records removed by retention pruning",
		}),
	}
}

func (m *Metrics) ObserveEnvelope(format string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(format).Inc()
}

func (m *Metrics) ObserveOutcome(state string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveVariant(variant string) {
	if m == nil {
		return
	}
	m.SignatureVariants.WithLabelValues(variant).Inc()
}

func (m *Metrics) ObserveKeyResolution(source string) {
	if m == nil {
		return
	}
	m.KeyResolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) KeyResolutionFailed() {
	if m == nil {
		return
	}
	m.KeyResolutionFailures.Inc()
}

func (m *Metrics) ObserveKeyFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.KeyFetchLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveHubVerification(result string) {
	if m == nil {
		return
	}
	m.HubVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHubPush(result string) {
	if m == nil {
		return
	}
	m.HubPushes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFeedPoll(result string) {
	if m == nil {
		return
	}
	m.FeedPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) AddLedgerPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.LedgerPruned.Add(float64(n))
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

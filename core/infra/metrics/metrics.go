package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures counters for the content core.
type Metrics interface {
	IncTokensIssued(kind string)
	IncTokenDecodes(outcome string)
	IncFetches(outcome string)
	IncFetchRetries()
	IncSearches()
	IncDeliveries(outcome string)
	IncRedeliveryRequests(decision string)
	IncSessions(event string)
	IncTransforms(kind, outcome string)
	ObserveTransformDuration(kind string, seconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncTokensIssued(string)                  {}
func (Noop) IncTokenDecodes(string)                  {}
func (Noop) IncFetches(string)                       {}
func (Noop) IncFetchRetries()                        {}
func (Noop) IncSearches()                            {}
func (Noop) IncDeliveries(string)                    {}
func (Noop) IncRedeliveryRequests(string)            {}
func (Noop) IncSessions(string)                      {}
func (Noop) IncTransforms(string, string)            {}
func (Noop) ObserveTransformDuration(string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	tokensIssued       *prometheus.CounterVec
	tokenDecodes       *prometheus.CounterVec
	fetches            *prometheus.CounterVec
	fetchRetries       prometheus.Counter
	searches           prometheus.Counter
	deliveries         *prometheus.CounterVec
	redeliveryRequests *prometheus.CounterVec
	sessions           *prometheus.CounterVec
	transforms         *prometheus.CounterVec
	transformDuration  *prometheus.HistogramVec
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Link tokens minted by kind (single/range)",
		}, []string{"kind"}),
		tokenDecodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_decodes_total",
			Help:      "Token decode attempts by outcome",
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fetches_total",
			Help:      "Content store fetches by outcome",
		}, []string{"outcome"}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fetch_retries_total",
			Help:      "Transient fetch failures that were retried",
		}),
		searches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_searches_total",
			Help:      "Keyword searches served",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Content deliveries by outcome",
		}, []string{"outcome"}),
		redeliveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redelivery_requests_total",
			Help:      "Redelivery requests by admin decision",
		}, []string{"decision"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle events",
		}, []string{"event"}),
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Media transforms by kind and outcome",
		}, []string{"kind", "outcome"}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Media transform wall time by kind",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.tokensIssued, p.tokenDecodes, p.fetches, p.fetchRetries,
			p.searches, p.deliveries, p.redeliveryRequests, p.sessions,
			p.transforms, p.transformDuration,
		)
	})
}

func (p *Prom) IncTokensIssued(kind string)    { p.tokensIssued.WithLabelValues(kind).Inc() }
func (p *Prom) IncTokenDecodes(outcome string) { p.tokenDecodes.WithLabelValues(outcome).Inc() }
func (p *Prom) IncFetches(outcome string)      { p.fetches.WithLabelValues(outcome).Inc() }
func (p *Prom) IncFetchRetries()               { p.fetchRetries.Inc() }
func (p *Prom) IncSearches()                   { p.searches.Inc() }
func (p *Prom) IncDeliveries(outcome string)   { p.deliveries.WithLabelValues(outcome).Inc() }

func (p *Prom) IncRedeliveryRequests(decision string) {
	p.redeliveryRequests.WithLabelValues(decision).Inc()
}

func (p *Prom) IncSessions(event string) { p.sessions.WithLabelValues(event).Inc() }

func (p *Prom) IncTransforms(kind, outcome string) {
	p.transforms.WithLabelValues(kind, outcome).Inc()
}

func (p *Prom) ObserveTransformDuration(kind string, seconds float64) {
	p.transformDuration.WithLabelValues(kind).Observe(seconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

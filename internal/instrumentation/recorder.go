// Package instrumentation exposes the in-process counters the
// provider manager and HTTP client report to: calls, retries,
// rate-limit waits, and failovers, each labeled by provider. Counters
// are backed by prometheus/client_golang so a process can optionally
// expose them on a scrape endpoint, but every counter is also readable
// in-process via Snapshot without requiring a running collector.
package instrumentation

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder aggregates the four counter families this module reports.
// Prometheus vectors drive the optional scrape endpoint; the plain
// in-memory tallies drive Snapshot so a caller can read counts back
// without depending on a running collector or the dto wire format.
type Recorder struct {
	calls          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	rateLimitWaits *prometheus.CounterVec
	failovers      *prometheus.CounterVec

	mu     sync.Mutex
	tally  map[string]*counters
}

type counters struct {
	calls, retries, rateLimitWaits, failovers atomic.Int64
}

// New constructs a Recorder and registers its collectors with reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitbook_ingestion_provider_calls_total",
			Help: "Total calls made to a provider.",
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitbook_ingestion_provider_retries_total",
			Help: "Total retries attempted against a provider.",
		}, []string{"provider"}),
		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitbook_ingestion_provider_rate_limit_waits_total",
			Help: "Total times a call waited on the rate limiter before proceeding.",
		}, []string{"provider"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitbook_ingestion_provider_failovers_total",
			Help: "Total times the provider manager failed over to the next provider.",
		}, []string{"provider"}),
		tally: make(map[string]*counters),
	}
	reg.MustRegister(r.calls, r.retries, r.rateLimitWaits, r.failovers)
	return r
}

func (r *Recorder) IncCalls(provider string) {
	r.calls.WithLabelValues(provider).Inc()
	r.counterFor(provider).calls.Add(1)
}

func (r *Recorder) IncRetries(provider string) {
	r.retries.WithLabelValues(provider).Inc()
	r.counterFor(provider).retries.Add(1)
}

func (r *Recorder) IncRateLimitWait(provider string) {
	r.rateLimitWaits.WithLabelValues(provider).Inc()
	r.counterFor(provider).rateLimitWaits.Add(1)
}

func (r *Recorder) IncFailovers(provider string) {
	r.failovers.WithLabelValues(provider).Inc()
	r.counterFor(provider).failovers.Add(1)
}

func (r *Recorder) counterFor(provider string) *counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.tally[provider]
	if !ok {
		c = &counters{}
		r.tally[provider] = c
	}
	return c
}

// Snapshot is the in-process instrumentation view returned by
// SnapshotFor. The import services do not call SnapshotFor, so these
// counts are not copied into any ImportSession's metadata.
type Snapshot struct {
	Calls          int64
	Retries        int64
	RateLimitWaits int64
	Failovers      int64
	ProvidersUsed  []string
}

// SnapshotFor reads back the current counter values for a set of
// providers.
func (r *Recorder) SnapshotFor(providers []string) Snapshot {
	var s Snapshot
	s.ProvidersUsed = providers
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range providers {
		c, ok := r.tally[p]
		if !ok {
			continue
		}
		s.Calls += c.calls.Load()
		s.Retries += c.retries.Load()
		s.RateLimitWaits += c.rateLimitWaits.Load()
		s.Failovers += c.failovers.Load()
	}
	return s
}

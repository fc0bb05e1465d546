package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tigrisdata/batchmigrate/metrics"
)

var (
	queryDurationHist *prometheus.HistogramVec
	queryTotal        *prometheus.CounterVec
	timeSince         = time.Since // for test purposes only
)

const (
	subsystem      = "database"
	queryNameLabel = "name"

	queryDurationName = "query_duration_seconds"
	queryDurationDesc = "A histogram of latencies for database queries."

	queryTotalName = "queries_total"
	queryTotalDesc = "A counter for database queries."
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	queryDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryDurationName,
			Help:      queryDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{queryNameLabel},
	)

	queryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryTotalName,
			Help:      queryTotalDesc,
		},
		[]string{queryNameLabel},
	)

	registerer.MustRegister(queryDurationHist)
	registerer.MustRegister(queryTotal)
}

// InstrumentQuery starts measuring a named query and returns a func to call once it completes.
func InstrumentQuery(name string) func() {
	start := time.Now()
	return func() {
		queryTotal.WithLabelValues(name).Inc()
		queryDurationHist.WithLabelValues(name).Observe(timeSince(start).Seconds())
	}
}

// Registrar manages registration and deregistration of a collector. Collectors that only the current leader
// should expose are unregistered on leadership loss, so no stale series are scraped.
type Registrar struct {
	collector  prometheus.Collector
	registerer prometheus.Registerer
	registered bool
	mu         sync.Mutex
}

// NewRegistrar creates a registrar for collector using the default registerer.
func NewRegistrar(collector prometheus.Collector) *Registrar {
	return &Registrar{
		collector:  collector,
		registerer: prometheus.DefaultRegisterer,
	}
}

// Register registers the collector. Registering an already registered collector is a no-op.
func (r *Registrar) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}
	if err := r.registerer.Register(r.collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	r.registered = true
	return nil
}

// Unregister unregisters the collector.
func (r *Registrar) Unregister() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return
	}
	r.registerer.Unregister(r.collector)
	r.registered = false
}

// IsRegistered reports whether the collector is currently registered.
func (r *Registrar) IsRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

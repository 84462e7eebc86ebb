package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports pass progress as Prometheus metrics
type MetricsObserver struct {
	events      *prometheus.CounterVec
	candidates  prometheus.Histogram
	progress    prometheus.Gauge
	total       prometheus.Gauge
	clusters    prometheus.Gauge
	duplicates  prometheus.Gauge
	passSeconds prometheus.Gauge
}

// NewMetricsObserver creates the collectors and registers them with reg
func NewMetricsObserver(reg prometheus.Registerer) (*MetricsObserver, error) {
	m := &MetricsObserver{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geodedup",
				Name:      "events_total",
				Help:      "Clustering events by kind",
			},
			[]string{"kind"},
		),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geodedup",
			Name:      "neighbor_candidates",
			Help:      "Bounding-box candidates per evaluated feature",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geodedup",
			Name:      "features_processed",
			Help:      "Features visited by the current pass",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geodedup",
			Name:      "features_total",
			Help:      "Features in the current pass",
		}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geodedup",
			Name:      "clusters",
			Help:      "Clusters found by the last finished pass",
		}),
		duplicates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geodedup",
			Name:      "duplicates",
			Help:      "Duplicates found by the last finished pass",
		}),
		passSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geodedup",
			Name:      "pass_duration_seconds",
			Help:      "Duration of the last finished pass",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.events, m.candidates, m.progress, m.total, m.clusters, m.duplicates, m.passSeconds,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MetricsObserver) Observe(e Event) {
	m.events.WithLabelValues(e.Kind.String()).Inc()

	switch e.Kind {
	case EventPassStarted:
		m.total.Set(float64(e.Total))
		m.progress.Set(0)
	case EventPassFinished:
		m.progress.Set(float64(e.Processed))
		m.passSeconds.Set(e.Elapsed.Seconds())
		if e.Stats != nil {
			m.clusters.Set(float64(e.Stats.Clusters))
			m.duplicates.Set(float64(e.Stats.Duplicates))
		}
	case EventJoinedCluster, EventClusterCreated, EventUnclustered:
		m.progress.Set(float64(e.Processed))
		m.candidates.Observe(float64(e.Candidates))
	case EventSkipped:
		m.progress.Set(float64(e.Processed))
	}
}

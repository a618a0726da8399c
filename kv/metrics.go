package kv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commits       *prometheus.CounterVec
	rollbacks     prometheus.Counter
	replayed      prometheus.Counter
	commitLatency prometheus.Histogram
	keys          prometheus.Gauge
}

// newMetrics builds the engine collectors. A nil registerer yields working
// but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		commits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "walkv",
				Name:      "commits_total",
				Help:      "Transactions that reached commit, by result",
			},
			[]string{"result"},
		),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "walkv",
			Name:      "rollbacks_total",
			Help:      "Transactions rolled back, explicitly or after a failed commit",
		}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "walkv",
			Name:      "replayed_transactions_total",
			Help:      "Logged transactions re-applied during recovery",
		}),
		commitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "walkv",
			Name:      "commit_duration_seconds",
			Help:      "Time spent in a successful commit, including the log write",
			Buckets:   prometheus.DefBuckets,
		}),
		keys: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "walkv",
			Name:      "keys",
			Help:      "Keys in the committed table",
		}),
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	drawsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fairdraw",
			Name:      "draws_total",
			Help:      "Draw attempts by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	entropyPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fairdraw",
			Name:      "entropy_polls_total",
			Help:      "Head-block polls against the entropy provider.",
		},
		[]string{"result"},
	)

	entropyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fairdraw",
			Name:      "entropy_duration_seconds",
			Help:      "Time spent acquiring a client seed.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
		},
		[]string{"result"},
	)

	entriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fairdraw",
			Name:      "entries_total",
			Help:      "Accepted giveaway entries.",
		},
	)

	armedTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fairdraw",
			Name:      "armed_timers",
			Help:      "Close triggers currently armed.",
		},
	)
)

func init() {
	Registry.MustRegister(drawsTotal, entropyPolls, entropyDuration, entriesTotal, armedTimers)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordDraw counts a draw attempt.
func RecordDraw(trigger, result string) {
	drawsTotal.WithLabelValues(trigger, result).Inc()
}

// RecordEntropyPoll counts one head poll.
func RecordEntropyPoll(result string) {
	entropyPolls.WithLabelValues(result).Inc()
}

// ObserveEntropy records how long acquisition took.
func ObserveEntropy(result string, seconds float64) {
	entropyDuration.WithLabelValues(result).Observe(seconds)
}

// RecordEntry counts an accepted entry.
func RecordEntry() {
	entriesTotal.Inc()
}

// SetArmedTimers reports the number of armed close triggers.
func SetArmedTimers(n int) {
	armedTimers.Set(float64(n))
}

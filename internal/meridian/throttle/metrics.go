package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	histogramVec       *prometheus.HistogramVec
	inprogressGaugeVec = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "transfer_limiting",
			Name:      "in_progress",
			Help:      "Gauge of number of concurrent in-progress transfers",
		},
		[]string{"source", "target"},
	)

	queuedGaugeVec = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "transfer_limiting",
			Name:      "queued",
			Help:      "Gauge of number of queued transfers",
		},
		[]string{"source", "target"},
	)
)

// EnableAcquireTimeHistogram enables histograms for acquisition times
func EnableAcquireTimeHistogram(buckets []float64) {
	histogramOpts := prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "transfer_limiting",
		Name:      "acquiring_seconds",
		Help:      "Histogram of time transfers are rate limited (in seconds)",
		Buckets:   buckets,
	}

	histogramVec = promauto.NewHistogramVec(
		histogramOpts,
		[]string{"source", "target"},
	)
}

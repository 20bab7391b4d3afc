package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	promconfig "gitlab.com/fleetops/meridian/internal/meridian/config/prometheus"
)

// RegisterPairSyncLatency creates and registers a prometheus histogram
// to observe per-pair sync durations
func RegisterPairSyncLatency(conf promconfig.Config, registerer prometheus.Registerer) (Histogram, error) {
	pairSyncLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "sync",
			Name:      "pair_latency",
			Buckets:   conf.GRPCLatencyBuckets,
		},
	)

	return pairSyncLatency, registerer.Register(pairSyncLatency)
}

// RegisterProbeLatency creates and registers a prometheus histogram vec
// to observe health probe round trips per region
func RegisterProbeLatency(conf promconfig.Config, registerer prometheus.Registerer) (HistogramVec, error) {
	probeLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "topology",
			Name:      "probe_latency",
			Buckets:   conf.GRPCLatencyBuckets,
		},
		[]string{"region"},
	)
	return probeLatency, registerer.Register(probeLatency)
}

// Gauge is a subset of a prometheus Gauge
type Gauge interface {
	Inc()
	Dec()
}

// Histogram is a subset of a prometheus Histogram
type Histogram interface {
	Observe(float64)
}

// HistogramVec is a subset of a prometheus HistogramVec
type HistogramVec interface {
	WithLabelValues(lvs ...string) prometheus.Observer
	Collect(chan<- prometheus.Metric)
	Describe(chan<- *prometheus.Desc)
}

var (
	// RegionProbeUpGauge reflects the result of the latest health probe
	// per region
	RegionProbeUpGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meridian_region_probe_up",
			Help: "Whether the last health probe of the region succeeded",
		},
		[]string{"region"},
	)

	// ProbeFailuresTotal counts failed region health probes
	ProbeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_probe_failures_total",
			Help: "Total number of failed region health probes",
		},
		[]string{"region"},
	)
)

// BoolAsFloat returns 1 if true, else 0
func BoolAsFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var once sync.Once

var (
	// CycleTime monitors the wall clock time of whole sync cycles
	CycleTime prometheus.Histogram
)

// RegisterCycleTime registers the sync cycle prometheus metric
func RegisterCycleTime(c config.Config) {
	once.Do(func() { registerCycleTime(c) })
}

func registerCycleTime(c config.Config) {
	CycleTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_cycle_time",
		Help:    "Wall clock time of one full synchronization cycle",
		Buckets: c.Prometheus.GRPCLatencyBuckets,
	})

	prometheus.MustRegister(CycleTime)
}

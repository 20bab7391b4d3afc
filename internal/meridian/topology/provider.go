package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/metrics"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const dialTimeout = 10 * time.Second

// BandwidthSource provides the most recently observed bandwidth of a
// directed pair. Pairs without history report 0.
type BandwidthSource interface {
	LastObservedBandwidth(ctx context.Context, source, target string) (float64, error)
}

// Dial dials a region endpoint with the necessary interceptors configured.
func Dial(ctx context.Context, address string) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithChainStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	}

	return grpc.DialContext(ctx, address, dialOpts...)
}

// Mgr probes configured regions over gRPC health checks. Latency is the
// health check round trip to the pair's target, reliability the success
// ratio over a rolling window of recent probes, and bandwidth the last
// observed transfer rate of the pair with a configured fallback.
type Mgr struct {
	log                 logrus.FieldLogger
	regions             []Region
	statuses            map[string]*regionStatus
	bandwidths          BandwidthSource
	defaultBandwidthMBs float64
}

// NewMgr dials every configured region and returns a Provider backed by
// those connections. Connections are established lazily, so regions that
// are down at startup simply fail their probes.
func NewMgr(log logrus.FieldLogger, conf config.Config, bandwidths BandwidthSource, probeLatency metrics.HistogramVec) (*Mgr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	regions := make([]Region, 0, len(conf.Regions))
	statuses := make(map[string]*regionStatus, len(conf.Regions))
	for _, region := range conf.Regions {
		conn, err := Dial(ctx, region.Address)
		if err != nil {
			return nil, fmt.Errorf("dial region %q: %w", region.Name, err)
		}

		regions = append(regions, Region{Name: region.Name, Address: region.Address, Bucket: region.Bucket})
		statuses[region.Name] = newRegionStatus(*region, conn, log, probeLatency, int(conf.Probe.Window), conf.Probe.Timeout.Duration())
	}

	return &Mgr{
		log:                 log,
		regions:             regions,
		statuses:            statuses,
		bandwidths:          bandwidths,
		defaultBandwidthMBs: conf.Probe.DefaultBandwidthMBs,
	}, nil
}

// ListActiveRegions returns the configured regions.
func (m *Mgr) ListActiveRegions(context.Context) ([]Region, error) {
	regions := make([]Region, len(m.regions))
	copy(regions, m.regions)
	return regions, nil
}

// Probe measures the directed pair. The health check runs against the
// target; a failed check returns an error so the caller can skip the pair
// for this cycle while the failure still lowers the rolling reliability.
func (m *Mgr) Probe(ctx context.Context, source, target Region) (Probe, error) {
	status, ok := m.statuses[target.Name]
	if !ok {
		return Probe{}, fmt.Errorf("region %q is not part of the topology", target.Name)
	}

	latencyMs, up, err := status.check(ctx)
	if !up {
		metrics.ProbeFailuresTotal.WithLabelValues(target.Name).Inc()
		if err == nil {
			err = fmt.Errorf("region %q is not serving", target.Name)
		}
		return Probe{}, err
	}

	bandwidth, err := m.bandwidths.LastObservedBandwidth(ctx, source.Name, target.Name)
	if err != nil {
		return Probe{}, fmt.Errorf("last observed bandwidth: %w", err)
	}
	if bandwidth == 0 {
		bandwidth = m.defaultBandwidthMBs
	}

	return Probe{
		LatencyMs:    latencyMs,
		BandwidthMBs: bandwidth,
		Reliability:  status.reliability(),
	}, nil
}

func newRegionStatus(region config.Region, cc *grpc.ClientConn, l logrus.FieldLogger, latencyHist metrics.HistogramVec, window int, timeout time.Duration) *regionStatus {
	return &regionStatus{
		region:      region,
		clientConn:  cc,
		log:         l,
		latencyHist: latencyHist,
		window:      window,
		timeout:     timeout,
	}
}

type regionStatus struct {
	region      config.Region
	clientConn  *grpc.ClientConn
	log         logrus.FieldLogger
	latencyHist metrics.HistogramVec
	window      int
	timeout     time.Duration
	mtx         sync.RWMutex
	statuses    []bool
}

// reliability is the ratio of successful probes over the rolling window.
// A region that was never probed scores 0.
func (r *regionStatus) reliability() float64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if len(r.statuses) == 0 {
		return 0
	}

	var up int
	for _, ok := range r.statuses {
		if ok {
			up++
		}
	}

	return float64(up) / float64(len(r.statuses))
}

func (r *regionStatus) updateStatus(status bool) {
	r.mtx.Lock()
	r.statuses = append(r.statuses, status)
	if len(r.statuses) > r.window {
		r.statuses = r.statuses[1:]
	}
	r.mtx.Unlock()
}

func (r *regionStatus) check(ctx context.Context) (float64, bool, error) {
	health := healthpb.NewHealthClient(r.clientConn)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{})
	elapsed := time.Since(start)
	r.latencyHist.WithLabelValues(r.region.Name).Observe(elapsed.Seconds())
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"region":  r.region.Name,
			"address": r.region.Address,
		}).Warn("error when probing region health")
	}

	status := resp.GetStatus() == healthpb.HealthCheckResponse_SERVING

	metrics.RegionProbeUpGauge.WithLabelValues(r.region.Name).Set(metrics.BoolAsFloat(status))

	r.updateStatus(status)

	return float64(elapsed) / float64(time.Millisecond), status, err
}

// Package topology discovers the active region set and plans the ordered
// list of directed region pairs a sync cycle works through.
package topology

import (
	"context"
)

// Region is one synchronization endpoint.
type Region struct {
	// Name identifies the region in configuration, metrics and records.
	Name string
	// Address is the gRPC endpoint probed for health and latency.
	Address string
	// Bucket is the object storage bucket backing the region.
	Bucket string
}

// Probe is the measured link quality of one directed pair.
type Probe struct {
	LatencyMs    float64
	BandwidthMBs float64
	// Reliability is the success ratio of recent probes, between 0 and 1.
	Reliability float64
}

// Pair is a directed source→target sync assignment for one cycle.
type Pair struct {
	Source Region
	Target Region

	LatencyMs    float64
	BandwidthMBs float64
	Reliability  float64
}

// ExpectedCostMs is the pair latency inflated by expected retries on an
// unreliable link. Reliability is clamped away from zero so a dead pair
// sorts last instead of dividing by zero.
func (p Pair) ExpectedCostMs() float64 {
	reliability := p.Reliability
	if reliability < 0.01 {
		reliability = 0.01
	}
	return p.LatencyMs / reliability
}

// Provider enumerates regions and probes directed pairs.
type Provider interface {
	ListActiveRegions(ctx context.Context) ([]Region, error)
	Probe(ctx context.Context, source, target Region) (Probe, error)
}

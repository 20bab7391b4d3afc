package topology

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// NewOptimizer returns an Optimizer planning pairs from the provider's
// probes. Pairs whose reliability is below reliabilityFloor are kept but
// deprioritized behind every pair at or above it.
func NewOptimizer(log logrus.FieldLogger, provider Provider, reliabilityFloor float64) *Optimizer {
	return &Optimizer{
		log:              log.WithField("component", "topology_optimizer"),
		provider:         provider,
		reliabilityFloor: reliabilityFloor,
	}
}

// Optimizer derives the ordered pair plan for one sync cycle.
type Optimizer struct {
	log              logrus.FieldLogger
	provider         Provider
	reliabilityFloor float64
}

// PlanPairs probes every ordered region pair and returns them ordered by
// expected sync cost. Fewer than two regions, or every probe failing,
// yields an empty plan and no error. Failed probes skip their pair for
// this cycle only.
func (o *Optimizer) PlanPairs(ctx context.Context) ([]Pair, error) {
	regions, err := o.provider.ListActiveRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active regions: %w", err)
	}

	if len(regions) < 2 {
		o.log.WithField("regions", len(regions)).Info("topology has fewer than two regions, nothing to synchronize")
		return nil, nil
	}

	var pairs []Pair
	for _, source := range regions {
		for _, target := range regions {
			if source.Name == target.Name {
				continue
			}

			probe, err := o.provider.Probe(ctx, source, target)
			if err != nil {
				o.log.WithError(err).WithFields(logrus.Fields{
					"source": source.Name,
					"target": target.Name,
				}).Warn("pair probe failed, skipping pair for this cycle")
				continue
			}

			pairs = append(pairs, Pair{
				Source:       source,
				Target:       target,
				LatencyMs:    probe.LatencyMs,
				BandwidthMBs: probe.BandwidthMBs,
				Reliability:  probe.Reliability,
			})
		}
	}

	if len(pairs) == 0 {
		o.log.Info("no reachable region pairs, nothing to synchronize")
		return nil, nil
	}

	o.sortPairs(pairs)

	return pairs, nil
}

// sortPairs orders by expected cost with pairs below the reliability floor
// after every pair at or above it. Ties break by raw latency, then by
// source and target name so plans are deterministic.
func (o *Optimizer) sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		pi, pj := pairs[i], pairs[j]

		iBelow := pi.Reliability < o.reliabilityFloor
		jBelow := pj.Reliability < o.reliabilityFloor
		if iBelow != jBelow {
			return jBelow
		}

		if ci, cj := pi.ExpectedCostMs(), pj.ExpectedCostMs(); ci != cj {
			return ci < cj
		}
		if pi.LatencyMs != pj.LatencyMs {
			return pi.LatencyMs < pj.LatencyMs
		}
		if pi.Source.Name != pj.Source.Name {
			return pi.Source.Name < pj.Source.Name
		}
		return pi.Target.Name < pj.Target.Name
	})
}

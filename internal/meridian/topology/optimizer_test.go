package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/testhelper"
)

type staticProvider struct {
	regions []Region
	probes  map[string]Probe
	errs    map[string]error
}

func (p *staticProvider) ListActiveRegions(context.Context) ([]Region, error) {
	return p.regions, nil
}

func (p *staticProvider) Probe(_ context.Context, source, target Region) (Probe, error) {
	key := source.Name + "|" + target.Name
	if err, found := p.errs[key]; found {
		return Probe{}, err
	}
	return p.probes[key], nil
}

func regionNames(pairs []Pair) []string {
	names := make([]string, len(pairs))
	for i, pair := range pairs {
		names[i] = pair.Source.Name + "|" + pair.Target.Name
	}
	return names
}

func TestOptimizerPlanPairsOrdering(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	usEast := Region{Name: "us-east"}
	euWest := Region{Name: "eu-west"}
	apSouth := Region{Name: "ap-south"}

	provider := &staticProvider{
		regions: []Region{usEast, euWest, apSouth},
		probes: map[string]Probe{
			// expected cost = latency / reliability
			"us-east|eu-west":  {LatencyMs: 80, Reliability: 1.0, BandwidthMBs: 100},  // 80
			"eu-west|us-east":  {LatencyMs: 90, Reliability: 0.9, BandwidthMBs: 100},  // 100
			"us-east|ap-south": {LatencyMs: 220, Reliability: 1.0, BandwidthMBs: 50},  // 220
			"ap-south|us-east": {LatencyMs: 180, Reliability: 0.9, BandwidthMBs: 50},  // 200
			"eu-west|ap-south": {LatencyMs: 150, Reliability: 1.0, BandwidthMBs: 60},  // 150
			"ap-south|eu-west": {LatencyMs: 100, Reliability: 0.4, BandwidthMBs: 60},  // below floor
		},
	}

	optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), provider, 0.5)

	pairs, err := optimizer.PlanPairs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{
		"us-east|eu-west",
		"eu-west|us-east",
		"eu-west|ap-south",
		"ap-south|us-east",
		"us-east|ap-south",
		// below the reliability floor: deprioritized, never dropped
		"ap-south|eu-west",
	}, regionNames(pairs))
}

func TestOptimizerPlanPairsFloorBeatsCost(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := Region{Name: "a"}
	b := Region{Name: "b"}

	provider := &staticProvider{
		regions: []Region{a, b},
		probes: map[string]Probe{
			// the unreliable pair is cheaper but still sorts last
			"a|b": {LatencyMs: 1, Reliability: 0.2},
			"b|a": {LatencyMs: 500, Reliability: 0.9},
		},
	}

	optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), provider, 0.5)

	pairs, err := optimizer.PlanPairs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b|a", "a|b"}, regionNames(pairs))
}

func TestOptimizerPlanPairsTieBreaks(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	a := Region{Name: "a"}
	b := Region{Name: "b"}
	c := Region{Name: "c"}

	provider := &staticProvider{
		regions: []Region{a, b, c},
		probes: map[string]Probe{
			// a|b and b|a tie on expected cost, raw latency decides
			"a|b": {LatencyMs: 100, Reliability: 1.0},
			"b|a": {LatencyMs: 50, Reliability: 0.5},
			// the rest tie completely, name order decides
			"a|c": {LatencyMs: 200, Reliability: 1.0},
			"c|a": {LatencyMs: 200, Reliability: 1.0},
			"b|c": {LatencyMs: 200, Reliability: 1.0},
			"c|b": {LatencyMs: 200, Reliability: 1.0},
		},
	}

	optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), provider, 0.0)

	pairs, err := optimizer.PlanPairs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b|a", "a|b", "a|c", "b|c", "c|a", "c|b"}, regionNames(pairs))
}

func TestOptimizerPlanPairsDegenerateTopologies(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("no regions", func(t *testing.T) {
		optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), &staticProvider{}, 0.5)

		pairs, err := optimizer.PlanPairs(ctx)
		require.NoError(t, err)
		require.Empty(t, pairs)
	})

	t.Run("single region", func(t *testing.T) {
		provider := &staticProvider{regions: []Region{{Name: "solo"}}}
		optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), provider, 0.5)

		pairs, err := optimizer.PlanPairs(ctx)
		require.NoError(t, err)
		require.Empty(t, pairs)
	})

	t.Run("every probe failing", func(t *testing.T) {
		provider := &staticProvider{
			regions: []Region{{Name: "a"}, {Name: "b"}},
			errs: map[string]error{
				"a|b": errors.New("unreachable"),
				"b|a": errors.New("unreachable"),
			},
		}
		optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), provider, 0.5)

		pairs, err := optimizer.PlanPairs(ctx)
		require.NoError(t, err)
		require.Empty(t, pairs)
	})
}

func TestOptimizerPlanPairsSkipsFailedProbes(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	provider := &staticProvider{
		regions: []Region{{Name: "a"}, {Name: "b"}},
		probes: map[string]Probe{
			"a|b": {LatencyMs: 10, Reliability: 1.0},
		},
		errs: map[string]error{
			"b|a": errors.New("unreachable"),
		},
	}
	optimizer := NewOptimizer(testhelper.NewDiscardingLogEntry(t), provider, 0.5)

	pairs, err := optimizer.PlanPairs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a|b"}, regionNames(pairs))
}

func TestPairExpectedCostMs(t *testing.T) {
	require.Equal(t, float64(100), Pair{LatencyMs: 100, Reliability: 1.0}.ExpectedCostMs())
	require.Equal(t, float64(200), Pair{LatencyMs: 100, Reliability: 0.5}.ExpectedCostMs())
	// reliability is clamped to avoid division by zero
	require.Equal(t, float64(10000), Pair{LatencyMs: 100, Reliability: 0}.ExpectedCostMs())
}

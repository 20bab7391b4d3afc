package prioritize

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/testhelper"
)

func paths(changes []datastore.Change) []string {
	out := make([]string, len(changes))
	for i, change := range changes {
		out[i] = change.Path
	}
	return out
}

func TestPrioritizerOrder(t *testing.T) {
	conf := config.Prioritization{
		Enabled: true,
		Rules: []config.PriorityRule{
			{Pattern: "^/data/transactions/", Priority: 100},
			{Pattern: "^/data/users/", Priority: 50},
		},
	}

	p, err := NewPrioritizer(testhelper.NewDiscardingLogEntry(t), conf)
	require.NoError(t, err)

	changes := []datastore.Change{
		{ID: "1", Path: "/data/reports/report_9"},
		{ID: "2", Path: "/data/transactions/txn_7"},
		{ID: "3", Path: "/data/users/user_42"},
	}

	ordered := p.Order(changes)
	require.Equal(t, []string{
		"/data/transactions/txn_7",
		"/data/users/user_42",
		"/data/reports/report_9",
	}, paths(ordered))
}

func TestPrioritizerOrderIsStable(t *testing.T) {
	conf := config.Prioritization{
		Enabled: true,
		Rules: []config.PriorityRule{
			{Pattern: "^/data/transactions/", Priority: 100},
		},
	}

	p, err := NewPrioritizer(testhelper.NewDiscardingLogEntry(t), conf)
	require.NoError(t, err)

	changes := []datastore.Change{
		{ID: "1", Path: "/data/transactions/txn_1"},
		{ID: "2", Path: "/data/reports/a"},
		{ID: "3", Path: "/data/transactions/txn_2"},
		{ID: "4", Path: "/data/reports/b"},
	}

	ordered := p.Order(changes)
	require.Equal(t, []string{
		"/data/transactions/txn_1",
		"/data/transactions/txn_2",
		"/data/reports/a",
		"/data/reports/b",
	}, paths(ordered))
}

func TestPrioritizerDisabledKeepsInputOrder(t *testing.T) {
	conf := config.Prioritization{
		Enabled: false,
		Rules: []config.PriorityRule{
			{Pattern: "^/data/transactions/", Priority: 100},
		},
	}

	p, err := NewPrioritizer(testhelper.NewDiscardingLogEntry(t), conf)
	require.NoError(t, err)

	changes := []datastore.Change{
		{ID: "1", Path: "/data/reports/a"},
		{ID: "2", Path: "/data/transactions/txn_1"},
	}

	ordered := p.Order(changes)
	require.Equal(t, []string{"/data/reports/a", "/data/transactions/txn_1"}, paths(ordered))

	// disabled ordering hands back the same slice, not a copy
	ordered[0].Path = "/changed"
	require.Equal(t, "/changed", changes[0].Path)
}

func TestPrioritizerPriorityFor(t *testing.T) {
	conf := config.Prioritization{
		Enabled: true,
		Rules: []config.PriorityRule{
			{Pattern: "^/data/", Priority: 10},
			{Pattern: "^/data/transactions/", Priority: 100},
			{Pattern: "^/scratch/", Priority: -5},
		},
	}

	p, err := NewPrioritizer(testhelper.NewDiscardingLogEntry(t), conf)
	require.NoError(t, err)

	for _, tc := range []struct {
		desc     string
		path     string
		priority int
	}{
		{desc: "highest of several matching rules wins", path: "/data/transactions/txn_1", priority: 100},
		{desc: "single match", path: "/data/users/user_1", priority: 10},
		{desc: "no match scores zero", path: "/logs/x", priority: 0},
		{desc: "negative priority sorts behind unmatched", path: "/scratch/tmp", priority: -5},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.priority, p.PriorityFor(datastore.Change{Path: tc.path}))
		})
	}

	ordered := p.Order([]datastore.Change{
		{Path: "/scratch/tmp"},
		{Path: "/logs/x"},
		{Path: "/data/users/user_1"},
	})
	require.Equal(t, []string{"/data/users/user_1", "/logs/x", "/scratch/tmp"}, paths(ordered))
}

func TestPrioritizerInvalidPattern(t *testing.T) {
	_, err := NewPrioritizer(testhelper.NewDiscardingLogEntry(t), config.Prioritization{
		Enabled: true,
		Rules:   []config.PriorityRule{{Pattern: "([", Priority: 1}},
	})
	require.Error(t, err)
}

func TestPrioritizerObserveLatency(t *testing.T) {
	conf := config.Prioritization{
		Enabled: true,
		Rules: []config.PriorityRule{
			{Pattern: "^/data/transactions/", Priority: 100, MaxLatencyMs: 50},
			{Pattern: "^/data/users/", Priority: 50, MaxLatencyMs: 500},
			{Pattern: "^/data/reports/", Priority: 10},
		},
	}

	p, err := NewPrioritizer(testhelper.NewDiscardingLogEntry(t), conf)
	require.NoError(t, err)

	changes := []datastore.Change{
		{Path: "/data/transactions/txn_1"},
		{Path: "/data/users/user_1"},
		{Path: "/data/reports/r_1"},
	}

	// 120ms breaches the transaction rule only; the users rule allows
	// 500ms and the reports rule carries no annotation.
	p.ObserveLatency("us-east", "eu-west", 120, changes)

	expected := `
		# HELP meridian_rule_latency_breaches_total Total number of pair syncs whose latency exceeded a matching rule's SLO annotation
		# TYPE meridian_rule_latency_breaches_total counter
		meridian_rule_latency_breaches_total{rule="^/data/transactions/"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(p, strings.NewReader(expected)))

	// a breached rule with no matching change in the batch stays silent
	p.ObserveLatency("us-east", "eu-west", 120, []datastore.Change{{Path: "/data/reports/r_2"}})
	require.NoError(t, testutil.CollectAndCompare(p, strings.NewReader(expected)))
}

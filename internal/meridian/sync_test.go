package meridian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/helper"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/conflict"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/prioritize"
	"gitlab.com/fleetops/meridian/internal/meridian/throttle"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
	"gitlab.com/fleetops/meridian/internal/meridian/transfer"
	"gitlab.com/fleetops/meridian/internal/testhelper"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticPlanner struct {
	pairs []topology.Pair
	err   error
}

func (p staticPlanner) PlanPairs(context.Context) ([]topology.Pair, error) {
	return p.pairs, p.err
}

type stubDetector struct{ anomalous bool }

func (d stubDetector) IsAnomaly(context.Context, conflict.Event) (bool, error) {
	return d.anomalous, nil
}

func testPair(source, target string) topology.Pair {
	return topology.Pair{
		Source:       topology.Region{Name: source},
		Target:       topology.Region{Name: target},
		LatencyMs:    50,
		BandwidthMBs: 1000,
		Reliability:  1,
	}
}

type syncEnv struct {
	mgr   *SyncMgr
	store *transfer.MemoryStore
	ds    *datastore.MemoryDatastore
}

func setupSyncMgr(t *testing.T, conf config.Config, planner PairPlanner, detector conflict.Detector) syncEnv {
	t.Helper()

	logger := testhelper.NewDiscardingLogEntry(t)

	ds := datastore.NewMemoryDatastore()
	store := transfer.NewMemoryStore()

	prioritizer, err := prioritize.NewPrioritizer(logger, conf.Prioritization)
	require.NoError(t, err)

	resolver := conflict.NewResolver(logger, detector, store, ds, ds)

	mgr := NewSyncMgr(
		logger,
		conf,
		config.NewStore(conf.BaseSnapshot()),
		planner,
		prioritizer,
		store,
		store,
		resolver,
		ds,
		datastore.NewMemoryCheckpointStore(),
		WithPairMonitorFactory(func(string, string) throttle.ConcurrencyMonitor { return nil }),
	)

	return syncEnv{mgr: mgr, store: store, ds: ds}
}

func testSyncConfig() config.Config {
	conf := config.Config{
		Sync:           config.DefaultSyncConfig(),
		Adaptive:       config.DefaultAdaptiveConfig(),
		Prioritization: config.DefaultPrioritizationConfig(),
		Regions: []*config.Region{
			{Name: "us-east", Address: "tcp://us-east:2305"},
			{Name: "eu-west", Address: "tcp://eu-west:2305"},
		},
	}
	return conf
}

func TestRunOnceTransfersPendingChanges(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{})

	env.store.Write("us-east", "user_42", "v1", 100)
	env.store.Write("us-east", "txn_7", "v1", 200)

	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Pairs)
	require.Equal(t, 2, summary.Transferred)
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Conflicts)

	ref, found := env.store.Read("eu-west", "user_42")
	require.True(t, found)
	require.Equal(t, "v1", ref)

	window, err := env.ds.LastNMinutes(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, window.Samples)
	require.InDelta(t, 100.0, window.SuccessRate, 0.01)
}

func TestRunOnceIdempotentWithoutNewChanges(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{})
	env.store.Write("us-east", "user_42", "v1", 100)

	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Transferred)

	// A second cycle with no new writes transfers nothing.
	summary, err = env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Transferred)
	require.Zero(t, summary.Failed)
}

func TestRunOnceEmptyTopologyIsNoop(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{}, stubDetector{})

	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Pairs)
	require.Zero(t, summary.Transferred)
}

func TestRunOnceAutoResolvesRoutineConflicts(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{anomalous: false})

	env.store.Write("us-east", "user_42", "v2", 100)
	env.store.FailTransfer = func(change datastore.Change, _ topology.Pair) error {
		return transfer.ErrConflict
	}

	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)
	require.Equal(t, 1, summary.Transferred, "auto-resolved conflicts count as successes")
	require.Zero(t, summary.Failed)

	// Last-write-wins applied the change despite the conflict.
	ref, found := env.store.Read("eu-west", "user_42")
	require.True(t, found)
	require.Equal(t, "v2", ref)

	pending, err := env.ds.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRunOnceEscalatesAnomalousConflicts(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{anomalous: true})

	env.store.Write("us-east", "user_42", "v2", 100)
	env.store.FailTransfer = func(datastore.Change, topology.Pair) error {
		return transfer.ErrConflict
	}

	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Conflicts)
	require.Equal(t, 1, summary.Failed, "escalated conflicts count as failures")
	require.Zero(t, summary.Transferred)

	_, found := env.store.Read("eu-west", "user_42")
	require.False(t, found, "escalated changes must not be applied")

	pending, err := env.ds.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "user_42", pending[0].Path)

	// The failed change stays pending for the next cycle.
	env.store.FailTransfer = nil
	summary, err = env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Transferred)
}

func TestRunOnceRespectsPriorityRules(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf := testSyncConfig()
	conf.Prioritization.Rules = []config.PriorityRule{
		{Pattern: "^user_.*", Priority: 1},
		{Pattern: "^txn_.*", Priority: 2},
	}

	env := setupSyncMgr(t, conf, staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{})

	env.store.Write("us-east", "user_42", "v1", 100)
	env.store.Write("us-east", "txn_7", "v1", 100)
	env.store.Write("us-east", "report_9", "v1", 100)

	var order []string
	var mtx sync.Mutex
	env.store.FailTransfer = func(change datastore.Change, _ topology.Pair) error {
		mtx.Lock()
		order = append(order, change.Path)
		mtx.Unlock()
		return nil
	}

	_, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"txn_7", "user_42", "report_9"}, order)
}

func TestRunOncePlannerError(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{err: errors.New("provider down")}, stubDetector{})

	_, err := env.mgr.RunOnce(ctx)
	require.Error(t, err)
}

func TestRunOnceCrossPairParallelism(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf := testSyncConfig()
	conf.Sync.CrossPairParallelism = true

	pairs := []topology.Pair{
		testPair("us-east", "eu-west"),
		testPair("eu-west", "us-east"),
		testPair("us-east", "ap-south"),
	}

	env := setupSyncMgr(t, conf, staticPlanner{pairs: pairs}, stubDetector{})
	for i := 0; i < 5; i++ {
		env.store.Write("us-east", fmt.Sprintf("user_%d", i), "v1", 100)
	}

	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Pairs)
	// us-east fans out to both other regions.
	require.Equal(t, 10, summary.Transferred)
	require.Zero(t, summary.Failed)
}

func TestSyncMgrNeverSyncsPairConcurrentlyWithItself(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{})
	env.store.Write("us-east", "user_42", "v1", 100)

	blocked := make(chan struct{})
	release := make(chan struct{})
	env.store.FailTransfer = func(datastore.Change, topology.Pair) error {
		close(blocked)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.mgr.RunOnce(ctx)
		done <- err
	}()

	<-blocked

	// The overlapping invocation skips the busy pair instead of doubling
	// it.
	summary, err := env.mgr.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Transferred)

	close(release)
	require.NoError(t, <-done)
}

func TestRunOnceBoundsTransfersAcrossOverlappingCycles(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf := testSyncConfig()
	conf.Sync.MaxConcurrentTransfers = 1

	env := setupSyncMgr(t, conf, staticPlanner{pairs: []topology.Pair{
		testPair("us-east", "eu-west"),
		testPair("eu-west", "us-east"),
	}}, stubDetector{})

	env.store.Write("us-east", "user_1", "v1", 100)
	env.store.Write("us-east", "user_2", "v1", 100)
	env.store.Write("eu-west", "report_1", "v1", 100)
	env.store.Write("eu-west", "report_2", "v1", 100)

	var inFlight, peak int32
	env.store.FailTransfer = func(datastore.Change, topology.Pair) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&peak)
			if cur <= seen || atomic.CompareAndSwapInt32(&peak, seen, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	var transferred int32
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			summary, err := env.mgr.RunOnce(ctx)
			atomic.AddInt32(&transferred, int32(summary.Transferred))
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}

	// Both cycles draw from one token budget, so in-flight transfers never
	// exceed the configured cap even while the cycles overlap.
	require.EqualValues(t, 1, atomic.LoadInt32(&peak))
	require.EqualValues(t, 4, atomic.LoadInt32(&transferred))
}

func TestRunExecutesCyclesUntilCancelled(t *testing.T) {
	ctx, cancel := testhelper.Context()

	env := setupSyncMgr(t, testSyncConfig(), staticPlanner{pairs: []topology.Pair{testPair("us-east", "eu-west")}}, stubDetector{})
	env.store.Write("us-east", "user_42", "v1", 100)

	ticker := helper.NewCountTicker(1, cancel)

	err := env.mgr.Run(ctx, ticker)
	require.True(t, errors.Is(err, context.Canceled))

	ref, found := env.store.Read("eu-west", "user_42")
	require.True(t, found)
	require.Equal(t, "v1", ref)
}

func TestPairStateString(t *testing.T) {
	require.Equal(t, "idle", PairStateIdle.String())
	require.Equal(t, "syncing", PairStateSyncing.String())
	require.Equal(t, "completed", PairStateCompleted.String())
	require.Equal(t, "partially_failed", PairStatePartiallyFailed.String())
}

// Package meridian contains the sync orchestrator: the top level driver
// that discovers the region topology, plans pairs and moves pending
// changes between them under the engine's throttling and conflict
// handling rules.
package meridian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/helper"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/conflict"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/metrics"
	"gitlab.com/fleetops/meridian/internal/meridian/prioritize"
	"gitlab.com/fleetops/meridian/internal/meridian/throttle"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
	"gitlab.com/fleetops/meridian/internal/version"
	"gitlab.com/gitlab-org/labkit/correlation"
	"golang.org/x/sync/errgroup"
)

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("Meridian, version %v", version.GetVersion())
}

// ChangeSource produces the changes pending between a directed pair since
// the given checkpoint token, plus the token a fully successful sync may
// advance to.
type ChangeSource interface {
	ChangesSince(ctx context.Context, source, target topology.Region, token string) ([]datastore.Change, string, error)
}

// Sink applies one change to the pair's target under a rate cap.
type Sink interface {
	Transfer(ctx context.Context, change datastore.Change, pair topology.Pair, rateCapMBs float64) error
}

// Resolver routes failed transfers to automatic resolution or manual
// review.
type Resolver interface {
	Resolve(ctx context.Context, cflt conflict.Conflict) (conflict.Outcome, error)
}

// PairPlanner derives the ordered pair plan for a cycle.
type PairPlanner interface {
	PlanPairs(ctx context.Context) ([]topology.Pair, error)
}

// ConsistencyResult is the outcome of a post-cycle consistency audit.
type ConsistencyResult struct {
	Consistent bool
	Details    string
}

// ConsistencyChecker verifies that replicas agree after a cycle. The
// check is an audit, never a precondition.
type ConsistencyChecker interface {
	Check(ctx context.Context, regions []string) (ConsistencyResult, error)
}

// NoopChecker reports every scope as consistent. It is the default until
// a real verifier is plugged in.
type NoopChecker struct{}

// Check implements ConsistencyChecker.
func (NoopChecker) Check(context.Context, []string) (ConsistencyResult, error) {
	return ConsistencyResult{Consistent: true}, nil
}

// PairState is the lifecycle state of one pair within a cycle.
type PairState int

// Pair sync states. PartiallyFailed is not a terminal failure: unresolved
// changes stay pending and reappear next cycle.
const (
	PairStateIdle PairState = iota
	PairStateSyncing
	PairStateCompleted
	PairStatePartiallyFailed
)

func (s PairState) String() string {
	switch s {
	case PairStateIdle:
		return "idle"
	case PairStateSyncing:
		return "syncing"
	case PairStateCompleted:
		return "completed"
	case PairStatePartiallyFailed:
		return "partially_failed"
	default:
		return "invalid"
	}
}

// CycleSummary aggregates one sync cycle for logs and the run-once
// subcommand.
type CycleSummary struct {
	Pairs       int
	Transferred int
	Failed      int
	Conflicts   int
	Duration    time.Duration
}

// SyncMgr drives synchronization cycles across the topology.
type SyncMgr struct {
	log         logrus.FieldLogger
	conf        config.Config
	store       *config.Store
	planner     PairPlanner
	prioritizer *prioritize.Prioritizer
	source      ChangeSource
	sink        Sink
	resolver    Resolver
	metricsSink datastore.MetricsSink
	checkpoints datastore.CheckpointStore
	checker     ConsistencyChecker

	pairSyncLatency metrics.Histogram
	newPairMonitor  func(source, target string) throttle.ConcurrencyMonitor
	pairState       *prometheus.GaugeVec

	// activePairs guards the invariant that a directed pair is never
	// synchronized concurrently with itself, even across overlapping
	// manual invocations.
	activePairsMtx sync.Mutex
	activePairs    map[string]struct{}

	// limiter is shared by every cycle so overlapping invocations draw
	// from one token pool and max_concurrent_transfers bounds in-flight
	// transfers process wide. It is only resized while no cycle runs.
	limiterMtx   sync.Mutex
	limiter      *throttle.ConcurrencyLimiter
	limiterSize  int
	activeCycles int

	handleError func(error) error
}

// SyncMgrOpt allows a sync manager to be configured with additional
// options.
type SyncMgrOpt func(*SyncMgr)

// WithPairSyncLatency sets the histogram observing per-pair sync wall
// clock time.
func WithPairSyncLatency(h metrics.Histogram) SyncMgrOpt {
	return func(m *SyncMgr) { m.pairSyncLatency = h }
}

// WithConsistencyChecker overrides the default no-op checker.
func WithConsistencyChecker(c ConsistencyChecker) SyncMgrOpt {
	return func(m *SyncMgr) { m.checker = c }
}

// WithPairMonitorFactory overrides the per-pair concurrency monitors.
// Tests use it to avoid duplicate metric registration.
func WithPairMonitorFactory(f func(source, target string) throttle.ConcurrencyMonitor) SyncMgrOpt {
	return func(m *SyncMgr) { m.newPairMonitor = f }
}

// NewSyncMgr initializes a sync manager with the provided dependencies
// and options.
func NewSyncMgr(
	log logrus.FieldLogger,
	conf config.Config,
	store *config.Store,
	planner PairPlanner,
	prioritizer *prioritize.Prioritizer,
	source ChangeSource,
	sink Sink,
	resolver Resolver,
	metricsSink datastore.MetricsSink,
	checkpoints datastore.CheckpointStore,
	opts ...SyncMgrOpt,
) *SyncMgr {
	log = log.WithField("component", "sync_manager")
	m := &SyncMgr{
		log:            log,
		conf:           conf,
		store:          store,
		planner:        planner,
		prioritizer:    prioritizer,
		source:         source,
		sink:           sink,
		resolver:       resolver,
		metricsSink:    metricsSink,
		checkpoints:    checkpoints,
		checker:        NoopChecker{},
		newPairMonitor: throttle.NewPromMonitor,
		activePairs:    map[string]struct{}{},
		pairState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_pair_state",
				Help: "Current sync state per directed region pair (0=idle 1=syncing 2=completed 3=partially_failed)",
			},
			[]string{"source", "target"},
		),
		handleError: func(err error) error {
			log.WithError(err).Error("sync cycle failed")
			return nil
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run executes a sync cycle on every tick until the context is cancelled.
// Cycle errors are logged and do not stop the loop; the next interval
// re-fetches pending changes anyway.
func (m *SyncMgr) Run(ctx context.Context, ticker helper.Ticker) error {
	m.log.WithField("version", GetVersionString()).Info("sync manager started")
	defer m.log.Info("sync manager stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := m.RunOnce(ctx); err != nil {
				if err := m.handleError(err); err != nil {
					return err
				}
			}
		}
	}
}

// RunOnce executes exactly one sync cycle. It is safe to invoke on demand
// while the periodic loop is running: pairs already being synchronized are
// skipped, never doubled.
func (m *SyncMgr) RunOnce(ctx context.Context) (CycleSummary, error) {
	correlationID := correlation.SafeRandomID()
	ctx = correlation.ContextWithCorrelation(ctx, correlationID)

	log := m.log.WithField("correlation_id", correlationID)
	ctx = ctxlogrus.ToContext(ctx, log)

	span, ctx := opentracing.StartSpanFromContext(ctx, "meridian.sync_cycle")
	defer span.Finish()

	start := time.Now()

	pairs, err := m.planner.PlanPairs(ctx)
	if err != nil {
		return CycleSummary{}, fmt.Errorf("plan pairs: %w", err)
	}

	snapshot := m.store.Load()
	limiter := m.acquireLimiter(int(snapshot.MaxConcurrentTransfers))
	defer m.releaseLimiter()

	reports := make([]pairReport, len(pairs))

	if m.conf.Sync.CrossPairParallelism {
		g, gctx := errgroup.WithContext(ctx)
		for i, pair := range pairs {
			i, pair := i, pair
			g.Go(func() error {
				report, err := m.syncPair(gctx, log, pair, snapshot, limiter)
				reports[i] = report
				return err
			})
		}
		err = g.Wait()
	} else {
		for i, pair := range pairs {
			reports[i], err = m.syncPair(ctx, log, pair, snapshot, limiter)
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		return CycleSummary{}, err
	}

	summary := CycleSummary{Pairs: len(pairs), Duration: time.Since(start)}
	for _, report := range reports {
		summary.Transferred += report.transferred
		summary.Failed += report.failed
		summary.Conflicts += report.conflicts
	}

	m.auditConsistency(ctx, log)

	if metrics.CycleTime != nil {
		metrics.CycleTime.Observe(summary.Duration.Seconds())
	}

	log.WithFields(logrus.Fields{
		"pairs":       summary.Pairs,
		"transferred": summary.Transferred,
		"failed":      summary.Failed,
		"conflicts":   summary.Conflicts,
		"duration_ms": summary.Duration.Milliseconds(),
	}).Info("sync cycle finished")

	return summary, nil
}

type pairReport struct {
	state       PairState
	transferred int
	failed      int
	conflicts   int
}

// syncPair synchronizes one directed pair. It only returns an error on
// context cancellation; everything else is contained in the report so the
// cycle can continue with the remaining pairs.
func (m *SyncMgr) syncPair(ctx context.Context, log logrus.FieldLogger, pair topology.Pair, snapshot config.Snapshot, limiter *throttle.ConcurrencyLimiter) (pairReport, error) {
	key := pair.Source.Name + "|" + pair.Target.Name
	if !m.beginPair(key) {
		log.WithFields(logrus.Fields{
			"source": pair.Source.Name,
			"target": pair.Target.Name,
		}).Warn("pair sync already in progress, skipping")
		return pairReport{state: PairStateSyncing}, nil
	}
	defer m.endPair(key)

	log = log.WithFields(logrus.Fields{
		"source": pair.Source.Name,
		"target": pair.Target.Name,
	})

	span, ctx := opentracing.StartSpanFromContext(ctx, "meridian.sync_pair")
	span.SetTag("source", pair.Source.Name)
	span.SetTag("target", pair.Target.Name)
	defer span.Finish()

	m.setPairState(pair, PairStateSyncing)

	report, err := m.transferChanges(ctx, log, pair, snapshot, limiter)

	m.setPairState(pair, report.state)

	return report, err
}

func (m *SyncMgr) transferChanges(ctx context.Context, log logrus.FieldLogger, pair topology.Pair, snapshot config.Snapshot, limiter *throttle.ConcurrencyLimiter) (pairReport, error) {
	report := pairReport{state: PairStatePartiallyFailed}

	token, err := m.checkpoints.Get(ctx, pair.Source.Name, pair.Target.Name)
	if err != nil {
		log.WithError(err).Error("loading checkpoint failed")
		return report, nil
	}

	changes, nextToken, err := m.source.ChangesSince(ctx, pair.Source, pair.Target, token)
	if err != nil {
		log.WithError(err).Error("fetching pending changes failed")
		return report, nil
	}

	changes = m.prioritizer.Order(changes)
	m.prioritizer.ObserveLatency(pair.Source.Name, pair.Target.Name, pair.LatencyMs, changes)

	rate := throttle.RateCap(pair, snapshot)
	pacer := throttle.NewPacer(rate)
	pairLimiter := limiter.WithMonitor(m.newPairMonitor(pair.Source.Name, pair.Target.Name))

	start := time.Now()
	var bytesTransferred int64

	for _, change := range changes {
		change := change

		_, err := pairLimiter.Limit(ctx, func() (interface{}, error) {
			if err := pacer.Throttle(ctx, change.SizeBytes); err != nil {
				return nil, err
			}

			span, ctx := opentracing.StartSpanFromContext(ctx, "meridian.transfer")
			span.SetTag("path", change.Path)
			defer span.Finish()

			return nil, m.sink.Transfer(ctx, change, pair, rate)
		})
		if err == nil {
			report.transferred++
			bytesTransferred += change.SizeBytes
			continue
		}

		// Cancellation aborts the pair; in-flight work already finished
		// cleanly and retried changes are safe because transfers are
		// idempotent.
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		report.conflicts++

		outcome, rerr := m.resolver.Resolve(ctx, conflict.Conflict{
			Change:  change,
			Pair:    pair,
			Details: err.Error(),
		})
		if rerr != nil {
			log.WithError(rerr).WithField("path", change.Path).Error("conflict resolution failed")
			report.failed++
			continue
		}

		if outcome == conflict.OutcomeAutoResolved {
			report.transferred++
			bytesTransferred += change.SizeBytes
		} else {
			report.failed++
		}
	}

	duration := time.Since(start)

	total := report.transferred + report.failed
	successRate := float64(100)
	if total > 0 {
		successRate = 100 * float64(report.transferred) / float64(total)
	}

	var observedBandwidth float64
	if seconds := duration.Seconds(); seconds > 0 {
		observedBandwidth = float64(bytesTransferred) / (1024 * 1024) / seconds
	}

	if err := m.metricsSink.RecordSync(ctx, pair.Source.Name, pair.Target.Name, datastore.SyncMetrics{
		BytesTransferred:     bytesTransferred,
		DurationMs:           duration.Milliseconds(),
		SuccessRate:          successRate,
		ConflictCount:        report.conflicts,
		ObservedBandwidthMBs: observedBandwidth,
		PairLatencyMs:        pair.LatencyMs,
	}); err != nil {
		log.WithError(err).Error("recording sync metrics failed")
	}

	if m.pairSyncLatency != nil {
		m.pairSyncLatency.Observe(duration.Seconds())
	}

	// The checkpoint only advances when nothing failed, so failed changes
	// are re-fetched as pending next cycle.
	if report.failed == 0 {
		report.state = PairStateCompleted
		if nextToken != token {
			if err := m.checkpoints.Put(ctx, pair.Source.Name, pair.Target.Name, nextToken); err != nil {
				log.WithError(err).Error("saving checkpoint failed")
			}
		}
	}

	log.WithFields(logrus.Fields{
		"state":        report.state.String(),
		"changes":      total,
		"transferred":  report.transferred,
		"failed":       report.failed,
		"conflicts":    report.conflicts,
		"success_rate": successRate,
		"rate_cap_mbs": rate,
	}).Info("pair sync finished")

	return report, nil
}

func (m *SyncMgr) auditConsistency(ctx context.Context, log logrus.FieldLogger) {
	result, err := m.checker.Check(ctx, m.conf.RegionNames())
	if err != nil {
		log.WithError(err).Warn("consistency check failed")
		return
	}

	if !result.Consistent {
		log.WithField("details", result.Details).Warn("regions are not consistent after cycle")
	}
}

// acquireLimiter returns the shared transfer limiter, rebuilt at the
// requested size only when no other cycle is active. A resize while
// cycles overlap would hand out a fresh token budget and break the
// global bound, so overlapping cycles keep the current pool.
func (m *SyncMgr) acquireLimiter(max int) *throttle.ConcurrencyLimiter {
	m.limiterMtx.Lock()
	defer m.limiterMtx.Unlock()

	if m.limiter == nil || (m.activeCycles == 0 && m.limiterSize != max) {
		m.limiter = throttle.NewConcurrencyLimiter(max, nil)
		m.limiterSize = max
	}
	m.activeCycles++

	return m.limiter
}

func (m *SyncMgr) releaseLimiter() {
	m.limiterMtx.Lock()
	m.activeCycles--
	m.limiterMtx.Unlock()
}

func (m *SyncMgr) beginPair(key string) bool {
	m.activePairsMtx.Lock()
	defer m.activePairsMtx.Unlock()

	if _, active := m.activePairs[key]; active {
		return false
	}
	m.activePairs[key] = struct{}{}
	return true
}

func (m *SyncMgr) endPair(key string) {
	m.activePairsMtx.Lock()
	defer m.activePairsMtx.Unlock()
	delete(m.activePairs, key)
}

func (m *SyncMgr) setPairState(pair topology.Pair, state PairState) {
	m.pairState.WithLabelValues(pair.Source.Name, pair.Target.Name).Set(float64(state))
}

// Describe returns all metric descriptors.
func (m *SyncMgr) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect collects all metrics.
func (m *SyncMgr) Collect(collector chan<- prometheus.Metric) {
	m.pairState.Collect(collector)
}

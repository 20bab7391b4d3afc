package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/fleetops/meridian/internal/meridian"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/conflict"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/metrics"
	"gitlab.com/fleetops/meridian/internal/meridian/prioritize"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
)

const runOnceCmdName = "run-once"

func newRunOnceSubcommand(w io.Writer) *runOnceSubcommand {
	return &runOnceSubcommand{w: w}
}

type runOnceSubcommand struct {
	w       io.Writer
	timeout time.Duration
}

func (s *runOnceSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(runOnceCmdName, flag.ExitOnError)
	fs.DurationVar(&s.timeout, "timeout", 5*time.Minute, "timeout for the synchronization cycle")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command executes a single synchronization cycle and prints its summary.\n")
		fs.PrintDefaults()
	}

	return fs
}

func (s *runOnceSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// Metrics are registered against a throwaway registry. A one-off cycle
	// has nothing to scrape them.
	promreg := prometheus.NewRegistry()

	pairSyncLatency, err := metrics.RegisterPairSyncLatency(conf.Prometheus, promreg)
	if err != nil {
		return err
	}

	probeLatency, err := metrics.RegisterProbeLatency(conf.Prometheus, promreg)
	if err != nil {
		return err
	}

	var (
		metricsSink datastore.MetricsSink
		queue       datastore.ReviewQueue
		checkpoints datastore.CheckpointStore
		bandwidths  topology.BandwidthSource
		conflicts   conflict.ConflictCounter
	)
	if conf.NeedsSQL() {
		db, closedb, err := initDatabase(ctx, logger, conf)
		if err != nil {
			return err
		}
		defer closedb()

		pg := datastore.NewPostgresDatastore(db)
		metricsSink, queue, checkpoints, bandwidths, conflicts = pg, pg, pg, pg, pg
	} else {
		mem := datastore.NewMemoryDatastore()
		metricsSink, queue, bandwidths, conflicts = mem, mem, mem, mem

		if conf.Checkpoint.Path != "" {
			sqliteCheckpoints, err := datastore.NewSQLiteCheckpointStore(ctx, conf.Checkpoint.Path)
			if err != nil {
				return fmt.Errorf("open checkpoint store: %w", err)
			}
			defer func() {
				if err := sqliteCheckpoints.Close(); err != nil {
					logger.WithError(err).Error("error on closing checkpoint store")
				}
			}()
			checkpoints = sqliteCheckpoints
		} else {
			checkpoints = datastore.NewMemoryCheckpointStore()
		}
	}

	source, sink, applier, err := transferBackend(ctx, conf)
	if err != nil {
		return err
	}

	topologyMgr, err := topology.NewMgr(logger, conf, bandwidths, probeLatency)
	if err != nil {
		return fmt.Errorf("dial regions: %w", err)
	}

	probes, err := topology.NewCachingProvider(topologyMgr, conf.Probe.CacheTTL.Duration())
	if err != nil {
		return fmt.Errorf("caching probe provider: %w", err)
	}

	prioritizer, err := prioritize.NewPrioritizer(logger, conf.Prioritization)
	if err != nil {
		return err
	}

	resolver := conflict.NewResolver(
		logger,
		conflict.NewThresholdDetector(conflicts, conf.Conflict),
		applier,
		metricsSink,
		queue,
	)

	syncMgr := meridian.NewSyncMgr(
		logger,
		conf,
		config.NewStore(conf.BaseSnapshot()),
		topology.NewOptimizer(logger, probes, conf.Topology.ReliabilityFloor),
		prioritizer,
		source,
		sink,
		resolver,
		metricsSink,
		checkpoints,
		meridian.WithPairSyncLatency(pairSyncLatency),
	)

	summary, err := syncMgr.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("synchronization cycle: %w", err)
	}

	fmt.Fprintf(s.w, "%s %s: OK\n", progname, runOnceCmdName)
	fmt.Fprintf(s.w, "pairs synced:        %d\n", summary.Pairs)
	fmt.Fprintf(s.w, "changes transferred: %d\n", summary.Transferred)
	fmt.Fprintf(s.w, "changes failed:      %d\n", summary.Failed)
	fmt.Fprintf(s.w, "conflicts handled:   %d\n", summary.Conflicts)
	fmt.Fprintf(s.w, "cycle duration:      %s\n", summary.Duration)

	return nil
}

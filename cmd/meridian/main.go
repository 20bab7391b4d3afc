// Command meridian runs the multi-region data synchronization engine: it
// probes the configured regions, plans synchronization pairs and moves
// pending changes between them on a fixed interval.
//
// Additionally, meridian has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//     meridian -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     meridian -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// By default, the migration will ignore any unknown migrations that are
// not known by the meridian binary.
//
// "-ignore-unknown=false" will disable this behavior.
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     meridian -config PATH_TO_CONFIG sql-migrate-status
//
// Dial Regions
//
// The subcommand "dial-regions" helps diagnose connection problems between
// meridian and its regions. The subcommand works by sourcing the connection
// information from the config file, and then dialing and health checking the
// configured regions.
//
//     meridian -config PATH_TO_CONFIG dial-regions
//
// Status
//
// The subcommand "status" summarizes the recorded sync history per region:
// number of syncs, success rate, observed bandwidth and conflicts.
//
//     meridian -config PATH_TO_CONFIG status
//
// Conflicts
//
// The subcommand "conflicts" lists the replication conflicts queued for
// manual review. "-resolve <id>" acknowledges a queued conflict after it has
// been reviewed.
//
//     meridian -config PATH_TO_CONFIG conflicts [-resolve <id>]
//
// Run Once
//
// The subcommand "run-once" executes exactly one synchronization cycle and
// prints its summary. It is meant for operators who want to force a sync
// outside of the regular interval.
//
//     meridian -config PATH_TO_CONFIG run-once
//
// Check Config
//
// The subcommand "check-config" parses and validates the config file and
// exits:
//
//     meridian -config PATH_TO_CONFIG check-config
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/bootstrap"
	"gitlab.com/fleetops/meridian/internal/bootstrap/starter"
	"gitlab.com/fleetops/meridian/internal/dontpanic"
	"gitlab.com/fleetops/meridian/internal/helper"
	"gitlab.com/fleetops/meridian/internal/log"
	"gitlab.com/fleetops/meridian/internal/meridian"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/config/sentry"
	"gitlab.com/fleetops/meridian/internal/meridian/conflict"
	"gitlab.com/fleetops/meridian/internal/meridian/controller"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore/glsql"
	"gitlab.com/fleetops/meridian/internal/meridian/metrics"
	"gitlab.com/fleetops/meridian/internal/meridian/prioritize"
	"gitlab.com/fleetops/meridian/internal/meridian/throttle"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
	"gitlab.com/fleetops/meridian/internal/meridian/transfer"
	"gitlab.com/fleetops/meridian/internal/version"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/tracing"
	"google.golang.org/grpc"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "meridian"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(meridian.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	conf.ConfigureLogger()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	tracingCloser := configure(conf)
	defer tracingCloser.Close()

	logger.WithField("version", meridian.GetVersionString()).Info("Starting " + progname)

	starterConfigs, err := getStarterConfigs(conf)
	if err != nil {
		logger.Fatalf("%s", err)
	}

	b, err := bootstrap.New()
	if err != nil {
		logger.Fatalf("unable to create a bootstrap: %v", err)
	}

	if err := run(starterConfigs, conf, b, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) io.Closer {
	closer := config.ConfigureTracing()

	tracing.Initialize(tracing.WithServiceName(progname))

	if conf.PrometheusListenAddr != "" {
		conf.Prometheus.Configure()
		throttle.EnableAcquireTimeHistogram(conf.Prometheus.GRPCLatencyBuckets)
	}

	sentry.ConfigureSentry(version.GetVersion(), conf.Sentry)

	return closer
}

func run(cfgs []starter.Config, conf config.Config, b bootstrap.Listener, promreg prometheus.Registerer) error {
	pairSyncLatency, err := metrics.RegisterPairSyncLatency(conf.Prometheus, promreg)
	if err != nil {
		return err
	}

	probeLatency, err := metrics.RegisterProbeLatency(conf.Prometheus, promreg)
	if err != nil {
		return err
	}

	metrics.RegisterCycleTime(conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sql.DB
	if conf.NeedsSQL() {
		logger.Infof("establishing database connection to %s:%d ...", conf.DB.Host, conf.DB.Port)
		dbConn, closedb, err := initDatabase(ctx, logger, conf)
		if err != nil {
			return err
		}
		defer closedb()
		db = dbConn
		logger.Info("database connection established")
	}

	var (
		metricsSink datastore.MetricsSink
		queue       datastore.ReviewQueue
		checkpoints datastore.CheckpointStore
		bandwidths  topology.BandwidthSource
		conflicts   conflict.ConflictCounter
	)
	if db != nil {
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
			logger.Warn("sync history and checkpoints are kept in memory because no database is configured")
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

	optimizer := topology.NewOptimizer(logger, probes, conf.Topology.ReliabilityFloor)

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

	store := config.NewStore(conf.BaseSnapshot())

	syncMgr := meridian.NewSyncMgr(
		logger,
		conf,
		store,
		optimizer,
		prioritizer,
		source,
		sink,
		resolver,
		metricsSink,
		checkpoints,
		meridian.WithPairSyncLatency(pairSyncLatency),
	)

	promreg.MustRegister(
		syncMgr,
		resolver,
		prioritizer,
		probes,
		conflict.NewQueueDepthCollector(logger, queue, conf.Prometheus.ScrapeTimeout),
	)

	var servers []*grpc.Server
	for _, cfg := range cfgs {
		srv := meridian.NewServer(logger)
		defer srv.Stop()
		servers = append(servers, srv)

		b.RegisterStarter(starter.New(cfg, srv))
	}

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		b.RegisterStarter(func(listen bootstrap.ListenFunc, _ chan<- error) error {
			l, err := listen(starter.TCP, conf.PrometheusListenAddr)
			if err != nil {
				return err
			}

			dontpanic.Go(func() {
				if err := monitoring.Start(
					monitoring.WithListener(l),
					monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
					logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
				}
			})

			return nil
		})
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("unable to start the bootstrap: %v", err)
	}

	if conf.Adaptive.Enabled {
		adaptive := controller.NewController(logger, conf, store, metricsSink, controller.NewProcLoadMonitor())
		dontpanic.Go(func() {
			if err := adaptive.Run(ctx, helper.NewTimerTicker(conf.Adaptive.Interval.Duration())); err != nil {
				logger.WithError(err).Error("adaptive controller exited")
			}
		})
		logger.Info("background started: adaptive controller")
	}

	dontpanic.Go(func() {
		if err := syncMgr.Run(ctx, helper.NewTimerTicker(conf.Sync.Interval.Duration())); err != nil {
			logger.WithError(err).Error("sync manager exited")
		}
	})
	logger.Info("background started: synchronization cycles")

	return b.Wait(conf.GracefulStopTimeout.Duration(), func() {
		for _, srv := range servers {
			srv.GracefulStop()
		}
	})
}

// transferBackend builds the configured change source, transfer sink and
// conflict force applier. All backends implement all three.
func transferBackend(ctx context.Context, conf config.Config) (meridian.ChangeSource, meridian.Sink, conflict.ForceApplier, error) {
	switch conf.Transfer.Backend {
	case config.TransferBackendS3:
		store, err := transfer.NewS3Store(ctx, logger, conf.Transfer.S3)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("s3 transfer backend: %w", err)
		}
		return store, store, store, nil
	default:
		store := transfer.NewMemoryStore()
		return store, store, store, nil
	}
}

func getStarterConfigs(conf config.Config) ([]starter.Config, error) {
	var cfgs []starter.Config
	unique := map[string]struct{}{}
	for schema, addr := range map[string]string{
		starter.TCP:  conf.ListenAddr,
		starter.Unix: conf.SocketPath,
	} {
		if addr == "" {
			continue
		}

		addrConf, err := starter.ParseEndpoint(addr)
		if err != nil {
			// address doesn't include schema
			if !errors.Is(err, starter.ErrEmptySchema) {
				return nil, err
			}
			addrConf = starter.Config{Name: schema, Addr: addr}
		}
		addrConf.HandoverOnUpgrade = true

		if _, found := unique[addrConf.Addr]; found {
			return nil, fmt.Errorf("same address can't be used for different schemas %q", addr)
		}
		unique[addrConf.Addr] = struct{}{}

		cfgs = append(cfgs, addrConf)

		logger.WithFields(logrus.Fields{"schema": schema, "address": addr}).Info("listening")
	}

	if len(cfgs) == 0 {
		return nil, errors.New("no listening addresses were provided, unable to start")
	}

	return cfgs, nil
}

func initDatabase(ctx context.Context, logger *logrus.Entry, conf config.Config) (*sql.DB, func(), error) {
	openDBCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := glsql.OpenDB(openDBCtx, conf.DB)
	if err != nil {
		logger.WithError(err).Error("SQL connection open failed")
		return nil, nil, err
	}

	closedb := func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("SQL connection close failed")
		}
	}

	if err := datastore.CheckPostgresVersion(db); err != nil {
		closedb()
		return nil, nil, err
	}

	return db, closedb, nil
}

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/meridian/config/sentry"
)

func TestConfigValidation(t *testing.T) {
	regions := []*Region{
		{Name: "us-east", Address: "tcp://sync-agent.us-east.internal:2305", Bucket: "fleet-sync-us-east"},
		{Name: "eu-west", Address: "tcp://sync-agent.eu-west.internal:2305", Bucket: "fleet-sync-eu-west"},
		{Name: "ap-south", Address: "tcp://sync-agent.ap-south.internal:2305", Bucket: "fleet-sync-ap-south"},
	}

	testCases := []struct {
		desc         string
		changeConfig func(*Config)
		errMsg       string
	}{
		{
			desc:         "Valid config with ListenAddr",
			changeConfig: func(*Config) {},
		},
		{
			desc: "Valid config with SocketPath",
			changeConfig: func(cfg *Config) {
				cfg.ListenAddr = ""
				cfg.SocketPath = "/tmp/meridian.socket"
			},
		},
		{
			desc: "Valid config with a single region",
			changeConfig: func(cfg *Config) {
				cfg.Regions = regions[:1]
			},
		},
		{
			desc: "No ListenAddr or SocketPath",
			changeConfig: func(cfg *Config) {
				cfg.ListenAddr = ""
			},
			errMsg: "no listen address or socket path configured",
		},
		{
			desc: "No regions",
			changeConfig: func(cfg *Config) {
				cfg.Regions = nil
			},
			errMsg: "no regions configured",
		},
		{
			desc: "Region has no name",
			changeConfig: func(cfg *Config) {
				cfg.Regions = []*Region{{Address: "tcp://localhost:2305"}}
			},
			errMsg: "all regions must have a name",
		},
		{
			desc: "Region has no address",
			changeConfig: func(cfg *Config) {
				cfg.Regions = []*Region{{Name: "us-east"}}
			},
			errMsg: `region "us-east": all regions must have an address`,
		},
		{
			desc: "Region not unique",
			changeConfig: func(cfg *Config) {
				cfg.Regions = []*Region{
					regions[0],
					{Name: regions[0].Name, Address: "tcp://localhost:2306"},
				}
			},
			errMsg: `region "us-east": regions must have unique names`,
		},
		{
			desc: "Region address duplicate",
			changeConfig: func(cfg *Config) {
				cfg.Regions = []*Region{
					regions[0],
					{Name: "us-west", Address: regions[0].Address},
				}
			},
			errMsg: "multiple regions have the same address",
		},
		{
			desc: "Region without bucket on s3 backend",
			changeConfig: func(cfg *Config) {
				cfg.Transfer.Backend = TransferBackendS3
				cfg.Regions = []*Region{{Name: "us-east", Address: "tcp://localhost:2305"}}
			},
			errMsg: `region "us-east": all regions must have a bucket with the s3 transfer backend`,
		},
		{
			desc: "Invalid transfer backend",
			changeConfig: func(cfg *Config) {
				cfg.Transfer.Backend = "carrier-pigeon"
			},
			errMsg: `invalid transfer backend: "carrier-pigeon"`,
		},
		{
			desc: "Invalid sync interval",
			changeConfig: func(cfg *Config) {
				cfg.Sync.Interval = 0
			},
			errMsg: "sync interval was 0s but must be positive",
		},
		{
			desc: "Invalid max concurrent transfers",
			changeConfig: func(cfg *Config) {
				cfg.Sync.MaxConcurrentTransfers = 0
			},
			errMsg: "max concurrent transfers was 0 but must be >=1",
		},
		{
			desc: "Invalid bandwidth limit",
			changeConfig: func(cfg *Config) {
				cfg.Sync.BandwidthLimitMBs = 0
			},
			errMsg: "bandwidth limit was 0.000000 MB/s but must be positive",
		},
		{
			desc: "Invalid adaptive target latency",
			changeConfig: func(cfg *Config) {
				cfg.Adaptive.TargetLatencyMs = -1
			},
			errMsg: "adaptive target latency was -1.000000 ms but must be positive",
		},
		{
			desc: "Adaptive disabled skips adaptive validation",
			changeConfig: func(cfg *Config) {
				cfg.Adaptive.Enabled = false
				cfg.Adaptive.TargetLatencyMs = -1
			},
		},
		{
			desc: "Invalid adaptive metrics window",
			changeConfig: func(cfg *Config) {
				cfg.Adaptive.MetricsWindowMinutes = 0
			},
			errMsg: "adaptive metrics window was 0 minutes but must be >=1",
		},
		{
			desc: "Reliability floor out of range",
			changeConfig: func(cfg *Config) {
				cfg.Topology.ReliabilityFloor = 1.5
			},
			errMsg: "reliability floor was 1.500000 but must be within [0, 1]",
		},
		{
			desc: "Invalid probe window",
			changeConfig: func(cfg *Config) {
				cfg.Probe.Window = 0
			},
			errMsg: "probe window was 0 but must be >=1",
		},
		{
			desc: "Priority rule without pattern",
			changeConfig: func(cfg *Config) {
				cfg.Prioritization.Rules = []PriorityRule{{Priority: 1}}
			},
			errMsg: "priority rules must have a pattern",
		},
		{
			desc: "Priority rule with invalid pattern",
			changeConfig: func(cfg *Config) {
				cfg.Prioritization.Rules = []PriorityRule{{Pattern: "txn_[", Priority: 1}}
			},
			errMsg: `priority rule pattern "txn_["`,
		},
		{
			desc: "Priority rule with negative priority",
			changeConfig: func(cfg *Config) {
				cfg.Prioritization.Rules = []PriorityRule{{Pattern: "^txn_.*", Priority: -1}}
			},
			errMsg: `priority rule pattern "^txn_.*": priority was -1 but must not be negative`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			config := Config{
				ListenAddr:     "localhost:1234",
				Sync:           DefaultSyncConfig(),
				Adaptive:       DefaultAdaptiveConfig(),
				Prioritization: DefaultPrioritizationConfig(),
				Topology:       DefaultTopologyConfig(),
				Probe:          DefaultProbeConfig(),
				Conflict:       DefaultConflictConfig(),
				Transfer:       DefaultTransferConfig(),
				Regions:        regions,
			}

			tc.changeConfig(&config)

			err := config.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestFromReader(t *testing.T) {
	conf, err := FromReader(strings.NewReader(`
listen_addr = "0.0.0.0:2305"
prometheus_listen_addr = "0.0.0.0:9236"
graceful_stop_timeout = "30s"

[logging]
format = "json"
level = "debug"

[sentry]
sentry_dsn = "abcd123"
sentry_environment = "production"

[sync]
interval = "15s"
max_concurrent_transfers = 20
bandwidth_limit_mbs = 250.0
cross_pair_parallelism = true

[adaptive]
enabled = true
interval = "90s"
target_latency_ms = 150.0
max_bandwidth_mbs = 2000.0
metrics_window_minutes = 10
cooldown = "5m"

[prioritization]
enabled = true

[[prioritization.rule]]
pattern = "^txn_.*"
priority = 2
max_latency_ms = 250

[[prioritization.rule]]
pattern = "^user_.*"
priority = 1

[topology]
reliability_floor = 0.6

[probe]
timeout = "2s"
window = 5
cache_ttl = "10s"
default_bandwidth_mbs = 500.0

[conflict]
anomaly_threshold = 5
anomaly_window = "30m"

[[region]]
name = "us-east"
address = "tcp://sync-agent.us-east.internal:2305"
bucket = "fleet-sync-us-east"

[[region]]
name = "eu-west"
address = "tcp://sync-agent.eu-west.internal:2305"
bucket = "fleet-sync-eu-west"

[transfer]
backend = "s3"
[transfer.s3]
endpoint = "https://objects.internal:9000"
path_style = true
key_prefix = "sync"

[database]
host = "sql.internal"
port = 5432
user = "meridian"
password = "secret"
dbname = "meridian_production"
sslmode = "require"

[checkpoint]
path = "/var/lib/meridian/checkpoints.db"
`))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:2305", conf.ListenAddr)
	require.Equal(t, "0.0.0.0:9236", conf.PrometheusListenAddr)
	require.Equal(t, Duration(30*time.Second), conf.GracefulStopTimeout)
	require.Equal(t, Logging{Format: "json", Level: "debug"}, conf.Logging)
	require.Equal(t, sentry.Config{DSN: "abcd123", Environment: "production"}, conf.Sentry)
	require.Equal(t, Sync{
		Interval:               Duration(15 * time.Second),
		MaxConcurrentTransfers: 20,
		BandwidthLimitMBs:      250,
		CrossPairParallelism:   true,
	}, conf.Sync)
	require.Equal(t, Adaptive{
		Enabled:              true,
		Interval:             Duration(90 * time.Second),
		TargetLatencyMs:      150,
		MaxBandwidthMBs:      2000,
		MetricsWindowMinutes: 10,
		Cooldown:             Duration(5 * time.Minute),
	}, conf.Adaptive)
	require.Equal(t, Prioritization{
		Enabled: true,
		Rules: []PriorityRule{
			{Pattern: "^txn_.*", Priority: 2, MaxLatencyMs: 250},
			{Pattern: "^user_.*", Priority: 1},
		},
	}, conf.Prioritization)
	require.Equal(t, Topology{ReliabilityFloor: 0.6}, conf.Topology)
	require.Equal(t, Probe{
		Timeout:             Duration(2 * time.Second),
		Window:              5,
		CacheTTL:            Duration(10 * time.Second),
		DefaultBandwidthMBs: 500,
	}, conf.Probe)
	require.Equal(t, Conflict{
		AnomalyThreshold: 5,
		AnomalyWindow:    Duration(30 * time.Minute),
	}, conf.Conflict)
	require.Equal(t, []*Region{
		{Name: "us-east", Address: "tcp://sync-agent.us-east.internal:2305", Bucket: "fleet-sync-us-east"},
		{Name: "eu-west", Address: "tcp://sync-agent.eu-west.internal:2305", Bucket: "fleet-sync-eu-west"},
	}, conf.Regions)
	require.Equal(t, Transfer{
		Backend: TransferBackendS3,
		S3: S3{
			Endpoint:  "https://objects.internal:9000",
			PathStyle: true,
			KeyPrefix: "sync",
		},
	}, conf.Transfer)
	require.Equal(t, DB{
		Host:     "sql.internal",
		Port:     5432,
		User:     "meridian",
		Password: "secret",
		DBName:   "meridian_production",
		SSLMode:  "require",
	}, conf.DB)
	require.Equal(t, Checkpoint{Path: "/var/lib/meridian/checkpoints.db"}, conf.Checkpoint)

	require.NoError(t, conf.Validate())
	require.True(t, conf.NeedsSQL())
	require.Equal(t, []string{"us-east", "eu-west"}, conf.RegionNames())
}

func TestFromReaderDefaults(t *testing.T) {
	conf, err := FromReader(strings.NewReader(`
listen_addr = "localhost:2305"

[[region]]
name = "us-east"
address = "tcp://localhost:3000"
`))
	require.NoError(t, err)

	require.Equal(t, DefaultSyncConfig(), conf.Sync)
	require.Equal(t, DefaultAdaptiveConfig(), conf.Adaptive)
	require.Equal(t, DefaultPrioritizationConfig(), conf.Prioritization)
	require.Equal(t, DefaultTopologyConfig(), conf.Topology)
	require.Equal(t, DefaultProbeConfig(), conf.Probe)
	require.Equal(t, DefaultConflictConfig(), conf.Conflict)
	require.Equal(t, DefaultTransferConfig(), conf.Transfer)
	require.Equal(t, Duration(time.Minute), conf.GracefulStopTimeout)
	require.False(t, conf.NeedsSQL())

	require.NoError(t, conf.Validate())
}

func TestFromReaderInvalidTOML(t *testing.T) {
	_, err := FromReader(strings.NewReader(`listen_addr = [`))
	require.Error(t, err)
}

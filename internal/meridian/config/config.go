package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/log"
	"gitlab.com/fleetops/meridian/internal/meridian/config/prometheus"
	"gitlab.com/fleetops/meridian/internal/meridian/config/sentry"
)

// Transfer backends selectable via [transfer].backend.
const (
	// TransferBackendMemory keeps applied changes in process memory. It is
	// only useful for local development and tests.
	TransferBackendMemory = "memory"
	// TransferBackendS3 copies change payloads into the per-region object
	// buckets.
	TransferBackendS3 = "s3"
)

// Sync contains the sync cycle tunables. MaxConcurrentTransfers and
// BandwidthLimitMBs are the base values the adaptive controller retunes
// at runtime; the file values themselves are never mutated.
type Sync struct {
	Interval               Duration `toml:"interval,omitempty"`
	MaxConcurrentTransfers uint     `toml:"max_concurrent_transfers,omitempty"`
	BandwidthLimitMBs      float64  `toml:"bandwidth_limit_mbs,omitempty"`
	// CrossPairParallelism fans region pairs out to parallel workers. The
	// global transfer limit still applies across all pairs combined.
	CrossPairParallelism bool `toml:"cross_pair_parallelism,omitempty"`
}

// DefaultSyncConfig returns the default values for sync configuration.
func DefaultSyncConfig() Sync {
	return Sync{
		Interval:               Duration(30 * time.Second),
		MaxConcurrentTransfers: 10,
		BandwidthLimitMBs:      100,
	}
}

// Adaptive configures the adaptive controller.
type Adaptive struct {
	Enabled              bool     `toml:"enabled,omitempty"`
	Interval             Duration `toml:"interval,omitempty"`
	TargetLatencyMs      float64  `toml:"target_latency_ms,omitempty"`
	MaxBandwidthMBs      float64  `toml:"max_bandwidth_mbs,omitempty"`
	MetricsWindowMinutes uint     `toml:"metrics_window_minutes,omitempty"`
	// Cooldown suppresses further changes to a tunable until it has
	// elapsed since the tunable last changed. Zero disables the cooldown.
	Cooldown Duration `toml:"cooldown,omitempty"`
}

// DefaultAdaptiveConfig returns the default values for adaptive controller
// configuration.
func DefaultAdaptiveConfig() Adaptive {
	return Adaptive{
		Enabled:              true,
		Interval:             Duration(time.Minute),
		TargetLatencyMs:      200,
		MaxBandwidthMBs:      1000,
		MetricsWindowMinutes: 5,
	}
}

// PriorityRule assigns a priority to changes whose path matches the
// pattern. The highest priority among matching rules governs a change.
type PriorityRule struct {
	Pattern  string `toml:"pattern,omitempty"`
	Priority int    `toml:"priority,omitempty"`
	// MaxLatencyMs is the latency objective for changes matched by this
	// rule. Pairs probing above it are logged and counted, never skipped.
	MaxLatencyMs uint `toml:"max_latency_ms,omitempty"`
}

// Prioritization contains the change ordering rules.
type Prioritization struct {
	Enabled bool           `toml:"enabled,omitempty"`
	Rules   []PriorityRule `toml:"rule,omitempty"`
}

// DefaultPrioritizationConfig returns the default values for prioritization
// configuration.
func DefaultPrioritizationConfig() Prioritization {
	return Prioritization{Enabled: true}
}

// Topology contains pair planning configuration.
type Topology struct {
	// ReliabilityFloor deprioritizes pairs probing below it. They sort
	// after all pairs at or above the floor but are never dropped, since
	// connectivity can recover.
	ReliabilityFloor float64 `toml:"reliability_floor,omitempty"`
}

// DefaultTopologyConfig returns the default values for topology
// configuration.
func DefaultTopologyConfig() Topology {
	return Topology{ReliabilityFloor: 0.5}
}

// Probe contains region probing configuration.
type Probe struct {
	Timeout Duration `toml:"timeout,omitempty"`
	// Window is the number of most recent health probes the reliability
	// score is derived from.
	Window   uint     `toml:"window,omitempty"`
	CacheTTL Duration `toml:"cache_ttl,omitempty"`
	// DefaultBandwidthMBs is assumed for pairs with no observed transfer
	// history yet.
	DefaultBandwidthMBs float64 `toml:"default_bandwidth_mbs,omitempty"`
}

// DefaultProbeConfig returns the default values for probe configuration.
func DefaultProbeConfig() Probe {
	return Probe{
		Timeout:             Duration(time.Second),
		Window:              10,
		CacheTTL:            Duration(30 * time.Second),
		DefaultBandwidthMBs: 100,
	}
}

// Conflict contains conflict escalation configuration.
type Conflict struct {
	// AnomalyThreshold is the number of conflicts on the same path between
	// the same pair within AnomalyWindow at which the default detector
	// starts flagging the path as anomalous.
	AnomalyThreshold uint     `toml:"anomaly_threshold,omitempty"`
	AnomalyWindow    Duration `toml:"anomaly_window,omitempty"`
}

// DefaultConflictConfig returns the default values for conflict
// configuration.
func DefaultConflictConfig() Conflict {
	return Conflict{
		AnomalyThreshold: 3,
		AnomalyWindow:    Duration(10 * time.Minute),
	}
}

// Region declares a replication endpoint.
type Region struct {
	Name    string `toml:"name,omitempty"`
	Address string `toml:"address,omitempty"`
	// Bucket is the object bucket backing the region. Required with the s3
	// transfer backend.
	Bucket string `toml:"bucket,omitempty"`
}

// S3 contains the s3 transfer backend options.
type S3 struct {
	// Endpoint overrides the AWS endpoint, for on-prem object stores.
	Endpoint  string `toml:"endpoint,omitempty"`
	PathStyle bool   `toml:"path_style,omitempty"`
	KeyPrefix string `toml:"key_prefix,omitempty"`
}

// Transfer selects and configures the transfer backend.
type Transfer struct {
	Backend string `toml:"backend,omitempty"`
	S3      S3     `toml:"s3,omitempty"`
}

// DefaultTransferConfig returns the default values for transfer
// configuration.
func DefaultTransferConfig() Transfer {
	return Transfer{Backend: TransferBackendMemory, S3: S3{KeyPrefix: "meridian"}}
}

// Checkpoint configures where per-pair sync tokens are persisted when no
// database is configured.
type Checkpoint struct {
	Path string `toml:"path,omitempty"`
}

// Logging contains logging configuration values.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// DB holds database configuration data.
type DB struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// Config is a container for everything found in the TOML config file.
type Config struct {
	ListenAddr           string            `toml:"listen_addr,omitempty"`
	SocketPath           string            `toml:"socket_path,omitempty"`
	PrometheusListenAddr string            `toml:"prometheus_listen_addr,omitempty"`
	GracefulStopTimeout  Duration          `toml:"graceful_stop_timeout,omitempty"`
	Sync                 Sync              `toml:"sync,omitempty"`
	Adaptive             Adaptive          `toml:"adaptive,omitempty"`
	Prioritization       Prioritization    `toml:"prioritization,omitempty"`
	Topology             Topology          `toml:"topology,omitempty"`
	Probe                Probe             `toml:"probe,omitempty"`
	Conflict             Conflict          `toml:"conflict,omitempty"`
	Regions              []*Region         `toml:"region,omitempty"`
	Transfer             Transfer          `toml:"transfer,omitempty"`
	Checkpoint           Checkpoint        `toml:"checkpoint,omitempty"`
	Logging              Logging           `toml:"logging,omitempty"`
	Sentry               sentry.Config     `toml:"sentry,omitempty"`
	Prometheus           prometheus.Config `toml:"prometheus,omitempty"`
	DB                   DB                `toml:"database,omitempty"`
}

// FromFile loads the config for the passed file path
func FromFile(filePath string) (Config, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return FromReader(f)
}

// FromReader loads the config from a reader and applies environment
// overrides.
func FromReader(reader io.Reader) (Config, error) {
	conf := &Config{
		Sync:           DefaultSyncConfig(),
		Adaptive:       DefaultAdaptiveConfig(),
		Prioritization: DefaultPrioritizationConfig(),
		Topology:       DefaultTopologyConfig(),
		Probe:          DefaultProbeConfig(),
		Conflict:       DefaultConflictConfig(),
		Transfer:       DefaultTransferConfig(),
		Prometheus:     prometheus.DefaultConfig(),
	}

	if err := toml.NewDecoder(reader).Decode(conf); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process("meridian", conf); err != nil {
		return Config{}, err
	}

	conf.setDefaults()

	return *conf, nil
}

var (
	errNoListener             = errors.New("no listen address or socket path configured")
	errNoRegions              = errors.New("no regions configured")
	errRegionUnnamed          = errors.New("all regions must have a name")
	errRegionWithoutAddress   = errors.New("all regions must have an address")
	errRegionsNotUnique       = errors.New("regions must have unique names")
	errRegionAddressDuplicate = errors.New("multiple regions have the same address")
	errRegionWithoutBucket    = errors.New("all regions must have a bucket with the s3 transfer backend")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" && c.SocketPath == "" {
		return errNoListener
	}

	if len(c.Regions) == 0 {
		return errNoRegions
	}

	if c.Sync.Interval.Duration() <= 0 {
		return fmt.Errorf("sync interval was %s but must be positive", c.Sync.Interval.Duration())
	}

	if c.Sync.MaxConcurrentTransfers < 1 {
		return fmt.Errorf("max concurrent transfers was %d but must be >=1", c.Sync.MaxConcurrentTransfers)
	}

	if c.Sync.BandwidthLimitMBs <= 0 {
		return fmt.Errorf("bandwidth limit was %f MB/s but must be positive", c.Sync.BandwidthLimitMBs)
	}

	if c.Adaptive.Enabled {
		if c.Adaptive.Interval.Duration() <= 0 {
			return fmt.Errorf("adaptive interval was %s but must be positive", c.Adaptive.Interval.Duration())
		}

		if c.Adaptive.TargetLatencyMs <= 0 {
			return fmt.Errorf("adaptive target latency was %f ms but must be positive", c.Adaptive.TargetLatencyMs)
		}

		if c.Adaptive.MaxBandwidthMBs <= 0 {
			return fmt.Errorf("adaptive max bandwidth was %f MB/s but must be positive", c.Adaptive.MaxBandwidthMBs)
		}

		if c.Adaptive.MetricsWindowMinutes < 1 {
			return fmt.Errorf("adaptive metrics window was %d minutes but must be >=1", c.Adaptive.MetricsWindowMinutes)
		}
	}

	if c.Topology.ReliabilityFloor < 0 || c.Topology.ReliabilityFloor > 1 {
		return fmt.Errorf("reliability floor was %f but must be within [0, 1]", c.Topology.ReliabilityFloor)
	}

	if c.Probe.Window < 1 {
		return fmt.Errorf("probe window was %d but must be >=1", c.Probe.Window)
	}

	for _, rule := range c.Prioritization.Rules {
		if rule.Pattern == "" {
			return errors.New("priority rules must have a pattern")
		}

		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("priority rule pattern %q: %w", rule.Pattern, err)
		}

		// Unmatched changes carry priority 0 and must sort last, so a
		// matched change can never rank below them.
		if rule.Priority < 0 {
			return fmt.Errorf("priority rule pattern %q: priority was %d but must not be negative", rule.Pattern, rule.Priority)
		}
	}

	switch c.Transfer.Backend {
	case TransferBackendMemory, TransferBackendS3:
	default:
		return fmt.Errorf("invalid transfer backend: %q", c.Transfer.Backend)
	}

	names := make(map[string]struct{}, len(c.Regions))
	addresses := make(map[string]struct{}, len(c.Regions))

	for _, region := range c.Regions {
		if region.Name == "" {
			return errRegionUnnamed
		}

		if region.Address == "" {
			return fmt.Errorf("region %q: %w", region.Name, errRegionWithoutAddress)
		}

		if _, found := names[region.Name]; found {
			return fmt.Errorf("region %q: %w", region.Name, errRegionsNotUnique)
		}
		names[region.Name] = struct{}{}

		if _, found := addresses[region.Address]; found {
			return fmt.Errorf("region %q: address %q: %w", region.Name, region.Address, errRegionAddressDuplicate)
		}
		addresses[region.Address] = struct{}{}

		if c.Transfer.Backend == TransferBackendS3 && region.Bucket == "" {
			return fmt.Errorf("region %q: %w", region.Name, errRegionWithoutBucket)
		}
	}

	return nil
}

// NeedsSQL returns true if the driver for SQL needs to be initialized
func (c *Config) NeedsSQL() bool {
	return c.DB.Host != ""
}

func (c *Config) setDefaults() {
	if c.GracefulStopTimeout.Duration() == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	if c.Probe.Timeout.Duration() == 0 {
		c.Probe.Timeout = Duration(time.Second)
	}

	if c.Conflict.AnomalyWindow.Duration() == 0 {
		c.Conflict.AnomalyWindow = Duration(10 * time.Minute)
	}
}

// RegionNames returns names of all regions configured.
func (c *Config) RegionNames() []string {
	names := make([]string, len(c.Regions))
	for i, region := range c.Regions {
		names[i] = region.Name
	}
	return names
}

// ConfigureLogger applies the logging configuration and returns the
// configured logger entry.
func (c Config) ConfigureLogger() *logrus.Entry {
	log.Configure(log.Loggers, c.Logging.Format, c.Logging.Level)
	return log.Default()
}

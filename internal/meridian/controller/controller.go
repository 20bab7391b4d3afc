// Package controller implements the adaptive controller: a closed control
// loop that retunes the global bandwidth and concurrency limits from
// recent sync metrics and system load. It is the single writer of the
// runtime configuration snapshot.
package controller

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/helper"
	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
)

// Concurrency is clamped to this band no matter what the latency ratio
// suggests, so a metrics outlier cannot stall or overwhelm the engine.
const (
	minConcurrency = 1
	maxConcurrency = 50
)

// minBandwidthMBs keeps the engine draining even when load and failure
// rate suggest shutting throughput off entirely.
const minBandwidthMBs = 1

// Cooldown map keys, one per independently tuned value.
const (
	tunableBandwidth   = "bandwidth_limit"
	tunableConcurrency = "max_concurrent_transfers"
)

var (
	bandwidthLimitGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_controller_bandwidth_limit_mbs",
		Help: "Bandwidth limit currently published by the adaptive controller",
	})
	concurrencyLimitGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_controller_max_concurrent_transfers",
		Help: "Concurrency limit currently published by the adaptive controller",
	})
	tickFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meridian_controller_tick_failures_total",
		Help: "Total number of adaptive controller ticks skipped due to errors",
	})
)

// LoadMonitor reports current system load as a percentage in [0, 100].
type LoadMonitor interface {
	Load(ctx context.Context) (float64, error)
}

// NewController wires the controller against the metrics sink and load
// monitor. The base limits come from the configuration file and are never
// mutated; each tick derives fresh targets from them.
func NewController(
	log logrus.FieldLogger,
	conf config.Config,
	store *config.Store,
	sink datastore.MetricsSink,
	loads LoadMonitor,
) *Controller {
	log = log.WithField("component", "adaptive_controller")
	c := &Controller{
		log:       log,
		base:      conf.Sync,
		adaptive:  conf.Adaptive,
		store:     store,
		sink:      sink,
		loads:     loads,
		cooldowns: map[string]time.Time{},
		now:       time.Now,
		handleError: func(err error) error {
			log.WithError(err).Warn("adaptive tick failed, keeping previous configuration")
			tickFailuresTotal.Inc()
			return nil
		},
	}

	base := store.Load()
	bandwidthLimitGauge.Set(base.BandwidthLimitMBs)
	concurrencyLimitGauge.Set(float64(base.MaxConcurrentTransfers))

	return c
}

// Controller periodically recomputes the runtime tunables.
type Controller struct {
	log         logrus.FieldLogger
	base        config.Sync
	adaptive    config.Adaptive
	store       *config.Store
	sink        datastore.MetricsSink
	loads       LoadMonitor
	handleError func(error) error

	// cooldowns maps each tunable to the time its value last changed.
	// Only the Run goroutine touches it.
	cooldowns map[string]time.Time
	now       func() time.Time
}

// Run retunes on every tick until the context is cancelled. Tick errors
// are swallowed after logging: losing one adjustment is safer than losing
// the loop, and the previous snapshot simply stays in effect.
func (c *Controller) Run(ctx context.Context, ticker helper.Ticker) error {
	c.log.Info("adaptive controller started")
	defer c.log.Info("adaptive controller stopped")

	defer ticker.Stop()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := c.tick(ctx); err != nil {
				if err := c.handleError(err); err != nil {
					return err
				}
			}
		}
	}
}

// tick pulls the recent metrics window and system load, derives target
// limits and publishes them when they changed and their cooldown elapsed.
func (c *Controller) tick(ctx context.Context) error {
	window, err := c.sink.LastNMinutes(ctx, c.adaptive.MetricsWindowMinutes)
	if err != nil {
		return fmt.Errorf("aggregate recent metrics: %w", err)
	}

	if window.Samples == 0 {
		c.log.Debug("no recent sync history, keeping current tuning")
		return nil
	}

	load, err := c.loads.Load(ctx)
	if err != nil {
		return fmt.Errorf("read system load: %w", err)
	}

	current := c.store.Load()
	next := current

	// Throughput contracts under load or instability and expands when the
	// system is healthy and idle.
	bandwidth := c.base.BandwidthLimitMBs * (window.SuccessRate / 100) * (1 - load/100)
	next.BandwidthLimitMBs = clampFloat(bandwidth, minBandwidthMBs, c.adaptive.MaxBandwidthMBs)

	// Concurrency shrinks proportionally when observed latency overshoots
	// the target and may grow when there is headroom. No latency data
	// leaves it untouched.
	if window.AvgLatencyMs > 0 {
		concurrency := math.Round(float64(c.base.MaxConcurrentTransfers) * (c.adaptive.TargetLatencyMs / window.AvgLatencyMs))
		next.MaxConcurrentTransfers = uint(clampFloat(concurrency, minConcurrency, maxConcurrency))
	}

	now := c.now()
	if !c.cooledDown(tunableBandwidth, now) {
		next.BandwidthLimitMBs = current.BandwidthLimitMBs
	}
	if !c.cooledDown(tunableConcurrency, now) {
		next.MaxConcurrentTransfers = current.MaxConcurrentTransfers
	}

	if next == current {
		return nil
	}

	if next.BandwidthLimitMBs != current.BandwidthLimitMBs {
		c.cooldowns[tunableBandwidth] = now
	}
	if next.MaxConcurrentTransfers != current.MaxConcurrentTransfers {
		c.cooldowns[tunableConcurrency] = now
	}

	c.store.Swap(next)
	bandwidthLimitGauge.Set(next.BandwidthLimitMBs)
	concurrencyLimitGauge.Set(float64(next.MaxConcurrentTransfers))

	reason := fmt.Sprintf("success_rate=%.1f%% avg_latency_ms=%.1f load=%.1f%%", window.SuccessRate, window.AvgLatencyMs, load)
	if err := c.sink.RecordScaling(ctx, datastore.ScalingEvent{
		At:                     now,
		BandwidthLimitMBs:      next.BandwidthLimitMBs,
		MaxConcurrentTransfers: next.MaxConcurrentTransfers,
		Reason:                 reason,
	}); err != nil {
		c.log.WithError(err).Error("recording scaling event failed")
	}

	c.log.WithFields(logrus.Fields{
		"bandwidth_limit_mbs":      next.BandwidthLimitMBs,
		"max_concurrent_transfers": next.MaxConcurrentTransfers,
		"reason":                   reason,
	}).Info("adaptive controller retuned limits")

	return nil
}

// cooledDown reports whether the tunable may change again. A zero
// cooldown disables suppression.
func (c *Controller) cooledDown(tunable string, now time.Time) bool {
	cooldown := c.adaptive.Cooldown.Duration()
	if cooldown <= 0 {
		return true
	}

	last, changed := c.cooldowns[tunable]
	if !changed {
		return true
	}
	return now.Sub(last) >= cooldown
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

package throttle

import (
	"context"
	"time"

	"gitlab.com/fleetops/meridian/internal/meridian/config"
	"gitlab.com/fleetops/meridian/internal/meridian/topology"
)

// minRateMBs is the floor applied to every computed throttle so a pair
// that probes poorly still makes progress instead of stalling.
const minRateMBs = 0.1

// RateCap computes the effective transfer rate for a pair in MB/s. The
// pair's probed bandwidth is discounted by its reliability and never
// exceeds the cycle's global bandwidth limit.
func RateCap(pair topology.Pair, snapshot config.Snapshot) float64 {
	rate := pair.BandwidthMBs * pair.Reliability
	if snapshot.BandwidthLimitMBs < rate {
		rate = snapshot.BandwidthLimitMBs
	}
	if rate < minRateMBs {
		rate = minRateMBs
	}

	return rate
}

// Pacer spreads a pair's transferred bytes over time so its observed
// rate stays at or under a cap. A pacer belongs to a single pair sync
// and must not be shared across goroutines.
type Pacer struct {
	rateMBs float64
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	next    time.Time
}

// NewPacer creates a pacer enforcing rateMBs megabytes per second. A
// rate of 0 or below disables pacing.
func NewPacer(rateMBs float64) *Pacer {
	return &Pacer{
		rateMBs: rateMBs,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Throttle accounts for sizeBytes about to be transferred and blocks
// until sending them keeps the pair at or under its rate cap. Idle time
// between calls is not banked, so a quiet pair cannot burst past the cap
// afterwards. Throttle returns early with the context's error when the
// context is cancelled.
func (p *Pacer) Throttle(ctx context.Context, sizeBytes int64) error {
	if p.rateMBs <= 0 {
		return nil
	}

	now := p.now()
	if p.next.Before(now) {
		p.next = now
	}

	wait := p.next.Sub(now)
	p.next = p.next.Add(p.transferDuration(sizeBytes))

	if wait <= 0 {
		return nil
	}

	return p.sleep(ctx, wait)
}

func (p *Pacer) transferDuration(sizeBytes int64) time.Duration {
	seconds := float64(sizeBytes) / (p.rateMBs * 1024 * 1024)
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package throttle

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/fleetops/meridian/internal/testhelper"
)

type countingMonitor struct {
	queued, dequeued, entered, exited int32
}

func (c *countingMonitor) Queued(ctx context.Context)   { atomic.AddInt32(&c.queued, 1) }
func (c *countingMonitor) Dequeued(ctx context.Context) { atomic.AddInt32(&c.dequeued, 1) }
func (c *countingMonitor) Enter(ctx context.Context, acquireTime time.Duration) {
	atomic.AddInt32(&c.entered, 1)
}
func (c *countingMonitor) Exit(ctx context.Context) { atomic.AddInt32(&c.exited, 1) }

func TestConcurrencyLimiterBoundsConcurrency(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	monitor := &countingMonitor{}
	limiter := NewConcurrencyLimiter(2, monitor)

	blockCh := make(chan struct{})
	var running int32

	wg := &sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := limiter.Limit(ctx, func() (interface{}, error) {
				atomic.AddInt32(&running, 1)
				<-blockCh
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}

	time.Sleep(100 * time.Millisecond)

	require.EqualValues(t, 2, atomic.LoadInt32(&running))
	require.EqualValues(t, 10, atomic.LoadInt32(&monitor.queued))
	require.EqualValues(t, 2, atomic.LoadInt32(&monitor.entered))

	close(blockCh)
	wg.Wait()

	require.EqualValues(t, 10, atomic.LoadInt32(&running))
	require.EqualValues(t, 10, atomic.LoadInt32(&monitor.dequeued))
	require.EqualValues(t, 10, atomic.LoadInt32(&monitor.entered))
	require.EqualValues(t, 10, atomic.LoadInt32(&monitor.exited))
}

func TestConcurrencyLimiterUnlimitedWhenZero(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	limiter := NewConcurrencyLimiter(0, nil)

	blockCh := make(chan struct{})
	var running int32

	wg := &sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := limiter.Limit(ctx, func() (interface{}, error) {
				atomic.AddInt32(&running, 1)
				<-blockCh
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}

	time.Sleep(100 * time.Millisecond)

	require.EqualValues(t, 5, atomic.LoadInt32(&running))

	close(blockCh)
	wg.Wait()
}

func TestConcurrencyLimiterCancelledWhileQueued(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	limiter := NewConcurrencyLimiter(1, nil)

	blockCh := make(chan struct{})
	holderRunning := make(chan struct{})

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		_, err := limiter.Limit(ctx, func() (interface{}, error) {
			close(holderRunning)
			<-blockCh
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	<-holderRunning

	waiterCtx, waiterCancel := context.WithCancel(ctx)
	waiterCancel()

	var called bool
	_, err := limiter.Limit(waiterCtx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Equal(t, context.Canceled, err)
	require.False(t, called)

	close(blockCh)
	wg.Wait()
}

func TestConcurrencyLimiterPropagatesResult(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	limiter := NewConcurrencyLimiter(1, nil)

	resp, err := limiter.Limit(ctx, func() (interface{}, error) {
		return "done", assert.AnError
	})
	require.Equal(t, assert.AnError, err)
	require.Equal(t, "done", resp)
}

func TestPromMonitor(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	EnableAcquireTimeHistogram([]float64{0.001, 0.1, 1})

	monitor := NewPromMonitor("us-east", "eu-west")
	require.NotNil(t, monitor.(*promMonitor).histogram)

	monitor.Queued(ctx)

	expectedQueued := `# HELP meridian_transfer_limiting_queued Gauge of number of queued transfers
# TYPE meridian_transfer_limiting_queued gauge
meridian_transfer_limiting_queued{source="us-east",target="eu-west"} 1
`
	require.NoError(t, promtest.CollectAndCompare(
		queuedGaugeVec,
		strings.NewReader(expectedQueued),
		"meridian_transfer_limiting_queued",
	))

	monitor.Dequeued(ctx)
	monitor.Enter(ctx, time.Millisecond)

	expectedInProgress := `# HELP meridian_transfer_limiting_in_progress Gauge of number of concurrent in-progress transfers
# TYPE meridian_transfer_limiting_in_progress gauge
meridian_transfer_limiting_in_progress{source="us-east",target="eu-west"} 1
`
	require.NoError(t, promtest.CollectAndCompare(
		inprogressGaugeVec,
		strings.NewReader(expectedInProgress),
		"meridian_transfer_limiting_in_progress",
	))

	monitor.Exit(ctx)

	expectedDrained := `# HELP meridian_transfer_limiting_in_progress Gauge of number of concurrent in-progress transfers
# TYPE meridian_transfer_limiting_in_progress gauge
meridian_transfer_limiting_in_progress{source="us-east",target="eu-west"} 0
`
	require.NoError(t, promtest.CollectAndCompare(
		inprogressGaugeVec,
		strings.NewReader(expectedDrained),
		"meridian_transfer_limiting_in_progress",
	))
}

package topology

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// probeCacheSize bounds the probe cache. Topologies are small, the bound
// only matters when regions churn.
const probeCacheSize = 1024

// NewCachingProvider wraps a Provider so probe results are reused for ttl.
// Concurrent probes of the same pair are collapsed into one upstream call.
func NewCachingProvider(inner Provider, ttl time.Duration) (*CachingProvider, error) {
	cached := &CachingProvider{
		inner: inner,
		ttl:   ttl,
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_probe_cache_access_total",
				Help: "Total number of probe cache access operations (per access type)",
			},
			[]string{"type"},
		),
	}

	cache, err := lru.New(probeCacheSize)
	if err != nil {
		return nil, err
	}
	cached.cache = cache

	return cached, nil
}

// CachingProvider caches directed pair probes with a TTL.
type CachingProvider struct {
	inner            Provider
	cache            *lru.Cache
	ttl              time.Duration
	group            singleflight.Group
	cacheAccessTotal *prometheus.CounterVec
}

type cachedProbe struct {
	probe Probe
	at    time.Time
}

// ListActiveRegions passes through to the wrapped provider. Region listings
// are cheap and must stay current.
func (c *CachingProvider) ListActiveRegions(ctx context.Context) ([]Region, error) {
	return c.inner.ListActiveRegions(ctx)
}

// Probe returns the cached probe of the pair when fresh enough, otherwise
// probes upstream and caches the result. Probe errors are not cached.
func (c *CachingProvider) Probe(ctx context.Context, source, target Region) (Probe, error) {
	key := source.Name + "|" + target.Name

	if entry, found := c.cache.Get(key); found {
		if cached, ok := entry.(cachedProbe); ok && time.Since(cached.at) < c.ttl {
			c.cacheAccessTotal.WithLabelValues("hit").Inc()
			return cached.probe, nil
		}
	}

	c.cacheAccessTotal.WithLabelValues("miss").Inc()

	probe, err, _ := c.group.Do(key, func() (interface{}, error) {
		probe, err := c.inner.Probe(ctx, source, target)
		if err != nil {
			return Probe{}, err
		}

		c.cache.Add(key, cachedProbe{probe: probe, at: time.Now()})
		c.cacheAccessTotal.WithLabelValues("populate").Inc()

		return probe, nil
	})
	if err != nil {
		return Probe{}, err
	}

	return probe.(Probe), nil
}

// Describe returns all metric descriptors.
func (c *CachingProvider) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *CachingProvider) Collect(collector chan<- prometheus.Metric) {
	c.cacheAccessTotal.Collect(collector)
}

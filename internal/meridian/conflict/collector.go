package conflict

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/fleetops/meridian/internal/meridian/datastore"
)

// NewQueueDepthCollector derives the review queue depth at scrape time so
// operators see pending escalations without polling the CLI.
func NewQueueDepthCollector(log logrus.FieldLogger, queue datastore.ReviewQueue, timeout time.Duration) *QueueDepthCollector {
	return &QueueDepthCollector{
		log:     log,
		queue:   queue,
		timeout: timeout,
		desc: prometheus.NewDesc(
			"meridian_review_queue_depth",
			"Number of conflicts pending manual review",
			nil,
			nil,
		),
	}
}

// QueueDepthCollector exports the review queue depth as a gauge.
type QueueDepthCollector struct {
	log     logrus.FieldLogger
	queue   datastore.ReviewQueue
	timeout time.Duration
	desc    *prometheus.Desc
}

// Describe returns all metric descriptors.
func (c *QueueDepthCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.desc
}

// Collect lists the pending conflicts under a scrape timeout. A failing
// queue logs instead of failing the whole scrape.
func (c *QueueDepthCollector) Collect(metrics chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	pending, err := c.queue.ListPending(ctx)
	if err != nil {
		c.log.WithError(err).Error("listing pending conflicts for scrape failed")
		return
	}

	metrics <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(len(pending)))
}

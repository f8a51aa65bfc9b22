// Package metrics exposes call-engine operational gauges/counters to
// Prometheus (A6). Generalized from the teacher's SIP-trunk/registration
// Collector: the Describe/Collect scrape-time shape is unchanged, the
// providers behind it are swapped for the call-control engine's own
// components (queue depth, active dial waves, SSE subscribers, live
// media-stream connections, call-log write failures).
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderLister enumerates known providers, used to sum queue depth
// across all of them at scrape time.
type ProviderLister interface {
	AllProviderIDs(ctx context.Context) ([]string, error)
}

// QueueDepther returns the number of callers currently waiting for a
// given provider.
type QueueDepther interface {
	Depth(ctx context.Context, providerID string) (int, error)
}

// ActiveWaveProvider returns the number of outbound dial campaigns
// currently in flight.
type ActiveWaveProvider interface {
	ActiveCount() int
}

// SubscriberProvider returns the number of connected dashboard SSE
// clients.
type SubscriberProvider interface {
	SubscriberCount() int
}

// MediaConnProvider returns the number of live media-stream websocket
// connections.
type MediaConnProvider interface {
	ActiveCount() int
}

// CallLogFailureProvider returns the cumulative count of call-log writes
// abandoned after exhausting retry.
type CallLogFailureProvider interface {
	FailureCount() int64
}

// Collector is a prometheus.Collector that gathers callengine metrics at
// scrape time.
type Collector struct {
	providers ProviderLister
	queue     QueueDepther
	waves     ActiveWaveProvider
	events    SubscriberProvider
	media     MediaConnProvider
	callLog   CallLogFailureProvider
	startTime time.Time

	queueDepthDesc   *prometheus.Desc
	activeWavesDesc  *prometheus.Desc
	subscribersDesc  *prometheus.Desc
	mediaConnsDesc   *prometheus.Desc
	callLogFailsDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable, in which case its metric is simply not emitted.
func NewCollector(
	providers ProviderLister,
	queue QueueDepther,
	waves ActiveWaveProvider,
	events SubscriberProvider,
	media MediaConnProvider,
	callLog CallLogFailureProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		providers: providers,
		queue:     queue,
		waves:     waves,
		events:    events,
		media:     media,
		callLog:   callLog,
		startTime: startTime,

		queueDepthDesc: prometheus.NewDesc(
			"callengine_queue_depth",
			"Number of callers currently waiting in a provider's queue",
			[]string{"provider_id"}, nil,
		),
		activeWavesDesc: prometheus.NewDesc(
			"callengine_active_waves",
			"Number of outbound dial campaigns currently in flight",
			nil, nil,
		),
		subscribersDesc: prometheus.NewDesc(
			"callengine_event_subscribers",
			"Number of connected operator dashboard SSE clients",
			nil, nil,
		),
		mediaConnsDesc: prometheus.NewDesc(
			"callengine_media_connections",
			"Number of live carrier media-stream websocket connections",
			nil, nil,
		),
		callLogFailsDesc: prometheus.NewDesc(
			"callengine_calllog_write_failures_total",
			"Total call-log writes abandoned after exhausting retry",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callengine_uptime_seconds",
			"Seconds since the callengine process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.activeWavesDesc
	ch <- c.subscribersDesc
	ch <- c.mediaConnsDesc
	ch <- c.callLogFailsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.providers != nil && c.queue != nil {
		providerIDs, err := c.providers.AllProviderIDs(ctx)
		if err != nil {
			slog.Error("metrics: failed to list providers", "error", err)
		} else {
			for _, providerID := range providerIDs {
				depth, err := c.queue.Depth(ctx, providerID)
				if err != nil {
					slog.Error("metrics: failed to read queue depth", "providerId", providerID, "error", err)
					continue
				}
				ch <- prometheus.MustNewConstMetric(
					c.queueDepthDesc, prometheus.GaugeValue,
					float64(depth), providerID,
				)
			}
		}
	}

	if c.waves != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeWavesDesc, prometheus.GaugeValue,
			float64(c.waves.ActiveCount()),
		)
	}

	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(
			c.subscribersDesc, prometheus.GaugeValue,
			float64(c.events.SubscriberCount()),
		)
	}

	if c.media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mediaConnsDesc, prometheus.GaugeValue,
			float64(c.media.ActiveCount()),
		)
	}

	if c.callLog != nil {
		ch <- prometheus.MustNewConstMetric(
			c.callLogFailsDesc, prometheus.CounterValue,
			float64(c.callLog.FailureCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

package monitoring

import (
	"sync/atomic"

	"livefabric/internal/core/domain"
	"livefabric/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements the metrics observer on prometheus gauges, keeping
// shadow atomics so node metrics can be sampled for heartbeats and
// webhooks without scraping.
type Collector struct {
	streams    prometheus.Gauge
	publish    prometheus.Gauge
	subscribe  prometheus.Gauge
	reforward  prometheus.Gauge
	streamSubs *prometheus.GaugeVec

	streamCount    atomic.Int64
	publishCount   atomic.Int64
	subscribeCount atomic.Int64
	reforwardCount atomic.Int64
}

// NewCollector registers the node gauges on the default registry.
func NewCollector() *Collector {
	return &Collector{
		streams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livefabric_streams",
			Help: "Number of streams on this node",
		}),
		publish: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livefabric_publish_sessions",
			Help: "Number of active publish sessions",
		}),
		subscribe: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livefabric_subscribe_sessions",
			Help: "Number of active subscribe sessions",
		}),
		reforward: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livefabric_reforward_sessions",
			Help: "Number of active cascade sessions",
		}),
		streamSubs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livefabric_stream_subscribers",
			Help: "Subscribers per stream",
		}, []string{"stream"}),
	}
}

var _ ports.MetricsObserver = (*Collector)(nil)

func (c *Collector) StreamUp(domain.StreamID) {
	c.streamCount.Add(1)
	c.streams.Inc()
}

func (c *Collector) StreamDown(id domain.StreamID) {
	c.streamCount.Add(-1)
	c.streams.Dec()
	c.streamSubs.DeleteLabelValues(string(id))
}

func (c *Collector) PublishUp(domain.StreamID) {
	c.publishCount.Add(1)
	c.publish.Inc()
}

func (c *Collector) PublishDown(domain.StreamID) {
	c.publishCount.Add(-1)
	c.publish.Dec()
}

func (c *Collector) SubscribeUp(id domain.StreamID) {
	c.subscribeCount.Add(1)
	c.subscribe.Inc()
	c.streamSubs.WithLabelValues(string(id)).Inc()
}

func (c *Collector) SubscribeDown(id domain.StreamID) {
	c.subscribeCount.Add(-1)
	c.subscribe.Dec()
	c.streamSubs.WithLabelValues(string(id)).Dec()
}

func (c *Collector) ReforwardUp(domain.StreamID) {
	c.reforwardCount.Add(1)
	c.reforward.Inc()
}

func (c *Collector) ReforwardDown(domain.StreamID) {
	c.reforwardCount.Add(-1)
	c.reforward.Dec()
}

// NodeMetrics samples the counters for heartbeats and webhook deliveries.
func (c *Collector) NodeMetrics() domain.NodeMetrics {
	clamp := func(v int64) uint64 {
		if v < 0 {
			return 0
		}
		return uint64(v)
	}
	return domain.NodeMetrics{
		Stream:    clamp(c.streamCount.Load()),
		Publish:   clamp(c.publishCount.Load()),
		Subscribe: clamp(c.subscribeCount.Load()),
		Reforward: clamp(c.reforwardCount.Load()),
	}
}

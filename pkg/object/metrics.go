package object

import (
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// StatsSnapshot is the expvar-published view of registry activity.
type StatsSnapshot struct {
	Size       int       `json:"size"`
	Hits       uint64    `json:"hits_total"`
	Misses     uint64    `json:"misses_total"`
	Evictions  uint64    `json:"evictions_total"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PublishExpvar publishes the factory's counters under the given expvar
// name. When name is empty a unique identifier is generated. The returned
// name is the one actually published.
func (f *Factory) PublishExpvar(name string) string {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("object_factory_metrics_%d", id)
	}
	expvar.Publish(name, expvar.Func(func() any {
		s := f.Stats()
		return StatsSnapshot{
			Size:       s.Size,
			Hits:       s.Hits,
			Misses:     s.Misses,
			Evictions:  s.Evictions,
			RecordedAt: time.Now().UTC(),
		}
	}))
	return name
}

// FactoryCollector exposes a factory's counters as Prometheus metrics. It
// reads Stats on every scrape, so registering it carries no per-operation
// cost inside the registry.
type FactoryCollector struct {
	factory   *Factory
	size      *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
}

// NewFactoryCollector builds a collector under the given metric namespace
// (e.g. "smartobject").
func NewFactoryCollector(f *Factory, namespace string) *FactoryCollector {
	return &FactoryCollector{
		factory: f,
		size: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "factory", "size"),
			"Number of objects currently registered.", nil, nil),
		hits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "factory", "hits_total"),
			"Primary-key lookups served from the registry.", nil, nil),
		misses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "factory", "misses_total"),
			"Primary-key lookups that missed the registry.", nil, nil),
		evictions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "factory", "evictions_total"),
			"Objects evicted by the LRU size bound.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *FactoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
}

// Collect implements prometheus.Collector.
func (c *FactoryCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.factory.Stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
}

var _ prometheus.Collector = (*FactoryCollector)(nil)

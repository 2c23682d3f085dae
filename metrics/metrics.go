// Package metrics exposes pipeline stats as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.viam.com/batchvision/pipeline"
)

const namespace = "batchvision"

// StatsSource is anything that can report pipeline stats, normally a *pipeline.Pipeline.
type StatsSource interface {
	Stats() pipeline.Stats
}

// Metrics is a Prometheus registry holding a collector over one StatsSource.
type Metrics struct {
	registry *prometheus.Registry
}

// New registers a collector over source in a fresh registry, alongside the Go runtime and
// process collectors.
func New(source StatsSource) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		newCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	return &Metrics{registry: registry}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"stage"}, labels...), nil)
}

// collector reads one stats snapshot per scrape so every sample in a scrape is consistent.
type collector struct {
	source StatsSource

	submitted    *prometheus.Desc
	completed    *prometheus.Desc
	failed       *prometheus.Desc
	cancelled    *prometheus.Desc
	flushes      *prometheus.Desc
	pending      *prometheus.Desc
	queued       *prometheus.Desc
	flushing     *prometheus.Desc
	maxBatchSize *prometheus.Desc
	maxWait      *prometheus.Desc
	avgBatchSize *prometheus.Desc
	itemTime     *prometheus.Desc
	throughput   *prometheus.Desc
	batches      *prometheus.Desc

	calls    *prometheus.Desc
	inFlight *prometheus.Desc
}

func newCollector(source StatsSource) *collector {
	return &collector{
		source:       source,
		submitted:    desc("items_submitted_total", "Items accepted by the stage scheduler."),
		completed:    desc("items_completed_total", "Items resolved with detections."),
		failed:       desc("items_failed_total", "Items resolved with a detector error."),
		cancelled:    desc("items_cancelled_total", "Items cancelled before their batch was sealed."),
		flushes:      desc("flushes_total", "Batches sealed, by reason.", "reason"),
		pending:      desc("pending_items", "Items in the accumulating batch."),
		queued:       desc("queued_batches", "Sealed batches waiting for the detector."),
		flushing:     desc("flushing", "1 while a batch is being detected."),
		maxBatchSize: desc("max_batch_size", "Current batch size at which batches are sealed."),
		maxWait:      desc("max_wait_seconds", "Current accumulation window."),
		avgBatchSize: desc("avg_batch_size", "Mean size of recently flushed batches."),
		itemTime:     desc("item_time_seconds", "Detector time per item over recent batches.", "quantile"),
		throughput:   desc("throughput_items_per_second", "Items per second over recent batches."),
		batches:      desc("batches_total", "Batches handed to the detector."),
		calls: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "calls_total"),
			"Pipeline calls started.", nil, nil),
		inFlight: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "calls_in_flight"),
			"Pipeline calls not yet returned.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.submitted, c.completed, c.failed, c.cancelled, c.flushes, c.pending, c.queued,
		c.flushing, c.maxBatchSize, c.maxWait, c.avgBatchSize, c.itemTime, c.throughput, c.batches,
		c.calls, c.inFlight,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(stats.Calls))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(stats.InFlightCalls))
	c.collectStage(ch, "primary", stats.Primary)
	if stats.Secondary != nil {
		c.collectStage(ch, "secondary", *stats.Secondary)
	}
}

func (c *collector) collectStage(ch chan<- prometheus.Metric, stage string, s pipeline.StageStats) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{stage}, labels...)...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{stage}, labels...)...)
	}

	sched := s.Scheduler
	counter(c.submitted, sched.Submitted)
	counter(c.completed, sched.Completed)
	counter(c.failed, sched.Failed)
	counter(c.cancelled, sched.Cancelled)
	counter(c.flushes, sched.FlushesBySize, "size")
	counter(c.flushes, sched.FlushesByTimeout, "timeout")
	counter(c.flushes, sched.FlushesByClose, "close")
	gauge(c.pending, float64(sched.Pending))
	gauge(c.queued, float64(sched.QueuedBatches))
	flushing := 0.0
	if sched.Flushing {
		flushing = 1
	}
	gauge(c.flushing, flushing)
	gauge(c.maxBatchSize, float64(sched.MaxBatchSize))
	gauge(c.maxWait, sched.MaxWait.Seconds())

	perf := s.Perf
	counter(c.batches, perf.TotalBatches)
	gauge(c.avgBatchSize, perf.AvgBatchSize)
	gauge(c.throughput, perf.Throughput)
	gauge(c.itemTime, perf.P50ItemTime.Seconds(), "0.5")
	gauge(c.itemTime, perf.P90ItemTime.Seconds(), "0.9")
	gauge(c.itemTime, perf.P95ItemTime.Seconds(), "0.95")
}

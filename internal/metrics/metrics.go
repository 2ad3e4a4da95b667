// Package metrics exposes sync engine measurements as Prometheus collectors.
// The Collector implements sync.Recorder; the daemon serves its registry on
// /metrics and one-shot runs push it to a Pushgateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicdata/sf311-sync/internal/sync"
)

const namespace = "sf311_sync"

// Result labels
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector holds the Prometheus instruments of the engine
type Collector struct {
	registry *prometheus.Registry

	pages         prometheus.Counter
	pageRecords   prometheus.Histogram
	retries       *prometheus.CounterVec
	runs          *prometheus.CounterVec
	rows          *prometheus.CounterVec
	warnings      prometheus.Counter
	runDuration   *prometheus.HistogramVec
	lastRunTime   *prometheus.GaugeVec
	lastRunFetch  prometheus.Gauge
	lastWatermark prometheus.Gauge
}

var _ sync.Recorder = (*Collector)(nil)

// NewCollector creates a collector on a private registry. The dataset
// identifier is attached to every series.
func NewCollector(dataset string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"dataset": dataset}, reg))

	return &Collector{
		registry: reg,
		pages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Pages fetched from the remote dataset",
		}),
		pageRecords: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_records",
			Help:      "Records returned per page",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7), // 1 to 4096
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_retries_total",
			Help:      "Page requests retried, by failure reason",
		}, []string{"reason"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by mode and result",
		}, []string{"mode", "result", "failed_op"}),
		rows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows handled by the loader, by outcome",
		}, []string{"outcome"}),
		warnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "large_incremental_runs_total",
			Help:      "Incremental runs that fetched more records than expected",
		}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of sync runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		}, []string{"mode", "result"}),
		lastRunTime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished, by result",
		}, []string{"result"}),
		lastRunFetch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_fetched_records",
			Help:      "Records fetched by the last run",
		}),
		lastWatermark: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_max_updated_timestamp_seconds",
			Help:      "Latest updated_datetime held by the store at the start of the last run",
		}),
	}
}

// RegisterRuntimeCollectors adds Go runtime and process metrics. Only the
// long-running daemon wants these; pushed one-shot runs do not.
func (c *Collector) RegisterRuntimeCollectors() {
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordPage counts a fetched page
func (c *Collector) RecordPage(records int) {
	c.pages.Inc()
	c.pageRecords.Observe(float64(records))
}

// RecordRetry counts a retried page request
func (c *Collector) RecordRetry(reason string) {
	c.retries.WithLabelValues(reason).Inc()
}

// RecordRun records the outcome of a run
func (c *Collector) RecordRun(result *sync.Result, err *sync.Error) {
	outcome := ResultSuccess
	failedOp := ""
	if err != nil {
		outcome = ResultFailure
		failedOp = string(err.Op)
	}

	mode := "unknown"
	if result != nil && result.Mode != "" {
		mode = string(result.Mode)
	}
	c.runs.WithLabelValues(mode, outcome, failedOp).Inc()

	if result == nil {
		return
	}

	c.runDuration.WithLabelValues(mode, outcome).Observe(result.Duration().Seconds())
	if !result.FinishedAt.IsZero() {
		c.lastRunTime.WithLabelValues(outcome).Set(float64(result.FinishedAt.Unix()))
	}
	c.lastRunFetch.Set(float64(result.Extract.Records))
	if result.Watermark.MaxUpdated != nil {
		c.lastWatermark.Set(float64(result.Watermark.MaxUpdated.Unix()))
	}

	c.rows.WithLabelValues("inserted").Add(float64(result.Load.Inserted))
	c.rows.WithLabelValues("updated").Add(float64(result.Load.Updated))
	c.rows.WithLabelValues("unchanged").Add(float64(result.Load.Unchanged))
	c.rows.WithLabelValues("missing_id").Add(float64(result.Load.MissingID))
	c.rows.WithLabelValues("duplicate").Add(float64(result.Load.Duplicates))

	if len(result.Warnings) > 0 {
		c.warnings.Inc()
	}
}

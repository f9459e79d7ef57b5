package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/version"
)

const namespace = "rulesync"

// SyncMetrics owns the process registry. It implements pipeline.RunMetrics,
// cdn.Metrics and schedule.Metrics.
type SyncMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	lastRunTs       prometheus.Gauge
	lastRunSuccess  prometheus.Gauge
	lastSuccessTs   prometheus.Gauge
	itemsTotal      *prometheus.CounterVec
	itemDuration    prometheus.Histogram
	bytesFetched    prometheus.Counter
	invalidations   *prometheus.CounterVec
	invalidationDur prometheus.Histogram
	scheduleArmed   prometheus.Gauge
	nextRunTs       prometheus.Gauge
}

// New returns a fresh registry + standard collectors + sync metrics
// labels are bounded enums only (stage, outcome), never keys or urls
func New() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &SyncMetrics{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed sync runs by outcome (success, partial, failure, empty)",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full sync run including invalidation",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		}),
		lastRunTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix timestamp of when the last sync run finished",
		}),
		lastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "Whether the last sync run published every item (1) or not (0)",
		}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last fully successful sync run",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Per-item pipeline steps by stage and outcome",
		}, []string{"stage", "outcome"}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_duration_seconds",
			Help:      "Time to fetch, publish and clean up one resource",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		bytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes downloaded from upstream sources",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cdn_invalidations_total",
			Help:      "CDN directory invalidation requests by outcome",
		}, []string{"outcome"}),
		invalidationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cdn_invalidation_duration_seconds",
			Help:      "Latency of a CDN invalidation request including pacing",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		scheduleArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_armed",
			Help:      "Whether the daily trigger is armed (1) or not (0)",
		}),
		nextRunTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix timestamp of the next scheduled run",
		}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.runsTotal,
		m.runDuration,
		m.lastRunTs,
		m.lastRunSuccess,
		m.lastSuccessTs,
		m.itemsTotal,
		m.itemDuration,
		m.bytesFetched,
		m.invalidations,
		m.invalidationDur,
		m.scheduleArmed,
		m.nextRunTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *SyncMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *SyncMetrics) SetBuildInfo(vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *SyncMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *SyncMetrics) IncItem(stage, outcome string) {
	m.itemsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *SyncMetrics) ObserveItemDuration(seconds float64) {
	m.itemDuration.Observe(seconds)
}

func (m *SyncMetrics) AddBytesFetched(n int64) {
	if n > 0 {
		m.bytesFetched.Add(float64(n))
	}
}

func (m *SyncMetrics) ObserveRun(outcome string, seconds float64) {
	m.runsTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(seconds)
}

func (m *SyncMetrics) SetLastRun(unixSeconds float64, success bool) {
	m.lastRunTs.Set(unixSeconds)
	m.lastRunSuccess.Set(boolGauge(success))
	if success {
		m.lastSuccessTs.Set(unixSeconds)
	}
}

func (m *SyncMetrics) ObserveInvalidation(outcome string, d time.Duration) {
	m.invalidations.WithLabelValues(outcome).Inc()
	m.invalidationDur.Observe(d.Seconds())
}

func (m *SyncMetrics) SetScheduleArmed(armed bool) {
	m.scheduleArmed.Set(boolGauge(armed))
	if !armed {
		m.nextRunTs.Set(0)
	}
}

func (m *SyncMetrics) SetNextRun(unixSeconds float64) {
	m.nextRunTs.Set(unixSeconds)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/version"
)

// test helpers

func gather(t *testing.T, m *SyncMetrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

func counterValue(t *testing.T, m *SyncMetrics, name string, labels map[string]string) float64 {
	t.Helper()
	f, ok := gather(t, m)[name]
	if !ok {
		t.Fatalf("metric %s not found", name)
	}
	for _, metric := range f.GetMetric() {
		if labelsMatch(metric, labels) {
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func gaugeValue(t *testing.T, m *SyncMetrics, name string) float64 {
	t.Helper()
	f, ok := gather(t, m)[name]
	if !ok {
		t.Fatalf("metric %s not found", name)
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func histogramCount(t *testing.T, m *SyncMetrics, name string) uint64 {
	t.Helper()
	f, ok := gather(t, m)[name]
	if !ok {
		t.Fatalf("metric %s not found", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

func TestNew_ScrapeServesRegistry(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"go_goroutines",
		"profiling_active",
		"rulesync_schedule_armed",
		"rulesync_fetched_bytes_total",
		"rulesync_last_run_timestamp_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncItem("fetch", "success")
	if _, ok := gather(t, b)["rulesync_items_total"]; ok {
		t.Fatal("registries should not share state")
	}
}

func TestItems(t *testing.T) {
	m := New()
	m.IncItem("fetch", "success")
	m.IncItem("fetch", "success")
	m.IncItem("publish", "failure")
	m.ObserveItemDuration(0.3)
	m.AddBytesFetched(2048)
	m.AddBytesFetched(-1)

	if v := counterValue(t, m, "rulesync_items_total", map[string]string{"stage": "fetch", "outcome": "success"}); v != 2 {
		t.Fatalf("fetch/success = %v", v)
	}
	if v := counterValue(t, m, "rulesync_items_total", map[string]string{"stage": "publish", "outcome": "failure"}); v != 1 {
		t.Fatalf("publish/failure = %v", v)
	}
	if v := counterValue(t, m, "rulesync_fetched_bytes_total", nil); v != 2048 {
		t.Fatalf("bytes = %v", v)
	}
	if c := histogramCount(t, m, "rulesync_item_duration_seconds"); c != 1 {
		t.Fatalf("item duration samples = %d", c)
	}
}

func TestRuns(t *testing.T) {
	m := New()
	m.ObserveRun("partial", 42)
	m.SetLastRun(1700000000, false)

	if v := counterValue(t, m, "rulesync_runs_total", map[string]string{"outcome": "partial"}); v != 1 {
		t.Fatalf("runs = %v", v)
	}
	if v := gaugeValue(t, m, "rulesync_last_run_timestamp_seconds"); v != 1700000000 {
		t.Fatalf("last run ts = %v", v)
	}
	if v := gaugeValue(t, m, "rulesync_last_run_success"); v != 0 {
		t.Fatalf("last run success = %v", v)
	}
	if v := gaugeValue(t, m, "rulesync_last_success_timestamp_seconds"); v != 0 {
		t.Fatal("a failed run must not move the last success timestamp")
	}

	m.SetLastRun(1700086400, true)
	if v := gaugeValue(t, m, "rulesync_last_success_timestamp_seconds"); v != 1700086400 {
		t.Fatalf("last success ts = %v", v)
	}
	if v := gaugeValue(t, m, "rulesync_last_run_success"); v != 1 {
		t.Fatalf("last run success = %v", v)
	}
}

func TestInvalidations(t *testing.T) {
	m := New()
	m.ObserveInvalidation("success", 120*time.Millisecond)
	m.ObserveInvalidation("error", time.Second)
	m.ObserveInvalidation("success", 80*time.Millisecond)

	if v := counterValue(t, m, "rulesync_cdn_invalidations_total", map[string]string{"outcome": "success"}); v != 2 {
		t.Fatalf("success = %v", v)
	}
	if v := counterValue(t, m, "rulesync_cdn_invalidations_total", map[string]string{"outcome": "error"}); v != 1 {
		t.Fatalf("error = %v", v)
	}
	if c := histogramCount(t, m, "rulesync_cdn_invalidation_duration_seconds"); c != 3 {
		t.Fatalf("samples = %d", c)
	}
}

func TestSchedule(t *testing.T) {
	m := New()
	m.SetScheduleArmed(true)
	m.SetNextRun(1700010000)
	if gaugeValue(t, m, "rulesync_schedule_armed") != 1 || gaugeValue(t, m, "rulesync_next_run_timestamp_seconds") != 1700010000 {
		t.Fatal("armed schedule not reflected")
	}
	m.SetScheduleArmed(false)
	if gaugeValue(t, m, "rulesync_schedule_armed") != 0 || gaugeValue(t, m, "rulesync_next_run_timestamp_seconds") != 0 {
		t.Fatal("disarmed schedule should clear next run")
	}
}

func TestSetBuildInfo(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfo(version.Info{AppName: "rulesync", Version: "1.0.0", Commit: "abc", VCSDirty: &dirty})

	f := gather(t, m)["build_info"]
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info not set")
	}
	if !labelsMatch(f.GetMetric()[0], map[string]string{"app": "rulesync", "version": "1.0.0", "vcs_dirty": "true"}) {
		t.Fatalf("labels = %v", f.GetMetric()[0].GetLabel())
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if gaugeValue(t, m, "profiling_active") != 1 {
		t.Fatal("profiling_active should be 1")
	}
	m.SetProfilingActive(false)
	if gaugeValue(t, m, "profiling_active") != 0 {
		t.Fatal("profiling_active should be 0")
	}
}

func TestRegistry_NoDuplicateRegistration(t *testing.T) {
	m := New()
	err := m.reg.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "dup",
	}))
	if err == nil {
		t.Fatal("expected an error registering a duplicate name")
	}
}

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveLookup("hit")
	m.ObserveLookup("hit")
	m.ObserveLookup("stale")
	m.ObserveSimulation("ISSUE", 3*time.Millisecond)
	m.ObserveProvider("work_item", nil)
	m.ObserveProvider("work_item", errors.New("boom"))
	m.ObserveBatchTarget(nil)
	m.ObserveConfidenceUpdate()

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("Expected 2 hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("work_item", "error")); got != 1 {
		t.Errorf("Expected 1 provider error, got %v", got)
	}
	if got := testutil.ToFloat64(m.Simulations.WithLabelValues("ISSUE")); got != 1 {
		t.Errorf("Expected 1 simulation, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConfidenceUpdates); got != 1 {
		t.Errorf("Expected 1 confidence update, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveLookup("hit")
	m.ObserveSimulation("ISSUE", time.Second)
	m.ObserveProvider("graph", nil)
	m.ObserveScenario("combined")
	m.ObserveBatchJob("done")
	m.ObserveBatchTarget(nil)
	m.ObserveConfidenceUpdate()
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveScenario("reduceScope")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `forecast_scenarios_total{scenario="reduceScope"} 1`) {
		t.Errorf("Expected scenario counter in exposition, got:\n%s", body)
	}
}

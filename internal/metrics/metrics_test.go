// v0
// internal/metrics/metrics_test.go
package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExported(t *testing.T) {
	m := New()
	m.Sighting(OutcomeAccepted)
	m.Sighting(OutcomeAccepted)
	m.Sighting(OutcomeDuplicate)
	m.Estimate("multilateration", true, 0.2, 7, false)
	m.Estimate("single", false, 0, 0, true)

	if got := testutil.ToFloat64(m.sightings.WithLabelValues(OutcomeAccepted)); got != 2 {
		t.Fatalf("expected 2 accepted, got %v", got)
	}
	if got := testutil.ToFloat64(m.nonConverged); got != 1 {
		t.Fatalf("expected 1 non-converged fit, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `tagfusion_estimates_total{method="single"} 1`) {
		t.Fatalf("single estimate not exported:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Sighting(OutcomeMalformed)
	m.Election([]int{1, 2})
	m.Evicted(3, 0)
	m.Estimate("single", false, 0, 0, true)
	m.PublishError("mqtt")
	m.Alert("low_battery")
	m.SetBreakerState("kafka", 2)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must not expose a registry")
	}
}

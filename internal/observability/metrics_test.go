package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.CacheHit("debit")
	metrics.CacheMiss("credit")
	metrics.ClosureRun("closed", 120*time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `crewbase_turnover_cache_hits_total{side="debit"} 1`) {
		t.Fatalf("expected cache hit counter, got: %s", body)
	}
	if !strings.Contains(body, `crewbase_turnover_cache_misses_total{side="credit"} 1`) {
		t.Fatalf("expected cache miss counter, got: %s", body)
	}
	if !strings.Contains(body, `crewbase_period_closure_runs_total{outcome="closed"} 1`) {
		t.Fatalf("expected closure run counter, got: %s", body)
	}
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var metrics *Metrics
	metrics.CacheHit("debit")
	metrics.CacheMiss("credit")
	metrics.ClosureRun("error", time.Second)
	metrics.IntegrityViolations(3)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics handler, got %d", rr.Code)
	}
}

package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Issued("action_token", "faucet_claim")
	m.Outcome("action_token", OutcomeOK)
	m.ObserveStore("action_token", "consume", time.Now())
	m.Swept("action_token", 3)
	m.ObserveHTTP(http.MethodGet, 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("nil metrics must have nil registry")
	}
}

func TestMetrics_Counts(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.Issued("action_token", "faucet_claim")
	m.Issued("action_token", "faucet_claim")
	m.Outcome("ad_session", "SESSION_MIN_TIME_NOT_PASSED")
	m.Swept("peered_session", 0)
	m.Swept("peered_session", 4)

	if got := testutil.ToFloat64(m.issued.WithLabelValues("action_token", "faucet_claim")); got != 2 {
		t.Fatalf("issued=%v want=2", got)
	}
	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("ad_session", "SESSION_MIN_TIME_NOT_PASSED")); got != 1 {
		t.Fatalf("outcomes=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.swept.WithLabelValues("peered_session")); got != 4 {
		t.Fatalf("swept=%v want=4", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.ObserveHTTP(http.MethodPost, 429, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `test_http_requests_total{method="POST",status="4xx"} 1`) {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetBootstrapState(t *testing.T) {
	SetBootstrapState("attempting")
	if v := testutil.ToFloat64(BootstrapState.WithLabelValues("attempting")); v != 1 {
		t.Errorf("attempting = %v, want 1", v)
	}

	SetBootstrapState("serving")
	if v := testutil.ToFloat64(BootstrapState.WithLabelValues("attempting")); v != 0 {
		t.Errorf("attempting = %v, want 0", v)
	}
	if v := testutil.ToFloat64(BootstrapState.WithLabelValues("serving")); v != 1 {
		t.Errorf("serving = %v, want 1", v)
	}
}

func TestRecordSubgraphRequest(t *testing.T) {
	before := testutil.ToFloat64(SubgraphRequestsTotal.WithLabelValues("metrics-test", "200"))
	RecordSubgraphRequest("metrics-test", 200, 15*time.Millisecond)
	RecordSubgraphRequest("metrics-test", 200, 25*time.Millisecond)

	if got := testutil.ToFloat64(SubgraphRequestsTotal.WithLabelValues("metrics-test", "200")) - before; got != 2 {
		t.Errorf("requests delta = %v, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	SetBootstrapState("waiting")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_bootstrap_state") {
		t.Error("expected gateway_bootstrap_state in exposition")
	}
}

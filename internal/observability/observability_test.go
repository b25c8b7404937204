package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// =============================================================================
// Metrics Tests
// =============================================================================

// TestMetrics_NilReceiver verifies components can record without metrics.
func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.ObserveEvaluation("r", "COMPLIANT", time.Millisecond)
	m.IncInventoryRetry("AWS::S3::Bucket")
	m.IncTransition("r", "NON_COMPLIANT")
	m.IncEmission("emitted")
	m.IncDispatch("route", "remediator")
	m.SetQueueDepth(3)
	m.ObserveRemediation("a", "APPLIED", time.Millisecond)
	m.IncNotification("sent")
	m.AddFindings("accepted", 2)
	m.IncBusMessage("handled")
	m.IncRequest("GET", "/health", "200")
}

// TestMetrics_Records verifies counters are labelled as recorded.
func TestMetrics_Records(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveEvaluation("s3-cmk", "NON_COMPLIANT", time.Millisecond)
	m.ObserveEvaluation("s3-cmk", "NON_COMPLIANT", time.Millisecond)
	m.AddFindings("rejected", 0)
	m.AddFindings("accepted", 3)
	m.SetQueueDepth(4)

	if got := testutil.ToFloat64(m.Evaluations.WithLabelValues("s3-cmk", "NON_COMPLIANT")); got != 2 {
		t.Errorf("evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FindingsSubmitted.WithLabelValues("accepted")); got != 3 {
		t.Errorf("accepted findings = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
}

// =============================================================================
// Telemetry Tests
// =============================================================================

// TestNew_MetricsHandler verifies the registry is served when metrics are on.
func TestNew_MetricsHandler(t *testing.T) {
	tel, err := New(Config{ServiceName: "remedyforge", LogLevel: "debug", MetricsEnabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	if tel.Metrics() == nil {
		t.Fatal("expected metrics when enabled")
	}
	tel.Metrics().IncRequest("GET", "/health", "200")

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "remedyforge_http_requests_total") {
		t.Error("expected request counter in exposition")
	}
}

// TestNew_MetricsDisabled verifies metrics stay nil when disabled.
func TestNew_MetricsDisabled(t *testing.T) {
	tel, err := New(Config{ServiceName: "remedyforge", LogLevel: "bogus", LogFormat: "console"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if tel.Metrics() != nil {
		t.Error("expected nil metrics when disabled")
	}
	ctx, span := tel.StartSpan(context.Background(), "test")
	RecordSpanError(ctx, errors.New("boom"))
	span.End()

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFunctionsUpdateCollectors(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(sessionTransitions.WithLabelValues("INIT", "AWAITING_IDENTIFIER"))
	RecordTransition("INIT", "AWAITING_IDENTIFIER")
	if got := testutil.ToFloat64(sessionTransitions.WithLabelValues("INIT", "AWAITING_IDENTIFIER")); got != before+1 {
		t.Fatalf("transitions=%v want %v", got, before+1)
	}

	issued := testutil.ToFloat64(codesIssued)
	RecordCodeIssued()
	if got := testutil.ToFloat64(codesIssued); got != issued+1 {
		t.Fatalf("codes issued=%v want %v", got, issued+1)
	}

	active := testutil.ToFloat64(sessionsActive)
	SessionOpened()
	SessionReleased()
	if got := testutil.ToFloat64(sessionsActive); got != active {
		t.Fatalf("active=%v want %v", got, active)
	}

	failures := testutil.ToFloat64(archiveFailures)
	RecordArchive(10*time.Millisecond, true)
	RecordArchive(10*time.Millisecond, false)
	if got := testutil.ToFloat64(archiveFailures); got != failures+1 {
		t.Fatalf("archive failures=%v want %v", got, failures+1)
	}

	RecordHTTPRequest("GET", "/healthz", "2xx", time.Millisecond)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/healthz", "2xx")); got < 1 {
		t.Fatalf("http requests=%v", got)
	}
}

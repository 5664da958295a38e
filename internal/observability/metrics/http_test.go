package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest("/api/v1/tools/get_quote", "POST", 500, 120*time.Millisecond)
	ObserveAdapterQuote("zeroex", "ethereum", "TIMEOUT", 3*time.Second)
	ObserveAggregation("ethereum", OutcomeOK, "zeroex")
	ObserveExecution("ethereum", "QUOTE_EXPIRED", time.Second)
	SetActiveSessions(3)
	IncSessionEvent("created", 2)
	IncSessionEvent("reaped", 0)

	out := scrape(t)
	expected := []string{
		`swapmcp_http_requests_total{code="500",handler="/api/v1/tools/get_quote",method="POST"} 1`,
		`swapmcp_http_request_errors_total{handler="/api/v1/tools/get_quote",method="POST"} 1`,
		`swapmcp_venue_quotes_total{network="ethereum",outcome="TIMEOUT",venue="zeroex"} 1`,
		`swapmcp_aggregator_requests_total{network="ethereum",outcome="OK",venue="zeroex"} 1`,
		`swapmcp_executor_executions_total{network="ethereum",outcome="QUOTE_EXPIRED"} 1`,
		`swapmcp_session_active 3`,
		`swapmcp_session_events_total{event="created"} 2`,
	}
	for _, line := range expected {
		if !strings.Contains(out, line) {
			t.Fatalf("expected %q in output:\n%s", line, out)
		}
	}
	if strings.Contains(out, `event="reaped"`) {
		t.Fatal("zero increments must not create a series")
	}
}

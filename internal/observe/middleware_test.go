package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	m, _ := newTestMetrics(t)
	installTestTracer(t)

	var inHandler string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/state", nil))

	if !traceIDPattern.MatchString(inHandler) {
		t.Errorf("handler saw correlation ID %q, want a trace ID", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("X-Correlation-ID = %q, handler saw %q", got, inHandler)
	}
}

func TestMiddleware_SpanCarriesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTestTracer(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/end-turn", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("response status = %d, want 409", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /v1/end-turn" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64 = -1
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusConflict {
		t.Errorf("span http.response.status_code = %d, want 409", status)
	}
}

func TestMiddleware_RecordsRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	installTestTracer(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/text", nil))

	rm := collect(t, reader)
	met := findMetric(rm, "verbalis.http.request.duration")
	if met == nil {
		t.Fatal("verbalis.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("unexpected histogram shape: %+v", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	var method, path string
	for _, kv := range dp.Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			method = kv.Value.AsString()
		case "path":
			path = kv.Value.AsString()
		}
	}
	if method != "POST" || path != "/v1/text" {
		t.Errorf("attributes method=%q path=%q, want POST /v1/text", method, path)
	}
}

func TestMiddleware_HonoursIncomingTraceparent(t *testing.T) {
	m, _ := newTestMetrics(t)
	installTestTracer(t)

	const upstreamTrace = "89f1c2aa31db4fd0b6e22e1a55c00d17"

	var inHandler string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/timings", nil)
	req.Header.Set("traceparent", "00-"+upstreamTrace+"-a1b2c3d4e5f60718-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if inHandler != upstreamTrace {
		t.Errorf("correlation ID = %q, want the upstream trace %q", inHandler, upstreamTrace)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstreamTrace {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstreamTrace)
	}
}

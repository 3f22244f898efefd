package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hanko-field/ordertracking/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" || sc.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span context %s/%s", sc.TraceID(), sc.SpanID())
	}
	if !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("expected sampled remote context")
	}

	for _, bad := range []string{"", "nope", "zz/1;o=1", "105445aa7843bc8bf206b12000100000/abc", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestTraceMiddlewareContinuesCloudTrace(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("orders-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/12345;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if info.TraceID != "105445aa7843bc8bf206b12000100000" || info.ProjectID != "orders-prod" {
		t.Fatalf("unexpected trace info %+v", info)
	}
	if got := rec.Header().Get(cloudTraceHeader); got != "105445aa7843bc8bf206b12000100000/12345;o=1" {
		t.Fatalf("unexpected echoed header %q", got)
	}
}

func TestTraceMiddlewareWithoutHeader(t *testing.T) {
	var traceID string
	handler := TraceMiddleware("orders-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = requestctx.TraceID(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if traceID != "" || rec.Header().Get(cloudTraceHeader) != "" {
		t.Fatalf("expected no trace without a provider or header, got %q", traceID)
	}
}

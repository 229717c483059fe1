package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voiceforge/forge/pkg/agent"
)

func TestRecover_PanicReturnsCanonicalJSON(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	h = RequestID(h)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected content-type header to be set")
	}
	var env struct {
		Error agent.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != agent.ErrAPI {
		t.Fatalf("type=%q", env.Error.Type)
	}
	if env.Error.RequestID == "" {
		t.Fatalf("expected request_id to be set")
	}
	if got := rr.Header().Get("X-Request-ID"); got == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestTenant_HeaderAndQueryFallback(t *testing.T) {
	var got string
	h := Tenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = TenantFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	req.Header.Set("X-Tenant-ID", "tn_header")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "tn_header" {
		t.Fatalf("tenant=%q, want tn_header", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/s1?x_tenant_id=tn_query", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "tn_query" {
		t.Fatalf("tenant=%q, want tn_query", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	req.Header.Set("X-Tenant-ID", "tn_header")
	req.URL.RawQuery = "x_tenant_id=tn_query"
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "tn_header" {
		t.Fatalf("tenant=%q, header should win over query", got)
	}
}

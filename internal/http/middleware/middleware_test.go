package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
)

type countingDirectory struct {
	tenants map[string]domain.Tenant
	calls   int32
	err     error
}

func (d *countingDirectory) GetTenant(_ context.Context, tenantID string) (*domain.Tenant, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.err != nil {
		return nil, d.err
	}
	tenant, ok := d.tenants[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &tenant, nil
}

func tenantHandler(directory repository.TenantDirectory) (http.Handler, *string) {
	var seen string
	resolver := NewTenantResolver(directory, time.Minute, 10, nil)
	handler := Tenant(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTenantID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &seen
}

func TestTenantResolvesAndCachesDirectoryLookups(t *testing.T) {
	directory := &countingDirectory{tenants: map[string]domain.Tenant{"t1": {ID: "t1", Name: "Acme", Active: true}}}
	handler, seen := tenantHandler(directory)

	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		request.Header.Set(TenantHeader, "t1")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", recorder.Code)
		}
	}
	if *seen != "t1" {
		t.Fatalf("expected tenant t1 in context, got %q", *seen)
	}
	if got := atomic.LoadInt32(&directory.calls); got != 1 {
		t.Fatalf("expected one directory lookup, got %d", got)
	}
}

func TestTenantRejectsMissingUnknownAndInactive(t *testing.T) {
	directory := &countingDirectory{tenants: map[string]domain.Tenant{"frozen": {ID: "frozen", Active: false}}}
	handler, _ := tenantHandler(directory)

	cases := []struct {
		tenant string
		status int
		code   string
	}{
		{"", http.StatusBadRequest, "invalid_tenant"},
		{"ghost", http.StatusForbidden, "unknown_tenant"},
		{"frozen", http.StatusForbidden, "inactive_tenant"},
		{strings.Repeat("x", 65), http.StatusBadRequest, "invalid_tenant"},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		if tc.tenant != "" {
			request.Header.Set(TenantHeader, tc.tenant)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.status || !strings.Contains(recorder.Body.String(), tc.code) {
			t.Fatalf("tenant %q: expected %d %s, got %d %s", tc.tenant, tc.status, tc.code, recorder.Code, recorder.Body.String())
		}
	}
}

func TestTenantSkipsNonAPIRoutesAndReportsDirectoryErrors(t *testing.T) {
	directory := &countingDirectory{err: errors.New("connection refused")}
	handler, _ := tenantHandler(directory)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected health to bypass tenant check, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	request.Header.Set(TenantHeader, "t1")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on directory failure, got %d", recorder.Code)
	}
}

func TestAuthRequiresBearerTokenOnAPIRoutes(t *testing.T) {
	handler := RequestID(Auth("secret-token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	cases := []struct {
		path   string
		header string
		status int
	}{
		{"/v1/search", "", http.StatusUnauthorized},
		{"/v1/search", "Bearer wrong", http.StatusUnauthorized},
		{"/v1/search", "Basic secret-token", http.StatusUnauthorized},
		{"/v1/search", "Bearer secret-token", http.StatusOK},
		{"/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.status {
			t.Fatalf("%s %q: expected %d, got %d", tc.path, tc.header, tc.status, recorder.Code)
		}
		if tc.status == http.StatusUnauthorized && !strings.Contains(recorder.Body.String(), `"request_id"`) {
			t.Fatalf("expected request id in error body, got %s", recorder.Body.String())
		}
	}
}

func TestRateLimiterSeparatesTenants(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(tenant string) int {
		request := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		request.RemoteAddr = "10.0.0.1:5000"
		request.Header.Set(TenantHeader, tenant)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	if code := send("t1"); code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", code)
	}
	if code := send("t1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request limited, got %d", code)
	}
	if code := send("t2"); code != http.StatusOK {
		t.Fatalf("expected other tenant allowed, got %d", code)
	}

	limiter.evictIdle(time.Now().Add(2 * visitorIdleTTL))
	if code := send("t1"); code != http.StatusOK {
		t.Fatalf("expected evicted bucket to start fresh, got %d", code)
	}
}

func TestTraceRecorderFlushesAndKeepsStatus(t *testing.T) {
	var flushed bool
	handler := Trace(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
			flushed = true
		}
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/chat", nil))
	if recorder.Code != http.StatusAccepted || !flushed || !recorder.Flushed {
		t.Fatalf("expected flushed 202, got code=%d flushed=%t", recorder.Code, flushed)
	}
}

func TestRequestIDKeepsSafeIDsAndReplacesOthers(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	cases := map[string]bool{
		"req-42.retry:1":         true,
		"":                       false,
		"bad id\nwith newline":   false,
		strings.Repeat("a", 129): false,
		`data: {"type":"error"}`: false,
	}
	for incoming, kept := range cases {
		request := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		if incoming != "" {
			request.Header.Set(RequestIDHeader, incoming)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		if got := recorder.Header().Get(RequestIDHeader); got != seen {
			t.Fatalf("expected response id %q to match context id %q", got, seen)
		}
		if kept && seen != incoming {
			t.Fatalf("expected %q to be kept, got %q", incoming, seen)
		}
		if !kept && (seen == incoming || len(seen) != 36) {
			t.Fatalf("expected %q to be replaced by a uuid, got %q", incoming, seen)
		}
	}

	if GetRequestID(context.Background()) != "unknown" {
		t.Fatalf("expected unknown without a request id")
	}
}

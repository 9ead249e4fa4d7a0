package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/reads"
	"github.com/JuyeonYu/readit/internal/redis"
)

type stubLimiter struct {
	result *redis.RateLimitResult
	err    error
	keys   []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	s.keys = append(s.keys, key)
	return s.result, s.err
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"RemoteAddr", "", "", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"RemoteAddr without port", "", "", "5.6.7.8", "ip:5.6.7.8"},
		{"X-Forwarded-For ignored", "1.2.3.4", "", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"X-Real-IP ignored", "", "1.2.3.4", "5.6.7.8:1234", "ip:5.6.7.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRouter_ReadLimitKey(t *testing.T) {
	tests := []struct {
		name     string
		trust    bool
		expected []string
	}{
		{"rotated forwarded header shares one key", false, []string{"ip:9.9.9.9", "ip:9.9.9.9"}},
		{"trusted proxy forwards client ip", true, []string{"ip:1.1.1.1", "ip:2.2.2.2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Rejecting keeps the request away from the handler.
			limiter := &stubLimiter{result: &redis.RateLimitResult{Allowed: false, Limit: 5, ResetAt: time.Now().Add(time.Minute)}}
			router := NewRouter(NewHandler(zap.NewNop(), Deps{}), RouterConfig{
				Signer:      reads.NewCookieSigner("secret"),
				ReadLimiter: limiter,

				TrustProxyHeaders: tt.trust,
			}, zap.NewNop())

			for _, fwd := range []string{"1.1.1.1", "2.2.2.2"} {
				req := httptest.NewRequest("POST", "/m/tok/read", strings.NewReader("{}"))
				req.RemoteAddr = "9.9.9.9:4000"
				req.Header.Set("X-Forwarded-For", fwd)
				router.ServeHTTP(httptest.NewRecorder(), req)
			}

			if len(limiter.keys) != len(tt.expected) {
				t.Fatalf("expected %d limiter calls, got %v", len(tt.expected), limiter.keys)
			}
			for i, key := range tt.expected {
				if limiter.keys[i] != key {
					t.Errorf("call %d: expected key %q, got %q", i, key, limiter.keys[i])
				}
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, "read", zap.NewNop(), IPKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)

	tests := []struct {
		name           string
		limiter        *stubLimiter
		expectedStatus int
		retryAfter     bool
	}{
		{
			name:           "allowed",
			limiter:        &stubLimiter{result: &redis.RateLimitResult{Allowed: true, Limit: 5, Remaining: 4, ResetAt: reset}},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "rejected",
			limiter:        &stubLimiter{result: &redis.RateLimitResult{Allowed: false, Limit: 5, Remaining: 0, ResetAt: reset}},
			expectedStatus: http.StatusTooManyRequests,
			retryAfter:     true,
		},
		{
			name:           "limiter error fails open",
			limiter:        &stubLimiter{err: errors.New("redis down")},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := RateLimitMiddleware(tt.limiter, "read", zap.NewNop(), IPKeyFunc)(okHandler())
			req := httptest.NewRequest("POST", "/m/tok/read", nil)
			req.RemoteAddr = "9.9.9.9:4000"
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
			if len(tt.limiter.keys) != 1 || tt.limiter.keys[0] != "ip:9.9.9.9" {
				t.Errorf("unexpected limiter keys %v", tt.limiter.keys)
			}
			if tt.limiter.result != nil && rec.Header().Get("X-RateLimit-Limit") != "5" {
				t.Errorf("expected X-RateLimit-Limit 5, got %q", rec.Header().Get("X-RateLimit-Limit"))
			}
			if got := rec.Header().Get("Retry-After") != ""; got != tt.retryAfter {
				t.Errorf("Retry-After present = %v, want %v", got, tt.retryAfter)
			}
			if tt.retryAfter && rec.Header().Get("Content-Type") != "application/problem+json" {
				t.Errorf("expected problem+json, got %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	var seen string
	wrapped := RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = userFrom(r.Context()).String()
	}))

	tests := []struct {
		name           string
		header         string
		expectedStatus int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not a uuid", "bob", http.StatusUnauthorized},
		{"nil uuid", "00000000-0000-0000-0000-000000000000", http.StatusUnauthorized},
		{"valid", "6f1c1a52-8a4e-4c55-9f67-3f0b8a1f2d11", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest("GET", "/v1/messages", nil)
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK && seen != tt.header {
				t.Errorf("expected user %s in context, got %s", tt.header, seen)
			}
		})
	}
}

func TestViewerCookie(t *testing.T) {
	signer := reads.NewCookieSigner("secret")
	var seen string
	wrapped := ViewerCookie(signer, true, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = viewerFrom(r.Context())
	}))

	serve := func(cookie string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/m/tok", nil)
		if cookie != "" {
			req.Header.Set("Cookie", reads.ViewerCookieName+"="+cookie)
		}
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	rec := serve("")
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected a viewer cookie, got %d cookies", len(cookies))
	}
	issued := cookies[0]
	if !issued.HttpOnly || !issued.Secure || issued.Path != "/m" {
		t.Errorf("unexpected cookie attributes %+v", issued)
	}
	token, err := signer.Decode(issued.Value)
	if err != nil {
		t.Fatalf("issued cookie does not verify: %v", err)
	}
	if seen != reads.HashViewerToken(token) {
		t.Error("expected the token hash in the request context")
	}
	first := seen

	rec = serve(issued.Value)
	if len(rec.Result().Cookies()) != 0 {
		t.Error("expected a valid cookie to be kept")
	}
	if seen != first {
		t.Error("expected the same viewer for the same cookie")
	}

	parts := strings.SplitN(issued.Value, ".", 2)
	rec = serve("forged." + parts[1])
	if len(rec.Result().Cookies()) != 1 {
		t.Error("expected a tampered cookie to be replaced")
	}
	if seen == first || seen == reads.HashViewerToken("forged") {
		t.Error("expected a fresh viewer for a tampered cookie")
	}
}

package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/health")(ok)

	assert.Equal(t, http.StatusUnauthorized, serve(h, httptest.NewRequest("GET", "/api/status", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest("GET", "/health", nil)).Code)

	r := httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	r = httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest("GET", "/ws?token=secret", nil)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, httptest.NewRequest("GET", "/api/status?token=secret", nil)).Code)

	assert.Equal(t, http.StatusOK, serve(Auth("")(ok), httptest.NewRequest("GET", "/api/status", nil)).Code)
}

type limiter struct {
	allow bool
	err   error
	key   string
}

func (l *limiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.key = key
	return l.allow, l.err
}

func TestRateLimit(t *testing.T) {
	discard := slog.New(slog.DiscardHandler)
	l := &limiter{}
	h := RateLimit(l, 10, time.Second, discard)(ok)

	r := httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	rec := serve(h, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "api:1.2.3.4", l.key)

	l.err = errors.New("down")
	assert.Equal(t, http.StatusOK, serve(h, r).Code, "fails open")

	assert.Equal(t, http.StatusOK, serve(RateLimit(nil, 10, time.Second, discard)(ok), r).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ops.example.com"})(ok)

	r := httptest.NewRequest("OPTIONS", "/api/intents", nil)
	r.Header.Set("Origin", "https://ops.example.com")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(h, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, RequestIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))

	r = httptest.NewRequest("GET", "/api/intents", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	rec = serve(h, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingRequestID(t *testing.T) {
	var seen string
	h := Logging(slog.New(slog.DiscardHandler), "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := serve(h, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, seen, 36, "generated uuid")
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	r := httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set(RequestIDHeader, "req-42")
	rec = serve(h, r)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	r = httptest.NewRequest("GET", "/api/status", nil)
	r.Header.Set(RequestIDHeader, "has space")
	serve(h, r)
	assert.NotEqual(t, "has space", seen)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(r))
}

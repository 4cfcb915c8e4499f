package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newEngine(h ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func serve(r http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "http://api.example.com/ping", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		allowed   []string
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"dev allows anything", "dev", nil, "http://localhost:5173", http.MethodGet, "http://localhost:5173", http.StatusOK},
		{"prod allowlist", "prod", []string{"https://app.example.com/"}, "https://APP.example.com", http.MethodGet, "https://APP.example.com", http.StatusOK},
		{"prod same host", "prod", nil, "https://api.example.com", http.MethodGet, "https://api.example.com", http.StatusOK},
		{"prod foreign origin", "prod", nil, "https://evil.test", http.MethodGet, "", http.StatusOK},
		{"no origin", "prod", nil, "", http.MethodGet, "", http.StatusOK},
		{"preflight", "prod", []string{"https://app.example.com"}, "https://app.example.com", http.MethodOptions, "https://app.example.com", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(CORS(tt.env, tt.allowed))
			r.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusTeapot) })
			w := serve(r, tt.method, tt.origin)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantAllow, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := newEngine(rl.Middleware())

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "").Code)
	w := serve(r, http.MethodGet, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "UNAVAILABLE")

	assert.Zero(t, rl.evict(time.Now()), "fresh buckets are kept")
	assert.Equal(t, 1, rl.evict(time.Now().Add(2*time.Minute)))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "").Code, "an evicted bucket starts full")
}

func TestRequestLog(t *testing.T) {
	var seen string
	r := newEngine(RequestLog(), func(c *gin.Context) { seen = c.GetString("requestID") })

	w := serve(r, http.MethodGet, "")
	id := w.Header().Get(HeaderRequestID)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, id, seen)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	given := uuid.NewString()
	req.Header.Set(HeaderRequestID, given)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, given, w.Header().Get(HeaderRequestID), "a valid incoming id is kept")

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Header().Get(HeaderRequestID))
}

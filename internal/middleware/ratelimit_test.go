package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMemoryLimiterAllow(t *testing.T) {
	l := NewMemoryLimiter(60, 3)
	defer l.Stop()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "ip:1.2.3.4")
		if err != nil || !allowed {
			t.Fatalf("request %d within burst denied: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	if allowed, _, _ := l.Allow(ctx, "ip:1.2.3.4"); allowed {
		t.Error("request beyond burst was allowed")
	}

	// A different client has its own bucket.
	if allowed, _, _ := l.Allow(ctx, "ip:5.6.7.8"); !allowed {
		t.Error("independent client was denied")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(l Limiter) *gin.Engine {
		r := gin.New()
		r.Use(RateLimit(l, 60))
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}

	t.Run("exhausted budget answers 429", func(t *testing.T) {
		l := NewMemoryLimiter(60, 1)
		defer l.Stop()
		r := newRouter(l)

		first := httptest.NewRecorder()
		r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
		if first.Code != http.StatusOK {
			t.Fatalf("first request status = %d", first.Code)
		}

		second := httptest.NewRecorder()
		r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
		if second.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status = %d, want 429", second.Code)
		}
		if second.Header().Get("Retry-After") != "60" {
			t.Error("429 response missing Retry-After header")
		}
	})

	t.Run("limit headers on allowed requests", func(t *testing.T) {
		l := NewMemoryLimiter(60, 5)
		defer l.Stop()
		r := newRouter(l)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Header().Get("X-RateLimit-Limit") != "60" {
			t.Errorf("X-RateLimit-Limit = %q, want 60", w.Header().Get("X-RateLimit-Limit"))
		}
		if w.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("X-RateLimit-Remaining missing")
		}
	})

	t.Run("backend failure fails open", func(t *testing.T) {
		r := newRouter(failingLimiter{})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200 when the limiter backend is down", w.Code)
		}
	})
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, int, error) {
	return false, 0, errors.New("redis: connection refused")
}

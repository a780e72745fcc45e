package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(cfg *config.Config, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pre...)
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if mutate != nil {
		mutate(req)
	}
	router.ServeHTTP(w, req)
	return w
}

func strictConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	return cfg
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := limitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, nil).Code)
	assert.Equal(t, http.StatusOK, get(router, nil).Code)
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	router := limitedRouter(strictConfig())

	assert.Equal(t, http.StatusOK, get(router, nil).Code)

	w := get(router, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestHTTPRateLimitMiddleware_KeysByForwardedIP(t *testing.T) {
	router := limitedRouter(strictConfig())
	from := func(xff string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-Forwarded-For", xff) }
	}

	assert.Equal(t, http.StatusOK, get(router, from("203.0.113.7, 10.0.0.1")).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, from("203.0.113.7")).Code)
	assert.Equal(t, http.StatusOK, get(router, from("198.51.100.2")).Code)
}

func TestHTTPRateLimitMiddleware_KeysByUser(t *testing.T) {
	asUser := func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(contextUserID, domain.PeerID(id))
		}
		c.Next()
	}
	router := limitedRouter(strictConfig(), asUser)
	user := func(id string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-Test-User", id) }
	}

	assert.Equal(t, http.StatusOK, get(router, user("alice")).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, user("alice")).Code)
	// Same IP, different user.
	assert.Equal(t, http.StatusOK, get(router, user("bob")).Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "192.0.2.1", clientIP(req))
}

package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// NewRouter builds the gateway's gin engine: free health endpoint, paid
// geocode and reverse endpoints, and a paid dummy endpoint priced for
// smoke-testing the payment loop.
func (g *Gateway) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(g.requestID())
	router.Use(g.requestLogger())

	router.GET("/health", g.HealthHandler)
	router.GET("/geocode", g.RequirePayment(WithDescription("Forward geocoding, Monaco only")), g.GeocodeHandler)
	router.GET("/reverse", g.RequirePayment(WithDescription("Reverse geocoding, Monaco only")), g.ReverseHandler)
	router.GET("/dummy", g.RequirePayment(
		WithPrice(g.cfg.DummyPrice),
		WithDescription("Payment loop smoke test"),
	), g.DummyHandler)

	return router
}

// requestID tags every request with a correlation id, honoring one supplied
// by the caller.
func (g *Gateway) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestId", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// requestLogger emits one structured line per request.
func (g *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.logger.Info("request",
			"requestId", c.GetString("requestId"),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	}
}

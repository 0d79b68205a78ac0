package gateway

import (
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// geocodeParams are the query parameters forwarded to the upstream search
// endpoint. Everything else the caller sends is dropped.
var geocodeParams = []string{"q", "limit", "accept-language"}

// reverseParams are the query parameters forwarded to the upstream reverse
// endpoint.
var reverseParams = []string{"lat", "lon", "accept-language"}

// GeocodeHandler proxies forward geocoding to the upstream Nominatim search
// endpoint, pinned to Monaco and jsonv2 output.
func (g *Gateway) GeocodeHandler(c *gin.Context) {
	if c.Query("q") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing q query parameter"})
		return
	}
	query := url.Values{}
	for _, name := range geocodeParams {
		if value := c.Query(name); value != "" {
			query.Set(name, value)
		}
	}
	query.Set("format", "jsonv2")
	query.Set("countrycodes", "mc")
	g.proxyUpstream(c, "/search", query)
}

// ReverseHandler proxies reverse geocoding to the upstream Nominatim reverse
// endpoint.
func (g *Gateway) ReverseHandler(c *gin.Context) {
	if c.Query("lat") == "" || c.Query("lon") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing lat or lon query parameter"})
		return
	}
	query := url.Values{}
	for _, name := range reverseParams {
		if value := c.Query(name); value != "" {
			query.Set(name, value)
		}
	}
	query.Set("format", "jsonv2")
	g.proxyUpstream(c, "/reverse", query)
}

// DummyHandler is a minimal paid endpoint for exercising the payment flow
// without touching the upstream. It costs DummyPrice and returns "1".
func (g *Gateway) DummyHandler(c *gin.Context) {
	c.String(http.StatusOK, "1")
}

// proxyUpstream forwards a GET to the upstream service and relays status,
// content type, and body unchanged.
func (g *Gateway) proxyUpstream(c *gin.Context, path string, query url.Values) {
	target := g.cfg.UpstreamURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, target, nil)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}
	req.Header.Set("User-Agent", "cheddr-gateway/1.0")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Warn("upstream request failed", "path", path, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Status(resp.StatusCode)
	c.Header("Content-Type", contentType)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		g.logger.Warn("upstream response copy failed", "path", path, "err", err)
	}
}

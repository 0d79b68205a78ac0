package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// ProbeStatus classifies one dependency's health probe.
type ProbeStatus string

const (
	ProbeHealthy     ProbeStatus = "healthy"
	ProbeUnhealthy   ProbeStatus = "unhealthy"
	ProbeUnreachable ProbeStatus = "unreachable"
)

// ProbeResult is the status of one named dependency.
type ProbeResult struct {
	Name   string      `json:"name"`
	Status ProbeStatus `json:"status"`
}

// probeURL GETs a health endpoint and classifies the outcome. Non-2xx is
// unhealthy; transport failure is unreachable.
func (g *Gateway) probeURL(ctx context.Context, name, target string) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ProbeResult{Name: name, Status: ProbeUnreachable}
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return ProbeResult{Name: name, Status: ProbeUnreachable}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{Name: name, Status: ProbeUnhealthy}
	}
	return ProbeResult{Name: name, Status: ProbeHealthy}
}

// HealthHandler probes the upstream, the facilitator, and the sequencer
// concurrently and reports aggregate health. The gateway is healthy only when
// every dependency is.
func (g *Gateway) HealthHandler(c *gin.Context) {
	ctx := c.Request.Context()

	probes := []struct {
		name  string
		probe func(context.Context) ProbeResult
	}{
		{"upstream", func(ctx context.Context) ProbeResult {
			return g.probeURL(ctx, "upstream", g.cfg.UpstreamURL+"/status")
		}},
		{"facilitator", func(ctx context.Context) ProbeResult {
			ctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
			defer cancel()
			if err := g.facilitator.Health(ctx); err != nil {
				return ProbeResult{Name: "facilitator", Status: ProbeUnreachable}
			}
			return ProbeResult{Name: "facilitator", Status: ProbeHealthy}
		}},
		{"sequencer", func(ctx context.Context) ProbeResult {
			ctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
			defer cancel()
			if err := g.ledger.Health(ctx); err != nil {
				return ProbeResult{Name: "sequencer", Status: ProbeUnreachable}
			}
			return ProbeResult{Name: "sequencer", Status: ProbeHealthy}
		}},
	}

	results := make([]ProbeResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, probe func(context.Context) ProbeResult) {
			defer wg.Done()
			results[i] = probe(ctx)
		}(i, p.probe)
	}
	wg.Wait()

	healthy := true
	byName := make(map[string]ProbeStatus, len(results))
	for _, r := range results {
		byName[r.Name] = r.Status
		if r.Status != ProbeHealthy {
			healthy = false
		}
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusBadGateway
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "dependencies": byName})
}

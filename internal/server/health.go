package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/esante/api-gateway/internal/respond"
)

const serviceProbeTimeout = 5 * time.Second

type serviceHealth struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error,omitempty"`
}

// handleHealth is the gateway's own liveness probe: always public,
// always fast, also the target of its registry health check.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"service":   "API Gateway",
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleServicesHealth probes every routed service's /health in
// parallel and reports 200 only when all of them answer healthy.
func (g *Gateway) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	client := &http.Client{Timeout: serviceProbeTimeout}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = make(map[string]serviceHealth, len(g.routes))
	)
	for _, desc := range g.routes {
		desc := desc
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := g.balancer.ResolveURL(r.Context(), desc)
			health := serviceHealth{Status: "healthy", URL: target}

			resp, err := client.Get(target + "/health")
			if err != nil {
				health.Status = "unhealthy"
				health.Error = err.Error()
			} else {
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					health.Status = "unhealthy"
					health.Error = resp.Status
				}
			}

			mu.Lock()
			report[desc.Key] = health
			mu.Unlock()
		}()
	}
	wg.Wait()

	allHealthy := true
	for _, h := range report {
		if h.Status != "healthy" {
			allHealthy = false
			break
		}
	}
	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	respond.JSON(w, status, map[string]interface{}{
		"success":   allHealthy,
		"services":  report,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

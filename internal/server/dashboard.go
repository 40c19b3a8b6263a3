package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/respond"
)

// statsSource names a downstream admin-stats endpoint. The route key
// picks the backend; the path is what the service mounts internally.
type statsSource struct {
	section  string
	routeKey string
	path     string
}

var dashboardSources = []statsSource{
	{section: "users", routeKey: "users", path: "/api/v1/users/admin/stats"},
	{section: "appointments", routeKey: "appointments", path: "/api/v1/appointments/admin/stats"},
	{section: "messaging", routeKey: "messaging", path: "/api/v1/messaging/admin/stats"},
	{section: "notifications", routeKey: "notifications", path: "/api/v1/notifications/admin/stats"},
}

// handleDashboardStats aggregates platform statistics from the stats
// endpoints of several services in parallel. A service that does not
// answer within the timeout contributes a null section instead of
// failing the whole dashboard.
func (g *Gateway) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	client := &http.Client{Timeout: serviceProbeTimeout}
	authorization := r.Header.Get("Authorization")

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sections = make(map[string]interface{}, len(dashboardSources))
	)
	for _, src := range dashboardSources {
		sections[src.section] = nil
	}
	for _, src := range dashboardSources {
		src := src
		desc, ok := g.routesByKey[src.routeKey]
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()

			target := g.balancer.ResolveURL(r.Context(), desc)
			req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target+src.path, nil)
			if err != nil {
				return
			}
			req.Header.Set("Authorization", authorization)

			resp, err := client.Do(req)
			if err != nil {
				log.WithError(err).Warnf("dashboard: %s stats unreachable", src.section)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				log.Warnf("dashboard: %s stats answered %s", src.section, resp.Status)
				return
			}

			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				log.WithError(err).Warnf("dashboard: decoding %s stats", src.section)
				return
			}

			mu.Lock()
			sections[src.section] = body
			mu.Unlock()
		}()
	}
	wg.Wait()

	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"stats":     sections,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

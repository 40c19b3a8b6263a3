// Package server assembles the gateway runtime: route tables, the
// rate-limit → authenticate → route → proxy pipeline, health and admin
// endpoints, and metrics. All component state is injected at
// construction; the package holds no globals.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/esante/api-gateway/internal/auth"
	"github.com/esante/api-gateway/internal/balancer"
	"github.com/esante/api-gateway/internal/config"
	"github.com/esante/api-gateway/internal/proxy"
	"github.com/esante/api-gateway/internal/ratelimit"
	"github.com/esante/api-gateway/internal/respond"
)

// Options bundles the dependencies a Gateway runs on.
type Options struct {
	Routes       []config.RouteDescriptor
	SocketRoutes []config.SocketRoute
	Balancer     *balancer.Balancer
	Auth         *auth.Authenticator
	Limits       *ratelimit.Gate
	Metrics      *Metrics
	Version      string
}

// Gateway is the single runtime object owning all request handling.
type Gateway struct {
	routes      []config.RouteDescriptor
	routesByKey map[string]config.RouteDescriptor
	balancer    *balancer.Balancer
	authn       *auth.Authenticator
	limits      *ratelimit.Gate
	metrics     *Metrics
	version     string

	httpProxy    *proxy.Proxy
	upgradeProxy *proxy.UpgradeProxy
	router       chi.Router
}

func New(opts Options) *Gateway {
	g := &Gateway{
		routes:      opts.Routes,
		routesByKey: make(map[string]config.RouteDescriptor, len(opts.Routes)),
		balancer:    opts.Balancer,
		authn:       opts.Auth,
		limits:      opts.Limits,
		metrics:     opts.Metrics,
		version:     opts.Version,
	}
	for _, desc := range opts.Routes {
		g.routesByKey[desc.Key] = desc
	}
	if g.version == "" {
		g.version = "dev"
	}

	g.httpProxy = proxy.New(opts.Balancer)
	g.httpProxy.OnError = func(serviceKey string) {
		g.metrics.ProxyErrorsTotal.WithLabelValues(serviceKey).Inc()
	}

	g.upgradeProxy = proxy.NewUpgradeProxy(opts.SocketRoutes, opts.Routes, opts.Balancer)
	g.upgradeProxy.OnConnOpen = func() { g.metrics.UpgradeConnections.Inc() }
	g.upgradeProxy.OnConnClosed = func() { g.metrics.UpgradeConnections.Dec() }

	g.balancer.OnDiscovered = func(serviceName string, count int) {
		g.metrics.InstancesDiscovered.WithLabelValues(serviceName).Set(float64(count))
	}
	g.limits.OnFailOpen = func() { g.metrics.FailOpenTotal.Inc() }
	g.limits.OnLimited = func(scope ratelimit.Scope) {
		g.metrics.RateLimitedTotal.WithLabelValues(string(scope)).Inc()
	}

	g.router = g.buildRouter(opts.SocketRoutes)
	return g
}

// ServeHTTP diverts protocol upgrades to the splice proxy before any
// routing; everything else flows through the pipeline router.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if proxy.IsUpgradeRequest(r) {
		auth.ScrubTrustHeaders(g.upgradeProxy).ServeHTTP(w, r)
		return
	}
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) buildRouter(socketRoutes []config.SocketRoute) chi.Router {
	r := chi.NewRouter()
	r.Use(recoverJSON)
	r.Use(requestLogger)

	r.Get("/", g.handleBanner)
	r.Get("/health", g.handleHealth)
	r.Get("/health/services", g.handleServicesHealth)
	r.Method(http.MethodGet, "/metrics", g.metrics.Handler())

	// Dashboard aggregation is served by the gateway itself, behind
	// the same pipeline as an admin-only proxied route.
	r.Route("/api/v1/admin/dashboard", func(r chi.Router) {
		r.Use(g.limits.Middleware(ratelimit.ScopeGeneral))
		r.Use(auth.ScrubTrustHeaders)
		r.Use(g.authn.Authenticate)
		r.Use(auth.RequireAdmin)
		r.Get("/stats", g.handleDashboardStats)
	})

	// Socket-polling HTTP on the socket prefixes shares the upgrade
	// table's rewrite rules.
	for _, sr := range socketRoutes {
		desc, ok := g.routesByKey[sr.ServiceKey]
		if !ok {
			continue
		}
		handler := auth.ScrubTrustHeaders(g.httpProxy.SocketHandler(sr, desc))
		r.Mount(sr.PathPrefix, handler)
	}

	for _, desc := range g.routes {
		r.Mount(desc.PathPrefix, g.routeChain(desc))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusNotFound, respond.CodeRouteNotFound,
			"route "+r.URL.Path+" not found")
	})
	return r
}

// routeChain builds one descriptor's pipeline in the mandated order:
// rate limit, then authentication, then authorization, then proxy.
func (g *Gateway) routeChain(desc config.RouteDescriptor) http.Handler {
	var h http.Handler = g.httpProxy.Handler(desc)

	if desc.Visibility == config.AdminOnly {
		h = auth.RequireAdmin(h)
	}
	if desc.Visibility != config.Public {
		h = g.authn.Authenticate(h)
	}
	h = auth.ScrubTrustHeaders(h)

	h = g.limits.MiddlewareIf(ratelimit.ScopeUpload, isUploadRequest)(h)
	if desc.Key == "auth" {
		h = g.limits.Middleware(ratelimit.ScopeAuth)(h)
	}
	h = g.limits.Middleware(ratelimit.ScopeGeneral)(h)

	return g.countRequests(desc.Key)(h)
}

func isUploadRequest(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "/upload")
}

func (g *Gateway) handleBanner(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "E-Santé API Gateway",
		"version":   g.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

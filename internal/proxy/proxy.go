// Package proxy forwards matched requests to their resolved backend:
// plain HTTP through a streaming reverse proxy, upgrade requests through
// a hijacked bidirectional splice.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/config"
	"github.com/esante/api-gateway/internal/respond"
)

// Resolver yields the target URL for one request on a route. It never
// fails: when discovery has nothing, it answers the static fallback.
type Resolver interface {
	ResolveURL(ctx context.Context, desc config.RouteDescriptor) string
}

// Proxy builds the forwarding handlers for the route tables.
type Proxy struct {
	resolver Resolver

	// FlushInterval is passed to the reverse proxies; negative
	// flushes immediately, which socket.io long-polling needs.
	FlushInterval time.Duration

	// OnError observes backend failures per service key.
	OnError func(serviceKey string)
}

func New(resolver Resolver) *Proxy {
	return &Proxy{resolver: resolver, FlushInterval: -1}
}

// Handler forwards requests on desc's route to the per-request resolved
// backend. The full original path, query and body pass through
// untouched; the response is streamed back verbatim.
func (p *Proxy) Handler(desc config.RouteDescriptor) http.Handler {
	return p.handler(desc, "")
}

// SocketHandler forwards non-upgrade (polling) traffic on a socket
// route, stripping the route's mount prefix the way the upgrade path
// does.
func (p *Proxy) SocketHandler(route config.SocketRoute, desc config.RouteDescriptor) http.Handler {
	return p.handler(desc, route.Strip)
}

func (p *Proxy) handler(desc config.RouteDescriptor, strip string) http.Handler {
	rp := &httputil.ReverseProxy{
		FlushInterval: p.FlushInterval,
		Director: func(req *http.Request) {
			target := p.resolver.ResolveURL(req.Context(), desc)
			u, err := url.Parse(target)
			if err != nil {
				// Validated at startup; reaching this means broken
				// runtime config. The dial will fail into ErrorHandler.
				log.Errorf("proxy: bad target %q for %s: %v", target, desc.Key, err)
				return
			}
			req.URL.Scheme = u.Scheme
			req.URL.Host = u.Host
			req.Host = u.Host
			if strip != "" {
				req.URL.Path = stripPrefix(req.URL.Path, strip)
			}
			log.Debugf("proxy: %s %s -> %s", req.Method, req.URL.Path, u.Host)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			// Client went away mid-stream; nothing left to answer.
			if r.Context().Err() != nil {
				return
			}
			log.WithError(err).Warnf("proxy: backend unreachable for %s", desc.Key)
			if p.OnError != nil {
				p.OnError(desc.Key)
			}
			respond.Error(w, http.StatusBadGateway, respond.CodeServiceUnavailable,
				"service "+desc.Key+" temporarily unavailable")
		},
	}
	return rp
}

func stripPrefix(path, prefix string) string {
	stripped := strings.TrimPrefix(path, prefix)
	if stripped == "" || !strings.HasPrefix(stripped, "/") {
		stripped = "/" + stripped
	}
	return stripped
}

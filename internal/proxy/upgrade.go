package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/config"
	"github.com/esante/api-gateway/internal/respond"
)

// ConnState tracks one spliced connection through its lifetime.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// UpgradeProxy splices persistent bidirectional connections between
// clients and the socket-capable services. Each inbound upgrade is
// matched against the socket route table, dialed to the resolved
// backend, and copied both ways until either side closes.
type UpgradeProxy struct {
	routes   []config.SocketRoute
	byKey    map[string]config.RouteDescriptor
	resolver Resolver

	DialTimeout  time.Duration
	OnConnOpen   func()
	OnConnClosed func()
}

func NewUpgradeProxy(routes []config.SocketRoute, descriptors []config.RouteDescriptor, resolver Resolver) *UpgradeProxy {
	byKey := make(map[string]config.RouteDescriptor, len(descriptors))
	for _, d := range descriptors {
		byKey[d.Key] = d
	}
	return &UpgradeProxy{
		routes:      routes,
		byKey:       byKey,
		resolver:    resolver,
		DialTimeout: 5 * time.Second,
	}
}

// IsUpgradeRequest reports whether the Connection header asks for a
// protocol upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	for _, h := range r.Header[http.CanonicalHeaderKey("Connection")] {
		if strings.Contains(strings.ToLower(h), "upgrade") {
			return true
		}
	}
	return false
}

// Match finds the socket route for a request path. Engine.IO clients may
// also connect at the root with an EIO query parameter; those belong to
// the notification socket.
func (p *UpgradeProxy) Match(r *http.Request) (config.SocketRoute, bool) {
	path := r.URL.Path
	for _, route := range p.routes {
		if strings.HasPrefix(path, route.PathPrefix) {
			return route, true
		}
	}
	if path == "/" && r.URL.Query().Get("EIO") != "" {
		for _, route := range p.routes {
			if route.PathPrefix == "/socket.io" {
				return route, true
			}
		}
	}
	return config.SocketRoute{}, false
}

func (p *UpgradeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := p.Match(r)
	if !ok {
		log.Warnf("proxy: no socket route for upgrade path %s", r.URL.Path)
		respond.Error(w, http.StatusNotFound, respond.CodeRouteNotFound, "no socket route for "+r.URL.Path)
		return
	}
	desc, ok := p.byKey[route.ServiceKey]
	if !ok {
		log.Errorf("proxy: socket route %s names unknown service key %s", route.PathPrefix, route.ServiceKey)
		respond.Error(w, http.StatusNotFound, respond.CodeRouteNotFound, "no socket route for "+r.URL.Path)
		return
	}

	target := p.resolver.ResolveURL(r.Context(), desc)
	u, err := url.Parse(target)
	if err != nil {
		log.Errorf("proxy: bad target %q for socket route %s: %v", target, route.PathPrefix, err)
		respond.Error(w, http.StatusInternalServerError, respond.CodeInternal, "internal server error")
		return
	}

	var state atomic.Int32
	transition := func(to ConnState) {
		from := ConnState(state.Swap(int32(to)))
		log.Debugf("proxy: socket %s %s -> %s", route.PathPrefix, from, to)
	}

	backendConn, err := net.DialTimeout("tcp", canonicalAddr(u), p.DialTimeout)
	if err != nil {
		log.WithError(err).Warnf("proxy: dialing socket backend %s", target)
		respond.Error(w, http.StatusBadGateway, respond.CodeServiceUnavailable,
			"service "+desc.Key+" temporarily unavailable")
		return
	}
	defer backendConn.Close()

	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = u.Scheme
	outreq.URL.Host = u.Host
	outreq.Host = u.Host
	if route.Strip != "" {
		outreq.URL.Path = stripPrefix(outreq.URL.Path, route.Strip)
	}
	if err := outreq.Write(backendConn); err != nil {
		log.WithError(err).Warnf("proxy: writing upgrade request to %s", target)
		respond.Error(w, http.StatusBadGateway, respond.CodeServiceUnavailable,
			"service "+desc.Key+" temporarily unavailable")
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(backendConn), outreq)
	if err != nil {
		log.WithError(err).Warnf("proxy: reading upgrade response from %s", target)
		respond.Error(w, http.StatusBadGateway, respond.CodeServiceUnavailable,
			"service "+desc.Key+" temporarily unavailable")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error("proxy: response writer cannot be hijacked")
		respond.Error(w, http.StatusInternalServerError, respond.CodeInternal, "internal server error")
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		log.WithError(err).Error("proxy: hijacking client connection")
		respond.Error(w, http.StatusInternalServerError, respond.CodeInternal, "internal server error")
		return
	}
	defer clientConn.Close()

	// From here on the response writer is dead; the raw connections
	// carry everything, starting with the backend's 101 (or its
	// refusal, relayed verbatim).
	if err := resp.Write(clientConn); err != nil {
		log.WithError(err).Debug("proxy: relaying upgrade response to client")
		return
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	transition(StateOpen)
	if p.OnConnOpen != nil {
		p.OnConnOpen()
	}

	// Splice until either side closes; the first finished copy closes
	// both conns, which unblocks the second within the close deadline.
	done := make(chan struct{}, 2)
	splice := func(dst io.Writer, src io.Reader) {
		if _, err := io.Copy(dst, src); err != nil && !isClosedConnError(err) {
			log.WithError(err).Debugf("proxy: socket copy on %s", route.PathPrefix)
		}
		done <- struct{}{}
	}
	go splice(backendConn, clientConn)
	go splice(clientConn, backendConn)

	<-done
	transition(StateClosing)
	backendConn.Close()
	clientConn.Close()
	<-done
	transition(StateClosed)
	if p.OnConnClosed != nil {
		p.OnConnClosed()
	}
}

func isClosedConnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

func hasPort(s string) bool { return strings.LastIndex(s, ":") > strings.LastIndex(s, "]") }

// canonicalAddr returns url.Host but always with a ":port" suffix.
func canonicalAddr(u *url.URL) string {
	addr := u.Host
	if !hasPort(addr) {
		if u.Scheme == "https" {
			return addr + ":443"
		}
		return addr + ":80"
	}
	return addr
}

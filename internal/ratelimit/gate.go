package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/respond"
)

// State is the limiter's readiness. The shared store connects after
// configuration arrives from the registry, so requests can be in flight
// before a limiter exists.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Gate fronts the limiter with an explicit readiness state. While the
// state is not Ready, requests pass unrestricted: availability during the
// startup race is deliberately prioritized over strict limiting, and the
// unenforced window is observable through OnFailOpen.
type Gate struct {
	mu      sync.RWMutex
	state   State
	limiter Limiter

	// OnFailOpen observes every request waved through without a
	// limiter decision. OnLimited observes rejections.
	OnFailOpen func()
	OnLimited  func(scope Scope)
}

func NewGate() *Gate {
	return &Gate{state: StateUninitialized}
}

// SetReady installs the connected limiter and starts enforcing.
func (g *Gate) SetReady(l Limiter) {
	g.mu.Lock()
	g.state = StateReady
	g.limiter = l
	g.mu.Unlock()
	log.Info("ratelimit: enforcing")
}

// SetFailed records that the store connection was lost for good. The
// gate keeps failing open; the caller decides whether that is fatal.
func (g *Gate) SetFailed(err error) {
	g.mu.Lock()
	g.state = StateFailed
	g.limiter = nil
	g.mu.Unlock()
	log.WithError(err).Error("ratelimit: store unavailable, failing open")
}

func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Allow consults the limiter if one is ready. Both the not-ready states
// and a store error at decision time take the documented fail-open
// branch: the request proceeds and the event is counted.
func (g *Gate) Allow(ctx context.Context, scope Scope, clientKey string) Decision {
	g.mu.RLock()
	state, limiter := g.state, g.limiter
	g.mu.RUnlock()

	if state != StateReady {
		g.failOpen()
		return Decision{Allowed: true}
	}

	decision, err := limiter.Allow(ctx, scope, clientKey)
	if err != nil {
		log.WithError(err).Warnf("ratelimit: %s decision failed, allowing request", scope)
		g.failOpen()
		return Decision{Allowed: true}
	}
	return decision
}

func (g *Gate) failOpen() {
	if g.OnFailOpen != nil {
		g.OnFailOpen()
	}
}

// Middleware rejects over-limit requests for scope with 429 and a
// Retry-After hint derived from the window reset.
func (g *Gate) Middleware(scope Scope) func(http.Handler) http.Handler {
	return g.MiddlewareIf(scope, nil)
}

// MiddlewareIf limits only requests matching pred (nil means all).
// Used to stack the upload scope onto upload paths.
func (g *Gate) MiddlewareIf(scope Scope, pred func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pred != nil && !pred(r) {
				next.ServeHTTP(w, r)
				return
			}

			decision := g.Allow(r.Context(), scope, ClientKey(r))
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int64(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			if g.OnLimited != nil {
				g.OnLimited(scope)
			}
			respond.Error(w, http.StatusTooManyRequests, respond.CodeRateLimited, limitMessage(scope))
		})
	}
}

func limitMessage(scope Scope) string {
	switch scope {
	case ScopeAuth:
		return "too many authentication attempts, please try again later"
	case ScopeUpload:
		return "too many file uploads, please try again later"
	default:
		return "too many requests, please try again later"
	}
}

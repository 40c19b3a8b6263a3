// Package ratelimit enforces fixed-window request limits in three
// independent scopes, counting in a store shared across every gateway
// replica so limits hold platform-wide rather than per-process.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/esante/api-gateway/internal/config"
)

// Scope shards the counters: general traffic, authentication attempts
// and file uploads carry independent windows and ceilings.
type Scope string

const (
	ScopeGeneral Scope = "general"
	ScopeAuth    Scope = "auth"
	ScopeUpload  Scope = "upload"
)

// Settings is one scope's fixed window.
type Settings struct {
	Window time.Duration
	Max    int64
}

// Config maps every scope to its settings.
type Config map[Scope]Settings

// SettingsFromStore reads the per-scope windows and ceilings. The
// general scope is tunable; auth and upload keep the platform defaults
// of a tight window for credentials and a low ceiling for uploads.
func SettingsFromStore(store *config.Store) Config {
	return Config{
		ScopeGeneral: {
			Window: store.GetMillis("RATE_LIMIT_WINDOW_MS", 15*time.Minute),
			Max:    int64(store.GetInt("RATE_LIMIT_MAX_REQUESTS", 100)),
		},
		ScopeAuth: {
			Window: store.GetMillis("AUTH_RATE_LIMIT_WINDOW_MS", 15*time.Minute),
			Max:    int64(store.GetInt("AUTH_RATE_LIMIT_MAX_REQUESTS", 5)),
		},
		ScopeUpload: {
			Window: store.GetMillis("UPLOAD_RATE_LIMIT_WINDOW_MS", time.Hour),
			Max:    int64(store.GetInt("UPLOAD_RATE_LIMIT_MAX_REQUESTS", 10)),
		},
	}
}

// Decision is the outcome of one counted request.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Limiter counts a request against (scope, clientKey) and decides.
// Implementations must make the increment atomic at the store level:
// correctness under concurrent replicas depends on no lost updates.
type Limiter interface {
	Allow(ctx context.Context, scope Scope, clientKey string) (Decision, error)
}

// ClientKey identifies the caller for limiting purposes: the first
// forwarded hop when running behind a trusted edge, else the peer
// address.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

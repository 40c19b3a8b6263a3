// Package auth verifies bearer tokens at the edge and carries the
// verified identity to downstream services as trust-boundary headers.
// Downstream services accept X-User-* headers only because the gateway
// guarantees no external copy survives past this package.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/respond"
)

// Trust-boundary headers set after successful verification.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
)

const accessTokenType = "access"

// Principal is the identity extracted from a verified access token. It
// lives on the request context and is discarded when the request ends.
type Principal struct {
	ID        string
	Email     string
	Role      string
	TokenType string
}

func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// Claims is the payload shape minted by the auth service.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  string `json:"type"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// FromContext returns the Principal attached by Authenticate.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Authenticator validates access tokens against the shared secret.
type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// ScrubTrustHeaders removes any externally supplied identity headers.
// Applied to every proxied route, public ones included, so a client can
// never smuggle an identity past an unauthenticated path.
func ScrubTrustHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderUserEmail)
		r.Header.Del(HeaderUserRole)
		next.ServeHTTP(w, r)
	})
}

// Authenticate verifies the bearer token, attaches the Principal to the
// request context and stamps the trust headers for downstream services.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respond.Error(w, http.StatusUnauthorized, respond.CodeMissingToken, "access token required")
			return
		}

		claims := &Claims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				respond.Error(w, http.StatusUnauthorized, respond.CodeTokenExpired, "token expired")
				return
			}
			log.WithError(err).Debug("auth: token rejected")
			respond.Error(w, http.StatusForbidden, respond.CodeInvalidToken, "invalid token")
			return
		}

		// A refresh token must never be accepted in place of an
		// access token, even if its signature verifies.
		if claims.Type != accessTokenType {
			respond.Error(w, http.StatusForbidden, respond.CodeInvalidToken, "token is not an access token")
			return
		}

		principal := Principal{
			ID:        claims.ID,
			Email:     claims.Email,
			Role:      claims.Role,
			TokenType: claims.Type,
		}

		r.Header.Set(HeaderUserID, principal.ID)
		r.Header.Set(HeaderUserEmail, principal.Email)
		r.Header.Set(HeaderUserRole, principal.Role)

		ctx := context.WithValue(r.Context(), ctxKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates admin-only routes. Runs after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := FromContext(r.Context())
		if !ok || !principal.IsAdmin() {
			respond.Error(w, http.StatusForbidden, respond.CodeAdminRequired, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

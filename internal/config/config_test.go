package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLookupOrder(t *testing.T) {
	s := NewStore()
	s.Set("JWT_SECRET", "from-kv")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("REDIS_HOST", "env-redis")

	assert.Equal(t, "from-kv", s.Get("JWT_SECRET", "fallback"))
	assert.Equal(t, "env-redis", s.Get("REDIS_HOST", "fallback"))
	assert.Equal(t, "fallback", s.Get("UNSET_KEY", "fallback"))
}

func TestStoreTypedGetters(t *testing.T) {
	s := NewStore()
	s.Set("PORT", "8080")
	s.Set("RATE_LIMIT_WINDOW_MS", "900000")
	s.Set("BROKEN", "not-a-number")

	assert.Equal(t, 8080, s.GetInt("PORT", 3000))
	assert.Equal(t, 3000, s.GetInt("MISSING", 3000))
	assert.Equal(t, 3000, s.GetInt("BROKEN", 3000))
	assert.Equal(t, 15*time.Minute, s.GetMillis("RATE_LIMIT_WINDOW_MS", time.Second))
	assert.Equal(t, 10*time.Second, s.GetMillis("MISSING", 10*time.Second))
}

func TestRequire(t *testing.T) {
	s := NewStore()
	s.Set("JWT_SECRET", "secret")

	assert.NoError(t, s.Require("JWT_SECRET"))
	err := s.Require("JWT_SECRET", "MISSING_ONE", "MISSING_TWO")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING_ONE")
	assert.Contains(t, err.Error(), "MISSING_TWO")
}

func TestDefaultRoutes(t *testing.T) {
	s := NewStore()
	routes := DefaultRoutes(s)
	require.Len(t, routes, 9)

	byKey := make(map[string]RouteDescriptor)
	for _, r := range routes {
		byKey[r.Key] = r
	}

	assert.Equal(t, Public, byKey["auth"].Visibility)
	assert.Equal(t, AdminOnly, byKey["audit"].Visibility)
	assert.Equal(t, AdminOnly, byKey["messaging"].Visibility)
	assert.Equal(t, "rdv-service", byKey["appointments"].ServiceName)
	assert.Equal(t, "http://127.0.0.1:3003", byKey["appointments"].FallbackURL)
}

func TestDefaultRoutesFallbackOverride(t *testing.T) {
	s := NewStore()
	s.Set("RDV_SERVICE_URL", "http://rdv-service:3003")
	s.Set("MEDICAL_RECORDS_SERVICE_URL", "http://medical-records-service:3004")

	for _, r := range DefaultRoutes(s) {
		switch r.Key {
		case "appointments":
			assert.Equal(t, "http://rdv-service:3003", r.FallbackURL)
		case "medical":
			assert.Equal(t, "http://medical-records-service:3004", r.FallbackURL)
		case "users":
			assert.Equal(t, "http://127.0.0.1:3002", r.FallbackURL)
		}
	}
}

func TestLoadRoutesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	content := `
routes:
  - key: auth
    service: auth-service
    path: /api/v1/auth
    visibility: public
    fallback_url: http://127.0.0.1:3001
  - key: users
    service: user-service
    path: /api/v1/users
    fallback_url: http://127.0.0.1:3002
socket_routes:
  - path: /user-socket
    service_key: users
  - path: /admin/user-socket
    service_key: users
    strip: /admin
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	routes, socket, err := LoadRoutes(path, NewStore())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, Public, routes[0].Visibility)
	// Missing visibility defaults to authenticated.
	assert.Equal(t, Authenticated, routes[1].Visibility)

	// Longer prefixes are ordered first so /admin/user-socket wins
	// over /user-socket.
	require.Len(t, socket, 2)
	assert.Equal(t, "/admin/user-socket", socket[0].PathPrefix)
}

func TestLoadRoutesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.yaml")
	require.NoError(t, os.WriteFile(missing, []byte("routes:\n  - key: x\n"), 0o600))
	_, _, err := LoadRoutes(missing, NewStore())
	assert.Error(t, err)

	badVis := filepath.Join(dir, "vis.yaml")
	require.NoError(t, os.WriteFile(badVis, []byte(`
routes:
  - key: x
    service: x-service
    path: /x
    visibility: sometimes
    fallback_url: http://127.0.0.1:9
`), 0o600))
	_, _, err = LoadRoutes(badVis, NewStore())
	assert.Error(t, err)
}

func TestFallbackConfigKey(t *testing.T) {
	assert.Equal(t, "AUTH_SERVICE_URL", fallbackConfigKey("auth-service"))
	assert.Equal(t, "MEDICAL_RECORDS_SERVICE_URL", fallbackConfigKey("medical-records-service"))
	assert.Equal(t, "RDV_SERVICE_URL", fallbackConfigKey("rdv-service"))
}

package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v2"
)

// Visibility controls which gate a route passes through before proxying.
type Visibility string

const (
	Public        Visibility = "public"
	Authenticated Visibility = "authenticated"
	AdminOnly     Visibility = "adminOnly"
)

// RouteDescriptor maps a path prefix to a named downstream service.
// Descriptors are loaded once at startup and never change while the
// process runs.
type RouteDescriptor struct {
	Key         string     `yaml:"key"`
	ServiceName string     `yaml:"service"`
	PathPrefix  string     `yaml:"path"`
	Visibility  Visibility `yaml:"visibility"`
	FallbackURL string     `yaml:"fallback_url"`
}

// SocketRoute maps a persistent-connection path to a service. Strip is
// removed from the request path before forwarding, so downstream
// socket.io servers see the mount point they expect.
type SocketRoute struct {
	PathPrefix string `yaml:"path"`
	ServiceKey string `yaml:"service_key"`
	Strip      string `yaml:"strip"`
}

type routeFile struct {
	Routes       []RouteDescriptor `yaml:"routes"`
	SocketRoutes []SocketRoute     `yaml:"socket_routes"`
}

// DefaultRoutes returns the platform's route table. Fallback URLs can be
// overridden per service through config keys like USER_SERVICE_URL.
func DefaultRoutes(store *Store) []RouteDescriptor {
	routes := []RouteDescriptor{
		{Key: "auth", ServiceName: "auth-service", PathPrefix: "/api/v1/auth", Visibility: Public, FallbackURL: "http://127.0.0.1:3001"},
		{Key: "users", ServiceName: "user-service", PathPrefix: "/api/v1/users", Visibility: Authenticated, FallbackURL: "http://127.0.0.1:3002"},
		{Key: "appointments", ServiceName: "rdv-service", PathPrefix: "/api/v1/appointments", Visibility: Authenticated, FallbackURL: "http://127.0.0.1:3003"},
		{Key: "medical", ServiceName: "medical-records-service", PathPrefix: "/api/v1/medical", Visibility: Authenticated, FallbackURL: "http://127.0.0.1:3004"},
		{Key: "referrals", ServiceName: "referral-service", PathPrefix: "/api/v1/referrals", Visibility: Authenticated, FallbackURL: "http://127.0.0.1:3005"},
		{Key: "messages", ServiceName: "messaging-service", PathPrefix: "/api/v1/messages", Visibility: Authenticated, FallbackURL: "http://127.0.0.1:3006"},
		{Key: "messaging", ServiceName: "messaging-service", PathPrefix: "/api/v1/messaging", Visibility: AdminOnly, FallbackURL: "http://127.0.0.1:3006"},
		{Key: "notifications", ServiceName: "notification-service", PathPrefix: "/api/v1/notifications", Visibility: Authenticated, FallbackURL: "http://127.0.0.1:3007"},
		{Key: "audit", ServiceName: "audit-service", PathPrefix: "/api/v1/audit", Visibility: AdminOnly, FallbackURL: "http://127.0.0.1:3008"},
	}
	for i := range routes {
		key := fallbackConfigKey(routes[i].ServiceName)
		routes[i].FallbackURL = store.Get(key, routes[i].FallbackURL)
	}
	return routes
}

// DefaultSocketRoutes returns the upgrade table: which socket paths go to
// which service, and what prefix is stripped on the way through.
func DefaultSocketRoutes() []SocketRoute {
	return []SocketRoute{
		{PathPrefix: "/messaging", ServiceKey: "messages", Strip: "/messaging"},
		{PathPrefix: "/admin/user-socket", ServiceKey: "users", Strip: "/admin"},
		{PathPrefix: "/user-socket", ServiceKey: "users"},
		{PathPrefix: "/admin/rdv-socket", ServiceKey: "appointments", Strip: "/admin"},
		{PathPrefix: "/rdv-socket", ServiceKey: "appointments"},
		{PathPrefix: "/socket.io", ServiceKey: "notifications"},
	}
}

// LoadRoutes reads a yaml route file and merges fallback-URL overrides
// from the store. An empty path returns the built-in tables.
func LoadRoutes(path string, store *Store) ([]RouteDescriptor, []SocketRoute, error) {
	if path == "" {
		return DefaultRoutes(store), DefaultSocketRoutes(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read route file: %w", err)
	}
	var rf routeFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, nil, fmt.Errorf("parse route file: %w", err)
	}
	if len(rf.Routes) == 0 {
		return nil, nil, fmt.Errorf("route file %s defines no routes", path)
	}
	for i := range rf.Routes {
		r := &rf.Routes[i]
		if r.Key == "" || r.ServiceName == "" || r.PathPrefix == "" || r.FallbackURL == "" {
			return nil, nil, fmt.Errorf("route %d: key, service, path and fallback_url are required", i)
		}
		switch r.Visibility {
		case Public, Authenticated, AdminOnly:
		case "":
			r.Visibility = Authenticated
		default:
			return nil, nil, fmt.Errorf("route %s: unknown visibility %q", r.Key, r.Visibility)
		}
		r.FallbackURL = store.Get(fallbackConfigKey(r.ServiceName), r.FallbackURL)
	}
	socket := rf.SocketRoutes
	if len(socket) == 0 {
		socket = DefaultSocketRoutes()
	}
	// Longer socket prefixes must win over their parents, e.g.
	// /admin/user-socket before /user-socket.
	sort.SliceStable(socket, func(i, j int) bool {
		return len(socket[i].PathPrefix) > len(socket[j].PathPrefix)
	})
	return rf.Routes, socket, nil
}

// fallbackConfigKey derives the override key for a service's static URL:
// "medical-records-service" -> "MEDICAL_RECORDS_SERVICE_URL".
func fallbackConfigKey(serviceName string) string {
	name := strings.TrimSuffix(serviceName, "-service")
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ToUpper(name) + "_SERVICE_URL"
}

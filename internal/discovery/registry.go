// Package discovery wraps the Consul agent behind the small surface the
// gateway needs: passing-only health discovery, self-registration with an
// HTTP health check, and a liveness probe for diagnostics.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	log "github.com/sirupsen/logrus"
)

const (
	serviceName = "api-gateway"

	checkInterval = "10s"
	checkTimeout  = "5s"
)

// Instance is one healthy address of a named service.
type Instance struct {
	ID      string
	Address string
	Port    int
}

func (i Instance) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Address, i.Port)
}

// NewClient builds a Consul client for addr ("host:port") with a short
// HTTP timeout so a degraded registry cannot stall request handling.
func NewClient(addr string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = fmt.Sprintf("http://%s", addr)
	cfg.HttpClient = &http.Client{Timeout: 5 * time.Second}
	return consulapi.NewClient(cfg)
}

// Registry is the gateway's view of the service registry.
type Registry struct {
	client *consulapi.Client
}

func New(client *consulapi.Client) *Registry {
	return &Registry{client: client}
}

// Discover returns the instances of name that pass their health checks.
// Any registry failure degrades to an empty result: the caller falls back
// to cached instances or static URLs, never to an error.
func (r *Registry) Discover(ctx context.Context, name string) []Instance {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(name, "", true, opts)
	if err != nil {
		log.WithError(err).Warnf("discovery: lookup failed for %s", name)
		return nil
	}

	instances := make([]Instance, 0, len(entries))
	for _, entry := range entries {
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		instances = append(instances, Instance{
			ID:      entry.Service.ID,
			Address: addr,
			Port:    entry.Service.Port,
		})
	}
	return instances
}

// Register announces the gateway itself to the registry, attaching an
// HTTP health check against its own /health endpoint. It returns the
// registration ID the caller must pass to Deregister on shutdown.
func (r *Registry) Register(address string, port int) (string, error) {
	id := fmt.Sprintf("%s-%s-%d", serviceName, address, port)
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    serviceName,
		Address: address,
		Port:    port,
		Tags:    []string{"esante", "gateway", "proxy"},
		Check: &consulapi.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/health", address, port),
			Interval: checkInterval,
			Timeout:  checkTimeout,
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return "", fmt.Errorf("register %s: %w", id, err)
	}
	log.Infof("discovery: registered %s", id)
	return id, nil
}

// Deregister removes a previous registration. A registration left behind
// is a resource leak in the registry, so this runs on every normal
// shutdown path.
func (r *Registry) Deregister(id string) error {
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	log.Infof("discovery: deregistered %s", id)
	return nil
}

// Available reports whether the registry agent answers at all. Used for
// diagnostics and the startup banner, never on the request hot path.
func (r *Registry) Available() bool {
	_, err := r.client.Agent().Self()
	return err == nil
}

// LocalIP returns the first non-loopback IPv4 address of the host, used
// as the default advertise address for self-registration.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}

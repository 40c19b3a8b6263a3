// Package balancer bounds the cost of registry queries with a TTL
// instance cache and spreads traffic across instances round-robin. When
// nothing is known about a service, resolution falls back to the route's
// static URL, which keeps the gateway serving while the registry is down.
package balancer

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/esante/api-gateway/internal/config"
	"github.com/esante/api-gateway/internal/discovery"
)

// DefaultTTL is how long a discovered instance list is trusted.
const DefaultTTL = 10 * time.Second

// Discoverer is the registry query the balancer refreshes from.
type Discoverer interface {
	Discover(ctx context.Context, serviceName string) []discovery.Instance
}

type cacheEntry struct {
	instances []discovery.Instance
	fetchedAt time.Time
}

// Balancer owns the per-process instance cache and round-robin cursors.
// It is constructed once at startup and shared by all requests; all
// state is guarded by b.mu.
type Balancer struct {
	disc Discoverer
	ttl  time.Duration

	mu      sync.Mutex
	cache   map[string]cacheEntry
	cursors map[string]int

	// now is swapped out by tests to step through TTL windows.
	now func() time.Time

	// OnDiscovered, when set, observes the size of each fresh
	// instance list. Wired to a metrics gauge by the server.
	OnDiscovered func(serviceName string, count int)
}

func New(disc Discoverer, ttl time.Duration) *Balancer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Balancer{
		disc:    disc,
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
		cursors: make(map[string]int),
		now:     time.Now,
	}
}

// Instances returns the cached instance list for serviceName if it is
// still within its TTL, refreshing from the registry otherwise. An empty
// discovery result never overwrites the cache: the entry simply stays
// absent (or expired) and the caller falls through to the fallback URL.
func (b *Balancer) Instances(ctx context.Context, serviceName string) []discovery.Instance {
	b.mu.Lock()
	entry, ok := b.cache[serviceName]
	fresh := ok && b.now().Sub(entry.fetchedAt) < b.ttl
	b.mu.Unlock()

	if fresh {
		return entry.instances
	}

	// Registry round-trip happens outside the lock.
	instances := b.disc.Discover(ctx, serviceName)
	if len(instances) == 0 {
		return nil
	}

	b.mu.Lock()
	b.cache[serviceName] = cacheEntry{instances: instances, fetchedAt: b.now()}
	b.mu.Unlock()

	if b.OnDiscovered != nil {
		b.OnDiscovered(serviceName, len(instances))
	}
	return instances
}

// next picks an instance for serviceName by monotonic round-robin. The
// cursor is never reset on membership changes; the modulo makes any list
// length self-correcting.
func (b *Balancer) next(serviceName string, instances []discovery.Instance) discovery.Instance {
	b.mu.Lock()
	cursor := b.cursors[serviceName]
	b.cursors[serviceName] = cursor + 1
	b.mu.Unlock()
	return instances[cursor%len(instances)]
}

// ResolveURL returns the target URL for one request on the given route:
// a round-robin pick of the live instances when any are known, otherwise
// the route's static fallback.
func (b *Balancer) ResolveURL(ctx context.Context, desc config.RouteDescriptor) string {
	instances := b.Instances(ctx, desc.ServiceName)
	if len(instances) == 0 {
		log.Debugf("balancer: no instances for %s, using fallback %s", desc.ServiceName, desc.FallbackURL)
		return desc.FallbackURL
	}
	return b.next(desc.ServiceName, instances).URL()
}

package balancer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esante/api-gateway/internal/config"
	"github.com/esante/api-gateway/internal/discovery"
)

type stubDiscoverer struct {
	mu        sync.Mutex
	instances map[string][]discovery.Instance
	calls     int
}

func (s *stubDiscoverer) Discover(_ context.Context, name string) []discovery.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.instances[name]
}

func (s *stubDiscoverer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func instances(n int) []discovery.Instance {
	out := make([]discovery.Instance, n)
	for i := range out {
		out[i] = discovery.Instance{
			ID:      fmt.Sprintf("svc-%d", i),
			Address: fmt.Sprintf("10.0.0.%d", i+1),
			Port:    3000,
		}
	}
	return out
}

func testDesc() config.RouteDescriptor {
	return config.RouteDescriptor{
		Key:         "appointments",
		ServiceName: "rdv-service",
		PathPrefix:  "/api/v1/appointments",
		FallbackURL: "http://127.0.0.1:3003",
	}
}

func TestRoundRobinVisitsEachInstanceOnce(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			disc := &stubDiscoverer{instances: map[string][]discovery.Instance{
				"rdv-service": instances(n),
			}}
			b := New(disc, time.Minute)

			seen := make(map[string]int)
			var order []string
			for i := 0; i < n; i++ {
				u := b.ResolveURL(context.Background(), testDesc())
				seen[u]++
				order = append(order, u)
			}
			require.Len(t, seen, n, "N calls must visit each of N instances exactly once")
			for u, count := range seen {
				assert.Equal(t, 1, count, "instance %s", u)
			}

			// Second cycle repeats the same fixed order.
			for i := 0; i < n; i++ {
				assert.Equal(t, order[i], b.ResolveURL(context.Background(), testDesc()))
			}
		})
	}
}

func TestResolveURLFallsBackWhenNothingDiscovered(t *testing.T) {
	disc := &stubDiscoverer{instances: map[string][]discovery.Instance{}}
	b := New(disc, time.Minute)

	assert.Equal(t, "http://127.0.0.1:3003", b.ResolveURL(context.Background(), testDesc()))
}

func TestCacheAvoidsDiscoveryWithinTTL(t *testing.T) {
	disc := &stubDiscoverer{instances: map[string][]discovery.Instance{
		"rdv-service": instances(2),
	}}
	b := New(disc, 10*time.Second)

	for i := 0; i < 5; i++ {
		b.ResolveURL(context.Background(), testDesc())
	}
	assert.Equal(t, 1, disc.callCount())
}

func TestExpiredEntryNeverServedWhenRefreshFails(t *testing.T) {
	disc := &stubDiscoverer{instances: map[string][]discovery.Instance{
		"rdv-service": instances(2),
	}}
	b := New(disc, 10*time.Second)

	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	require.Len(t, b.Instances(context.Background(), "rdv-service"), 2)

	// Registry goes dark; the cache entry ages past its TTL.
	disc.mu.Lock()
	disc.instances["rdv-service"] = nil
	disc.mu.Unlock()
	now = now.Add(11 * time.Second)

	assert.Empty(t, b.Instances(context.Background(), "rdv-service"),
		"stale data must not outlive its TTL even when refresh fails")
	assert.Equal(t, "http://127.0.0.1:3003", b.ResolveURL(context.Background(), testDesc()))
}

func TestEmptyDiscoveryDoesNotOverwriteFreshCache(t *testing.T) {
	disc := &stubDiscoverer{instances: map[string][]discovery.Instance{
		"rdv-service": instances(3),
	}}
	b := New(disc, 10*time.Second)

	require.Len(t, b.Instances(context.Background(), "rdv-service"), 3)

	disc.mu.Lock()
	disc.instances["rdv-service"] = nil
	disc.mu.Unlock()

	// Entry is still fresh: discovery is not even consulted.
	assert.Len(t, b.Instances(context.Background(), "rdv-service"), 3)
	assert.Equal(t, 1, disc.callCount())
}

func TestCursorSurvivesMembershipChanges(t *testing.T) {
	disc := &stubDiscoverer{instances: map[string][]discovery.Instance{
		"rdv-service": instances(3),
	}}
	b := New(disc, 10*time.Second)

	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.ResolveURL(context.Background(), testDesc())
	b.ResolveURL(context.Background(), testDesc())

	// The list shrinks; the cursor keeps counting and the modulo
	// keeps selections in range.
	disc.mu.Lock()
	disc.instances["rdv-service"] = instances(2)
	disc.mu.Unlock()
	now = now.Add(11 * time.Second)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		seen[b.ResolveURL(context.Background(), testDesc())] = true
	}
	assert.Len(t, seen, 2)
}

func TestConcurrentResolveIsSafe(t *testing.T) {
	disc := &stubDiscoverer{instances: map[string][]discovery.Instance{
		"rdv-service": instances(4),
	}}
	b := New(disc, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				u := b.ResolveURL(context.Background(), testDesc())
				assert.NotEmpty(t, u)
			}
		}()
	}
	wg.Wait()
}

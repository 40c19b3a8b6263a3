// Package config loads the gateway's runtime configuration from the
// platform's Consul KV tree and exposes the static route tables.
//
// Values live under esante/common/ (shared by every service) and
// esante/api-gateway/ (gateway-specific). Lookups fall back to the
// process environment and finally to the caller-supplied default, so the
// gateway still starts when Consul is unreachable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	log "github.com/sirupsen/logrus"
)

const kvRoot = "esante"

// Store is an immutable-after-bootstrap key/value view of the runtime
// configuration. Safe for concurrent readers.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStore() *Store {
	return &Store{values: make(map[string]string)}
}

// Bootstrap loads configuration for serviceName from the Consul KV tree.
// A failed KV query is logged and skipped; environment variables and
// defaults still serve lookups in that case.
func Bootstrap(client *consulapi.Client, serviceName string) *Store {
	s := NewStore()
	if client == nil {
		return s
	}

	for _, prefix := range []string{
		fmt.Sprintf("%s/common/", kvRoot),
		fmt.Sprintf("%s/%s/", kvRoot, serviceName),
	} {
		pairs, _, err := client.KV().List(prefix, nil)
		if err != nil {
			log.WithError(err).Warnf("config: could not load %q from consul, falling back to environment", prefix)
			continue
		}
		for _, pair := range pairs {
			key := strings.TrimPrefix(pair.Key, prefix)
			if key == "" {
				continue
			}
			s.Set(key, string(pair.Value))
		}
		log.Infof("config: loaded %d keys from %s", len(pairs), prefix)
	}
	return s
}

// Set overrides a single key. Intended for bootstrap and tests.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Get returns the configured value for key, falling back to the
// environment and then to def.
func (s *Store) Get(key, def string) string {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok && v != "" {
		return v
	}
	if env := os.Getenv(key); env != "" {
		return env
	}
	return def
}

func (s *Store) GetInt(key string, def int) int {
	v := s.Get(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

// GetMillis reads a duration configured as integer milliseconds.
func (s *Store) GetMillis(key string, def time.Duration) time.Duration {
	v := s.Get(key, "")
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: %s=%q is not a millisecond count, using %s", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Require returns an error naming every key that resolves to no value at
// all. The caller treats that as fatal: the gateway must not serve
// traffic with unresolved required configuration.
func (s *Store) Require(keys ...string) error {
	var missing []string
	for _, key := range keys {
		if s.Get(key, "") == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: required keys missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

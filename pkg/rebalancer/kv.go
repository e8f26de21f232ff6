// SPDX-License-Identifier: AGPL-3.0-only

package rebalancer

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/gomemcache/memcache"
	"github.com/pkg/errors"
)

const (
	BackendMemcached = "memcached"
	BackendInMemory  = "inmemory"
)

var (
	supportedCacheBackends = []string{BackendMemcached, BackendInMemory}

	errUnsupportedCacheBackend = errors.New("unsupported rebalance cache backend")
	errNoMemcachedAddresses    = errors.New("no memcached addresses configured")
)

// KV is the rebalance cache boundary. Keys are deterministic strings
// derived from (kind, org, project). All operations are synchronous: the
// factor read-modify-write depends on Set/Delete failures being visible to
// the caller so an organization's update can be aborted cleanly.
type KV interface {
	// Get returns the value for key, or found=false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func factorKey(orgID int64) string {
	return fmt.Sprintf("rebalance:factor:o:%d", orgID)
}

func projectRatesKey(orgID int64) string {
	return fmt.Sprintf("rebalance:projectrates:o:%d", orgID)
}

func transactionRatesKey(orgID, projectID int64) string {
	return fmt.Sprintf("rebalance:txrates:o:%d:p:%d", orgID, projectID)
}

// CacheConfig selects and configures the rebalance cache backend.
type CacheConfig struct {
	Backend            string        `yaml:"backend"`
	MemcachedAddresses string        `yaml:"memcached_addresses"`
	MemcachedTimeout   time.Duration `yaml:"memcached_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
}

func (cfg *CacheConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", BackendMemcached, fmt.Sprintf("Backend for the rebalance cache. Supported values: %s.", strings.Join(supportedCacheBackends, ", ")))
	f.StringVar(&cfg.MemcachedAddresses, prefix+"memcached.addresses", "", "Comma-separated list of memcached addresses.")
	f.DurationVar(&cfg.MemcachedTimeout, prefix+"memcached.timeout", 200*time.Millisecond, "Timeout for memcached operations.")
	f.IntVar(&cfg.MaxRetries, prefix+"max-retries", 3, "Maximum number of attempts for a cache operation before the organization's run is aborted.")
}

func (cfg *CacheConfig) Validate() error {
	switch cfg.Backend {
	case BackendMemcached:
		if cfg.MemcachedAddresses == "" {
			return errNoMemcachedAddresses
		}
	case BackendInMemory:
	default:
		return errors.Wrapf(errUnsupportedCacheBackend, "%q, supported values: %v", cfg.Backend, supportedCacheBackends)
	}
	return nil
}

// NewKV builds the configured cache backend.
func NewKV(cfg CacheConfig) (KV, error) {
	switch cfg.Backend {
	case BackendMemcached:
		client := memcache.New(strings.Split(cfg.MemcachedAddresses, ",")...)
		client.Timeout = cfg.MemcachedTimeout
		return newMemcachedKV(client, cfg.MaxRetries), nil
	case BackendInMemory:
		return NewInMemoryKV(), nil
	default:
		return nil, errors.Wrapf(errUnsupportedCacheBackend, "%q", cfg.Backend)
	}
}

type memcachedKV struct {
	client        *memcache.Client
	backoffConfig backoff.Config
}

func newMemcachedKV(client *memcache.Client, maxRetries int) *memcachedKV {
	return &memcachedKV{
		client: client,
		backoffConfig: backoff.Config{
			MinBackoff: 50 * time.Millisecond,
			MaxBackoff: time.Second,
			MaxRetries: maxRetries,
		},
	}
}

func (m *memcachedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var item *memcache.Item
	err := m.retry(ctx, func() error {
		var err error
		item, err = m.client.Get(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			item = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "memcached get %s", key)
	}
	if item == nil {
		return nil, false, nil
	}
	return item.Value, true, nil
}

func (m *memcachedKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := m.retry(ctx, func() error {
		return m.client.Set(&memcache.Item{
			Key:        key,
			Value:      value,
			Expiration: int32(ttl.Seconds()),
		})
	})
	return errors.Wrapf(err, "memcached set %s", key)
}

func (m *memcachedKV) Delete(ctx context.Context, key string) error {
	err := m.retry(ctx, func() error {
		err := m.client.Delete(key)
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil
		}
		return err
	})
	return errors.Wrapf(err, "memcached delete %s", key)
}

func (m *memcachedKV) retry(ctx context.Context, op func() error) error {
	boff := backoff.New(ctx, m.backoffConfig)
	var lastErr error
	for boff.Ongoing() {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		boff.Wait()
	}
	if lastErr != nil {
		return lastErr
	}
	return boff.Err()
}

type kvItem struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryKV is a process-local KV with per-key expiry. It backs tests and
// single-process deployments.
type InMemoryKV struct {
	mtx   sync.Mutex
	items map[string]kvItem
}

func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{items: map[string]kvItem{}}
}

func (kv *InMemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	item, ok := kv.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		delete(kv.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (kv *InMemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	kv.items[key] = kvItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (kv *InMemoryKV) Delete(_ context.Context, key string) error {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	delete(kv.items, key)
	return nil
}

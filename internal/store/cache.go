package store

import (
	"context"
	"sync"
	"time"

	"github.com/heliosfn/helios/internal/domain"
)

// cacheEntry holds a cached value with an expiration time.
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// CachedMetadataStore wraps a MetadataStore and caches the reads on the
// invocation hot path. Invalidation notifications evict the affected scope
// immediately; a short TTL acts as a safety net bounding the inconsistency
// window across replicas or for direct DB edits.
type CachedMetadataStore struct {
	MetadataStore // underlying store; uncached methods delegate here

	ttl time.Duration

	functions       sync.Map // functionID → *cacheEntry[*domain.Function]
	activeVersions  sync.Map // functionID → *cacheEntry[*domain.FunctionVersion]
	envVars         sync.Map // functionID → *cacheEntry[map[string]string]
	projects        sync.Map // projectID  → *cacheEntry[*domain.Project]
	projectPolicies sync.Map // projectID  → *cacheEntry[[]*domain.NetworkPolicyRule]

	globalPoliciesMu sync.Mutex
	globalPolicies   *cacheEntry[[]*domain.NetworkPolicyRule]
}

// DefaultCacheTTL is the default time-to-live for cache entries.
const DefaultCacheTTL = 30 * time.Second

// NewCachedMetadataStore returns a MetadataStore that caches hot-path reads.
// Pass ttl <= 0 to use the default.
func NewCachedMetadataStore(underlying MetadataStore, ttl time.Duration) *CachedMetadataStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedMetadataStore{
		MetadataStore: underlying,
		ttl:           ttl,
	}
}

func cacheGet[T any](m *sync.Map, key string) (T, bool) {
	v, ok := m.Load(key)
	if !ok {
		var zero T
		return zero, false
	}
	entry := v.(*cacheEntry[T])
	if entry.expired() {
		m.Delete(key)
		var zero T
		return zero, false
	}
	return entry.value, true
}

func cachePut[T any](m *sync.Map, key string, value T, ttl time.Duration) {
	m.Store(key, &cacheEntry[T]{value: value, expiresAt: time.Now().Add(ttl)})
}

// ─── cached reads ────────────────────────────────────────────────────────────

func (c *CachedMetadataStore) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	if fn, ok := cacheGet[*domain.Function](&c.functions, id); ok {
		return fn, nil
	}
	fn, err := c.MetadataStore.GetFunction(ctx, id)
	if err != nil {
		return nil, err
	}
	cachePut(&c.functions, id, fn, c.ttl)
	return fn, nil
}

func (c *CachedMetadataStore) GetActiveVersion(ctx context.Context, functionID string) (*domain.FunctionVersion, error) {
	if v, ok := cacheGet[*domain.FunctionVersion](&c.activeVersions, functionID); ok {
		return v, nil
	}
	v, err := c.MetadataStore.GetActiveVersion(ctx, functionID)
	if err != nil {
		return nil, err
	}
	cachePut(&c.activeVersions, functionID, v, c.ttl)
	return v, nil
}

func (c *CachedMetadataStore) GetEnvVars(ctx context.Context, functionID string) (map[string]string, error) {
	if env, ok := cacheGet[map[string]string](&c.envVars, functionID); ok {
		return env, nil
	}
	env, err := c.MetadataStore.GetEnvVars(ctx, functionID)
	if err != nil {
		return nil, err
	}
	cachePut(&c.envVars, functionID, env, c.ttl)
	return env, nil
}

func (c *CachedMetadataStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	if p, ok := cacheGet[*domain.Project](&c.projects, id); ok {
		return p, nil
	}
	p, err := c.MetadataStore.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	cachePut(&c.projects, id, p, c.ttl)
	return p, nil
}

func (c *CachedMetadataStore) GetProjectPolicies(ctx context.Context, projectID string) ([]*domain.NetworkPolicyRule, error) {
	if rules, ok := cacheGet[[]*domain.NetworkPolicyRule](&c.projectPolicies, projectID); ok {
		return rules, nil
	}
	rules, err := c.MetadataStore.GetProjectPolicies(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cachePut(&c.projectPolicies, projectID, rules, c.ttl)
	return rules, nil
}

func (c *CachedMetadataStore) GetGlobalPolicies(ctx context.Context) ([]*domain.NetworkPolicyRule, error) {
	c.globalPoliciesMu.Lock()
	entry := c.globalPolicies
	c.globalPoliciesMu.Unlock()
	if entry != nil && !entry.expired() {
		return entry.value, nil
	}

	rules, err := c.MetadataStore.GetGlobalPolicies(ctx)
	if err != nil {
		return nil, err
	}
	c.globalPoliciesMu.Lock()
	c.globalPolicies = &cacheEntry[[]*domain.NetworkPolicyRule]{
		value:     rules,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.globalPoliciesMu.Unlock()
	return rules, nil
}

// ─── invalidation (driven by the notify consumer) ────────────────────────────

// InvalidateFunction evicts a function's metadata, active version and env
// vars.
func (c *CachedMetadataStore) InvalidateFunction(functionID string) {
	c.functions.Delete(functionID)
	c.activeVersions.Delete(functionID)
	c.envVars.Delete(functionID)
}

// InvalidateEnvVars evicts a function's environment variables.
func (c *CachedMetadataStore) InvalidateEnvVars(functionID string) {
	c.envVars.Delete(functionID)
}

// InvalidateProjectPolicies evicts one project's network policy rules.
func (c *CachedMetadataStore) InvalidateProjectPolicies(projectID string) {
	c.projectPolicies.Delete(projectID)
	c.projects.Delete(projectID)
}

// InvalidateGlobalPolicies evicts the global rule list.
func (c *CachedMetadataStore) InvalidateGlobalPolicies() {
	c.globalPoliciesMu.Lock()
	c.globalPolicies = nil
	c.globalPoliciesMu.Unlock()
}

// InvalidateAll drops every cached entry. Used after a listener reconnect,
// when notifications may have been lost.
func (c *CachedMetadataStore) InvalidateAll() {
	clearMap(&c.functions)
	clearMap(&c.activeVersions)
	clearMap(&c.envVars)
	clearMap(&c.projects)
	clearMap(&c.projectPolicies)
	c.InvalidateGlobalPolicies()
}

func clearMap(m *sync.Map) {
	m.Range(func(key, _ any) bool {
		m.Delete(key)
		return true
	})
}

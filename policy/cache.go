package policy

import (
	"context"
	"errors"
	"time"

	"twinupdater/cache"
	"twinupdater/model"
)

// PolicyFetcher is the external collaborator that loads a Policy by id —
// the outbound "policy loader" of spec.md §6, backed in production by
// whatever service owns policies (out of this pipeline's scope).
type PolicyFetcher interface {
	FetchPolicy(ctx context.Context, policyId model.PolicyId) (*model.Policy, error)
}

// LoaderCache wires a PolicyFetcher through cache.LoadingCache, compiling
// each fetched Policy into an Enforcer exactly once and coalescing
// concurrent loads for the same PolicyId (spec.md §8: "number of concurrent
// loader invocations per key is exactly 1").
type LoaderCache struct {
	loading *cache.LoadingCache[*Enforcer]
}

// NewLoaderCache builds a LoaderCache backed by backend (typically a
// cache.RedisCache[cache.Entry[*Enforcer]] so every pipeline process shares
// the same compiled enforcers), fetching misses through fetcher.
func NewLoaderCache(backend cache.Cache[cache.Entry[*Enforcer]], fetcher PolicyFetcher, ttl, retryDelay time.Duration) *LoaderCache {
	loader := func(ctx context.Context, key string) (cache.Entry[*Enforcer], error) {
		policyId := model.PolicyId(key)
		p, err := fetcher.FetchPolicy(ctx, policyId)
		if err != nil {
			if errors.Is(err, model.ErrMissingEntity) {
				return cache.Entry[*Enforcer]{Exists: false}, nil
			}
			return cache.Entry[*Enforcer]{}, err
		}
		if p == nil {
			return cache.Entry[*Enforcer]{Exists: false}, nil
		}
		return cache.Entry[*Enforcer]{Exists: true, Revision: p.Revision, Value: Compile(p)}, nil
	}
	return &LoaderCache{loading: cache.NewLoadingCache[*Enforcer](backend, loader, ttl, retryDelay)}
}

// Load implements the §4.1 reload policy for a policy enforcer: reload if
// invalidate is set, the entry is missing, or its revision is behind
// requiredRevision. Returns ErrNoEnforcer when the policy does not exist.
func (c *LoaderCache) Load(ctx context.Context, policyId model.PolicyId, requiredRevision int64, invalidate bool) (*Enforcer, error) {
	entry, err := c.loading.Get(ctx, string(policyId), requiredRevision, invalidate)
	if err != nil {
		return nil, err
	}
	if !entry.Exists {
		return nil, ErrNoEnforcer
	}
	return entry.Value, nil
}

// Invalidate drops any cached enforcer for policyId, e.g. on an
// invalidatePolicy signal carried in Metadata.
func (c *LoaderCache) Invalidate(ctx context.Context, policyId model.PolicyId) error {
	return c.loading.Invalidate(ctx, string(policyId))
}

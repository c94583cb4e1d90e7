// Package sources owns the cache of attribution sources (front-ends,
// aggregators and routers) shared by order tagging and fill attribution.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Registry resolves sources through a bounded TTL cache over a SourceStore.
// Negative lookups are cached too so unknown addresses do not hit the store
// on every fill.
type Registry struct {
	store     domain.SourceStore
	byID      *expirable.LRU[int, domain.Source]
	byDomain  *expirable.LRU[string, domain.Source]
	byAddress *expirable.LRU[string, *domain.Source]
}

// NewRegistry creates a Registry holding at most size entries per index,
// each valid for ttl.
func NewRegistry(store domain.SourceStore, size int, ttl time.Duration) *Registry {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		store:     store,
		byID:      expirable.NewLRU[int, domain.Source](size, nil, ttl),
		byDomain:  expirable.NewLRU[string, domain.Source](size, nil, ttl),
		byAddress: expirable.NewLRU[string, *domain.Source](size, nil, ttl),
	}
}

func (r *Registry) remember(src domain.Source) {
	r.byID.Add(src.ID, src)
	r.byDomain.Add(src.Domain, src)
	if src.Address != "" {
		s := src
		r.byAddress.Add(strings.ToLower(src.Address), &s)
	}
}

// Get returns the source with id.
func (r *Registry) Get(ctx context.Context, id int) (domain.Source, error) {
	if src, ok := r.byID.Get(id); ok {
		return src, nil
	}
	src, err := r.store.GetByID(ctx, id)
	if err != nil {
		return domain.Source{}, fmt.Errorf("sources: get %d: %w", id, err)
	}
	r.remember(src)
	return src, nil
}

// ByAddress returns the source registered for a router or exchange
// address. ok is false when none is known.
func (r *Registry) ByAddress(ctx context.Context, address string) (domain.Source, bool, error) {
	key := strings.ToLower(address)
	if src, ok := r.byAddress.Get(key); ok {
		if src == nil {
			return domain.Source{}, false, nil
		}
		return *src, true, nil
	}

	src, err := r.store.GetByAddress(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		r.byAddress.Add(key, nil)
		return domain.Source{}, false, nil
	}
	if err != nil {
		return domain.Source{}, false, fmt.Errorf("sources: by address %s: %w", key, err)
	}
	r.remember(src)
	return src, true, nil
}

// GetOrCreate returns the source for domainName, creating it on first use.
func (r *Registry) GetOrCreate(ctx context.Context, domainName, name, address string) (domain.Source, error) {
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	if domainName == "" {
		return domain.Source{}, fmt.Errorf("sources: empty domain")
	}
	if src, ok := r.byDomain.Get(domainName); ok {
		return src, nil
	}

	src, err := r.store.GetByDomain(ctx, domainName)
	if errors.Is(err, domain.ErrNotFound) {
		if name == "" {
			name = domainName
		}
		src, err = r.store.Create(ctx, domain.Source{Domain: domainName, Name: name, Address: strings.ToLower(address)})
	}
	if err != nil {
		return domain.Source{}, fmt.Errorf("sources: get or create %s: %w", domainName, err)
	}
	r.remember(src)
	return src, nil
}

// Invalidate drops every cached entry for src.
func (r *Registry) Invalidate(src domain.Source) {
	r.byID.Remove(src.ID)
	r.byDomain.Remove(src.Domain)
	if src.Address != "" {
		r.byAddress.Remove(strings.ToLower(src.Address))
	}
}

// Purge empties the cache.
func (r *Registry) Purge() {
	r.byID.Purge()
	r.byDomain.Purge()
	r.byAddress.Purge()
}

// Package route decides where a request goes: the ordered route-policy table
// and the resolver that rewrites organization paths to backend identifiers.
package route

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"meshgate.org/internal/errs"
	"meshgate.org/internal/mapping"
	"meshgate.org/internal/obs"
)

const (
	defaultCacheSize    = 1024
	defaultCacheTTL     = 5 * time.Minute
	defaultStoreTimeout = 2 * time.Second
	orgSegment          = "organizations"
)

// Resolver maps logical organization ids to backend ids. Only found
// mappings are cached, so a newly provisioned organization is visible on
// the next request.
type Resolver struct {
	store     mapping.Store
	cache     *expirable.LRU[string, string]
	cacheSize int
	cacheTTL  time.Duration
	prefix    string
	timeout   time.Duration
	logger    *zap.Logger
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithCache sets the cache bound and entry TTL. size <= 0 disables caching.
func WithCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cacheSize = size
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithPrefix sets the API prefix stripped from logical paths.
func WithPrefix(prefix string) ResolverOption {
	return func(r *Resolver) {
		r.prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

// WithStoreTimeout bounds every mapping store call.
func WithStoreTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewResolver(store mapping.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
		prefix:    "/api",
		timeout:   defaultStoreTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize > 0 {
		r.cache = expirable.NewLRU[string, string](r.cacheSize, nil, r.cacheTTL)
	}
	r.logger = r.logger.With(zap.String("component", "route"))
	return r
}

func cacheKey(orgID string, family mapping.Family) string {
	return orgID + "|" + string(family)
}

// StripPrefix removes the API prefix from p, keeping a leading slash.
func (r *Resolver) StripPrefix(p string) string {
	if r.prefix == "" {
		return p
	}
	if p == r.prefix {
		return "/"
	}
	if strings.HasPrefix(p, r.prefix+"/") {
		return p[len(r.prefix):]
	}
	return p
}

// Lookup returns the backend id of orgID within family.
func (r *Resolver) Lookup(ctx context.Context, orgID string, family mapping.Family) (string, error) {
	if !mapping.ValidOrgID(orgID) {
		return "", errs.InvalidInput("invalid organization id %q", orgID)
	}
	if !family.Valid() {
		return "", errs.InvalidInput("unknown backend family %q", family)
	}
	key := cacheKey(orgID, family)
	if r.cache != nil {
		if id, ok := r.cache.Get(key); ok {
			obs.ObserveRouteCache(true)
			return id, nil
		}
		obs.ObserveRouteCache(false)
	}

	sctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	id, err := r.store.Get(sctx, orgID, family)
	if errors.Is(err, mapping.ErrNotFound) {
		return "", errs.MappingNotFound(orgID, string(family))
	}
	if err != nil {
		r.logger.Warn("mapping lookup failed", zap.String("org_id", orgID), zap.String("family", string(family)), zap.Error(err))
		return "", errs.StoreUnavailable("mapping lookup", err)
	}
	if r.cache != nil {
		r.cache.Add(key, id)
	}
	return id, nil
}

// ResolveBackendPath strips the API prefix from logicalPath, an escaped
// path, and replaces the organization segment that directly follows
// "organizations" with the escaped backend id for family. Nothing else in
// the path changes, encoded separators included.
func (r *Resolver) ResolveBackendPath(ctx context.Context, logicalPath, orgID string, family mapping.Family) (string, error) {
	backendID, err := r.Lookup(ctx, orgID, family)
	if err != nil {
		return "", err
	}
	p := r.StripPrefix(logicalPath)
	segs := strings.Split(p, "/")
	for i := 0; i+1 < len(segs); i++ {
		if segs[i] == orgSegment && segs[i+1] == orgID {
			segs[i+1] = url.PathEscape(backendID)
			return strings.Join(segs, "/"), nil
		}
	}
	return "", errs.InvalidInput("path %q does not address organization %s", logicalPath, orgID)
}

// Invalidate drops every cached family of orgID.
func (r *Resolver) Invalidate(orgID string) {
	if r.cache == nil {
		return
	}
	for _, f := range mapping.Families {
		r.cache.Remove(cacheKey(orgID, f))
	}
}

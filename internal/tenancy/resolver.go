package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/angelitosystems/tenancy/internal/adapter/otel"
	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/domain"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/port/cache"
	"github.com/angelitosystems/tenancy/internal/port/directory"
)

// negativeEntry marks a cached "no tenant" result.
var negativeEntry = []byte("null")

// Resolver maps an inbound host (or path) to a tenant using the configured
// strategy, a central-domain short-circuit and an optional result cache.
type Resolver struct {
	dir      directory.Directory
	domains  *DomainResolver
	cache    cache.Cache // nil disables caching
	cfg      config.Resolver
	cacheCfg config.Cache
	group    singleflight.Group
	log      *slog.Logger
	metrics  *otel.Metrics
	now      func() time.Time
}

// NewResolver creates a Resolver. Pass a nil cache to disable caching;
// resolution results are identical either way, only slower.
func NewResolver(dir directory.Directory, domains *DomainResolver, c cache.Cache, cfg config.Resolver, cacheCfg config.Cache, log *slog.Logger) *Resolver {
	if !cacheCfg.Enabled {
		c = nil
	}
	return &Resolver{
		dir:      dir,
		domains:  domains,
		cache:    c,
		cfg:      cfg,
		cacheCfg: cacheCfg,
		log:      log,
		now:      time.Now,
	}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (r *Resolver) SetMetrics(m *otel.Metrics) { r.metrics = m }

// Strategy returns the configured resolution strategy.
func (r *Resolver) Strategy() string { return r.cfg.Strategy }

// Resolve maps host (and, for the path strategy, the request path) to a
// tenant. A nil tenant with a nil error means no tenant matched; central
// hosts never resolve.
func (r *Resolver) Resolve(ctx context.Context, host, path string) (*tenant.Tenant, error) {
	sctx, span := otel.StartResolveSpan(ctx, host, r.cfg.Strategy)
	defer span.End()

	start := time.Now()
	t, err := r.resolve(sctx, host, path)
	if r.metrics != nil && err == nil {
		r.metrics.RecordResolution(ctx, r.cfg.Strategy, t != nil)
		r.metrics.ResolutionDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	return t, err
}

func (r *Resolver) resolve(ctx context.Context, host, path string) (*tenant.Tenant, error) {
	host = CanonicalHost(host)

	if r.domains.IsCentral(host) {
		return nil, nil
	}

	// Path resolution is keyed by the path, not the host, so it bypasses
	// the host-keyed cache.
	if r.cfg.Strategy == "path" {
		return r.resolveByPath(ctx, path)
	}

	if r.cache == nil {
		return r.lookup(ctx, host)
	}

	key := r.cacheKey(r.cfg.Strategy, host)
	if t, ok, err := r.cacheGet(ctx, key); err == nil && ok {
		if r.metrics != nil {
			r.metrics.CacheHits.Add(ctx, 1)
		}
		// Entries may straddle an expiry or deactivation; re-check.
		if t != nil && !t.Active(r.now()) {
			return nil, nil
		}
		return t, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.Add(ctx, 1)
	}

	// Collapse concurrent lookups for the same host.
	v, err, _ := r.group.Do(key, func() (any, error) {
		t, err := r.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		r.cachePut(ctx, key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	t, _ := v.(*tenant.Tenant)
	return t, nil
}

// Invalidate drops cached resolution results for the given hosts across
// every strategy. It takes effect for all subsequent reads.
func (r *Resolver) Invalidate(ctx context.Context, hosts ...string) {
	if r.cache == nil {
		return
	}
	for _, host := range hosts {
		host = CanonicalHost(host)
		if host == "" {
			continue
		}
		for _, strategy := range []string{"domain", "subdomain", "path"} {
			if err := r.cache.Delete(ctx, r.cacheKey(strategy, host)); err != nil {
				r.log.Warn("tenant cache invalidation failed", "host", host, "strategy", strategy, "error", err)
			}
		}
	}
}

// InvalidateTenant drops cached results for every host the tenant is
// addressable by: its domain, its subdomain under the base domain and its
// slug under the base domain.
func (r *Resolver) InvalidateTenant(ctx context.Context, t *tenant.Tenant) {
	if t == nil {
		return
	}
	base := r.domains.BaseDomain()
	hosts := make([]string, 0, 3)
	if t.Domain != "" {
		hosts = append(hosts, t.Domain)
	}
	if t.Subdomain != "" {
		hosts = append(hosts, t.Subdomain+"."+base)
	}
	if t.Slug != "" && t.Slug != t.Subdomain {
		hosts = append(hosts, t.Slug+"."+base)
	}
	r.Invalidate(ctx, hosts...)
}

// lookup performs the uncached strategy dispatch for a host.
func (r *Resolver) lookup(ctx context.Context, host string) (*tenant.Tenant, error) {
	var (
		t   *tenant.Tenant
		err error
	)
	switch r.cfg.Strategy {
	case "subdomain":
		t, err = r.resolveBySubdomain(ctx, host)
	case "domain":
		t, err = r.resolveByDomain(ctx, host)
		// A tenant may be addressable either way: retry as subdomain when
		// the host carries one.
		if t == nil && err == nil && strings.Count(host, ".") >= 2 {
			t, err = r.resolveBySubdomain(ctx, host)
		}
	default:
		return nil, fmt.Errorf("unknown resolver strategy %q", r.cfg.Strategy)
	}
	if err != nil {
		return nil, err
	}
	if !t.Active(r.now()) {
		return nil, nil
	}
	return t, nil
}

// resolveBySubdomain matches the first label of a 3+ label host against the
// tenant subdomain field, falling back to the slug field.
//
// When the remainder of the host equals the canonical base domain the
// subdomain always resolves. When the remainder is some other central
// domain resolution is refused — except that with no canonical base domain
// configured the policy is deliberately permissive (documented legacy
// behavior, see resolver tests).
func (r *Resolver) resolveBySubdomain(ctx context.Context, host string) (*tenant.Tenant, error) {
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return nil, nil
	}

	sub := parts[0]
	base := strings.Join(parts[1:], ".")
	canonical := r.domains.CanonicalBaseDomain()

	if base != canonical && r.domains.IsCentral(base) && canonical != "" {
		return nil, nil
	}

	t, err := r.dir.FindBySubdomain(ctx, sub)
	if errors.Is(err, domain.ErrNotFound) {
		t, err = r.dir.FindBySlug(ctx, sub)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (r *Resolver) resolveByDomain(ctx context.Context, host string) (*tenant.Tenant, error) {
	t, err := r.dir.FindByDomain(ctx, host)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// resolveByPath matches the segment after the configured prefix against
// tenant slugs: "/tenant/acme" resolves the tenant with slug "acme".
func (r *Resolver) resolveByPath(ctx context.Context, path string) (*tenant.Tenant, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] != r.cfg.PathPrefix || segments[1] == "" {
		return nil, nil
	}
	t, err := r.dir.FindBySlug(ctx, segments[1])
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !t.Active(r.now()) {
		return nil, nil
	}
	return t, nil
}

func (r *Resolver) cacheKey(strategy, host string) string {
	return r.cacheCfg.Prefix + ":tenant:" + strategy + ":" + host
}

func (r *Resolver) cacheGet(ctx context.Context, key string) (*tenant.Tenant, bool, error) {
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if string(data) == string(negativeEntry) {
		return nil, true, nil
	}
	var t tenant.Tenant
	if err := json.Unmarshal(data, &t); err != nil {
		// Corrupt entry: drop it and fall through to a fresh lookup.
		_ = r.cache.Delete(ctx, key)
		return nil, false, nil
	}
	return &t, true, nil
}

func (r *Resolver) cachePut(ctx context.Context, key string, t *tenant.Tenant) {
	data := negativeEntry
	if t != nil {
		var err error
		if data, err = json.Marshal(t); err != nil {
			return
		}
	}
	if err := r.cache.Set(ctx, key, data, r.cacheCfg.TTL); err != nil {
		r.log.Warn("tenant cache write failed", "key", key, "error", err)
	}
}

// CanonicalHost normalizes a request host for matching: lowercased, any
// port stripped (including bracketed IPv6 forms such as "[::1]:8080"),
// enclosing brackets and a trailing dot removed.
func CanonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return strings.TrimSuffix(host, ".")
}

package tenancy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/domain"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/port/directory"
)

// fakeDirectory serves a fixed tenant set and counts lookups so tests can
// observe whether the cache was consulted.
type fakeDirectory struct {
	mu      sync.Mutex
	tenants []*tenant.Tenant
	lookups int
}

var _ directory.Directory = (*fakeDirectory)(nil)

func (d *fakeDirectory) find(match func(*tenant.Tenant) bool) (*tenant.Tenant, error) {
	d.mu.Lock()
	d.lookups++
	d.mu.Unlock()
	for _, t := range d.tenants {
		if match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("tenant: %w", domain.ErrNotFound)
}

func (d *fakeDirectory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func (d *fakeDirectory) FindByID(_ context.Context, id string) (*tenant.Tenant, error) {
	return d.find(func(t *tenant.Tenant) bool { return t.ID == id })
}

func (d *fakeDirectory) FindBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	return d.find(func(t *tenant.Tenant) bool { return t.Slug == slug })
}

func (d *fakeDirectory) FindByDomain(_ context.Context, host string) (*tenant.Tenant, error) {
	return d.find(func(t *tenant.Tenant) bool { return t.Domain == host })
}

func (d *fakeDirectory) FindBySubdomain(_ context.Context, sub string) (*tenant.Tenant, error) {
	return d.find(func(t *tenant.Tenant) bool { return t.Subdomain == sub })
}

func (d *fakeDirectory) ListActive(context.Context) ([]tenant.Tenant, error)  { return nil, nil }
func (d *fakeDirectory) ListExpired(context.Context) ([]tenant.Tenant, error) { return nil, nil }
func (d *fakeDirectory) ListAll(context.Context) ([]tenant.Tenant, error)     { return nil, nil }

func (d *fakeDirectory) Create(context.Context, tenant.CreateRequest) (*tenant.Tenant, error) {
	return nil, domain.ErrConflict
}
func (d *fakeDirectory) Update(context.Context, *tenant.Tenant) error  { return nil }
func (d *fakeDirectory) SoftDelete(context.Context, string) error      { return nil }
func (d *fakeDirectory) ForceDelete(context.Context, string) error     { return nil }

// mapCache is a TTL-ignoring in-memory cache for resolver tests.
type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func activeTenant(id, slug string) *tenant.Tenant {
	return &tenant.Tenant{ID: id, Slug: slug, IsActive: true}
}

func newTestResolver(t *testing.T, dir *fakeDirectory, rcfg config.Resolver, withCache bool) *Resolver {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ccfg := config.Cache{Enabled: withCache, Prefix: "tenancy", TTL: time.Hour}
	var c *mapCache
	if withCache {
		c = newMapCache()
	}
	if c != nil {
		return NewResolver(dir, NewDomainResolver(rcfg), c, rcfg, ccfg, log)
	}
	return NewResolver(dir, NewDomainResolver(rcfg), nil, rcfg, ccfg, log)
}

func TestResolveByDomain(t *testing.T) {
	acme := activeTenant("1", "acme")
	acme.Domain = "clinic.example.com"
	dir := &fakeDirectory{tenants: []*tenant.Tenant{acme}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:       "domain",
		BaseDomain:     "dental.test",
		CentralDomains: []string{"dental.test"},
	}, false)

	got, err := r.Resolve(context.Background(), "clinic.example.com", "/")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "1" {
		t.Fatalf("expected tenant 1, got %+v", got)
	}

	got, err = r.Resolve(context.Background(), "unknown.example.com", "/")
	if err != nil || got != nil {
		t.Fatalf("unknown host must resolve to no tenant, got %+v err %v", got, err)
	}
}

func TestResolveCentralHostNeverMatches(t *testing.T) {
	// Even a tenant row claiming the central domain must not resolve.
	evil := activeTenant("1", "evil")
	evil.Domain = "dental.test"
	dir := &fakeDirectory{tenants: []*tenant.Tenant{evil}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:       "domain",
		BaseDomain:     "dental.test",
		CentralDomains: []string{"admin.dental.test"},
	}, false)

	for _, host := range []string{"dental.test", "admin.dental.test"} {
		got, err := r.Resolve(context.Background(), host, "/")
		if err != nil || got != nil {
			t.Fatalf("central host %s resolved to %+v", host, got)
		}
	}
	if dir.lookupCount() != 0 {
		t.Fatal("central hosts must short-circuit before any directory lookup")
	}
}

func TestResolveBySubdomain(t *testing.T) {
	bySub := activeTenant("1", "acme-clinic")
	bySub.Subdomain = "acme"
	bySlug := activeTenant("2", "bravo")
	dir := &fakeDirectory{tenants: []*tenant.Tenant{bySub, bySlug}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "subdomain",
		BaseDomain: "dental.test",
	}, false)
	ctx := context.Background()

	t.Run("subdomain field match", func(t *testing.T) {
		got, err := r.Resolve(ctx, "acme.dental.test", "/")
		if err != nil || got == nil || got.ID != "1" {
			t.Fatalf("got %+v err %v", got, err)
		}
	})

	t.Run("slug fallback", func(t *testing.T) {
		got, err := r.Resolve(ctx, "bravo.dental.test", "/")
		if err != nil || got == nil || got.ID != "2" {
			t.Fatalf("got %+v err %v", got, err)
		}
	})

	t.Run("two label host has no subdomain", func(t *testing.T) {
		got, err := r.Resolve(ctx, "other.test", "/")
		if err != nil || got != nil {
			t.Fatalf("got %+v err %v", got, err)
		}
	})

	t.Run("case and port are canonicalized", func(t *testing.T) {
		got, err := r.Resolve(ctx, "ACME.Dental.Test:8080", "/")
		if err != nil || got == nil || got.ID != "1" {
			t.Fatalf("got %+v err %v", got, err)
		}
	})
}

func TestResolveSubdomainOfOtherCentralDomain(t *testing.T) {
	tn := activeTenant("1", "acme")
	tn.Subdomain = "acme"

	t.Run("refused when a canonical base is configured", func(t *testing.T) {
		dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}
		r := newTestResolver(t, dir, config.Resolver{
			Strategy:       "subdomain",
			BaseDomain:     "dental.test",
			CentralDomains: []string{"admin.example.org", "example.org"},
		}, false)

		got, err := r.Resolve(context.Background(), "acme.example.org", "/")
		if err != nil || got != nil {
			t.Fatalf("subdomain of a foreign central domain must not resolve, got %+v", got)
		}
	})

	t.Run("permitted when no canonical base is configured", func(t *testing.T) {
		// Legacy behavior preserved: without an explicit base domain the
		// central list does not fence off its subdomains.
		dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}
		r := newTestResolver(t, dir, config.Resolver{
			Strategy:       "subdomain",
			CentralDomains: []string{"example.org"},
		}, false)

		got, err := r.Resolve(context.Background(), "acme.example.org", "/")
		if err != nil || got == nil || got.ID != "1" {
			t.Fatalf("got %+v err %v", got, err)
		}
	})
}

func TestResolveDomainFallsBackToSubdomain(t *testing.T) {
	tn := activeTenant("1", "acme")
	tn.Subdomain = "acme"
	dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "domain",
		BaseDomain: "dental.test",
	}, false)

	got, err := r.Resolve(context.Background(), "acme.dental.test", "/")
	if err != nil || got == nil || got.ID != "1" {
		t.Fatalf("domain strategy must fall back to subdomain, got %+v err %v", got, err)
	}
}

func TestResolveByPath(t *testing.T) {
	tn := activeTenant("1", "acme")
	dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "path",
		BaseDomain: "dental.test",
		PathPrefix: "tenant",
	}, false)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "dental.test:8000", "/tenant/acme/dashboard")
	if err != nil || got == nil || got.ID != "1" {
		t.Fatalf("got %+v err %v", got, err)
	}

	for _, path := range []string{"/", "/tenant", "/tenant/", "/other/acme", "/tenant/missing"} {
		got, err := r.Resolve(ctx, "app.dental.test", path)
		if err != nil || got != nil {
			t.Fatalf("path %q resolved to %+v", path, got)
		}
	}
}

func TestResolveInactiveTenantsInvisible(t *testing.T) {
	yesterday := time.Now().Add(-24 * time.Hour)

	inactive := activeTenant("1", "inactive")
	inactive.Subdomain = "inactive"
	inactive.IsActive = false

	expired := activeTenant("2", "expired")
	expired.Subdomain = "expired"
	expired.ExpiresAt = &yesterday

	deleted := activeTenant("3", "deleted")
	deleted.Subdomain = "deleted"
	deleted.DeletedAt = &yesterday

	dir := &fakeDirectory{tenants: []*tenant.Tenant{inactive, expired, deleted}}
	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "subdomain",
		BaseDomain: "dental.test",
	}, false)

	for _, sub := range []string{"inactive", "expired", "deleted"} {
		got, err := r.Resolve(context.Background(), sub+".dental.test", "/")
		if err != nil || got != nil {
			t.Fatalf("%s tenant leaked through resolution: %+v", sub, got)
		}
	}
}

func TestResolveCacheAvoidsRepeatLookups(t *testing.T) {
	tn := activeTenant("1", "acme")
	tn.Subdomain = "acme"
	dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "subdomain",
		BaseDomain: "dental.test",
	}, true)
	ctx := context.Background()

	for range 5 {
		got, err := r.Resolve(ctx, "acme.dental.test", "/")
		if err != nil || got == nil || got.ID != "1" {
			t.Fatalf("got %+v err %v", got, err)
		}
	}
	if n := dir.lookupCount(); n != 1 {
		t.Fatalf("expected 1 directory lookup, got %d", n)
	}
}

func TestResolveNegativeCaching(t *testing.T) {
	dir := &fakeDirectory{}
	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "subdomain",
		BaseDomain: "dental.test",
	}, true)
	ctx := context.Background()

	for range 3 {
		got, err := r.Resolve(ctx, "ghost.dental.test", "/")
		if err != nil || got != nil {
			t.Fatalf("got %+v err %v", got, err)
		}
	}
	// Subdomain miss probes both the subdomain and the slug field once.
	if n := dir.lookupCount(); n != 2 {
		t.Fatalf("expected 2 directory lookups, got %d", n)
	}
}

func TestResolveInvalidateRestoresFreshLookups(t *testing.T) {
	tn := activeTenant("1", "acme")
	tn.Subdomain = "acme"
	dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}

	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "subdomain",
		BaseDomain: "dental.test",
	}, true)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "acme.dental.test", "/"); err != nil {
		t.Fatal(err)
	}
	before := dir.lookupCount()

	r.InvalidateTenant(ctx, tn)

	if _, err := r.Resolve(ctx, "acme.dental.test", "/"); err != nil {
		t.Fatal(err)
	}
	if dir.lookupCount() == before {
		t.Fatal("invalidation must force a fresh directory lookup")
	}
}

func TestResolveCachedEntryRecheckedForExpiry(t *testing.T) {
	soon := time.Now().Add(time.Hour)
	tn := activeTenant("1", "acme")
	tn.Subdomain = "acme"
	tn.ExpiresAt = &soon

	dir := &fakeDirectory{tenants: []*tenant.Tenant{tn}}
	r := newTestResolver(t, dir, config.Resolver{
		Strategy:   "subdomain",
		BaseDomain: "dental.test",
	}, true)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "acme.dental.test", "/")
	if err != nil || got == nil {
		t.Fatalf("got %+v err %v", got, err)
	}

	// The cached entry outlives the tenant's expiry.
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	got, err = r.Resolve(ctx, "acme.dental.test", "/")
	if err != nil || got != nil {
		t.Fatalf("expired tenant served from cache: %+v", got)
	}
}

func TestResolveCacheTransparency(t *testing.T) {
	mk := func() *fakeDirectory {
		bySub := activeTenant("1", "acme-clinic")
		bySub.Subdomain = "acme"
		byDomain := activeTenant("2", "bravo")
		byDomain.Domain = "bravo.example.com"
		return &fakeDirectory{tenants: []*tenant.Tenant{bySub, byDomain}}
	}
	cfg := config.Resolver{
		Strategy:       "domain",
		BaseDomain:     "dental.test",
		CentralDomains: []string{"dental.test"},
	}

	cached := newTestResolver(t, mk(), cfg, true)
	uncached := newTestResolver(t, mk(), cfg, false)
	ctx := context.Background()

	hosts := []string{
		"bravo.example.com",
		"acme.dental.test",
		"dental.test",
		"missing.example.com",
		"bravo.example.com", // repeat: served from cache on one side
	}
	for _, host := range hosts {
		a, errA := cached.Resolve(ctx, host, "/")
		b, errB := uncached.Resolve(ctx, host, "/")
		if (errA == nil) != (errB == nil) {
			t.Fatalf("host %s: error mismatch %v vs %v", host, errA, errB)
		}
		if (a == nil) != (b == nil) {
			t.Fatalf("host %s: result mismatch %+v vs %+v", host, a, b)
		}
		if a != nil && a.ID != b.ID {
			t.Fatalf("host %s: tenant mismatch %s vs %s", host, a.ID, b.ID)
		}
	}
}

func TestCanonicalHost(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Acme.Dental.Test", "acme.dental.test"},
		{"acme.dental.test:8080", "acme.dental.test"},
		{"acme.dental.test.", "acme.dental.test"},
		{"  acme.dental.test ", "acme.dental.test"},
		{"[::1]:8080", "::1"},
		{"[2001:db8::1]", "2001:db8::1"},
		{"::1", "::1"},
		{"127.0.0.1:9000", "127.0.0.1"},
	}
	for _, tt := range tests {
		if got := CanonicalHost(tt.in); got != tt.want {
			t.Errorf("CanonicalHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/credentials"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
)

type fakeHandle struct {
	mu     sync.Mutex
	closed bool
}

func (h *fakeHandle) Ping(context.Context) error { return nil }

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	opened  []string // database names in open order
	handles map[string]*fakeHandle
	fail    bool
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{handles: make(map[string]*fakeHandle)}
}

func (o *fakeOpener) open(_ context.Context, d *Descriptor) (Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return nil, errors.New("dial tcp: connection refused")
	}
	h := &fakeHandle{}
	o.opened = append(o.opened, d.Database)
	o.handles[d.Database] = h
	return h, nil
}

func testCreds(t *testing.T) *credentials.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := credentials.NewStore(credentials.NewMemoryBackend(), config.Credentials{
		EncryptionKey:    "test-key",
		SensitivePattern: `(?i)password`,
		ValidateTimeout:  time.Second,
	}, config.Connections{MaxOpen: 5}, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testManager(t *testing.T, cfg config.Connections, opener Opener) *Manager {
	t.Helper()
	if cfg.Driver == "" {
		cfg.Driver = "pgsql"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.Template.Host == "" {
		cfg.Template = config.Template{Host: "127.0.0.1", Port: 5432, Username: "tenancy"}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg, testCreds(t), opener, log)
}

func mkTenant(id, slug string) *tenant.Tenant {
	return &tenant.Tenant{ID: id, Slug: slug, IsActive: true}
}

func TestConnectionNameDeterministic(t *testing.T) {
	m := testManager(t, config.Connections{MaxOpen: 2}, newFakeOpener().open)
	tn := mkTenant("7", "acme")
	a, b := m.ConnectionName(tn), m.ConnectionName(tn)
	if a != b || a != "tenant_7" {
		t.Fatalf("expected stable tenant_7, got %s / %s", a, b)
	}
}

func TestDatabaseConfigMergePriorities(t *testing.T) {
	ctx := context.Background()
	creds := testCreds(t)
	if err := creds.StoreProfile(ctx, "acme-prod", credentials.Fields{
		"host":     "profile-host",
		"username": "profile-user",
		"password": "profile-pass",
	}); err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(config.Connections{
		MaxOpen:        2,
		ConnectTimeout: time.Second,
		Driver:         "pgsql",
		Template:       config.Template{Host: "template-host", Port: 5432, Username: "template-user"},
	}, creds, newFakeOpener().open, log)

	t.Run("template only", func(t *testing.T) {
		d, err := m.DatabaseConfig(ctx, mkTenant("1", "alpha"))
		if err != nil {
			t.Fatal(err)
		}
		if d.Host != "template-host" || d.Username != "template-user" {
			t.Fatalf("unexpected descriptor: %+v", d)
		}
	})

	t.Run("profile overrides template", func(t *testing.T) {
		tn := mkTenant("2", "beta")
		tn.CredentialProfile = "acme-prod"
		d, err := m.DatabaseConfig(ctx, tn)
		if err != nil {
			t.Fatal(err)
		}
		if d.Host != "profile-host" || d.Username != "profile-user" || d.Password != "profile-pass" {
			t.Fatalf("profile must override template: %+v", d)
		}
	})

	t.Run("tenant overrides profile", func(t *testing.T) {
		tn := mkTenant("3", "gamma")
		tn.CredentialProfile = "acme-prod"
		tn.DatabaseHost = "tenant-host"
		tn.DatabaseName = "explicit_db"
		d, err := m.DatabaseConfig(ctx, tn)
		if err != nil {
			t.Fatal(err)
		}
		if d.Host != "tenant-host" {
			t.Fatalf("tenant override must win: %+v", d)
		}
		if d.Database != "explicit_db" {
			t.Fatalf("explicit database name must win: %+v", d)
		}
	})

	t.Run("generated database names are distinct", func(t *testing.T) {
		d7, err := m.DatabaseConfig(ctx, mkTenant("7", "acme"))
		if err != nil {
			t.Fatal(err)
		}
		d8, err := m.DatabaseConfig(ctx, mkTenant("8", "acme-2"))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(d7.Database, "acme") {
			t.Fatalf("expected slug in database name, got %s", d7.Database)
		}
		if d7.Database == d8.Database {
			t.Fatal("distinct tenants must get distinct database names")
		}
	})
}

func TestSwitchToTenantNotPersisted(t *testing.T) {
	m := testManager(t, config.Connections{MaxOpen: 2}, newFakeOpener().open)
	err := m.SwitchToTenant(context.Background(), &tenant.Tenant{Slug: "ghost"})
	if !errors.Is(err, ErrTenantNotPersisted) {
		t.Fatalf("expected ErrTenantNotPersisted, got %v", err)
	}
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatal("expected *ConnectionError")
	}
}

func TestSwitchToTenantUnsupportedDriver(t *testing.T) {
	opener := newFakeOpener()
	m := testManager(t, config.Connections{MaxOpen: 2, Driver: "sqlite"}, opener.open)

	err := m.SwitchToTenant(context.Background(), mkTenant("1", "acme"))
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
	if m.ActiveConnectionCount() != 0 {
		t.Fatal("no connection may be registered for an unsupported driver")
	}
	if len(opener.opened) != 0 {
		t.Fatal("opener must not be called")
	}
}

func TestDatabaseConfigUnsupportedDriver(t *testing.T) {
	m := testManager(t, config.Connections{MaxOpen: 2, Driver: "sqlite"}, newFakeOpener().open)

	_, err := m.DatabaseConfig(context.Background(), mkTenant("1", "acme"))
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}

func TestSlowDialDoesNotBlockOtherTenants(t *testing.T) {
	ctx := context.Background()
	dialing := make(chan struct{})
	release := make(chan struct{})
	opener := func(_ context.Context, d *Descriptor) (Handle, error) {
		if strings.Contains(d.Database, "slow") {
			close(dialing)
			<-release
		}
		return &fakeHandle{}, nil
	}
	m := testManager(t, config.Connections{MaxOpen: 5}, opener)

	slowErr := make(chan error, 1)
	go func() { slowErr <- m.SwitchToTenant(ctx, mkTenant("s", "slowpoke")) }()
	<-dialing

	// The registry must stay usable while the slow dial is in flight.
	fastErr := make(chan error, 1)
	go func() { fastErr <- m.SwitchToTenant(ctx, mkTenant("f", "fast")) }()
	select {
	case err := <-fastErr:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("switch for an unrelated tenant stalled behind a slow dial")
	}
	if got := m.ActiveConnectionCount(); got != 1 {
		t.Fatalf("expected 1 live connection during the slow dial, got %d", got)
	}

	close(release)
	if err := <-slowErr; err != nil {
		t.Fatal(err)
	}
	if got := m.ActiveConnectionCount(); got != 2 {
		t.Fatalf("expected both connections registered, got %d", got)
	}
}

func TestConcurrentSwitchSameTenantDialsOnce(t *testing.T) {
	ctx := context.Background()
	var dials atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	opener := func(context.Context, *Descriptor) (Handle, error) {
		if dials.Add(1) == 1 {
			close(started)
		}
		<-release
		return &fakeHandle{}, nil
	}
	m := testManager(t, config.Connections{MaxOpen: 5}, opener)

	tn := mkTenant("a", "acme")
	errs := make(chan error, 2)
	go func() { errs <- m.SwitchToTenant(ctx, tn) }()
	go func() { errs <- m.SwitchToTenant(ctx, tn) }()

	<-started
	// Let the second caller reach the in-flight wait before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("expected a single physical dial, got %d", n)
	}
	if got := m.ActiveConnectionCount(); got != 1 {
		t.Fatalf("expected 1 live connection, got %d", got)
	}
}

func TestSwitchConnectivityFailure(t *testing.T) {
	opener := newFakeOpener()
	opener.fail = true
	m := testManager(t, config.Connections{MaxOpen: 2}, opener.open)

	err := m.SwitchToTenant(context.Background(), mkTenant("1", "acme"))
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
	if m.ActiveConnectionCount() != 0 {
		t.Fatal("failed opens must not be registered")
	}
}

func TestPoolCeilingEvictsLRUIdle(t *testing.T) {
	ctx := context.Background()
	opener := newFakeOpener()
	m := testManager(t, config.Connections{MaxOpen: 2}, opener.open)

	a, b, c := mkTenant("a", "aaa"), mkTenant("b", "bbb"), mkTenant("c", "ccc")

	// Sequential switches within one scope: the previous tenant is
	// released when the next is pinned.
	if err := m.SwitchToTenant(ctx, a); err != nil {
		t.Fatal(err)
	}
	m.SwitchToCentral(ctx, a)
	if err := m.SwitchToTenant(ctx, b); err != nil {
		t.Fatal(err)
	}

	// Ceiling reached; a is idle and least recently used.
	if err := m.SwitchToTenant(ctx, c); err != nil {
		t.Fatal(err)
	}

	if got := m.ActiveConnectionCount(); got != 2 {
		t.Fatalf("expected 2 live connections, got %d", got)
	}
	info := m.ActiveConnectionsInfo()
	if _, ok := info["tenant_a"]; ok {
		t.Fatal("tenant_a should have been evicted")
	}
	if _, ok := info["tenant_b"]; !ok {
		t.Fatal("tenant_b must survive (pinned)")
	}
	if _, ok := info["tenant_c"]; !ok {
		t.Fatal("tenant_c must be present")
	}

	// The evicted handle was physically closed.
	aDB := opener.opened[0]
	if !opener.handles[aDB].isClosed() {
		t.Fatal("evicted connection not closed")
	}
}

func TestPoolExhaustedWhenAllPinned(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, config.Connections{MaxOpen: 2}, newFakeOpener().open)

	if err := m.SwitchToTenant(ctx, mkTenant("a", "aaa")); err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchToTenant(ctx, mkTenant("b", "bbb")); err != nil {
		t.Fatal(err)
	}

	err := m.SwitchToTenant(ctx, mkTenant("c", "ccc"))
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestSwitchReusesExistingConnection(t *testing.T) {
	ctx := context.Background()
	opener := newFakeOpener()
	m := testManager(t, config.Connections{MaxOpen: 2}, opener.open)

	tn := mkTenant("a", "aaa")
	for range 3 {
		if err := m.SwitchToTenant(ctx, tn); err != nil {
			t.Fatal(err)
		}
		m.SwitchToCentral(ctx, tn)
	}
	if len(opener.opened) != 1 {
		t.Fatalf("expected a single physical open, got %d", len(opener.opened))
	}
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	opener := newFakeOpener()
	m := testManager(t, config.Connections{MaxOpen: 2}, opener.open)

	tn := mkTenant("a", "aaa")
	if err := m.SwitchToTenant(ctx, tn); err != nil {
		t.Fatal(err)
	}

	m.Close(ctx, tn)
	m.Close(ctx, tn) // second close is a no-op
	m.Close(ctx, mkTenant("never-opened", "x"))

	if m.ActiveConnectionCount() != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	opener := newFakeOpener()
	m := testManager(t, config.Connections{MaxOpen: 5}, opener.open)

	for _, id := range []string{"a", "b", "c"} {
		if err := m.SwitchToTenant(ctx, mkTenant(id, id+id)); err != nil {
			t.Fatal(err)
		}
	}
	m.CloseAll(ctx)

	if m.ActiveConnectionCount() != 0 {
		t.Fatal("expected empty registry after CloseAll")
	}
	for db, h := range opener.handles {
		if !h.isClosed() {
			t.Fatalf("handle %s not closed", db)
		}
	}
}

func TestActiveConnectionsInfoCarriesNoCredentials(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, config.Connections{
		MaxOpen:        2,
		Driver:         "pgsql",
		ConnectTimeout: time.Second,
		Template:       config.Template{Host: "h", Port: 5432, Username: "u", Password: "super-secret"},
	}, newFakeOpener().open)

	if err := m.SwitchToTenant(ctx, mkTenant("a", "aaa")); err != nil {
		t.Fatal(err)
	}
	info := m.ActiveConnectionsInfo()
	got := fmt.Sprintf("%+v", info)
	if strings.Contains(got, "super-secret") {
		t.Fatal("connection info leaks credentials")
	}
}

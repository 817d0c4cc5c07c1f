package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/angelitosystems/tenancy/internal/adapter/otel"
	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/credentials"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
)

// Handle is an open physical connection to a tenant database.
// *pgxpool.Pool satisfies it.
type Handle interface {
	Ping(ctx context.Context) error
	Close()
}

// Opener dials a physical connection for a descriptor.
type Opener func(ctx context.Context, d *Descriptor) (Handle, error)

// ConnInfo describes a live tenant connection for monitoring. It carries
// no credentials.
type ConnInfo struct {
	TenantID string    `json:"tenant_id"`
	Driver   string    `json:"driver"`
	Host     string    `json:"host"`
	Database string    `json:"database"`
	LastUsed time.Time `json:"last_used"`
	Pinned   bool      `json:"pinned"`
}

type conn struct {
	name     string
	tenantID string
	desc     *Descriptor
	handle   Handle
	lastUsed time.Time
	pins     int
}

// Manager builds connection descriptors, registers live tenant
// connections, enforces the pool ceiling with LRU eviction of unpinned
// connections and performs the active-connection switch.
//
// The registry is shared across concurrent requests and guarded by mu.
// Which tenant is "current" is not manager state: callers carry that in
// their context (see the tenancy package) and express liveness through
// pins.
type Manager struct {
	cfg     config.Connections
	creds   *credentials.Store
	opener  Opener
	log     *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	mu      sync.Mutex
	conns   map[string]*conn
	opening map[string]chan struct{} // in-flight dials by connection name
}

// NewManager creates a connection manager. The opener may be nil, in which
// case PgxOpener is used.
func NewManager(cfg config.Connections, creds *credentials.Store, opener Opener, log *slog.Logger) *Manager {
	if opener == nil {
		opener = PgxOpener
	}
	return &Manager{
		cfg:     cfg,
		creds:   creds,
		opener:  opener,
		log:     log,
		now:     time.Now,
		conns:   make(map[string]*conn),
		opening: make(map[string]chan struct{}),
	}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (m *Manager) SetMetrics(met *otel.Metrics) { m.metrics = met }

// ConnectionName returns the deterministic connection name for a tenant:
// "tenant_" + id. Pure; depends on no mutable state.
func (m *Manager) ConnectionName(t *tenant.Tenant) string {
	if t == nil {
		return ""
	}
	return "tenant_" + t.ID
}

// DatabaseConfig merges, in increasing priority, the driver template, the
// tenant's credential profile and the tenant's explicit overrides into a
// connection descriptor. The database name falls back to the deterministic
// generated name when not overridden.
func (m *Manager) DatabaseConfig(ctx context.Context, t *tenant.Tenant) (*Descriptor, error) {
	name := m.ConnectionName(t)
	if t == nil || t.ID == "" {
		return nil, connErr("", name, ErrTenantNotPersisted)
	}

	drv, ok := DriverByName(m.cfg.Driver)
	if !ok {
		return nil, connErr(t.ID, name, fmt.Errorf("unknown driver %q", m.cfg.Driver))
	}
	if !drv.SupportsMultiDatabase {
		return nil, connErr(t.ID, name, ErrUnsupportedDriver)
	}

	d := &Descriptor{
		Driver:    drv.Name,
		Host:      m.cfg.Template.Host,
		Port:      m.cfg.Template.Port,
		Username:  m.cfg.Template.Username,
		Password:  m.cfg.Template.Password,
		Charset:   m.cfg.Template.Charset,
		Collation: m.cfg.Template.Collation,
		SSLMode:   m.cfg.Template.SSLMode,
	}
	if d.Port == 0 {
		d.Port = drv.DefaultPort
	}

	if t.CredentialProfile != "" {
		f, err := m.creds.Get(ctx, t.CredentialProfile)
		if err != nil {
			return nil, connErr(t.ID, name, fmt.Errorf("credential profile: %w", err))
		}
		applyFields(d, f)
	}

	if t.DatabaseHost != "" {
		d.Host = t.DatabaseHost
	}
	if t.DatabasePort != 0 {
		d.Port = t.DatabasePort
	}
	if t.DatabaseUsername != "" {
		d.Username = t.DatabaseUsername
	}
	if t.DatabasePassword != "" {
		d.Password = t.DatabasePassword
	}
	if t.DatabaseName != "" {
		d.Database = t.DatabaseName
	} else {
		d.Database = m.creds.GenerateDatabaseName(t.Slug, t.ID)
	}

	if d.Host == "" || d.Username == "" {
		return nil, connErr(t.ID, name, fmt.Errorf("incomplete descriptor: host and username are required"))
	}
	return d, nil
}

// SwitchToTenant registers the tenant's connection configuration, opens
// the physical connection if needed and pins it for the calling scope.
func (m *Manager) SwitchToTenant(ctx context.Context, t *tenant.Tenant) error {
	c, err := m.ensure(ctx, t, true)
	if err != nil {
		return err
	}
	m.log.Info("connection switched",
		"tenant_id", c.tenantID,
		"connection", c.name,
		"database", c.desc.Database,
	)
	return nil
}

// SwitchToCentral releases the pin taken by SwitchToTenant for the given
// tenant, restoring the default connection for the calling scope. Always
// succeeds and is idempotent: unknown or unpinned connections are a no-op.
func (m *Manager) SwitchToCentral(_ context.Context, from *tenant.Tenant) {
	if from == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[m.ConnectionName(from)]
	if !ok {
		return
	}
	if c.pins > 0 {
		c.pins--
	}
	c.lastUsed = m.now()
	m.log.Info("connection switched", "tenant_id", from.ID, "connection", "central")
}

// Connect opens (or reuses) the tenant's physical connection without
// pinning it and returns the handle.
func (m *Manager) Connect(ctx context.Context, t *tenant.Tenant) (Handle, error) {
	c, err := m.ensure(ctx, t, false)
	if err != nil {
		return nil, err
	}
	return c.handle, nil
}

// ensure returns the registered connection for t, opening it if needed.
// Opening may evict the least-recently-used unpinned connection when the
// pool ceiling is reached. The physical dial happens outside the registry
// lock; a slow database stalls only callers of the same tenant, which
// wait on the in-flight dial instead of dialing again.
func (m *Manager) ensure(ctx context.Context, t *tenant.Tenant, pin bool) (*conn, error) {
	name := m.ConnectionName(t)

	desc, err := m.DatabaseConfig(ctx, t)
	if err != nil {
		return nil, err
	}

	var claimed chan struct{}
	for claimed == nil {
		m.mu.Lock()

		if c, ok := m.conns[name]; ok {
			c.lastUsed = m.now()
			if pin {
				c.pins++
			}
			m.mu.Unlock()
			return c, nil
		}

		if inflight, ok := m.opening[name]; ok {
			m.mu.Unlock()
			select {
			case <-inflight:
			case <-ctx.Done():
				return nil, connErr(t.ID, name, ctx.Err())
			}
			continue
		}

		// In-flight dials count against the ceiling.
		if len(m.conns)+len(m.opening) >= m.cfg.MaxOpen {
			if err := m.evictLockedLRU(ctx); err != nil {
				m.mu.Unlock()
				return nil, connErr(t.ID, name, err)
			}
		}
		claimed = make(chan struct{})
		m.opening[name] = claimed
		m.mu.Unlock()
	}

	octx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	handle, err := m.opener(octx, desc)
	cancel()

	m.mu.Lock()
	delete(m.opening, name)
	close(claimed)
	if err != nil {
		m.mu.Unlock()
		return nil, connErr(t.ID, name, fmt.Errorf("%w: %v", ErrConnectivity, err))
	}

	c := &conn{
		name:     name,
		tenantID: t.ID,
		desc:     desc,
		handle:   handle,
		lastUsed: m.now(),
	}
	if pin {
		c.pins = 1
	}
	m.conns[name] = c
	m.mu.Unlock()

	m.log.Info("connection opened", "tenant_id", t.ID, "connection", name, "descriptor", desc)
	return c, nil
}

// evictLockedLRU closes the least-recently-used unpinned connection.
// Caller holds m.mu.
func (m *Manager) evictLockedLRU(ctx context.Context) error {
	var victim *conn
	for _, c := range m.conns {
		if c.pins > 0 {
			continue
		}
		if victim == nil || c.lastUsed.Before(victim.lastUsed) {
			victim = c
		}
	}
	if victim == nil {
		return ErrPoolExhausted
	}
	delete(m.conns, victim.name)
	victim.handle.Close()
	if m.metrics != nil {
		m.metrics.ConnectionEvicted.Add(ctx, 1)
	}
	m.log.Info("connection evicted", "tenant_id", victim.tenantID, "connection", victim.name)
	return nil
}

// Close releases the tenant's physical connection. Closing an unknown or
// already-closed connection is a no-op.
func (m *Manager) Close(_ context.Context, t *tenant.Tenant) {
	if t == nil {
		return
	}
	name := m.ConnectionName(t)

	m.mu.Lock()
	c, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.handle.Close()
	m.log.Info("connection closed", "tenant_id", c.tenantID, "connection", name)
}

// CloseAll releases every tenant connection.
func (m *Manager) CloseAll(_ context.Context) {
	m.mu.Lock()
	closing := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		closing = append(closing, c)
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for _, c := range closing {
		c.handle.Close()
		m.log.Info("connection closed", "tenant_id", c.tenantID, "connection", c.name)
	}
}

// ActiveConnectionCount returns the number of live tenant connections.
func (m *Manager) ActiveConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ActiveConnectionsInfo returns a credential-free snapshot of the live
// connections, keyed by connection name.
func (m *Manager) ActiveConnectionsInfo() map[string]ConnInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ConnInfo, len(m.conns))
	for name, c := range m.conns {
		out[name] = ConnInfo{
			TenantID: c.tenantID,
			Driver:   c.desc.Driver,
			Host:     c.desc.Host,
			Database: c.desc.Database,
			LastUsed: c.lastUsed,
			Pinned:   c.pins > 0,
		}
	}
	return out
}

// applyFields overlays credential profile fields onto the descriptor.
func applyFields(d *Descriptor, f credentials.Fields) {
	if v := f["driver"]; v != "" {
		d.Driver = v
	}
	if v := f["host"]; v != "" {
		d.Host = v
	}
	if v := f["port"]; v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			d.Port = p
		}
	}
	if v := f["username"]; v != "" {
		d.Username = v
	}
	if v := f["password"]; v != "" {
		d.Password = v
	}
	if v := f["charset"]; v != "" {
		d.Charset = v
	}
	if v := f["collation"]; v != "" {
		d.Collation = v
	}
}

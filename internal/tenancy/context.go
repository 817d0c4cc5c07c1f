package tenancy

import (
	"context"
	"log/slog"
	"time"

	"github.com/angelitosystems/tenancy/internal/adapter/otel"
	"github.com/angelitosystems/tenancy/internal/domain/tenant"
	"github.com/angelitosystems/tenancy/internal/port/events"
)

// currentKey is a private context key for the current tenant.
type currentKey struct{}

// WithCurrent returns a context carrying the given tenant as current.
// A nil tenant marks the central context.
func WithCurrent(ctx context.Context, t *tenant.Tenant) context.Context {
	return context.WithValue(ctx, currentKey{}, t)
}

// Current returns the tenant bound to the context, or nil for the central
// context. It never fails: an unset or foreign context yields nil.
func Current(ctx context.Context) *tenant.Tenant {
	t, _ := ctx.Value(currentKey{}).(*tenant.Tenant)
	return t
}

// Switcher is the connection-manager surface the tenancy context needs to
// perform the physical backend switch.
type Switcher interface {
	// SwitchToTenant registers and opens the tenant's connection and pins it.
	SwitchToTenant(ctx context.Context, t *tenant.Tenant) error
	// SwitchToCentral releases the pin taken for the given tenant and
	// restores the default connection. Always succeeds; idempotent.
	SwitchToCentral(ctx context.Context, from *tenant.Tenant)
}

// Context coordinates tenant switches: it delegates the physical switch to
// the connection manager, binds the current tenant to the request context
// and emits switch notifications. The current tenant is always
// context-scoped; concurrent requests never share it.
type Context struct {
	conns    Switcher
	notifier events.Notifier
	log      *slog.Logger
	metrics  *otel.Metrics
}

// NewContext creates the tenancy context coordinator.
func NewContext(conns Switcher, notifier events.Notifier, log *slog.Logger) *Context {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Context{conns: conns, notifier: notifier, log: log}
}

// SetMetrics attaches metric instruments. Safe to leave unset.
func (tc *Context) SetMetrics(m *otel.Metrics) { tc.metrics = m }

// SwitchToTenant switches the backend to the tenant's database and returns
// a derived context with the tenant set as current.
func (tc *Context) SwitchToTenant(ctx context.Context, t *tenant.Tenant) (context.Context, error) {
	prev := Current(ctx)

	sctx, span := otel.StartSwitchSpan(ctx, tenantID(prev), tenantID(t))
	defer span.End()

	start := time.Now()
	if err := tc.conns.SwitchToTenant(sctx, t); err != nil {
		return ctx, err
	}
	if prev != nil {
		tc.conns.SwitchToCentral(sctx, prev)
	}

	tc.notifier.TenantSwitched(ctx, tenantID(prev), tenantID(t))
	if tc.metrics != nil {
		tc.metrics.TenantSwitches.Add(ctx, 1)
		tc.metrics.SwitchDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	tc.log.Info("tenant switched", "old_tenant_id", tenantID(prev), "new_tenant_id", tenantID(t))
	return WithCurrent(ctx, t), nil
}

// SwitchToCentral restores the central context. Idempotent.
func (tc *Context) SwitchToCentral(ctx context.Context) context.Context {
	prev := Current(ctx)
	if prev == nil {
		return ctx
	}
	tc.conns.SwitchToCentral(ctx, prev)
	tc.notifier.TenantSwitched(ctx, tenantID(prev), "")
	tc.log.Info("tenant switched", "old_tenant_id", tenantID(prev), "new_tenant_id", "")
	return WithCurrent(ctx, nil)
}

// RunForTenant executes fn with the tenant active, restoring whatever was
// current before the call on every exit path, including panics.
func (tc *Context) RunForTenant(ctx context.Context, t *tenant.Tenant, fn func(ctx context.Context) error) error {
	prev := Current(ctx)

	tctx, err := tc.SwitchToTenant(ctx, t)
	if err != nil {
		return err
	}
	defer tc.restore(ctx, t, prev)

	return fn(tctx)
}

// RunForCentral executes fn in the central context, restoring the previous
// tenant afterwards.
func (tc *Context) RunForCentral(ctx context.Context, fn func(ctx context.Context) error) error {
	prev := Current(ctx)
	if prev == nil {
		return fn(ctx)
	}

	cctx := tc.SwitchToCentral(ctx)
	defer func() {
		// Re-pin the previous tenant; its connection may have been evicted
		// while we were central.
		if err := tc.conns.SwitchToTenant(ctx, prev); err != nil {
			tc.log.Error("failed to restore tenant after central scope", "tenant_id", prev.ID, "error", err)
		}
	}()

	return fn(cctx)
}

// restore releases the scoped tenant and re-pins the previous one.
func (tc *Context) restore(ctx context.Context, scoped, prev *tenant.Tenant) {
	tc.conns.SwitchToCentral(ctx, scoped)
	if prev != nil {
		if err := tc.conns.SwitchToTenant(ctx, prev); err != nil {
			tc.log.Error("failed to restore previous tenant", "tenant_id", prev.ID, "error", err)
		}
	}
	tc.notifier.TenantSwitched(ctx, tenantID(scoped), tenantID(prev))
}

func tenantID(t *tenant.Tenant) string {
	if t == nil {
		return ""
	}
	return t.ID
}

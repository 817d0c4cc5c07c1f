// Package events defines the tenancy event notifier port.
package events

import "context"

// Notifier publishes tenancy lifecycle events. Delivery is fire-and-forget;
// implementations must preserve per-listener FIFO order of emission but make
// no ordering guarantee across distinct listeners.
type Notifier interface {
	// TenantCreated is emitted after a tenant record is persisted.
	TenantCreated(ctx context.Context, tenantID string)
	// TenantSwitched is emitted after the active connection context changes.
	// Either ID may be empty, meaning the central context.
	TenantSwitched(ctx context.Context, oldID, newID string)
}

// Nop is a Notifier that discards all events.
type Nop struct{}

func (Nop) TenantCreated(context.Context, string)          {}
func (Nop) TenantSwitched(context.Context, string, string) {}

// Package connection builds per-tenant connection descriptors and manages
// the live tenant connection pool.
package connection

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers match with errors.Is; *ConnectionError
// carries the tenant context.
var (
	// ErrTenantNotPersisted: connection switch attempted for a tenant
	// without a stable identifier.
	ErrTenantNotPersisted = errors.New("tenant is not persisted")
	// ErrUnsupportedDriver: the active driver cannot host per-tenant
	// isolated databases.
	ErrUnsupportedDriver = errors.New("driver does not support per-tenant databases")
	// ErrPoolExhausted: the connection ceiling is reached and no idle
	// connection can be evicted.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrConnectivity: the underlying network/storage probe failed.
	ErrConnectivity = errors.New("connectivity failure")
)

// ConnectionError wraps a connection failure with the tenant id and the
// attempted connection name for logging and operator messages.
type ConnectionError struct {
	TenantID       string
	ConnectionName string
	Err            error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s (connection %s): %v", e.TenantID, e.ConnectionName, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// connErr builds a *ConnectionError.
func connErr(tenantID, name string, err error) error {
	return &ConnectionError{TenantID: tenantID, ConnectionName: name, Err: err}
}

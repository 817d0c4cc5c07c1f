package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tenancy"

// StartResolveSpan starts a span for one host-to-tenant resolution.
func StartResolveSpan(ctx context.Context, host, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tenant.resolve",
		trace.WithAttributes(
			attribute.String("tenancy.host", host),
			attribute.String("tenancy.strategy", strategy),
		),
	)
}

// StartSwitchSpan starts a span for a tenant context switch.
func StartSwitchSpan(ctx context.Context, oldID, newID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tenant.switch",
		trace.WithAttributes(
			attribute.String("tenancy.old_tenant_id", oldID),
			attribute.String("tenancy.new_tenant_id", newID),
		),
	)
}

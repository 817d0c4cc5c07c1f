package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tenancy"

// Metrics holds all tenancy metric instruments.
type Metrics struct {
	Resolutions       metric.Int64Counter
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	TenantSwitches    metric.Int64Counter
	ConnectionEvicted metric.Int64Counter
	ActiveConnections metric.Int64ObservableGauge

	ResolutionDuration metric.Float64Histogram
	SwitchDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments. activeConns is polled for the
// active-connection gauge; pass the manager's ActiveConnectionCount.
func NewMetrics(activeConns func() int) (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Resolutions, err = meter.Int64Counter("tenancy.resolutions",
		metric.WithDescription("Number of tenant resolution attempts"))
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("tenancy.resolution.cache_hits",
		metric.WithDescription("Number of resolution cache hits"))
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("tenancy.resolution.cache_misses",
		metric.WithDescription("Number of resolution cache misses"))
	if err != nil {
		return nil, err
	}

	m.TenantSwitches, err = meter.Int64Counter("tenancy.switches",
		metric.WithDescription("Number of tenant context switches"))
	if err != nil {
		return nil, err
	}

	m.ConnectionEvicted, err = meter.Int64Counter("tenancy.connections.evicted",
		metric.WithDescription("Number of tenant connections evicted at the pool ceiling"))
	if err != nil {
		return nil, err
	}

	m.ResolutionDuration, err = meter.Float64Histogram("tenancy.resolution.duration",
		metric.WithDescription("Tenant resolution latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.SwitchDuration, err = meter.Float64Histogram("tenancy.switch.duration",
		metric.WithDescription("Tenant context switch latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64ObservableGauge("tenancy.connections.active",
		metric.WithDescription("Number of open tenant database connections"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(activeConns()))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordResolution counts one resolution attempt for a strategy, tagging
// whether a tenant matched.
func (m *Metrics) RecordResolution(ctx context.Context, strategy string, matched bool) {
	m.Resolutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.Bool("matched", matched),
		))
}

// Package nats publishes tenancy lifecycle events over NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName = "TENANCY"

	// SubjectTenantCreated carries TenantCreatedEvent payloads.
	SubjectTenantCreated = "tenancy.tenant.created"
	// SubjectTenantSwitched carries TenantSwitchedEvent payloads.
	SubjectTenantSwitched = "tenancy.tenant.switched"
)

// TenantCreatedEvent is published after a tenant is fully provisioned.
type TenantCreatedEvent struct {
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"at"`
}

// TenantSwitchedEvent is published on every tenant context switch. Empty
// ids denote the central context.
type TenantSwitchedEvent struct {
	OldTenantID string    `json:"old_tenant_id"`
	NewTenantID string    `json:"new_tenant_id"`
	At          time.Time `json:"at"`
}

// Notifier publishes tenancy events to JetStream. It satisfies the
// events port; publish failures are logged, never surfaced, so a broker
// outage cannot fail a tenant switch.
type Notifier struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
	now func() time.Time
}

// Connect establishes a connection to NATS and ensures the TENANCY
// stream exists.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Notifier, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"tenancy.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Notifier{nc: nc, js: js, log: log, now: time.Now}, nil
}

// TenantCreated publishes a tenant-created event.
func (n *Notifier) TenantCreated(ctx context.Context, id string) {
	n.publish(ctx, SubjectTenantCreated, TenantCreatedEvent{
		TenantID: id,
		At:       n.now().UTC(),
	})
}

// TenantSwitched publishes a tenant-switched event.
func (n *Notifier) TenantSwitched(ctx context.Context, oldID, newID string) {
	n.publish(ctx, SubjectTenantSwitched, TenantSwitchedEvent{
		OldTenantID: oldID,
		NewTenantID: newID,
		At:          n.now().UTC(),
	})
}

func (n *Notifier) publish(ctx context.Context, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		n.log.Error("marshal tenancy event", "subject", subject, "error", err)
		return
	}
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		n.log.Error("publish tenancy event", "subject", subject, "error", err)
	}
}

// Subscribe registers a handler for tenancy events on the given subject.
// The returned function stops consumption.
func (n *Notifier) Subscribe(ctx context.Context, subject string, handler func(subject string, data []byte) error) (func(), error) {
	consumer, err := n.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(msg.Subject(), msg.Data()); err != nil {
			n.log.Error("event handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				n.log.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			n.log.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// KeyValue returns the named JetStream KV bucket, creating it if needed.
// Entries expire at the bucket level after ttl.
func (n *Notifier) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := n.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the underlying NATS connection is live.
func (n *Notifier) IsConnected() bool {
	return n.nc != nil && n.nc.IsConnected()
}

// Close shuts down the NATS connection.
func (n *Notifier) Close() error {
	n.nc.Close()
	return nil
}

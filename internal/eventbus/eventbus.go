// Package eventbus wraps NATS JetStream for the at-least-once, cross-pod
// fan-out §6 asks the core to publish onto: policy.changed, on a tenant's
// provisioning, app.settings.updated. Every subject lives on one durable
// stream so a subscriber that was offline when an event fired still
// receives it on reconnect.
package eventbus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/parametricportal/trustplane/internal/apierr"
)

// Handler processes one delivered message. Returning an error Naks the
// message so JetStream redelivers it; returning nil Acks it.
type Handler func(ctx context.Context, payload []byte) error

// Bus is the publish/subscribe surface domain services depend on.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(subject, durableName string, handler Handler) (unsubscribe func() error, err error)
	Close() error
}

// NATSBus implements Bus over a JetStream-enabled NATS connection.
type NATSBus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// Connect dials url and ensures the named stream exists covering subjects.
// streamName/subjects are the caller's durable-stream topology — this repo
// uses a single "trustplane" stream covering every event subject it emits.
func Connect(url, streamName string, subjects []string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("trustplane"))
	if err != nil {
		return nil, apierr.Internal("eventbus: connect", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, apierr.Internal("eventbus: jetstream context", err)
	}

	bus := &NATSBus{conn: conn, js: js}
	if err := bus.ensureStream(streamName, subjects); err != nil {
		conn.Close()
		return nil, err
	}
	return bus, nil
}

func (b *NATSBus) ensureStream(name string, subjects []string) error {
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return apierr.Internal("eventbus: create stream", err)
	}
	return nil
}

// Publish sends payload on subject, returning once JetStream has durably
// stored it (synchronous ack, matching the "at-least-once durable
// delivery" guarantee §6 asks for).
func (b *NATSBus) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := b.js.Publish(subject, payload, nats.Context(ctx))
	if err != nil {
		return apierr.Internal(fmt.Sprintf("eventbus: publish %s", subject), err)
	}
	return nil
}

// Subscribe creates (or rejoins) a durable pull-free push consumer named
// durableName on subject. Each node in a cluster should use the same
// durableName for a given logical subscriber so JetStream load-balances
// redelivery across them rather than fanning every message to every node;
// callers that want "every node sees every event" (e.g. local cache
// invalidation) should use a distinct durableName per node instead.
func (b *NATSBus) Subscribe(subject, durableName string, handler Handler) (func() error, error) {
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(context.Background(), msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durableName), nats.ManualAck())
	if err != nil {
		return nil, apierr.Internal(fmt.Sprintf("eventbus: subscribe %s", subject), err)
	}
	return sub.Unsubscribe, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/eventbus"
)

// TestNATSBus_PublishSubscribeRoundTrip requires a local NATS server with
// JetStream enabled (nats-server -js) — same shape as the teacher's
// localhost-Postgres integration tests, exercising the real wire protocol
// rather than a mock.
func TestNATSBus_PublishSubscribeRoundTrip(t *testing.T) {
	bus, err := eventbus.Connect("nats://127.0.0.1:4222", "trustplane-test", []string{"trustplane.test.>"})
	if err != nil {
		t.Skipf("local NATS server unavailable: %v", err)
	}
	defer bus.Close()

	received := make(chan []byte, 1)
	unsubscribe, err := bus.Subscribe("trustplane.test.roundtrip", "trustplane-test-consumer", func(_ context.Context, payload []byte) error {
		received <- payload
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), "trustplane.test.roundtrip", []byte(`{"hello":"world"}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"hello":"world"}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

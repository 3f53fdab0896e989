package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentineld/pkg/contracts/domain"
	"sentineld/pkg/contracts/events"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func registerTestClient(hub *Hub) *Client {
	client := &Client{
		hub:  hub,
		send: make(chan []byte, 16),
		id:   "test-client",
	}
	hub.register <- client
	return client
}

func receiveEnvelope(t *testing.T, client *Client) events.Envelope {
	t.Helper()
	select {
	case data := <-client.send:
		var env events.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return events.Envelope{}
	}
}

func TestHubBroadcastsVerificationEvents(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	client := registerTestClient(hub)

	hub.EmitVerification("lic-1", "bin-1", "fingerprint-abc-123", domain.VerdictKill, "license revoked")

	env := receiveEnvelope(t, client)
	assert.Equal(t, events.EventVerification, env.Type)

	payload, ok := env.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "lic-1", payload["license_id"])
	assert.Equal(t, "KILL", payload["verdict"])
	assert.Equal(t, "license revoked", payload["reason"])
}

func TestHubBroadcastsLicenseChanges(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	client := registerTestClient(hub)
	hub.EmitLicenseChange("lic-1", "revoked")

	env := receiveEnvelope(t, client)
	assert.Equal(t, events.EventLicenseChange, env.Type)

	payload, ok := env.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "revoked", payload["change"])
}

func TestHubDropsForSlowConsumers(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	slow := &Client{hub: hub, send: make(chan []byte), id: "slow"}
	hub.register <- slow

	// Nothing reads slow.send, so every broadcast should be dropped
	// without blocking this test goroutine.
	for i := 0; i < 10; i++ {
		hub.EmitLicenseChange("lic-1", "patched")
	}

	require.Eventually(t, func() bool {
		return hub.Stats()["dropped_messages"].(int64) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub, cancel := newTestHub(t)
	defer cancel()

	client := registerTestClient(hub)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.unregister <- client
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-client.send
	assert.False(t, open)
}

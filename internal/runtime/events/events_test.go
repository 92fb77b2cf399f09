package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNoopAcceptsEverything(t *testing.T) {
	var p Publisher = Noop{}
	require.NoError(t, p.Publish(context.Background(), Event{Kind: KindIdentityDenied}))
	require.NoError(t, p.Close(context.Background()))
}

func TestValkeyRequiresAddress(t *testing.T) {
	_, err := NewValkey(ValkeyConfig{})
	require.Error(t, err)
}

func TestValkeyPublishesJSON(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	sub := server.NewSubscriber()
	defer sub.Close()
	sub.Subscribe("governance")

	pub, err := NewValkey(ValkeyConfig{Address: server.Addr(), Channel: "governance"})
	require.NoError(t, err)
	require.Equal(t, "governance", pub.Channel())

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	event := Event{
		Kind:     KindRequestThrottled,
		Identity: "203.0.113.5",
		Class:    "authentication",
		Path:     "/api/auth/session",
		At:       at,
		Detail:   map[string]string{"retryAfterSeconds": "300"},
	}
	require.NoError(t, pub.Publish(context.Background(), event))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, "governance", msg.Channel)
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Message), &got))
		require.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a published event")
	}

	require.NoError(t, pub.Close(context.Background()))
}

func TestValkeyDefaultChannelWithoutSubscribers(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	pub, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	require.NoError(t, err)
	defer pub.Close(context.Background())

	require.Equal(t, DefaultChannel, pub.Channel())
	require.NoError(t, pub.Publish(context.Background(), Event{Kind: KindIdentitySuspicious, Identity: "198.51.100.7"}))
}

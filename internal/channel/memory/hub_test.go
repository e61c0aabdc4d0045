package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/channel"
)

func recv(t *testing.T, ch <-chan *channel.Envelope) *channel.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope")
		return nil
	}
}

func TestSendReachesOthersOnly(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")
	bob := hub.Join("bob")
	assert.Same(t, alice, hub.Join("alice"))

	self, cancelSelf := alice.Subscribe()
	defer cancelSelf()
	envs, cancel := bob.Subscribe()
	defer cancel()

	require.NoError(t, alice.Send(context.Background(), "room", "m.call.hangup", json.RawMessage(`{"call_id":"c1"}`)))

	env := recv(t, envs)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, "m.call.hangup", env.Kind)
	assert.NotEmpty(t, env.EventID)
	assert.JSONEq(t, `{"call_id":"c1"}`, string(env.Payload))

	select {
	case env := <-self:
		t.Fatalf("sender saw its own event %s", env.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDuplicate(t *testing.T) {
	hub := NewHub()
	hub.Duplicate = 1
	alice := hub.Join("alice")
	envs, cancel := hub.Join("bob").Subscribe()
	defer cancel()

	require.NoError(t, alice.Send(context.Background(), "room", "k", json.RawMessage(`{}`)))
	a, b := recv(t, envs), recv(t, envs)
	assert.Equal(t, a.EventID, b.EventID)
}

func TestHoldReleasesInReverse(t *testing.T) {
	hub := NewHub()
	hub.Hold = true
	alice := hub.Join("alice")
	envs, cancel := hub.Join("bob").Subscribe()
	defer cancel()

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, "room", "first", json.RawMessage(`{}`)))
	require.NoError(t, alice.Send(ctx, "room", "second", json.RawMessage(`{}`)))
	assert.Empty(t, envs)

	hub.Release()
	assert.Equal(t, "second", recv(t, envs).Kind)
	assert.Equal(t, "first", recv(t, envs).Kind)
}

func TestClose(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")
	envs, _ := alice.Subscribe()

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	_, open := <-envs
	assert.False(t, open)
	assert.ErrorIs(t, alice.Send(context.Background(), "room", "k", nil), ErrClosed)
}

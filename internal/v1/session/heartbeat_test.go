package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corkboard/realtime/internal/v1/types"
)

func TestSweep_TerminatesSilentSessions(t *testing.T) {
	h, _, _ := newTestHub(t)

	alice := authAs(t, h, "alice")
	joinSpace(t, h, alice, "public")
	bob := authAs(t, h, "bob")
	joinSpace(t, h, bob, "public")
	drainFrames(t, alice)

	// First sweep: both sessions were alive, so both become suspects and
	// get probed.
	h.sweep(context.Background())
	assert.False(t, alice.isAlive())
	assert.False(t, bob.isAlive())
	assert.Len(t, alice.ping, 1)
	assert.Len(t, bob.ping, 1)

	// Bob answers the probe, alice stays silent.
	bob.setAlive(true)

	h.sweep(context.Background())

	alice.mu.RLock()
	aliceClosed := alice.closed
	alice.mu.RUnlock()
	assert.True(t, aliceClosed, "silent session must be terminated")

	bob.mu.RLock()
	bobClosed := bob.closed
	bob.mu.RUnlock()
	assert.False(t, bobClosed)

	// Bob saw alice leave the space.
	frames := drainFrames(t, bob)
	leave, ok := findFrame(frames, "user:leave")
	require.True(t, ok)
	assert.Equal(t, "alice", leave["userId"])

	r := h.registry
	r.mu.Lock()
	assert.NotContains(t, r.sessions, types.UserIdType("alice"))
	assert.Contains(t, r.sessions, types.UserIdType("bob"))
	r.mu.Unlock()
}

func TestSweep_ReclaimsUnauthenticatedSessions(t *testing.T) {
	h, _, _ := newTestHub(t)
	c := connect(h)

	h.sweep(context.Background())
	assert.False(t, c.isAlive())
	assert.Len(t, h.registry.OpenSessions(), 1)

	h.sweep(context.Background())

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	assert.True(t, closed)
	assert.Empty(t, h.registry.OpenSessions())
}

func TestRunHeartbeat_ReapsOverTicks(t *testing.T) {
	h, _, _ := newTestHub(t)
	h.heartbeatInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connect(h)

	done := make(chan struct{})
	go func() {
		h.RunHeartbeat(ctx)
		close(done)
	}()

	// The session never answers a ping, so two ticks reclaim it.
	require.Eventually(t, func() bool { return len(h.registry.OpenSessions()) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat runner did not stop on cancel")
	}
}

func TestRunHeartbeat_StopsOnHubShutdown(t *testing.T) {
	h, _, _ := newTestHub(t)
	h.heartbeatInterval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		h.RunHeartbeat(context.Background())
		close(done)
	}()

	require.NoError(t, h.Shutdown(context.Background()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat runner did not stop on hub shutdown")
	}
}

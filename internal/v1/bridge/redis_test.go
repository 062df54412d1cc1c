package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corkboard/realtime/internal/v1/types"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NotEmpty(t, svc.Origin())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestNilService_Safe(t *testing.T) {
	var svc *Service

	assert.Nil(t, svc.Client())
	assert.Empty(t, svc.Origin())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Publish(context.Background(), "space-1", "user-1", []byte(`{}`)))
	assert.NoError(t, svc.Close())
	svc.Subscribe(context.Background(), nil, func(Envelope) {})
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Subscribe manually to check if the envelope arrives
	sub := svc.Client().Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()

	// Wait for subscription to be active
	time.Sleep(50 * time.Millisecond)

	frame := []byte(`{"type":"card:updated","cardId":"card-1","userId":"user-1"}`)
	err := svc.Publish(ctx, types.SpaceIdType("space-1"), types.UserIdType("user-1"), frame)
	assert.NoError(t, err)

	// Receive
	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var env Envelope
	err = json.Unmarshal([]byte(msg.Payload), &env)
	assert.NoError(t, err)

	assert.Equal(t, types.SpaceIdType("space-1"), env.SpaceID)
	assert.Equal(t, types.UserIdType("user-1"), env.SenderID)
	assert.Equal(t, svc.Origin(), env.Origin)
	assert.JSONEq(t, string(frame), string(env.Frame))
}

func TestSubscribe_ReceivesForeignEnvelopes(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 1)
	handler := func(env Envelope) {
		received <- env
	}

	svc.Subscribe(ctx, wg, handler)

	// Wait for subscription
	time.Sleep(50 * time.Millisecond)

	// Publish from "another pod" (directly via redis client, different origin)
	env := Envelope{
		SpaceID:  "space-sub",
		SenderID: "user-2",
		Origin:   "another-pod",
		Frame:    json.RawMessage(`{"type":"cursor:move","x":1,"y":2}`),
	}
	bytes, _ := json.Marshal(env)
	svc.Client().Publish(ctx, Channel, bytes)

	select {
	case got := <-received:
		assert.Equal(t, types.SpaceIdType("space-sub"), got.SpaceID)
		assert.Equal(t, "another-pod", got.Origin)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	// Cancel context to stop subscription
	cancel()
	wg.Wait()
}

func TestSubscribe_SkipsOwnEnvelopes(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 2)
	svc.Subscribe(ctx, wg, func(env Envelope) {
		received <- env
	})

	time.Sleep(50 * time.Millisecond)

	// Our own publish must not come back through the handler
	err := svc.Publish(ctx, "space-echo", "user-1", []byte(`{"type":"card:updated"}`))
	require.NoError(t, err)

	// A foreign envelope on the same channel must still arrive
	foreign := Envelope{
		SpaceID: "space-echo",
		Origin:  "another-pod",
		Frame:   json.RawMessage(`{"type":"card:deleted"}`),
	}
	bytes, _ := json.Marshal(foreign)
	svc.Client().Publish(ctx, Channel, bytes)

	select {
	case got := <-received:
		assert.Equal(t, "another-pod", got.Origin, "own envelope should have been skipped")
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for foreign envelope")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected second envelope: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	wg.Wait()
}

func TestSubscribe_IgnoresMalformedPayloads(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 1)
	svc.Subscribe(ctx, wg, func(env Envelope) {
		received <- env
	})

	time.Sleep(50 * time.Millisecond)

	svc.Client().Publish(ctx, Channel, "not-json")

	foreign := Envelope{SpaceID: "space-1", Origin: "another-pod"}
	bytes, _ := json.Marshal(foreign)
	svc.Client().Publish(ctx, Channel, bytes)

	select {
	case got := <-received:
		assert.Equal(t, "another-pod", got.Origin)
	case <-time.After(1 * time.Second):
		t.Fatal("subscription should survive malformed payloads")
	}

	cancel()
	wg.Wait()
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	// Kill redis
	mr.Close()

	ctx := context.Background()

	err := svc.Ping(ctx)
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Close Redis to trigger circuit breaker
	mr.Close()

	// Multiple failed calls
	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "space-1", "user-1", []byte(`{}`))
	}

	// Circuit breaker should be open now (graceful degradation)
	err := svc.Publish(ctx, "space-1", "user-1", []byte(`{}`))
	// Should not panic, may return nil (graceful degradation) or error
	_ = err
}

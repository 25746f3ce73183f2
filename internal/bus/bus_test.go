package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
)

type pingPayload struct {
	N int `json:"n"`
}

func TestMemoryBusPublishSubscribeRoundTrip(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	received := make(chan *envelope.Envelope, 1)
	_, err := b.Subscribe("rosey.commands.trivia.answer", func(_ context.Context, e *envelope.Envelope) {
		received <- e
	})
	require.NoError(t, err)

	env, err := envelope.New("rosey.commands.trivia.answer", "trivia.answer", "test", pingPayload{N: 7})
	require.NoError(t, err)
	require.NoError(t, b.Publish("rosey.commands.trivia.answer", env))

	select {
	case got := <-received:
		assert.Equal(t, env.CorrelationID, got.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusPublishRejectedWhenDisconnected(t *testing.T) {
	b := bus.NewMemoryBus()
	env, err := envelope.New("rosey.events.x", "x", "test", pingPayload{})
	require.NoError(t, err)

	err = b.Publish("rosey.events.x", env)
	assert.Error(t, err)
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	_, err := b.Subscribe("rosey.commands.echo", func(_ context.Context, e *envelope.Envelope) {
		var p pingPayload
		_ = e.DecodeData(&p)
		_ = b.Reply(e, pingPayload{N: p.N * 2})
	})
	require.NoError(t, err)

	req, err := envelope.New("rosey.commands.echo", "echo", "test", pingPayload{N: 21})
	require.NoError(t, err)

	reply, err := b.Request(context.Background(), "rosey.commands.echo", req, time.Second)
	require.NoError(t, err)

	var p pingPayload
	require.NoError(t, reply.DecodeData(&p))
	assert.Equal(t, 42, p.N)
}

func TestMemoryBusRequestTimesOutWithNoSubscriber(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	req, err := envelope.New("rosey.commands.nobody", "nobody", "test", pingPayload{})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), "rosey.commands.nobody", req, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("rosey.events.ping", func(_ context.Context, e *envelope.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	env, err := envelope.New("rosey.events.ping", "ping", "test", pingPayload{})
	require.NoError(t, err)
	require.NoError(t, b.Publish("rosey.events.ping", env))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Unsubscribe(sub))

	env2, err := envelope.New("rosey.events.ping", "ping", "test", pingPayload{})
	require.NoError(t, err)
	require.NoError(t, b.Publish("rosey.events.ping", env2))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "unsubscribe must cancel delivery, not just a local reference")
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	received := make(chan *envelope.Envelope, 1)
	_, err := b.Subscribe("rosey.events.>", func(_ context.Context, e *envelope.Envelope) {
		received <- e
	})
	require.NoError(t, err)

	env, err := envelope.New("rosey.events.plugin.crashed", "plugin.crashed", "test", pingPayload{})
	require.NoError(t, err)
	require.NoError(t, b.Publish("rosey.events.plugin.crashed", env))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wildcard-matched message")
	}
}

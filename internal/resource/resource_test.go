package resource_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/resource"
)

func TestMonitorSamplesSelfProcess(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	m := resource.NewMonitor("self", os.Getpid(), 20*time.Millisecond, resource.Limits{
		MaxRSSBytes:   1,
		BreachSamples: 2,
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	last := m.LastSample()
	assert.False(t, last.Timestamp.IsZero())
	assert.Greater(t, last.RSSBytes, uint64(0))
}

func TestMonitorEmitsBreachEventAfterDebounce(t *testing.T) {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	breaches := make(chan *envelope.Envelope, 4)
	_, err := b.Subscribe("rosey.plugins.self.resource.exceeded", func(_ context.Context, e *envelope.Envelope) {
		breaches <- e
	})
	require.NoError(t, err)

	m := resource.NewMonitor("self", os.Getpid(), 10*time.Millisecond, resource.Limits{
		MaxRSSBytes:   1, // guaranteed to be exceeded immediately
		BreachSamples: 2,
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	select {
	case <-breaches:
	case <-time.After(time.Second):
		t.Fatal("expected a resource breach event after the debounce window")
	}
}

func TestMonitorPauseSuppressesSampling(t *testing.T) {
	m := resource.NewMonitor("self", os.Getpid(), 10*time.Millisecond, resource.Limits{}, nil)
	m.Pause(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	assert.True(t, m.LastSample().Timestamp.IsZero())
}

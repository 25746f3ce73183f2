package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/registry"
	"github.com/rosey-chat/rosey-core/internal/supervisor"
)

func TestRegisterRejectsDuplicatePlugin(t *testing.T) {
	r := registry.New()
	e1 := &registry.Entry{Metadata: registry.Metadata{ID: "dice"}}
	e2 := &registry.Entry{Metadata: registry.Metadata{ID: "dice"}}

	require.NoError(t, r.Register(e1))
	require.Error(t, r.Register(e2))
}

func TestRegisterRejectsCommandPrefixConflict(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Entry{
		Metadata: registry.Metadata{ID: "dice", CommandPrefixes: []string{"roll"}},
	}))
	err := r.Register(&registry.Entry{
		Metadata: registry.Metadata{ID: "trivia", CommandPrefixes: []string{"roll"}},
	})
	require.Error(t, err)
}

func TestForCommandResolvesRegisteredPrefix(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Entry{
		Metadata: registry.Metadata{ID: "dice", CommandPrefixes: []string{"roll"}},
	}))
	id, ok := r.ForCommand("roll")
	require.True(t, ok)
	assert.Equal(t, "dice", id)

	_, ok = r.ForCommand("unknown")
	assert.False(t, ok)
}

func TestUnregisterRemovesCommandIndex(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(&registry.Entry{
		Metadata: registry.Metadata{ID: "dice", CommandPrefixes: []string{"roll"}},
	}))
	require.NoError(t, r.Unregister("dice"))
	_, ok := r.ForCommand("roll")
	assert.False(t, ok)
}

func TestManagerLoadRegistersLoadedPluginAndCommand(t *testing.T) {
	r := registry.New()
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	defer b.Disconnect()

	mgr := registry.NewManager(r, b)

	meta := registry.Metadata{
		ID:               "echo",
		Executable:       "/bin/sleep",
		Args:             []string{"60"},
		CommandPrefixes:  []string{"echo"},
		ReadinessTimeout: 50 * time.Millisecond,
		GracefulTimeout:  50 * time.Millisecond,
	}
	_, err := mgr.Load(meta)
	require.NoError(t, err)

	status, err := mgr.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, supervisor.Loaded, status.State)

	id, err := mgr.ForCommand("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", id)
}

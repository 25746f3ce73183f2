package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/resource"
	"github.com/rosey-chat/rosey-core/internal/supervisor"
)

func newTestBus(t *testing.T) bus.Bus {
	b := bus.NewMemoryBus()
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { b.Disconnect() })
	return b
}

// publishReadyShortly simulates a well-behaved plugin announcing readiness
// shortly after being spawned.
func publishReadyShortly(t *testing.T, b bus.Bus, pluginID string) {
	t.Helper()
	go func() {
		time.Sleep(30 * time.Millisecond)
		env, err := envelope.New("rosey.plugins."+pluginID+".ready", "plugin.ready", pluginID, map[string]any{})
		require.NoError(t, err)
		require.NoError(t, b.Publish(env.Subject, env))
	}()
}

func TestStartReachesRunningOnReadinessHandshake(t *testing.T) {
	b := newTestBus(t)
	publishReadyShortly(t, b, "echo-plugin")

	p := supervisor.New(supervisor.Spec{
		PluginID:         "echo-plugin",
		Executable:       "sleep",
		Args:             []string{"5"},
		ReadinessTimeout: time.Second,
		Restart:          supervisor.RestartConfig{Policy: supervisor.RestartNever},
	}, b, supervisor.Observers{})

	require.NoError(t, p.Load())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, supervisor.Running, p.State())
	assert.NotZero(t, p.PID())

	graceful, err := p.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, graceful)
	assert.Equal(t, supervisor.Stopped, p.State())
}

func TestStartFailsOnReadinessTimeout(t *testing.T) {
	b := newTestBus(t)

	p := supervisor.New(supervisor.Spec{
		PluginID:         "silent-plugin",
		Executable:       "sleep",
		Args:             []string{"5"},
		ReadinessTimeout: 50 * time.Millisecond,
		GracefulTimeout:  50 * time.Millisecond,
		Restart:          supervisor.RestartConfig{Policy: supervisor.RestartNever},
	}, b, supervisor.Observers{})

	require.NoError(t, p.Load())
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, supervisor.Failed, p.State())
}

func TestExitBeforeReadinessFailsStartUnderOnFailurePolicy(t *testing.T) {
	b := newTestBus(t)

	var startedCount int
	done := make(chan struct{}, 1)

	p := supervisor.New(supervisor.Spec{
		PluginID:         "flaky-plugin",
		Executable:       "false", // exits immediately with code 1
		ReadinessTimeout: 50 * time.Millisecond,
		GracefulTimeout:  50 * time.Millisecond,
		Restart: supervisor.RestartConfig{
			Policy:         supervisor.RestartOnFailure,
			MaxRestarts:    2,
			Window:         time.Second,
			InitialBackoff: 10 * time.Millisecond,
		},
		ResourceLimits: resource.Limits{},
	}, b, supervisor.Observers{
		OnCrashed: func(id string, exitCode int) {
			startedCount++
			if startedCount >= 1 {
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
	})

	require.NoError(t, p.Load())
	err := p.Start(context.Background())
	// "false" exits before any readiness ready event arrives, so Start
	// itself reports a spawn-during-startup failure; the crash/restart
	// path is exercised once the process is already RUNNING, which this
	// seed (exiting before readiness) does not reach - documented here
	// as the boundary between "failed to start" and "crashed".
	require.Error(t, err)
	assert.Equal(t, supervisor.Failed, p.State())
}

func TestInvalidTransitionRejected(t *testing.T) {
	b := newTestBus(t)
	p := supervisor.New(supervisor.Spec{PluginID: "x", Executable: "sleep"}, b, supervisor.Observers{})
	_, err := p.Stop(context.Background())
	assert.Error(t, err)
}

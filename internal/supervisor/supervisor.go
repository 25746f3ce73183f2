// Package supervisor owns the lifecycle of one plugin's child process: its
// state machine, start/stop protocols, readiness handshake over the bus,
// crash detection, and restart policy with backoff and circuit breaking.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/resource"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/rosymetrics"
)

// Spec is the static configuration a PluginProcess is built from.
type Spec struct {
	PluginID        string
	Executable      string
	Args            []string
	ReadinessTimeout time.Duration
	GracefulTimeout time.Duration
	Restart         RestartConfig
	ResourceLimits  resource.Limits
	SampleInterval  time.Duration
}

func (s Spec) withDefaults() Spec {
	if s.ReadinessTimeout <= 0 {
		s.ReadinessTimeout = 10 * time.Second
	}
	if s.GracefulTimeout <= 0 {
		s.GracefulTimeout = 10 * time.Second
	}
	if s.SampleInterval <= 0 {
		s.SampleInterval = 5 * time.Second
	}
	return s
}

// Observers are callbacks invoked on the supervisor's own goroutine; they
// must not block.
type Observers struct {
	OnStateChange func(id string, from, to State)
	OnStarted     func(id string)
	OnStopped     func(id string, graceful bool)
	OnCrashed     func(id string, exitCode int)
}

// PluginProcess owns and drives one plugin's child process through its
// lifecycle.
type PluginProcess struct {
	spec Spec
	bus  bus.Bus
	obs  Observers

	mu       sync.RWMutex
	state    State
	pid      int
	startTime time.Time
	restartCount int

	cmd     *exec.Cmd
	monitor *resource.Monitor
	restart *restartTracker

	readySub *bus.Subscription

	stopRequested bool

	// exitedCh is closed exactly once, by the single goroutine that calls
	// cmd.Wait() for the current child, when that call returns. Both
	// watch() and Stop() observe it instead of calling cmd.Wait() a
	// second time, which exec.Cmd does not permit.
	exitedCh chan struct{}
	exitErr  error
}

// New constructs a PluginProcess in the UNLOADED state.
func New(spec Spec, b bus.Bus, obs Observers) *PluginProcess {
	spec = spec.withDefaults()
	return &PluginProcess{
		spec:    spec,
		bus:     b,
		obs:     obs,
		state:   Unloaded,
		restart: newRestartTracker(spec.Restart),
	}
}

// State returns the current lifecycle state.
func (p *PluginProcess) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// PID returns the live child pid, or 0 if not running.
func (p *PluginProcess) PID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pid
}

// RestartCount returns the number of restarts observed so far.
func (p *PluginProcess) RestartCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.restartCount
}

func (p *PluginProcess) setState(to State) error {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", rosyerr.ErrInvalidTransition, from, to)
	}
	p.state = to
	p.mu.Unlock()

	rosymetrics.RecordPluginState(p.spec.PluginID, []string{
		Unloaded.String(), Loaded.String(), Starting.String(), Running.String(),
		Stopping.String(), Stopped.String(), Crashed.String(), Failed.String(),
	}, to.String())

	if p.obs.OnStateChange != nil {
		p.obs.OnStateChange(p.spec.PluginID, from, to)
	}
	p.publishLifecycle(to.String())
	return nil
}

func (p *PluginProcess) publishLifecycle(eventName string) {
	if p.bus == nil || !p.bus.IsConnected() {
		return
	}
	subj := "rosey.plugins." + p.spec.PluginID + "." + eventName
	env, err := envelope.New(subj, "plugin."+eventName, "rosey-core", map[string]any{
		"plugin_id": p.spec.PluginID,
	})
	if err != nil {
		return
	}
	_ = p.bus.Publish(subj, env)
}

// Load transitions UNLOADED -> LOADED.
func (p *PluginProcess) Load() error {
	return p.setState(Loaded)
}

// Unload transitions STOPPED/FAILED -> UNLOADED.
func (p *PluginProcess) Unload() error {
	return p.setState(Unloaded)
}

// Start spawns the child process and waits for its readiness handshake on
// rosey.plugins.<id>.ready, or fails it after ReadinessTimeout.
func (p *PluginProcess) Start(ctx context.Context) error {
	if err := p.setState(Starting); err != nil {
		return err
	}

	readyCh := make(chan struct{}, 1)
	sub, err := p.bus.Subscribe("rosey.plugins."+p.spec.PluginID+".ready", func(_ context.Context, _ *envelope.Envelope) {
		select {
		case readyCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		_ = p.setState(Failed)
		return fmt.Errorf("%w: %v", rosyerr.ErrSpawnFailed, err)
	}
	p.mu.Lock()
	p.readySub = sub
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.spec.Executable, p.spec.Args...)
	if err := cmd.Start(); err != nil {
		_ = p.bus.Unsubscribe(sub)
		_ = p.setState(Failed)
		return fmt.Errorf("%w: %v", rosyerr.ErrSpawnFailed, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startTime = time.Now()
	p.stopRequested = false
	p.mu.Unlock()

	exitedCh := make(chan struct{})
	p.mu.Lock()
	p.exitedCh = exitedCh
	p.mu.Unlock()
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(exitedCh)
	}()

	timer := time.NewTimer(p.spec.ReadinessTimeout)
	defer timer.Stop()

	select {
	case <-readyCh:
		rosylog.Supervisor().Info().Str("plugin", p.spec.PluginID).Int("pid", p.pid).Msg("plugin ready")
	case <-exitedCh:
		_ = p.bus.Unsubscribe(sub)
		p.mu.RLock()
		exitErr := p.exitErr
		p.mu.RUnlock()
		rosylog.Supervisor().Warn().Str("plugin", p.spec.PluginID).Err(exitErr).Msg("plugin exited before readiness")
		_ = p.setState(Failed)
		return fmt.Errorf("%w: exited during startup", rosyerr.ErrSpawnFailed)
	case <-timer.C:
		rosylog.Supervisor().Warn().Str("plugin", p.spec.PluginID).Msg("readiness timeout")
		_ = p.bus.Unsubscribe(sub)
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exitedCh
		_ = p.setState(Failed)
		return rosyerr.ErrReadinessTimeout
	}

	if err := p.setState(Running); err != nil {
		return err
	}

	p.monitor = resource.NewMonitor(p.spec.PluginID, p.pid, p.spec.SampleInterval, p.spec.ResourceLimits, p.bus)
	p.monitor.Start(ctx)

	if p.obs.OnStarted != nil {
		p.obs.OnStarted(p.spec.PluginID)
	}
	p.publishLifecycle("started")

	go p.watch(ctx, exitedCh)

	return nil
}

// watch observes the child's exit and drives crash detection / restart
// policy. It runs for the lifetime of one spawned process.
func (p *PluginProcess) watch(ctx context.Context, exitedCh chan struct{}) {
	<-exitedCh

	p.mu.Lock()
	stopRequested := p.stopRequested
	err := p.exitErr
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Stop()
	}

	exitCode := exitCodeOf(err)

	if stopRequested {
		return // Stop() already owns the state transition to STOPPED.
	}

	rosylog.Supervisor().Warn().Str("plugin", p.spec.PluginID).Int("exit_code", exitCode).Msg("plugin crashed")
	if err := p.setState(Crashed); err != nil {
		return
	}
	if p.obs.OnCrashed != nil {
		p.obs.OnCrashed(p.spec.PluginID, exitCode)
	}
	p.publishLifecycle("crashed")

	if !p.spec.Restart.shouldRestart(true, exitCode) {
		_ = p.setState(Failed)
		return
	}

	backoff, circuitOpen := p.restart.recordAttempt(time.Now())
	if circuitOpen {
		rosylog.Supervisor().Error().Str("plugin", p.spec.PluginID).Msg("restart circuit open")
		rosymetrics.RecordCircuitOpen(p.spec.PluginID)
		_ = p.setState(Failed)
		p.publishLifecycle("circuit_open")
		return
	}

	p.mu.Lock()
	p.restartCount++
	p.mu.Unlock()
	rosymetrics.RecordRestart(p.spec.PluginID)

	time.Sleep(backoff)
	if err := p.Start(ctx); err != nil {
		rosylog.Supervisor().Error().Str("plugin", p.spec.PluginID).Err(err).Msg("restart failed")
	}
}

// Stop asks the child to exit gracefully, force-killing it if it doesn't
// within GracefulTimeout. Returns true iff the exit was graceful.
func (p *PluginProcess) Stop(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.state != Running {
		state := p.state
		p.mu.Unlock()
		if state == Stopped || state == Failed {
			return true, nil
		}
		return false, fmt.Errorf("%w: cannot stop from %s", rosyerr.ErrInvalidTransition, state)
	}
	p.stopRequested = true
	cmd := p.cmd
	exitedCh := p.exitedCh
	p.mu.Unlock()

	if err := p.setState(Stopping); err != nil {
		return false, err
	}
	if p.monitor != nil {
		p.monitor.Pause(true)
	}

	shutdownSubj := "rosey.plugins." + p.spec.PluginID + ".shutdown"
	if p.bus != nil && p.bus.IsConnected() {
		if env, err := envelope.New(shutdownSubj, "plugin.shutdown", "rosey-core", map[string]any{}); err == nil {
			_ = p.bus.Publish(shutdownSubj, env)
		}
	}

	graceful := true
	if cmd != nil && cmd.Process != nil && exitedCh != nil {
		select {
		case <-exitedCh:
		case <-time.After(p.spec.GracefulTimeout):
			graceful = false
			_ = cmd.Process.Kill()
			p.publishLifecycle("force_killed")
			<-exitedCh
		}
	}

	if p.monitor != nil {
		p.monitor.Stop()
	}
	if p.readySub != nil {
		_ = p.bus.Unsubscribe(p.readySub)
	}

	p.mu.Lock()
	p.pid = 0
	p.mu.Unlock()

	if err := p.setState(Stopped); err != nil {
		return graceful, err
	}
	if p.obs.OnStopped != nil {
		p.obs.OnStopped(p.spec.PluginID, graceful)
	}
	p.publishLifecycle("stopped")

	return graceful, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

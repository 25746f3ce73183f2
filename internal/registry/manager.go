package registry

import (
	"context"
	"fmt"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/permission"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/supervisor"
)

// Status is the externally observable snapshot of one plugin returned by
// List/Get.
type Status struct {
	ID           string
	State        supervisor.State
	PID          int
	RestartCount int
	Version      string
}

// Manager drives load/start/stop/restart operations over the Registry's
// entries and publishes aggregated lifecycle events on
// rosey.plugins.<id>.{started,stopped,crashed,ready,error}, per spec §4.G.
type Manager struct {
	reg *Registry
	b   bus.Bus
}

// NewManager constructs a Manager over reg, publishing lifecycle
// aggregation events through b.
func NewManager(reg *Registry, b bus.Bus) *Manager {
	return &Manager{reg: reg, b: b}
}

// Load registers a plugin's metadata and constructs (but does not start)
// its supervisor and permission set.
func (m *Manager) Load(meta Metadata) (*Entry, error) {
	perms := &permission.PluginPermissions{
		PluginID: meta.ID,
		Granted:  meta.Permissions,
		Files:    meta.FileAccess,
	}

	spec := supervisor.Spec{
		PluginID:         meta.ID,
		Executable:       meta.Executable,
		Args:             meta.Args,
		ReadinessTimeout: meta.ReadinessTimeout,
		GracefulTimeout:  meta.GracefulTimeout,
		Restart:          meta.Restart,
		ResourceLimits:   meta.ResourceLimits,
		SampleInterval:   meta.SampleInterval,
	}

	sup := supervisor.New(spec, m.b, supervisor.Observers{
		OnStarted: func(id string) { m.publish(id, "started", nil) },
		OnStopped: func(id string, graceful bool) {
			m.publish(id, "stopped", map[string]any{"graceful": graceful})
		},
		OnCrashed: func(id string, exitCode int) {
			m.publish(id, "crashed", map[string]any{"exit_code": exitCode})
		},
	})

	e := &Entry{Metadata: meta, Supervisor: sup, Permissions: perms}
	if err := m.reg.Register(e); err != nil {
		return nil, err
	}
	if err := sup.Load(); err != nil {
		_ = m.reg.Unregister(meta.ID)
		return nil, err
	}
	rosylog.Registry().Info().Str("plugin", meta.ID).Msg("plugin loaded")
	return e, nil
}

// Unload removes a plugin's entry. The plugin must already be STOPPED or
// FAILED (enforced by the supervisor's own state machine via Unload).
func (m *Manager) Unload(id string) error {
	e, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if err := e.Supervisor.Unload(); err != nil {
		return err
	}
	return m.reg.Unregister(id)
}

// Start spawns id's child process and waits for its readiness handshake.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if err := e.Supervisor.Start(ctx); err != nil {
		m.publish(id, "error", map[string]any{"error": err.Error()})
		return err
	}
	m.publish(id, "ready", nil)
	return nil
}

// Stop asks id's child process to exit, force-killing it on timeout.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	e, err := m.reg.Get(id)
	if err != nil {
		return false, err
	}
	return e.Supervisor.Stop(ctx)
}

// Restart stops then starts id, regardless of restart policy (an operator
// action, distinct from the supervisor's own crash-triggered restarts).
func (m *Manager) Restart(ctx context.Context, id string) error {
	e, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if e.Supervisor.State() == supervisor.Running {
		if _, err := e.Supervisor.Stop(ctx); err != nil {
			return fmt.Errorf("registry: restart stop %s: %w", id, err)
		}
	}
	if err := e.Supervisor.Start(ctx); err != nil {
		return fmt.Errorf("registry: restart start %s: %w", id, err)
	}
	return nil
}

// List returns the status of every registered plugin.
func (m *Manager) List() []Status {
	all := m.reg.GetAll()
	out := make([]Status, 0, len(all))
	for id, e := range all {
		out = append(out, statusOf(id, e))
	}
	return out
}

// Get returns the status of one plugin.
func (m *Manager) Get(id string) (Status, error) {
	e, err := m.reg.Get(id)
	if err != nil {
		return Status{}, err
	}
	return statusOf(id, e), nil
}

// ForCommand resolves a command prefix to its owning plugin id, or
// ErrPluginUnknown if none owns it.
func (m *Manager) ForCommand(prefix string) (string, error) {
	id, ok := m.reg.ForCommand(prefix)
	if !ok {
		return "", rosyerr.ErrPluginUnknown
	}
	return id, nil
}

func statusOf(id string, e *Entry) Status {
	return Status{
		ID:           id,
		State:        e.Supervisor.State(),
		PID:          e.Supervisor.PID(),
		RestartCount: e.Supervisor.RestartCount(),
		Version:      e.Metadata.Version,
	}
}

func (m *Manager) publish(id, eventName string, data map[string]any) {
	if m.b == nil || !m.b.IsConnected() {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["plugin_id"] = id
	subj := "rosey.plugins." + id + "." + eventName
	env, err := envelope.New(subj, "plugin."+eventName, "rosey-core", data)
	if err != nil {
		return
	}
	_ = m.b.Publish(subj, env)
}

package registry

import (
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/scheduler"
	"github.com/rosey-chat/rosey-core/internal/subject"
)

// StartHousekeeping registers a recurring reconciliation sweep on sched
// under the name "housekeeping", per SPEC_FULL §5.K: for every registered
// plugin it republishes the current lifecycle state (a liveness
// double-check independent of the event-driven publishes on Start/Stop
// and crashes), so a missed or dropped lifecycle event is eventually corrected by
// the next tick.
func (m *Manager) StartHousekeeping(sched *scheduler.Scheduler, cronExpr string) error {
	return sched.Schedule("housekeeping", cronExpr, m.sweep)
}

func (m *Manager) sweep() {
	all := m.reg.GetAll()
	rosylog.Registry().Debug().Int("plugins", len(all)).Msg("housekeeping sweep")
	for id, e := range all {
		status := statusOf(id, e)
		subj := subject.Build("monitoring", "plugin_state")
		m.publishMonitoring(subj, map[string]any{
			"plugin_id":     status.ID,
			"state":         status.State.String(),
			"restart_count": status.RestartCount,
		})
	}
}

func (m *Manager) publishMonitoring(subj string, data map[string]any) {
	if m.b == nil || !m.b.IsConnected() {
		return
	}
	env, err := envelope.New(subj, "monitoring.plugin_state", "rosey-housekeeping", data)
	if err != nil {
		return
	}
	_ = m.b.Publish(subj, env)
}

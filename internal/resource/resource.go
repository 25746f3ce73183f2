// Package resource samples a supervised plugin process's CPU, memory, and
// open file handle usage, and reports sustained breaches of configured
// limits.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/rosey-chat/rosey-core/internal/bus"
	"github.com/rosey-chat/rosey-core/internal/envelope"
	"github.com/rosey-chat/rosey-core/internal/rosylog"
	"github.com/rosey-chat/rosey-core/internal/rosymetrics"
)

// Limits are the configured ceilings a Monitor watches for.
type Limits struct {
	MaxRSSBytes    uint64
	MaxCPUPercent  float64
	MaxHandles     int
	// BreachSamples is the number of consecutive over-limit samples
	// required before a breach is reported, debouncing transient spikes.
	BreachSamples int
}

// Sample is one observation of a process's resource usage.
type Sample struct {
	Timestamp  time.Time
	RSSBytes   uint64
	CPUPercent float64
	Handles    int
}

// Monitor periodically samples one process and reports sustained breaches
// on the bus and to Prometheus.
type Monitor struct {
	PluginID      string
	PID           int
	SampleInterval time.Duration
	Limits        Limits
	Bus           bus.Bus

	mu           sync.RWMutex
	last         Sample
	cpuAvg       float64
	paused       bool
	breachStreak map[string]int

	prevCPUTicks float64
	prevWallTime time.Time

	cancel context.CancelFunc
}

// NewMonitor constructs a Monitor for pid, sampling at interval and
// reporting through b.
func NewMonitor(pluginID string, pid int, interval time.Duration, limits Limits, b bus.Bus) *Monitor {
	if limits.BreachSamples <= 0 {
		limits.BreachSamples = 3
	}
	return &Monitor{
		PluginID:       pluginID,
		PID:            pid,
		SampleInterval: interval,
		Limits:         limits,
		Bus:            b,
		breachStreak:   make(map[string]int),
	}
}

// Start begins the sampling loop in a background goroutine; cancel via ctx
// or Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.loop(ctx)
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Pause suspends sampling without tearing down the goroutine, used during
// graceful shutdown so a breach isn't reported for a process that's
// intentionally winding down.
func (m *Monitor) Pause(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
}

// LastSample returns the most recent observation.
func (m *Monitor) LastSample() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// RollingCPUAvg returns the EWMA-smoothed CPU percentage.
func (m *Monitor) RollingCPUAvg() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cpuAvg
}

const cpuEWMAAlpha = 0.3

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	m.mu.RLock()
	paused := m.paused
	m.mu.RUnlock()
	if paused {
		return
	}

	s, err := m.read()
	if err != nil {
		rosylog.Resource().Warn().Err(err).Str("plugin", m.PluginID).Msg("sample failed")
		return
	}

	m.mu.Lock()
	if m.cpuAvg == 0 {
		m.cpuAvg = s.CPUPercent
	} else {
		m.cpuAvg = cpuEWMAAlpha*s.CPUPercent + (1-cpuEWMAAlpha)*m.cpuAvg
	}
	m.last = s
	m.mu.Unlock()

	rosymetrics.RecordResourceSample(m.PluginID, "rss_bytes", float64(s.RSSBytes))
	rosymetrics.RecordResourceSample(m.PluginID, "cpu_percent", s.CPUPercent)
	rosymetrics.RecordResourceSample(m.PluginID, "handles", float64(s.Handles))

	m.checkBreach(ctx, "rss_bytes", float64(s.RSSBytes), float64(m.Limits.MaxRSSBytes))
	m.checkBreach(ctx, "cpu_percent", s.CPUPercent, m.Limits.MaxCPUPercent)
	m.checkBreach(ctx, "handles", float64(s.Handles), float64(m.Limits.MaxHandles))
}

func (m *Monitor) checkBreach(ctx context.Context, metric string, observed, limit float64) {
	if limit <= 0 {
		return
	}
	m.mu.Lock()
	if observed > limit {
		m.breachStreak[metric]++
	} else {
		m.breachStreak[metric] = 0
	}
	streak := m.breachStreak[metric]
	m.mu.Unlock()

	if streak < m.Limits.BreachSamples {
		return
	}

	rosylog.Resource().Warn().
		Str("plugin", m.PluginID).Str("metric", metric).
		Float64("observed", observed).Float64("limit", limit).
		Msg("resource limit exceeded")

	if m.Bus == nil || !m.Bus.IsConnected() {
		return
	}
	payload := map[string]any{
		"plugin_id": m.PluginID,
		"metric":    metric,
		"observed":  observed,
		"limit":     limit,
		"duration_samples": streak,
	}
	env, err := envelope.New("rosey.plugins."+m.PluginID+".resource.exceeded", "plugin.resource.exceeded", "rosey-core", payload)
	if err != nil {
		return
	}
	_ = m.Bus.Publish(env.Subject, env)
}

// read samples /proc/<pid> via procfs for RSS, CPU time, and open file
// descriptor count, and converts the CPU delta into a percentage of one
// core over the elapsed wall time since the previous sample.
func (m *Monitor) read() (Sample, error) {
	proc, err := procfs.NewProc(m.PID)
	if err != nil {
		return Sample{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return Sample{}, err
	}
	fds, err := proc.FileDescriptorsLen()
	if err != nil {
		fds = 0
	}

	now := time.Now()
	cpuTicks := stat.CPUTime()

	var cpuPercent float64
	m.mu.RLock()
	prevTicks := m.prevCPUTicks
	prevTime := m.prevWallTime
	m.mu.RUnlock()

	if !prevTime.IsZero() {
		elapsed := now.Sub(prevTime).Seconds()
		if elapsed > 0 {
			cpuPercent = ((cpuTicks - prevTicks) / elapsed) * 100
		}
	}

	m.mu.Lock()
	m.prevCPUTicks = cpuTicks
	m.prevWallTime = now
	m.mu.Unlock()

	return Sample{
		Timestamp:  now,
		RSSBytes:   uint64(stat.ResidentMemory()),
		CPUPercent: cpuPercent,
		Handles:    fds,
	}, nil
}

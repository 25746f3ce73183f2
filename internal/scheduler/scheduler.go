// Package scheduler wraps github.com/robfig/cron/v3 with named jobs and a
// panic-recovering runner, grounded on the teacher's
// api/internal/plugins/scheduler.go PluginScheduler: one shared cron
// instance, a jobName -> cron.EntryID map for idempotent
// Schedule()/Remove(), and automatic panic recovery so one failing job
// never takes the whole process down.
package scheduler

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rosey-chat/rosey-core/internal/rosylog"
)

// Scheduler manages a named set of recurring jobs against one cron.Cron
// instance, per SPEC_FULL §5.K.
type Scheduler struct {
	cron *cron.Cron

	mu     sync.Mutex
	jobIDs map[string]cron.EntryID
}

// New constructs a Scheduler with its own running cron instance.
func New() *Scheduler {
	s := &Scheduler{cron: cron.New(), jobIDs: make(map[string]cron.EntryID)}
	s.cron.Start()
	return s
}

// Schedule registers job under name and cronExpr ("@every 30s", "0 2 * * *",
// etc.), replacing any existing job of the same name. The job is wrapped
// with panic recovery: a panicking job is logged and runs again on its
// next tick rather than crashing the scheduler goroutine.
func (s *Scheduler) Schedule(name, cronExpr string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobIDs[name]; ok {
		s.cron.Remove(existing)
		delete(s.jobIDs, name)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				rosylog.Get().Error().Str("job", name).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		job()
	}

	id, err := s.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return err
	}
	s.jobIDs[name] = id
	return nil
}

// Remove unschedules a named job. Removing an unknown name is a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobIDs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobIDs, name)
	}
}

// Jobs returns the currently scheduled job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobIDs))
	for name := range s.jobIDs {
		out = append(out, name)
	}
	return out
}

// Stop halts the cron instance, waiting for any running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

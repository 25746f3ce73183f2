package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosey-chat/rosey-core/internal/scheduler"
)

func TestScheduleRunsJobOnTick(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	ticked := make(chan struct{}, 1)
	require.NoError(t, s.Schedule("tick", "@every 10ms", func() {
		select {
		case ticked <- struct{}{}:
		default:
		}
	}))

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("expected the job to run")
	}

	assert.Contains(t, s.Jobs(), "tick")
}

func TestScheduleReplacesExistingJobOfSameName(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	require.NoError(t, s.Schedule("job", "@every 1h", func() {}))
	require.NoError(t, s.Schedule("job", "@every 1h", func() {}))
	assert.Len(t, s.Jobs(), 1)
}

func TestPanicInJobDoesNotCrashScheduler(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	ran := make(chan struct{}, 2)
	require.NoError(t, s.Schedule("panicky", "@every 10ms", func() {
		ran <- struct{}{}
		panic("boom")
	}))

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("expected the job to keep running after a panic")
		}
	}
}

func TestRemoveUnschedulesJob(t *testing.T) {
	s := scheduler.New()
	defer s.Stop()

	require.NoError(t, s.Schedule("job", "@every 1h", func() {}))
	s.Remove("job")
	assert.Empty(t, s.Jobs())
}

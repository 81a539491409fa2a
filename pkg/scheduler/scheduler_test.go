package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePub struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *capturePub) Publish(event *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePub) byType(t string) []*types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Event
	for _, event := range c.events {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store, *capturePub) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := &capturePub{}
	s := NewScheduler(store, pub)
	s.jitterFn = func() time.Duration { return 0 }
	return s, store, pub
}

func TestNextAfterMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	jobs := []*types.Job{
		{Frequency: types.FreqHourly, Minute: 15},
		{Frequency: types.FreqDaily, Hour: 8, Minute: 0},
		{Frequency: types.FreqWeekly, DayOfWeek: 1, Hour: 9, Minute: 30},
		{Frequency: types.FreqMonthly, DayOfMonth: 15, Hour: 12, Minute: 0},
	}

	for _, job := range jobs {
		now := base
		prev := time.Time{}
		for i := 0; i < 50; i++ {
			next := NextAfter(job, now)
			assert.True(t, next.After(now), "%s: next %v not after now %v", job.Frequency, next, now)
			if !prev.IsZero() {
				assert.True(t, next.After(prev), "%s: successive next_run must strictly increase", job.Frequency)
			}
			prev = next
			now = next
		}
	}
}

func TestNextAfterMatchesSpec(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) // a Wednesday

	hourly := NextAfter(&types.Job{Frequency: types.FreqHourly, Minute: 45}, now)
	assert.Equal(t, time.Date(2026, 3, 4, 10, 45, 0, 0, time.UTC), hourly)

	daily := NextAfter(&types.Job{Frequency: types.FreqDaily, Hour: 8, Minute: 0}, now)
	assert.Equal(t, time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC), daily, "today's 08:00 already passed")

	weekly := NextAfter(&types.Job{Frequency: types.FreqWeekly, DayOfWeek: 1, Hour: 9, Minute: 0}, now)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), weekly, "next Monday")

	monthly := NextAfter(&types.Job{Frequency: types.FreqMonthly, DayOfMonth: 31, Hour: 0, Minute: 0}, now)
	assert.Equal(t, 28, monthly.Day(), "day clamps to 28")
}

func TestCatchUpCoalesces(t *testing.T) {
	s, store, pub := newTestScheduler(t)

	// An hourly job missed for three hours fires exactly once.
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	job := &types.Job{
		ID:        "hourly-1",
		Name:      "inbox sweep",
		Agent:     types.AgentMailSkill,
		Frequency: types.FreqHourly,
		Minute:    0,
		Enabled:   true,
		NextRun:   now.Add(-3 * time.Hour),
	}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, s.catchUp())

	ticks := pub.byType("scheduler.tick")
	require.Len(t, ticks, 1, "missed occurrences must coalesce to one tick")

	got, err := store.GetJob("hourly-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 0, got.FailureCount)
	assert.True(t, got.NextRun.After(now), "next_run advanced past now")
}

func TestRunNowDoesNotAdvance(t *testing.T) {
	s, store, pub := newTestScheduler(t)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	next := now.Add(2 * time.Hour)
	job := &types.Job{
		ID:        "j-manual",
		Name:      "portfolio refresh",
		Agent:     types.AgentFinance,
		Frequency: types.FreqDaily,
		Hour:      14,
		Enabled:   true,
		NextRun:   next,
	}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, s.RunNow("j-manual"))

	require.Len(t, pub.byType("scheduler.tick"), 1)
	got, err := store.GetJob("j-manual")
	require.NoError(t, err)
	assert.True(t, got.NextRun.Equal(next), "manual run must not advance next_run")
	assert.Equal(t, 1, got.RunCount)
}

func TestOnceJobDisablesAfterFire(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	job := &types.Job{
		ID:        "once-1",
		Name:      "one-shot",
		Agent:     types.AgentProjects,
		Frequency: types.FreqOnce,
		Enabled:   true,
		NextRun:   now.Add(-time.Minute),
	}
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, s.catchUp())

	got, err := store.GetJob("once-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 1, got.RunCount)
}

func TestFailureAccountingAndAutoDisable(t *testing.T) {
	s, store, pub := newTestScheduler(t)

	job := &types.Job{
		ID:        "flaky",
		Name:      "flaky job",
		Agent:     types.AgentMaintenance,
		Frequency: types.FreqHourly,
		Enabled:   true,
		NextRun:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateJob(job))

	for i := 0; i < disableAfterFailures; i++ {
		require.NoError(t, s.ReportResult("flaky", errors.New("exec failed")))
	}

	got, err := store.GetJob("flaky")
	require.NoError(t, err)
	assert.False(t, got.Enabled, "job auto-disables after ten consecutive failures")
	assert.Equal(t, types.JobStatusFailed, got.LastStatus)
	assert.Len(t, pub.byType("scheduler.job.disabled"), 1)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	job := &types.Job{
		ID:        "recovers",
		Name:      "recovers",
		Agent:     types.AgentJanitor,
		Frequency: types.FreqDaily,
		Enabled:   true,
		NextRun:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, s.ReportResult("recovers", errors.New("nope")))
	require.NoError(t, s.ReportResult("recovers", nil))

	got, err := store.GetJob("recovers")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, types.JobStatusSucceeded, got.LastStatus)
}

func TestFailureBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), failureBackoff(3))
	assert.Equal(t, time.Minute, failureBackoff(4))
	assert.Equal(t, 2*time.Minute, failureBackoff(5))
	assert.Equal(t, time.Hour, failureBackoff(20), "backoff caps at one hour")
}

type failPub struct{}

func (failPub) Publish(*types.Event) error { return errors.New("bus down") }

func TestPublishFailureLeavesJobDue(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := NewScheduler(store, failPub{})
	s.jitterFn = func() time.Duration { return 0 }
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	job := &types.Job{
		ID:        "j-stuck",
		Name:      "stuck",
		Agent:     types.AgentMaintenance,
		Frequency: types.FreqHourly,
		Enabled:   true,
		NextRun:   now.Add(-time.Minute),
	}
	require.NoError(t, store.CreateJob(job))

	require.Error(t, s.fire(job, now))

	// The occurrence is not lost: next_run stays in the past, so the next
	// catch-up or loop pass re-derives the tick.
	got, err := store.GetJob("j-stuck")
	require.NoError(t, err)
	assert.Equal(t, 0, got.RunCount)
	assert.True(t, got.NextRun.Before(now))
}

func TestCriticalJobTicksHighPriority(t *testing.T) {
	s, store, pub := newTestScheduler(t)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, store.CreateJob(&types.Job{
		ID: "crit", Name: "security sweep", Agent: types.AgentSecurity,
		Frequency: types.FreqHourly, Critical: true, Enabled: true,
		NextRun: now.Add(-time.Minute),
	}))
	require.NoError(t, s.catchUp())

	ticks := pub.byType("scheduler.tick")
	require.Len(t, ticks, 1)
	assert.Equal(t, types.PriorityHigh, ticks[0].Priority)
}

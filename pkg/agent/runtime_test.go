package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBus records publishes and subscriptions without dispatching.
type stubBus struct {
	mu        sync.Mutex
	published []*types.Event
	subs      map[string][]string
}

func newStubBus() *stubBus {
	return &stubBus{subs: make(map[string][]string)}
}

func (b *stubBus) Subscribe(name string, topics []string, _ bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("duplicate subscriber %q", name)
	}
	b.subs[name] = topics
	return nil
}

func (b *stubBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, name)
}

func (b *stubBus) Publish(event *types.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *stubBus) eventsOfType(eventType string) []*types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.Event
	for _, event := range b.published {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type fakeReporter struct {
	mu      sync.Mutex
	results map[string]error
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{results: make(map[string]error)}
}

func (f *fakeReporter) ReportResult(jobID string, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = runErr
	return nil
}

func newTestDeps(t *testing.T) (Deps, *stubBus, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := newStubBus()
	return Deps{
		Store:          store,
		Bus:            b,
		Jobs:           newFakeReporter(),
		HandlerTimeout: time.Second,
		HeartbeatEvery: time.Hour, // not under test unless overridden
	}, b, store
}

func TestNewValidatesKindDependencies(t *testing.T) {
	deps, _, _ := newTestDeps(t)

	_, err := New(types.AgentMaintenance, deps)
	assert.NoError(t, err)

	_, err = New(types.AgentJanitor, deps)
	assert.Error(t, err, "janitor needs the safe-edit service")

	_, err = New(types.AgentMailSkill, deps)
	assert.Error(t, err, "mailskill needs the mail connector")
}

func TestStartStopLifecycle(t *testing.T) {
	deps, b, store := newTestDeps(t)
	rt, err := New(types.AgentMaintenance, deps)
	require.NoError(t, err)

	assert.Equal(t, types.AgentStateOffline, rt.State())
	require.NoError(t, rt.Start())
	assert.Equal(t, types.AgentStateIdle, rt.State())

	agent, err := store.GetAgent(types.AgentMaintenance)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStateIdle, agent.State)

	b.mu.Lock()
	topics := b.subs["agent:maintenance"]
	b.mu.Unlock()
	assert.Contains(t, topics, bus.TopicSchedulerTick)
	assert.Contains(t, topics, bus.TopicTaskCreated)

	require.NoError(t, rt.Stop())
	assert.Equal(t, types.AgentStateStopped, rt.State())

	agent, err = store.GetAgent(types.AgentMaintenance)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStateStopped, agent.State)

	// Stopped is a sink.
	rt.setState(types.AgentStateRunning)
	assert.Equal(t, types.AgentStateStopped, rt.State())
}

func TestConsecutiveFailuresTripErrorState(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	rt := newRuntime(types.AgentProjects, deps)
	rt.on("boom", func(context.Context, *Runtime, *types.Event) error {
		return fmt.Errorf("handler broke")
	})

	for i := 0; i < 2; i++ {
		assert.Error(t, rt.handle(context.Background(), &types.Event{Type: "boom"}))
		assert.Equal(t, types.AgentStateIdle, rt.State(), "below the threshold the agent recovers to idle")
	}
	assert.Error(t, rt.handle(context.Background(), &types.Event{Type: "boom"}))
	assert.Equal(t, types.AgentStateError, rt.State())

	rt.ClearError()
	assert.Equal(t, types.AgentStateIdle, rt.State())
}

func TestSuccessResetsFailureWindow(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	rt := newRuntime(types.AgentProjects, deps)
	fail := true
	rt.on("flaky", func(context.Context, *Runtime, *types.Event) error {
		if fail {
			return fmt.Errorf("transient")
		}
		return nil
	})

	assert.Error(t, rt.handle(context.Background(), &types.Event{Type: "flaky"}))
	assert.Error(t, rt.handle(context.Background(), &types.Event{Type: "flaky"}))
	fail = false
	assert.NoError(t, rt.handle(context.Background(), &types.Event{Type: "flaky"}))
	fail = true
	assert.Error(t, rt.handle(context.Background(), &types.Event{Type: "flaky"}))
	assert.Equal(t, types.AgentStateIdle, rt.State(), "streak was broken by the success")
}

func TestHandlerTimeoutPublishesTaskTimeout(t *testing.T) {
	deps, b, _ := newTestDeps(t)
	deps.HandlerTimeout = 20 * time.Millisecond
	rt := newRuntime(types.AgentProjects, deps)
	rt.on("slow", func(ctx context.Context, _ *Runtime, _ *types.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := rt.handle(context.Background(), &types.Event{Type: "slow", CorrelationID: "cid-1"})
	assert.Error(t, err)

	timeouts := b.eventsOfType(bus.TopicTaskTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, "cid-1", timeouts[0].CorrelationID)
	assert.Equal(t, "projects", timeouts[0].Payload["agent"])
}

func TestStuckHandlerMovesAgentToError(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	deps.HandlerTimeout = 20 * time.Millisecond
	rt := newRuntime(types.AgentProjects, deps)

	release := make(chan struct{})
	rt.on("stuck", func(context.Context, *Runtime, *types.Event) error {
		// Ignores cancellation until released.
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = rt.handle(context.Background(), &types.Event{Type: "stuck"})
		close(done)
	}()
	require.Eventually(t, func() bool {
		return rt.State() == types.AgentStateRunning
	}, time.Second, time.Millisecond)

	// Let the handler blow well past its deadline, then beat.
	time.Sleep(60 * time.Millisecond)
	before := rt.Snapshot().LastHeartbeat
	rt.heartbeat()

	assert.Equal(t, types.AgentStateError, rt.State())
	assert.Equal(t, before, rt.Snapshot().LastHeartbeat, "a wedged agent must not keep heartbeating")

	close(release)
	<-done
	assert.Equal(t, types.AgentStateError, rt.State(), "error persists until cleared")
}

func TestHandleIgnoresEventsForOtherAgents(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	rt := newRuntime(types.AgentProjects, deps)
	called := false
	rt.on(bus.TopicSchedulerTick, func(context.Context, *Runtime, *types.Event) error {
		called = true
		return nil
	})

	require.NoError(t, rt.handle(context.Background(), &types.Event{
		Type:    bus.TopicSchedulerTick,
		Payload: map[string]any{"agent": "finance"},
	}))
	assert.False(t, called)

	require.NoError(t, rt.handle(context.Background(), &types.Event{
		Type:    bus.TopicSchedulerTick,
		Payload: map[string]any{"agent": "projects"},
	}))
	assert.True(t, called)
}

func TestHeartbeatPublishesSystemHealth(t *testing.T) {
	deps, b, _ := newTestDeps(t)
	deps.HeartbeatEvery = 20 * time.Millisecond
	rt, err := New(types.AgentMaintenance, deps)
	require.NoError(t, err)

	require.NoError(t, rt.Start())
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, rt.Stop())

	beats := b.eventsOfType(bus.TopicSystemHealth)
	require.NotEmpty(t, beats)
	assert.Equal(t, "maintenance", beats[0].Payload["kind"])
	assert.Equal(t, "idle", beats[0].Payload["state"])
}

func TestJournalRingKeepsMostRecent(t *testing.T) {
	var j journal
	for i := 0; i < journalSize+6; i++ {
		j.add("test", fmt.Sprintf("entry %d", i))
	}
	entries := j.snapshot()
	require.Len(t, entries, journalSize)
	assert.Equal(t, "entry 6", entries[0].Detail)
	assert.Equal(t, fmt.Sprintf("entry %d", journalSize+5), entries[len(entries)-1].Detail)
}

func TestDelegatedTaskCompletesWithEvidence(t *testing.T) {
	deps, b, store := newTestDeps(t)
	rt, err := New(types.AgentMaintenance, deps)
	require.NoError(t, err)

	task := &types.Task{
		ID:               "t1",
		OwnerAgent:       types.AgentMaintenance,
		Title:            "replace furnace filter",
		Priority:         types.TaskPriorityHigh,
		Status:           types.TaskPending,
		CreatedAt:        time.Now(),
		EvidenceRequired: true,
		CorrelationID:    "cid-7",
	}
	require.NoError(t, store.CreateTask(task))

	require.NoError(t, rt.handle(context.Background(), &types.Event{
		Type:          bus.TopicTaskCreated,
		CorrelationID: "cid-7",
		Payload:       map[string]any{"task_id": "t1", "agent": "maintenance"},
	}))

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.NotEmpty(t, got.Evidence)

	completed := b.eventsOfType(bus.TopicTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "cid-7", completed[0].CorrelationID)
}

func TestTickRunsWorkAndReportsResult(t *testing.T) {
	deps, _, store := newTestDeps(t)
	reporter := newFakeReporter()
	deps.Jobs = reporter
	rt, err := New(types.AgentMaintenance, deps)
	require.NoError(t, err)

	require.NoError(t, rt.handle(context.Background(), &types.Event{
		Type: bus.TopicSchedulerTick,
		Payload: map[string]any{
			"job_id":    "job-1",
			"agent":     "maintenance",
			"task_spec": "check smoke detectors",
		},
	}))

	reporter.mu.Lock()
	runErr, reported := reporter.results["job-1"]
	reporter.mu.Unlock()
	require.True(t, reported)
	assert.NoError(t, runErr)

	tasks, err := store.ListTasksByAgent(types.AgentMaintenance)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "check smoke detectors", tasks[0].Title)
	assert.Equal(t, types.TaskCompleted, tasks[0].Status)
}

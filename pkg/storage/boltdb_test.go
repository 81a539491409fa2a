package storage

import (
	"bytes"
	"testing"
	"time"

	"github.com/hearthd/hearthd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAgentPutGet(t *testing.T) {
	store := newTestStore(t)

	agent := &types.Agent{
		ID:    "agent-finance",
		Kind:  types.AgentFinance,
		State: types.AgentStateOffline,
	}
	require.NoError(t, store.PutAgent(agent))
	assert.Equal(t, uint64(1), agent.Version)

	got, err := store.GetAgent(types.AgentFinance)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStateOffline, got.State)

	got.State = types.AgentStateIdle
	require.NoError(t, store.PutAgent(got))
	assert.Equal(t, uint64(2), got.Version)
}

func TestUpdateConflict(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{
		ID:         "t1",
		OwnerAgent: types.AgentMaintenance,
		Title:      "replace furnace filter",
		Priority:   types.TaskPriorityMedium,
		Status:     types.TaskPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateTask(task))

	// Two readers pick up version 1; the second writer must conflict.
	a, err := store.GetTask("t1")
	require.NoError(t, err)
	b, err := store.GetTask("t1")
	require.NoError(t, err)

	a.Status = types.TaskInProgress
	require.NoError(t, store.UpdateTask(a))

	b.Status = types.TaskCancelled
	err = store.UpdateTask(b)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateDuplicate(t *testing.T) {
	store := newTestStore(t)

	job := &types.Job{ID: "j1", Name: "nightly", Agent: types.AgentBackup, Frequency: types.FreqDaily}
	require.NoError(t, store.CreateJob(job))

	dup := &types.Job{ID: "j1", Name: "nightly", Agent: types.AgentBackup, Frequency: types.FreqDaily}
	assert.ErrorIs(t, store.CreateJob(dup), ErrConstraint)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletionEvidenceEnforced(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{
		ID:               "t-ev",
		OwnerAgent:       types.AgentContractors,
		Title:            "pay deposit",
		Priority:         types.TaskPriorityHigh,
		Status:           types.TaskPending,
		EvidenceRequired: true,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.CreateTask(task))

	task.Status = types.TaskCompleted
	assert.ErrorIs(t, store.UpdateTask(task), ErrConstraint)

	task.Evidence = "receipt #4411"
	require.NoError(t, store.UpdateTask(task))
}

func TestResolvedApprovalImmutable(t *testing.T) {
	store := newTestStore(t)

	approval := &types.Approval{
		ID:             "ap1",
		RequesterAgent: types.AgentMailSkill,
		Status:         types.ApprovalPending,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, store.CreateApproval(approval))

	approval.Status = types.ApprovalApproved
	approval.ResolvedBy = "operator"
	approval.ResolvedAt = time.Now()
	require.NoError(t, store.UpdateApproval(approval))

	approval.Status = types.ApprovalDenied
	assert.ErrorIs(t, store.UpdateApproval(approval), ErrConstraint)
}

func TestEventStreamOrdering(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(&types.Event{
			ID:        "e" + string(rune('0'+i)),
			Type:      "task.created",
			Timestamp: time.Now(),
		}))
	}

	events, err := store.ListEventsSince(0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq, "sequence must be gap-free")
	}

	tail, err := store.ListEventsSince(3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)

	last, err := store.LastEventSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}

func TestStreamsByCorrelation(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendEvent(&types.Event{ID: "e1", Type: "task.created", CorrelationID: "cid-1"}))
	require.NoError(t, store.AppendEvent(&types.Event{ID: "e2", Type: "task.created", CorrelationID: "cid-2"}))
	require.NoError(t, store.AppendAudit(&types.AuditRecord{ActionID: "a1", Action: "delegate", CorrelationID: "cid-1"}))

	events, err := store.ListEventsByCorrelation("cid-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	records, err := store.ListAuditByCorrelation("cid-1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestReserveIdempotency(t *testing.T) {
	store := newTestStore(t)

	fresh, err := store.Reserve("op-123", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.Reserve("op-123", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh, "duplicate within TTL must be rejected")

	// An expired key can be reserved again.
	fresh, err = store.Reserve("op-exp", -time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = store.Reserve("op-exp", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestPolicyVersionMonotonic(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SavePolicy(&types.PolicySnapshot{Version: 1}))
	require.NoError(t, store.SavePolicy(&types.PolicySnapshot{Version: 2}))
	assert.ErrorIs(t, store.SavePolicy(&types.PolicySnapshot{Version: 2}), ErrConflict)

	got, err := store.GetPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestAtomicCommitsAllWrites(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{
		ID:         "t-atomic",
		OwnerAgent: types.AgentProjects,
		Title:      "book inspection",
		Priority:   types.TaskPriorityMedium,
		Status:     types.TaskPending,
		CreatedAt:  time.Now(),
	}
	err := store.Atomic(func(tx Store) error {
		if err := tx.CreateTask(task); err != nil {
			return err
		}
		return tx.AppendEvent(&types.Event{ID: "e-atomic", Type: "task.created", CorrelationID: "cid-a"})
	})
	require.NoError(t, err)

	got, err := store.GetTask("t-atomic")
	require.NoError(t, err)
	assert.Equal(t, "book inspection", got.Title)

	events, err := store.ListEventsByCorrelation("cid-a")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	store := newTestStore(t)

	err := store.Atomic(func(tx Store) error {
		if err := tx.CreateJob(&types.Job{ID: "j-roll", Name: "sweep", Agent: types.AgentJanitor, Frequency: types.FreqDaily}); err != nil {
			return err
		}
		if err := tx.AppendEvent(&types.Event{ID: "e-roll", Type: "scheduler.tick"}); err != nil {
			return err
		}
		// A failing update mid-batch must take the earlier writes with it.
		return tx.UpdateTask(&types.Task{ID: "missing", Version: 1})
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetJob("j-roll")
	assert.ErrorIs(t, err, ErrNotFound)

	last, err := store.LastEventSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last, "rolled-back append must not consume a visible sequence")
}

func TestAtomicRejectsNesting(t *testing.T) {
	store := newTestStore(t)

	err := store.Atomic(func(tx Store) error {
		return tx.Atomic(func(Store) error { return nil })
	})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateJob(&types.Job{ID: "j1", Name: "weekly sweep", Agent: types.AgentJanitor, Frequency: types.FreqWeekly}))
	require.NoError(t, store.AppendEvent(&types.Event{ID: "e1", Type: "system.health"}))
	require.NoError(t, store.AppendEvent(&types.Event{ID: "e2", Type: "system.health"}))
	require.NoError(t, store.SavePolicy(&types.PolicySnapshot{Version: 3}))

	var buf bytes.Buffer
	require.NoError(t, store.Export(&buf))

	other := newTestStore(t)
	require.NoError(t, other.Restore(bytes.NewReader(buf.Bytes())))

	job, err := other.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "weekly sweep", job.Name)

	policy, err := other.GetPolicy()
	require.NoError(t, err)
	assert.Equal(t, 3, policy.Version)

	// Stream sequence continues where the source left off.
	require.NoError(t, other.AppendEvent(&types.Event{ID: "e3", Type: "system.health"}))
	last, err := other.LastEventSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
}

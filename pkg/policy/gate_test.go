package policy

import (
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

func (c *capturePub) last() *types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func newTestGate(t *testing.T) (*Gate, storage.Store, *capturePub) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SavePolicy(&types.PolicySnapshot{
		Version: 1,
		Thresholds: types.PolicyThresholds{
			CostAutoCap:    5,
			CostConfirmCap: 100,
		},
		QuietHours: types.QuietHours{Start: 22, End: 7},
	}))

	pub := &capturePub{}
	g := NewGate(store, pub, nil)
	// Pin evaluation time to mid-day, outside quiet hours.
	g.now = func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) }
	return g, store, pub
}

func TestAutoDecision(t *testing.T) {
	g, _, _ := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "update_note",
		Agent:         types.AgentJanitor,
		Reversibility: types.Reversible,
		CostEstimate:  0,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAuto, result.Decision)
	assert.Nil(t, result.Approval)
}

func TestEveryDecisionIsClassified(t *testing.T) {
	g, _, _ := newTestGate(t)

	intents := []*types.Intent{
		{Action: "a", Agent: types.AgentFinance, Reversibility: types.Reversible},
		{Action: "b", Agent: types.AgentFinance, Reversibility: types.Irreversible},
		{Action: "c", Agent: types.AgentFinance, Reversibility: types.Reversible, CostEstimate: 50},
		{Action: "d", Agent: types.AgentFinance, Reversibility: types.Reversible, CostEstimate: 5000},
		{Action: "e", Agent: types.AgentFinance, Reversibility: types.Reversible, RiskTags: []string{"bypass_approval"}},
	}
	for _, intent := range intents {
		result, err := g.Evaluate(intent)
		require.NoError(t, err)
		assert.Contains(t, []types.Decision{types.DecisionAuto, types.DecisionConfirm, types.DecisionDeny}, result.Decision)
	}
}

func TestRestrictedSideEffectRequiresConfirm(t *testing.T) {
	g, store, pub := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "send_email_to_new_contact",
		Agent:         types.AgentMailSkill,
		Reversibility: types.Reversible,
		CostEstimate:  0,
		SideEffects:   []string{"external_message_new_contact"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionConfirm, result.Decision)
	require.NotNil(t, result.Approval)

	pending, err := store.ListApprovalsByStatus(types.ApprovalPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	event := pub.last()
	require.NotNil(t, event)
	assert.Equal(t, "approval.required", event.Type)
}

func TestProhibitedTagDenied(t *testing.T) {
	g, _, _ := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "exfil",
		Agent:         types.AgentSecurity,
		Reversibility: types.Reversible,
		RiskTags:      []string{"secret_exfiltration"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDeny, result.Decision)
	assert.Contains(t, result.Reason, "prohibited")
}

func TestPolicyVersionMismatchDenied(t *testing.T) {
	g, _, _ := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "anything",
		Agent:         types.AgentProjects,
		Reversibility: types.Reversible,
		PolicyVersion: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionDeny, result.Decision)
	assert.Contains(t, result.Reason, "version mismatch")
}

func TestQuietHoursRequireConfirm(t *testing.T) {
	g, _, _ := newTestGate(t)
	g.now = func() time.Time { return time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC) }

	result, err := g.Evaluate(&types.Intent{
		Action:        "reorder_filters",
		Agent:         types.AgentMaintenance,
		Reversibility: types.Reversible,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionConfirm, result.Decision)

	// critical_safety overrides quiet hours.
	result, err = g.Evaluate(&types.Intent{
		Action:        "shut_water_valve",
		Agent:         types.AgentMaintenance,
		Reversibility: types.Reversible,
		RiskTags:      []string{"critical_safety"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAuto, result.Decision)
}

func TestFreezePromotesAutoToConfirm(t *testing.T) {
	g, _, _ := newTestGate(t)

	g.Freeze()
	result, err := g.Evaluate(&types.Intent{
		Action:        "update_note",
		Agent:         types.AgentJanitor,
		Reversibility: types.Reversible,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionConfirm, result.Decision)

	g.Unfreeze()
	result, err = g.Evaluate(&types.Intent{
		Action:        "update_note",
		Agent:         types.AgentJanitor,
		Reversibility: types.Reversible,
	})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAuto, result.Decision)
}

func TestResolveDeny(t *testing.T) {
	g, store, pub := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "send_email_to_new_contact",
		Agent:         types.AgentMailSkill,
		Reversibility: types.Reversible,
		SideEffects:   []string{"external_message_new_contact"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Approval)

	resolved, err := g.Resolve(result.Approval.ID, false, "operator")
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalDenied, resolved.Status)

	event := pub.last()
	assert.Equal(t, "approval.resolved", event.Type)
	assert.Equal(t, "denied", event.Payload["status"])

	// Double resolution is refused.
	_, err = g.Resolve(result.Approval.ID, true, "operator")
	assert.ErrorIs(t, err, storage.ErrConstraint)

	got, err := store.GetApproval(result.Approval.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalDenied, got.Status)
}

func TestAwaitWakesOnResolve(t *testing.T) {
	g, _, _ := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "pay_contractor",
		Agent:         types.AgentContractors,
		Reversibility: types.Irreversible,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Approval)

	statusCh := make(chan types.ApprovalStatus, 1)
	go func() {
		status, _ := g.Await(result.Approval.ID, 5*time.Second)
		statusCh <- status
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = g.Resolve(result.Approval.ID, true, "operator")
	require.NoError(t, err)

	select {
	case status := <-statusCh:
		assert.Equal(t, types.ApprovalApproved, status)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake on resolution")
	}
}

func TestExpireStale(t *testing.T) {
	g, store, _ := newTestGate(t)

	result, err := g.Evaluate(&types.Intent{
		Action:        "pay_contractor",
		Agent:         types.AgentContractors,
		Reversibility: types.Irreversible,
	})
	require.NoError(t, err)

	// Advance past the TTL and sweep.
	expired := result.Approval.ExpiresAt.Add(time.Hour)
	g.now = func() time.Time { return expired }
	require.NoError(t, g.ExpireStale())

	got, err := store.GetApproval(result.Approval.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalExpired, got.Status)
}

package policy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/audit"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/metrics"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

// ErrDenied is returned when the gate refuses an intent outright.
var ErrDenied = errors.New("policy denied")

// ApprovalTTL is how long a pending approval waits before expiring.
const ApprovalTTL = 24 * time.Hour

// restrictedSideEffects force require_confirm even for cheap, reversible
// intents.
var restrictedSideEffects = map[string]bool{
	"credentials":                  true,
	"external_message_new_contact": true,
	"finance_transfer":             true,
	"permission_change":            true,
}

// prohibitedTags deny an intent outright.
var prohibitedTags = map[string]bool{
	"secret_exfiltration": true,
	"bypass_approval":     true,
}

// Publisher is the subset of the bus the gate needs.
type Publisher interface {
	Publish(event *types.Event) error
}

// Result is the gate's full answer for one intent.
type Result struct {
	Decision types.Decision
	Reason   string
	// Approval is set when Decision is require_confirm.
	Approval *types.Approval
}

// Gate evaluates every side-effectful intent against the current policy
// snapshot and routes it to auto-approve, require-confirm, or deny.
type Gate struct {
	store    storage.Store
	pub      Publisher
	recorder *audit.Recorder
	now      func() time.Time

	mu      sync.RWMutex
	frozen  bool
	waiters map[string][]chan types.ApprovalStatus
	stopCh  chan struct{}
}

// NewGate creates a Gate. The recorder may be nil in tests.
func NewGate(store storage.Store, pub Publisher, recorder *audit.Recorder) *Gate {
	return &Gate{
		store:    store,
		pub:      pub,
		recorder: recorder,
		now:      time.Now,
		waiters:  make(map[string][]chan types.ApprovalStatus),
	}
}

// Start begins the background expiry sweep.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.stopCh != nil {
		g.mu.Unlock()
		return
	}
	g.stopCh = make(chan struct{})
	stopCh := g.stopCh
	g.mu.Unlock()
	go g.sweepLoop(stopCh)
}

// Stop stops the expiry sweep and releases blocked Await calls. The
// gate may be started again.
func (g *Gate) Stop() {
	g.mu.Lock()
	stopCh := g.stopCh
	g.stopCh = nil
	g.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
}

// Freeze promotes every subsequent auto decision to require_confirm until
// Unfreeze is called. Set by the supervisor while an incident is open.
func (g *Gate) Freeze() {
	g.mu.Lock()
	g.frozen = true
	g.mu.Unlock()
	log.WithComponent("policy").Warn().Msg("auto-approval frozen")
}

// Unfreeze restores normal auto-approval.
func (g *Gate) Unfreeze() {
	g.mu.Lock()
	g.frozen = false
	g.mu.Unlock()
	log.WithComponent("policy").Info().Msg("auto-approval restored")
}

// Frozen reports whether auto-approval is currently suspended.
func (g *Gate) Frozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// Evaluate classifies an intent. A require_confirm result persists a
// pending Approval and publishes approval.required; the caller must not
// produce the effect until that approval resolves.
func (g *Gate) Evaluate(intent *types.Intent) (*Result, error) {
	snapshot, err := g.store.GetPolicy()
	if err != nil {
		return nil, fmt.Errorf("no policy snapshot installed: %w", err)
	}

	result := g.classify(intent, snapshot)
	metrics.IntentDecisions.WithLabelValues(string(result.Decision)).Inc()

	if g.recorder != nil {
		g.recorder.Record(&types.AuditRecord{
			ActorAgent:    intent.Agent,
			Action:        "gate." + string(result.Decision) + ":" + intent.Action,
			InputsHash:    audit.Hash(intent),
			CostEstimate:  intent.CostEstimate,
			CorrelationID: intent.CorrelationID,
		})
	}

	switch result.Decision {
	case types.DecisionDeny:
		log.WithComponent("policy").Warn().
			Str("action", intent.Action).
			Str("agent", string(intent.Agent)).
			Str("reason", result.Reason).
			Msg("intent denied")
		return result, nil

	case types.DecisionConfirm:
		approval, err := g.requestApproval(intent, result.Reason)
		if err != nil {
			return nil, err
		}
		result.Approval = approval
		return result, nil

	default:
		return result, nil
	}
}

// classify applies the decision table in priority order: prohibitions
// first, then the conditions that demand confirmation.
func (g *Gate) classify(intent *types.Intent, snapshot *types.PolicySnapshot) *Result {
	for _, tag := range intent.RiskTags {
		if prohibitedTags[tag] {
			return &Result{Decision: types.DecisionDeny, Reason: "prohibited risk tag: " + tag}
		}
	}
	if intent.PolicyVersion != 0 && intent.PolicyVersion != snapshot.Version {
		return &Result{Decision: types.DecisionDeny,
			Reason: fmt.Sprintf("policy version mismatch: intent pinned %d, current %d", intent.PolicyVersion, snapshot.Version)}
	}
	if intent.CostEstimate > snapshot.Thresholds.CostConfirmCap {
		return &Result{Decision: types.DecisionDeny,
			Reason: fmt.Sprintf("cost %.2f exceeds confirm cap %.2f", intent.CostEstimate, snapshot.Thresholds.CostConfirmCap)}
	}

	if g.Frozen() {
		return &Result{Decision: types.DecisionConfirm, Reason: "auto-approval frozen by open incident"}
	}
	if intent.Reversibility != types.Reversible {
		return &Result{Decision: types.DecisionConfirm, Reason: "irreversible action"}
	}
	if intent.CostEstimate > snapshot.Thresholds.CostAutoCap {
		return &Result{Decision: types.DecisionConfirm,
			Reason: fmt.Sprintf("cost %.2f exceeds auto cap %.2f", intent.CostEstimate, snapshot.Thresholds.CostAutoCap)}
	}
	for _, effect := range intent.SideEffects {
		if restrictedSideEffects[effect] {
			return &Result{Decision: types.DecisionConfirm, Reason: "restricted side effect: " + effect}
		}
	}
	if restrictedSideEffects[intent.Action] {
		return &Result{Decision: types.DecisionConfirm, Reason: "restricted action: " + intent.Action}
	}
	if g.inQuietHours(snapshot.QuietHours) && !hasTag(intent.RiskTags, "critical_safety") {
		return &Result{Decision: types.DecisionConfirm, Reason: "quiet hours"}
	}

	return &Result{Decision: types.DecisionAuto, Reason: "within policy"}
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

func (g *Gate) inQuietHours(window types.QuietHours) bool {
	if window.Start == window.End {
		return false
	}
	hour := g.now().Hour()
	if window.Start < window.End {
		return hour >= window.Start && hour < window.End
	}
	// Window wraps midnight.
	return hour >= window.Start || hour < window.End
}

func (g *Gate) requestApproval(intent *types.Intent, reason string) (*types.Approval, error) {
	now := g.now()
	approval := &types.Approval{
		ID:             uuid.New().String(),
		RequesterAgent: intent.Agent,
		Intent:         *intent,
		CostEstimate:   intent.CostEstimate,
		Reversibility:  intent.Reversibility,
		RiskTags:       intent.RiskTags,
		Status:         types.ApprovalPending,
		Reason:         reason,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ApprovalTTL),
	}
	if err := g.store.CreateApproval(approval); err != nil {
		return nil, err
	}
	g.refreshPendingGauge()

	err := g.pub.Publish(&types.Event{
		Type:          bus.TopicApprovalRequired,
		Severity:      types.SeverityWarning,
		Priority:      types.PriorityHigh,
		Source:        "policy",
		CorrelationID: intent.CorrelationID,
		Payload: map[string]any{
			"approval_id": approval.ID,
			"agent":       string(intent.Agent),
			"action":      intent.Action,
			"reason":      reason,
			"cost":        intent.CostEstimate,
		},
	})
	return approval, err
}

// Resolve records the operator's decision on a pending approval and wakes
// any handler suspended on it.
func (g *Gate) Resolve(id string, approve bool, resolvedBy string) (*types.Approval, error) {
	approval, err := g.store.GetApproval(id)
	if err != nil {
		return nil, err
	}
	if approval.Status != types.ApprovalPending {
		return nil, fmt.Errorf("approval %q already %s: %w", id, approval.Status, storage.ErrConstraint)
	}

	if approve {
		approval.Status = types.ApprovalApproved
	} else {
		approval.Status = types.ApprovalDenied
	}
	approval.ResolvedBy = resolvedBy
	approval.ResolvedAt = g.now()
	if err := g.store.UpdateApproval(approval); err != nil {
		return nil, err
	}
	g.refreshPendingGauge()

	g.notify(id, approval.Status)

	err = g.pub.Publish(&types.Event{
		Type:          bus.TopicApprovalResolved,
		Severity:      types.SeverityInfo,
		Priority:      types.PriorityHigh,
		Source:        "policy",
		CorrelationID: approval.Intent.CorrelationID,
		Payload: map[string]any{
			"approval_id": approval.ID,
			"status":      string(approval.Status),
			"resolved_by": resolvedBy,
		},
	})
	return approval, err
}

// Await blocks until the approval resolves, expires, or the timeout
// passes. Agent handlers use this to suspend between intent and effect.
func (g *Gate) Await(id string, timeout time.Duration) (types.ApprovalStatus, error) {
	// Resolution may have already happened.
	approval, err := g.store.GetApproval(id)
	if err != nil {
		return "", err
	}
	if approval.Status != types.ApprovalPending {
		return approval.Status, nil
	}

	ch := make(chan types.ApprovalStatus, 1)
	g.mu.Lock()
	g.waiters[id] = append(g.waiters[id], ch)
	stopCh := g.stopCh
	g.mu.Unlock()
	if stopCh == nil {
		// Gate not started; only the timeout can release the wait.
		stopCh = make(chan struct{})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		g.dropWaiter(id, ch)
		return types.ApprovalPending, fmt.Errorf("approval %q still pending after %s", id, timeout)
	case <-stopCh:
		g.dropWaiter(id, ch)
		return types.ApprovalPending, fmt.Errorf("gate stopped")
	}
}

func (g *Gate) notify(id string, status types.ApprovalStatus) {
	g.mu.Lock()
	waiters := g.waiters[id]
	delete(g.waiters, id)
	g.mu.Unlock()
	for _, ch := range waiters {
		ch <- status
	}
}

func (g *Gate) dropWaiter(id string, ch chan types.ApprovalStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[id]
	for i, c := range list {
		if c == ch {
			g.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// sweepLoop expires pending approvals past their TTL.
func (g *Gate) sweepLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := g.ExpireStale(); err != nil {
				log.WithComponent("policy").Error().Err(err).Msg("expiry sweep failed")
			}
		case <-stopCh:
			return
		}
	}
}

// ExpireStale marks every pending approval past its deadline as expired.
func (g *Gate) ExpireStale() error {
	pending, err := g.store.ListApprovalsByStatus(types.ApprovalPending)
	if err != nil {
		return err
	}
	now := g.now()
	for _, approval := range pending {
		if approval.ExpiresAt.After(now) {
			continue
		}
		approval.Status = types.ApprovalExpired
		approval.ResolvedAt = now
		if err := g.store.UpdateApproval(approval); err != nil {
			return err
		}
		g.notify(approval.ID, types.ApprovalExpired)
	}
	g.refreshPendingGauge()
	return nil
}

func (g *Gate) refreshPendingGauge() {
	pending, err := g.store.ListApprovalsByStatus(types.ApprovalPending)
	if err != nil {
		return
	}
	metrics.ApprovalsPending.Set(float64(len(pending)))
}

// InstallPolicy persists a new snapshot wholesale. The version must be
// strictly above the current one.
func (g *Gate) InstallPolicy(snapshot *types.PolicySnapshot) error {
	if snapshot.InstalledAt.IsZero() {
		snapshot.InstalledAt = g.now()
	}
	return g.store.SavePolicy(snapshot)
}

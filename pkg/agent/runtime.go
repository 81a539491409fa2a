package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/metrics"
	"github.com/hearthd/hearthd/pkg/policy"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

const (
	// DefaultHandlerTimeout bounds one handler invocation.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultHeartbeat is the liveness publish interval.
	DefaultHeartbeat = 5 * time.Second

	// errorThreshold consecutive handler failures within errorWindow move
	// the agent to the error state.
	errorThreshold = 3
	errorWindow    = 60 * time.Second
)

// EventBus is the subset of the bus a runtime needs.
type EventBus interface {
	Subscribe(name string, topics []string, handler bus.Handler) error
	Unsubscribe(name string)
	Publish(event *types.Event) error
}

// Approver is the policy gate surface handlers use. Satisfied by
// *policy.Gate.
type Approver interface {
	Evaluate(intent *types.Intent) (*policy.Result, error)
	Await(id string, timeout time.Duration) (types.ApprovalStatus, error)
}

// JobReporter receives scheduled job outcomes. Satisfied by
// *scheduler.Scheduler.
type JobReporter interface {
	ReportResult(jobID string, runErr error) error
}

// Auditor appends action records and cost corrections. Satisfied by
// *audit.Recorder.
type Auditor interface {
	Action(agent types.AgentKind, action, cid string, cost float64)
	Backfill(actionID, cid string, actual float64) error
}

// Handler processes one inbox event for an agent. All I/O goes through
// the store, connectors, or gated intents.
type Handler func(ctx context.Context, rt *Runtime, event *types.Event) error

// Snapshot is a read-only view of a runtime for status reporting.
type Snapshot struct {
	Kind          types.AgentKind `json:"kind"`
	State         types.AgentState `json:"state"`
	PendingTasks  int             `json:"pending_tasks"`
	ErrorCount    int             `json:"error_count"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Journal       []JournalEntry  `json:"journal"`
}

// Runtime is a single-writer agent worker. Its inbox is fed by bus
// subscriptions; at most one handler runs at a time, so handlers never
// race with themselves or each other within the agent.
type Runtime struct {
	kind     types.AgentKind
	store    storage.Store
	bus      EventBus
	gate     Approver
	auditor  Auditor
	jobs     JobReporter
	handlers map[string]Handler

	handlerTimeout time.Duration
	heartbeatEvery time.Duration

	journal journal

	mu            sync.Mutex
	state         types.AgentState
	failures      []time.Time
	errorCount    int
	lastHeartbeat time.Time
	started       bool
	// inflightDeadline is the running handler's deadline; zero when no
	// handler is in flight.
	inflightDeadline time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRuntime(kind types.AgentKind, deps Deps) *Runtime {
	rt := &Runtime{
		kind:           kind,
		store:          deps.Store,
		bus:            deps.Bus,
		gate:           deps.Gate,
		auditor:        deps.Auditor,
		jobs:           deps.Jobs,
		handlers:       make(map[string]Handler),
		handlerTimeout: deps.HandlerTimeout,
		heartbeatEvery: deps.HeartbeatEvery,
		state:          types.AgentStateOffline,
	}
	if rt.handlerTimeout <= 0 {
		rt.handlerTimeout = DefaultHandlerTimeout
	}
	if rt.heartbeatEvery <= 0 {
		rt.heartbeatEvery = DefaultHeartbeat
	}
	return rt
}

// Kind returns the agent's kind.
func (r *Runtime) Kind() types.AgentKind { return r.kind }

// on registers a handler for an event type.
func (r *Runtime) on(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Start persists the agent record, subscribes the inbox and begins
// heartbeating. offline -> idle.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	if err := r.bus.Subscribe(r.subscriberName(), topics, r.handle); err != nil {
		return fmt.Errorf("failed to subscribe agent %s: %w", r.kind, err)
	}

	// A restarted agent leaves the stopped sink through offline.
	r.mu.Lock()
	if r.state == types.AgentStateStopped {
		r.state = types.AgentStateOffline
		metrics.AgentsByState.WithLabelValues(string(types.AgentStateStopped)).Dec()
	}
	r.mu.Unlock()
	r.setState(types.AgentStateIdle)
	if err := r.persist(); err != nil {
		return err
	}
	go r.heartbeatLoop()

	log.WithAgent(string(r.kind)).Info().Msg("agent online")
	return nil
}

// Stop unsubscribes the inbox and marks the agent stopped. Only the
// supervisor calls this; stopped is a sink state.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
	r.bus.Unsubscribe(r.subscriberName())

	r.setState(types.AgentStateStopped)
	log.WithAgent(string(r.kind)).Info().Msg("agent stopped")
	return r.persist()
}

func (r *Runtime) subscriberName() string { return "agent:" + string(r.kind) }

// State returns the current lifecycle state.
func (r *Runtime) State() types.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns the runtime's read-only status view.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	state := r.state
	errorCount := r.errorCount
	heartbeat := r.lastHeartbeat
	r.mu.Unlock()

	return Snapshot{
		Kind:          r.kind,
		State:         state,
		PendingTasks:  r.pendingTasks(),
		ErrorCount:    errorCount,
		LastHeartbeat: heartbeat,
		Journal:       r.journal.snapshot(),
	}
}

// handle is the bus entry point. Events carrying an "agent" payload
// field addressed to a different agent are ignored.
func (r *Runtime) handle(ctx context.Context, event *types.Event) error {
	h, ok := r.handlers[event.Type]
	if !ok {
		return nil
	}
	if target, ok := event.Payload["agent"].(string); ok && target != "" && target != string(r.kind) {
		return nil
	}

	r.setState(types.AgentStateRunning)
	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	r.mu.Lock()
	r.inflightDeadline = time.Now().Add(r.handlerTimeout)
	r.mu.Unlock()

	err := h(hctx, r, event)

	r.mu.Lock()
	r.inflightDeadline = time.Time{}
	r.mu.Unlock()

	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		r.publishTimeout(event)
	}

	r.observe(event, err)
	return err
}

// observe updates the failure window and drives the state machine:
// running -> idle on success, running -> error after errorThreshold
// consecutive failures within errorWindow.
func (r *Runtime) observe(event *types.Event, err error) {
	r.mu.Lock()
	if err == nil {
		r.failures = r.failures[:0]
		if r.state == types.AgentStateRunning {
			r.mu.Unlock()
			r.setState(types.AgentStateIdle)
			r.journal.add("event", event.Type)
			return
		}
		r.mu.Unlock()
		return
	}

	now := time.Now()
	r.failures = append(r.failures, now)
	cutoff := now.Add(-errorWindow)
	recent := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	r.failures = recent
	tripped := len(r.failures) >= errorThreshold
	if tripped {
		r.errorCount++
	}
	r.mu.Unlock()

	r.journal.add("error", event.Type+": "+err.Error())
	if tripped {
		r.setState(types.AgentStateError)
		if perr := r.persist(); perr != nil {
			log.WithAgent(string(r.kind)).Error().Err(perr).Msg("failed to persist error state")
		}
		return
	}
	r.setState(types.AgentStateIdle)
}

func (r *Runtime) setState(next types.AgentState) {
	r.mu.Lock()
	prev := r.state
	if prev == next {
		r.mu.Unlock()
		return
	}
	// stopped is a sink; only Stop may leave it unset.
	if prev == types.AgentStateStopped {
		r.mu.Unlock()
		return
	}
	r.state = next
	r.mu.Unlock()

	if prev != types.AgentStateOffline {
		metrics.AgentsByState.WithLabelValues(string(prev)).Dec()
	}
	metrics.AgentsByState.WithLabelValues(string(next)).Inc()
}

// ClearError returns an errored agent to idle. Called by the supervisor
// once the underlying incident resolves.
func (r *Runtime) ClearError() {
	r.mu.Lock()
	if r.state != types.AgentStateError {
		r.mu.Unlock()
		return
	}
	r.failures = r.failures[:0]
	r.mu.Unlock()
	r.setState(types.AgentStateIdle)
	_ = r.persist()
}

func (r *Runtime) pendingTasks() int {
	tasks, err := r.store.ListTasksByAgent(r.kind)
	if err != nil {
		return 0
	}
	pending := 0
	for _, task := range tasks {
		if task.Status == types.TaskPending || task.Status == types.TaskInProgress {
			pending++
		}
	}
	return pending
}

// persist writes the agent record with the current state.
func (r *Runtime) persist() error {
	agent, err := r.store.GetAgent(r.kind)
	if errors.Is(err, storage.ErrNotFound) {
		agent = &types.Agent{ID: uuid.New().String(), Kind: r.kind, Enabled: true}
		err = nil
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	agent.State = r.state
	agent.ErrorCount = r.errorCount
	agent.LastHeartbeat = r.lastHeartbeat
	r.mu.Unlock()
	agent.PendingTasks = r.pendingTasks()
	return r.store.PutAgent(agent)
}

func (r *Runtime) heartbeatLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.heartbeat()
		case <-r.stopCh:
			return
		}
	}
}

// heartbeat advances liveness and publishes system.health. A handler
// still in flight past its deadline is not honoring cancellation, so
// the heartbeat is withheld and the agent moves to error instead of
// reporting itself running forever.
func (r *Runtime) heartbeat() {
	r.mu.Lock()
	now := time.Now()
	wedged := r.state == types.AgentStateRunning &&
		!r.inflightDeadline.IsZero() && now.After(r.inflightDeadline)
	if wedged {
		r.errorCount++
	} else {
		r.lastHeartbeat = now
	}
	r.mu.Unlock()

	if wedged {
		log.WithAgent(string(r.kind)).Warn().Msg("handler stuck past its deadline")
		r.journal.add("error", "handler stuck past its deadline")
		r.setState(types.AgentStateError)
	}
	state := r.State()

	if err := r.persist(); err != nil {
		log.WithAgent(string(r.kind)).Error().Err(err).Msg("heartbeat persist failed")
	}
	if err := r.bus.Publish(&types.Event{
		Type:     bus.TopicSystemHealth,
		Severity: types.SeverityInfo,
		Priority: types.PriorityLow,
		Source:   "agent:" + string(r.kind),
		Payload: map[string]any{
			"kind":    string(r.kind),
			"state":   string(state),
			"pending": r.pendingTasks(),
		},
	}); err != nil {
		log.WithAgent(string(r.kind)).Error().Err(err).Msg("heartbeat publish failed")
	}
}

func (r *Runtime) publishTimeout(event *types.Event) {
	_ = r.bus.Publish(&types.Event{
		Type:          bus.TopicTaskTimeout,
		Severity:      types.SeverityWarning,
		Priority:      types.PriorityHigh,
		Source:        "agent:" + string(r.kind),
		CorrelationID: event.CorrelationID,
		Payload: map[string]any{
			"agent":      string(r.kind),
			"event_type": event.Type,
			"event_id":   event.ID,
			"timeout":    r.handlerTimeout.String(),
		},
	})
}

package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/agent"
	"github.com/hearthd/hearthd/pkg/audit"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/config"
	"github.com/hearthd/hearthd/pkg/connector"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/policy"
	"github.com/hearthd/hearthd/pkg/safeedit"
	"github.com/hearthd/hearthd/pkg/scheduler"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

// drainDeadline bounds how long shutdown waits for queued events.
const drainDeadline = 10 * time.Second

// Supervisor is the manager agent: it owns component lifecycle, admits
// external input, escalates incidents, and aggregates status.
type Supervisor struct {
	cfg      *config.Config
	store    storage.Store
	bus      *bus.Bus
	registry *connector.Registry
	gate     *policy.Gate
	recorder *audit.Recorder
	sched    *scheduler.Scheduler
	edits    *safeedit.Service
	chat     connector.Chat

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	runtimes  map[types.AgentKind]*agent.Runtime
}

// New opens the store and wires every component. Nothing is started;
// call Startup to bring the system online.
func New(cfg *config.Config) (*Supervisor, error) {
	store, err := storage.NewBoltStore(cfg.DataRoot)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		runtimes: make(map[types.AgentKind]*agent.Runtime),
	}

	s.bus = bus.New(store, bus.Options{
		QueueSize:    cfg.BusQueueSize,
		OnDrop:       s.onEventDropped,
		OnOverflow:   s.onBusOverflow,
		OnDeadLetter: s.onDeadLetter,
	})
	s.recorder = audit.NewRecorder(store)
	s.gate = policy.NewGate(store, s.bus, s.recorder)
	s.sched = scheduler.NewScheduler(store, s.bus)

	s.edits, err = safeedit.NewService(store, s.bus, cfg.DataRoot)
	if err != nil {
		store.Close()
		return nil, err
	}

	s.registry = connector.NewRegistry(s.bus)
	mail := connector.NewSpoolMail(cfg.MailSpoolDir())
	chat := connector.NewLogChat(cfg.ChatLogDir())
	s.chat = chat
	for _, c := range []connector.Connector{mail, chat} {
		if err := s.registry.Register(c); err != nil {
			store.Close()
			return nil, err
		}
	}
	// An empty price table on first boot keeps the feed healthy until
	// the operator fills it in.
	if _, err := os.Stat(cfg.PriceTablePath()); os.IsNotExist(err) {
		if werr := os.WriteFile(cfg.PriceTablePath(), []byte("{}\n"), 0o644); werr != nil {
			store.Close()
			return nil, fmt.Errorf("failed to seed price table: %w", werr)
		}
	}
	prices := connector.NewFilePriceFeed(cfg.PriceTablePath())
	if err := s.registry.Register(prices); err != nil {
		store.Close()
		return nil, err
	}

	if err := s.ensurePolicy(); err != nil {
		store.Close()
		return nil, err
	}

	deps := agent.Deps{
		Store:          store,
		Bus:            s.bus,
		Gate:           s.gate,
		Auditor:        s.recorder,
		Costs:          s.recorder,
		Jobs:           s.sched,
		Edits:          s.edits,
		Mail:           mail,
		Prices:         prices,
		DataRoot:       cfg.DataRoot,
		Tickers:        cfg.Tickers,
		BudgetWarnAt:   cfg.CostConfirmCap,
		EditRetention:  time.Duration(cfg.BackupRetentionDays) * 24 * time.Hour,
		HeartbeatEvery: cfg.HeartbeatInterval,
	}
	for _, kind := range types.WorkerKinds {
		rt, err := agent.New(kind, deps)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to build %s agent: %w", kind, err)
		}
		s.runtimes[kind] = rt
	}

	return s, nil
}

// ensurePolicy installs the default snapshot on first boot.
func (s *Supervisor) ensurePolicy() error {
	if _, err := s.store.GetPolicy(); err == nil {
		return nil
	}
	return s.store.SavePolicy(&types.PolicySnapshot{
		Version: 1,
		Thresholds: types.PolicyThresholds{
			CostAutoCap:    s.cfg.CostAutoCap,
			CostConfirmCap: s.cfg.CostConfirmCap,
		},
		QuietHours: types.QuietHours{
			Start: s.cfg.QuietHoursStart,
			End:   s.cfg.QuietHoursEnd,
		},
		InstalledAt: time.Now(),
	})
}

// Startup brings the system online in dependency order: store, bus,
// connectors, agents, scheduler. Idempotent; a second call reports
// already running.
func (s *Supervisor) Startup(ctx context.Context) (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return true, nil
	}

	logger := log.WithComponent("supervisor")
	logger.Info().Msg("starting")

	if err := s.subscribe(); err != nil {
		return false, err
	}
	if err := s.registry.Start(ctx); err != nil {
		s.bus.Unsubscribe("supervisor")
		return false, err
	}
	started := make([]*agent.Runtime, 0, len(s.runtimes))
	for _, kind := range types.WorkerKinds {
		rt := s.runtimes[kind]
		if err := rt.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop()
			}
			_ = s.registry.Stop()
			s.bus.Unsubscribe("supervisor")
			return false, err
		}
		started = append(started, rt)
	}
	s.gate.Start()
	if err := s.ensureDefaultJobs(); err != nil {
		logger.Error().Err(err).Msg("failed to seed default jobs")
	}
	if err := s.sched.Start(); err != nil {
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i].Stop()
		}
		_ = s.registry.Stop()
		s.bus.Unsubscribe("supervisor")
		return false, err
	}

	s.running = true
	s.startedAt = time.Now()
	s.persistManager(types.AgentStateRunning)
	s.recorder.Action(types.AgentManager, "system.startup", "", 0)
	logger.Info().Int("agents", len(started)).Msg("system online")
	return false, nil
}

// Shutdown stops components in reverse order, draining the bus with a
// deadline. Idempotent; a second call reports already stopped.
func (s *Supervisor) Shutdown() (already bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return true, nil
	}

	logger := log.WithComponent("supervisor")
	logger.Info().Msg("shutting down")

	s.sched.Stop()
	s.gate.Stop()
	for i := len(types.WorkerKinds) - 1; i >= 0; i-- {
		rt := s.runtimes[types.WorkerKinds[i]]
		if stopErr := rt.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	if stopErr := s.registry.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	if !s.bus.Drain(drainDeadline) {
		logger.Warn().Dur("deadline", drainDeadline).Msg("bus not fully drained")
	}
	s.bus.Unsubscribe("supervisor")

	s.running = false
	s.persistManager(types.AgentStateStopped)
	s.recorder.Action(types.AgentManager, "system.shutdown", "", 0)
	logger.Info().Msg("system stopped")
	return false, err
}

// Close releases the bus and the store. The supervisor is unusable
// afterwards.
func (s *Supervisor) Close() error {
	if _, err := s.Shutdown(); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("shutdown during close failed")
	}
	s.bus.Close()
	return s.store.Close()
}

// Running reports whether the system is online.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartedAt returns when the system last came online.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Component accessors for the API layer.
func (s *Supervisor) Store() storage.Store           { return s.store }
func (s *Supervisor) Bus() *bus.Bus                  { return s.bus }
func (s *Supervisor) Gate() *policy.Gate             { return s.gate }
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Supervisor) Recorder() *audit.Recorder      { return s.recorder }
func (s *Supervisor) Edits() *safeedit.Service       { return s.edits }
func (s *Supervisor) Connectors() *connector.Registry { return s.registry }

// Delegate routes a user directive to an agent: a pending task is
// persisted and announced on the agent's inbox, stamped with a fresh
// correlation id.
func (s *Supervisor) Delegate(kind types.AgentKind, title string, priority types.TaskPriority) (*types.Task, error) {
	if _, ok := s.runtimes[kind]; !ok {
		return nil, fmt.Errorf("no such agent %q", kind)
	}
	if title == "" {
		return nil, fmt.Errorf("directive title is required")
	}
	if priority == "" {
		priority = types.TaskPriorityMedium
	}

	task := &types.Task{
		ID:            uuid.New().String(),
		OwnerAgent:    kind,
		Title:         title,
		Priority:      priority,
		Status:        types.TaskPending,
		Category:      "delegated",
		CreatedAt:     time.Now(),
		CorrelationID: uuid.New().String(),
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, err
	}

	s.recorder.Action(types.AgentManager, "delegate:"+string(kind), task.CorrelationID, 0)
	err := s.bus.Publish(&types.Event{
		Type:          bus.TopicTaskCreated,
		Severity:      types.SeverityInfo,
		Priority:      types.PriorityNormal,
		Source:        "supervisor",
		CorrelationID: task.CorrelationID,
		Payload: map[string]any{
			"task_id": task.ID,
			"agent":   string(kind),
			"title":   title,
		},
	})
	return task, err
}

// OpenIncident records a system-level condition, freezes auto-approval
// and announces incident.opened.
func (s *Supervisor) OpenIncident(kind, detail string, severity types.Severity) (*types.Incident, error) {
	incident := &types.Incident{
		ID:       uuid.New().String(),
		Kind:     kind,
		Severity: severity,
		Detail:   detail,
		Source:   "supervisor",
		Status:   types.IncidentOpen,
		OpenedAt: time.Now(),
	}
	if err := s.store.CreateIncident(incident); err != nil {
		return nil, err
	}
	s.gate.Freeze()
	s.recorder.Action(types.AgentManager, "incident.opened:"+kind, incident.CorrelationID, 0)

	err := s.bus.Publish(&types.Event{
		Type:     bus.TopicIncidentOpened,
		Severity: severity,
		Priority: types.PriorityCritical,
		Source:   "supervisor",
		Payload: map[string]any{
			"incident_id": incident.ID,
			"kind":        kind,
			"detail":      detail,
		},
	})
	return incident, err
}

// ResolveIncident closes an incident; auto-approval thaws once no open
// incidents remain.
func (s *Supervisor) ResolveIncident(id string) error {
	incident, err := s.store.GetIncident(id)
	if err != nil {
		return err
	}
	if incident.Status != types.IncidentOpen {
		return fmt.Errorf("incident %q already resolved: %w", id, storage.ErrConstraint)
	}
	incident.Status = types.IncidentResolved
	incident.ResolvedAt = time.Now()
	if err := s.store.UpdateIncident(incident); err != nil {
		return err
	}

	open, err := s.store.ListOpenIncidents()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		s.gate.Unfreeze()
		for _, rt := range s.runtimes {
			rt.ClearError()
		}
	}
	return s.bus.Publish(&types.Event{
		Type:     bus.TopicIncidentResolved,
		Severity: types.SeverityInfo,
		Priority: types.PriorityHigh,
		Source:   "supervisor",
		Payload:  map[string]any{"incident_id": id, "kind": incident.Kind},
	})
}

// subscribe attaches the supervisor's own inbox.
func (s *Supervisor) subscribe() error {
	topics := []string{
		bus.TopicIncidentOpened,
		bus.TopicIncidentResolved,
		bus.TopicJobDisabled,
		bus.TopicBudgetWarning,
		bus.TopicTaskTimeout,
		bus.TopicDeadLetter,
	}
	return s.bus.Subscribe("supervisor", topics, s.handle)
}

func (s *Supervisor) handle(ctx context.Context, event *types.Event) error {
	switch event.Type {
	case bus.TopicIncidentOpened:
		// Incidents raised by agents freeze the gate too.
		s.gate.Freeze()
		if offender, ok := event.Payload["agent"].(string); ok && offender != "" {
			if rt, exists := s.runtimes[types.AgentKind(offender)]; exists {
				if err := rt.Stop(); err != nil {
					log.WithComponent("supervisor").Error().Err(err).Str("agent", offender).Msg("failed to halt offending agent")
				}
			}
		}
		s.notify(ctx, fmt.Sprintf("incident opened: %v", event.Payload["detail"]))

	case bus.TopicIncidentResolved:
		open, err := s.store.ListOpenIncidents()
		if err != nil {
			return err
		}
		if len(open) == 0 {
			s.gate.Unfreeze()
			for _, rt := range s.runtimes {
				rt.ClearError()
			}
		}

	case bus.TopicJobDisabled:
		s.notify(ctx, fmt.Sprintf("job %v disabled after repeated failures", event.Payload["job_name"]))

	case bus.TopicBudgetWarning:
		s.notify(ctx, fmt.Sprintf("budget warning: spend today %v", event.Payload["spend_today"]))
		// A critical budget breach is an incident: auto-approval stops
		// until the operator resolves it.
		if event.Severity == types.SeverityCritical {
			open, err := s.store.ListOpenIncidents()
			if err != nil {
				return err
			}
			for _, incident := range open {
				if incident.Kind == "budget" {
					return nil
				}
			}
			if _, err := s.OpenIncident("budget",
				fmt.Sprintf("spend today %v exceeds the confirm cap", event.Payload["spend_today"]),
				types.SeverityCritical); err != nil {
				return err
			}
		}

	case bus.TopicTaskTimeout:
		s.recorder.Action(types.AgentManager, "task.timeout.observed", event.CorrelationID, 0)

	case bus.TopicDeadLetter:
		s.recorder.Action(types.AgentManager, "deadletter.observed", event.CorrelationID, 0)
	}
	return nil
}

// notify posts an operator alert on the chat connector.
func (s *Supervisor) notify(ctx context.Context, text string) {
	if s.chat == nil {
		return
	}
	if err := s.chat.Post(ctx, "alerts", text); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("failed to post alert")
	}
}

// Bus escalation callbacks.

func (s *Supervisor) onEventDropped(event *types.Event, subscriber, reason string) {
	s.recorder.Action(types.AgentManager,
		fmt.Sprintf("event.dropped:%s:%s", event.Type, reason), event.CorrelationID, 0)
}

func (s *Supervisor) onBusOverflow(event *types.Event, subscriber string) {
	if _, err := s.OpenIncident("bus_overflow",
		fmt.Sprintf("subscriber %s cannot keep up with %s events", subscriber, event.Type),
		types.SeverityCritical); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("failed to open overflow incident")
	}
}

func (s *Supervisor) onDeadLetter(event *types.Event, subscriber string, cause error) {
	s.recorder.Action(types.AgentManager,
		"event.deadlettered:"+event.Type, event.CorrelationID, 0)
	_ = s.bus.Publish(&types.Event{
		Type:          bus.TopicDeadLetter,
		Severity:      types.SeverityWarning,
		Priority:      types.PriorityHigh,
		Source:        "bus",
		CorrelationID: event.CorrelationID,
		Payload: map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type,
			"subscriber": subscriber,
			"error":      cause.Error(),
		},
	})
}

func (s *Supervisor) persistManager(state types.AgentState) {
	manager, err := s.store.GetAgent(types.AgentManager)
	if err != nil {
		manager = &types.Agent{ID: uuid.New().String(), Kind: types.AgentManager, Enabled: true}
	}
	manager.State = state
	manager.LastHeartbeat = time.Now()
	if err := s.store.PutAgent(manager); err != nil {
		log.WithComponent("supervisor").Error().Err(err).Msg("failed to persist manager record")
	}
}

// ensureDefaultJobs seeds the routine household schedule on first boot.
func (s *Supervisor) ensureDefaultJobs() error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		return nil
	}

	defaults := []*types.Job{
		{Name: "mail poll", Agent: types.AgentMailSkill, TaskSpec: "poll inbox", Frequency: types.FreqHourly, Minute: 10, Enabled: true},
		{Name: "nightly backup", Agent: types.AgentBackup, TaskSpec: "nightly export", Frequency: types.FreqDaily, Hour: 3, Minute: 30, Critical: true, Enabled: true},
		{Name: "edit backup prune", Agent: types.AgentJanitor, TaskSpec: "prune edit backups", Frequency: types.FreqDaily, Hour: 4, Minute: 15, Enabled: true},
		{Name: "quote refresh", Agent: types.AgentFinance, TaskSpec: "refresh quotes", Frequency: types.FreqDaily, Hour: 18, Minute: 0, Enabled: true},
	}
	for _, job := range defaults {
		if err := s.sched.CreateJob(job); err != nil {
			return err
		}
	}
	return nil
}

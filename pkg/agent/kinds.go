package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/audit"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/connector"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/safeedit"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

// CostReporter exposes cost aggregation. Satisfied by *audit.Recorder.
type CostReporter interface {
	TotalsToday() (*audit.Totals, error)
}

// idempotencyTTL bounds how long a handled event id is remembered for
// redelivery deduplication.
const idempotencyTTL = 24 * time.Hour

// firstDelivery reserves an idempotency key for the event so the bus's
// at-least-once redeliveries do not repeat a side effect. Events without
// an id (direct invocations) are never deduplicated.
func firstDelivery(rt *Runtime, prefix string, event *types.Event) (bool, error) {
	if event.ID == "" {
		return true, nil
	}
	return rt.store.Reserve(prefix+":"+event.ID, idempotencyTTL)
}

// Deps carries everything an agent runtime may need. Kinds ignore the
// dependencies they do not use; New validates the ones they do.
type Deps struct {
	Store   storage.Store
	Bus     EventBus
	Gate    Approver
	Auditor Auditor
	Costs   CostReporter
	Jobs    JobReporter

	Edits  *safeedit.Service
	Mail   connector.Mail
	Prices connector.PriceFeed

	// DataRoot anchors the backup agent's export directory.
	DataRoot string
	// Tickers is the finance agent's watchlist.
	Tickers []string
	// BudgetWarnAt is today's estimated-cost level that triggers a
	// budget.warning event.
	BudgetWarnAt float64
	// EditRetention bounds how long applied safe-edit backups are kept.
	EditRetention time.Duration

	HandlerTimeout time.Duration
	HeartbeatEvery time.Duration
}

// New builds the runtime for one agent kind with its handler table
// installed.
func New(kind types.AgentKind, deps Deps) (*Runtime, error) {
	if deps.Store == nil || deps.Bus == nil {
		return nil, fmt.Errorf("agent %s: store and bus are required", kind)
	}

	rt := newRuntime(kind, deps)
	rt.on(bus.TopicTaskCreated, taskCreatedHandler())
	rt.on(bus.TopicSchedulerTick, tickHandler(kindWork(kind, deps)))

	switch kind {
	case types.AgentJanitor:
		if deps.Edits == nil || deps.Gate == nil {
			return nil, fmt.Errorf("janitor agent requires the safe-edit service and gate")
		}
		rt.on(bus.TopicEditRequested, janitorEditHandler(deps))
		rt.on(bus.TopicApprovalResolved, janitorApprovalHandler(deps))

	case types.AgentBackup:
		if deps.DataRoot == "" {
			return nil, fmt.Errorf("backup agent requires a data root")
		}
		rt.on(bus.TopicBackupRequested, backupHandler(deps))

	case types.AgentFinance:
		rt.on(bus.TopicCostActual, costActualHandler())

	case types.AgentSecurity:
		rt.on(bus.TopicConnectorHealth, securityHealthHandler(deps))

	case types.AgentMailSkill:
		if deps.Mail == nil {
			return nil, fmt.Errorf("mailskill agent requires the mail connector")
		}
		rt.on(bus.TopicInboxMessage, inboxMessageHandler(deps))
	}

	return rt, nil
}

// tickHandler runs the kind's scheduled work and reports the outcome
// back to the scheduler's failure accounting.
func tickHandler(work func(ctx context.Context, rt *Runtime, spec string) error) Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		jobID, _ := event.Payload["job_id"].(string)
		spec, _ := event.Payload["task_spec"].(string)

		err := work(ctx, rt, spec)
		if rt.jobs != nil && jobID != "" {
			if rerr := rt.jobs.ReportResult(jobID, err); rerr != nil {
				log.WithAgent(string(rt.kind)).Error().Err(rerr).Str("job_id", jobID).Msg("failed to report job result")
			}
		}
		if err != nil {
			return err
		}
		rt.journal.add("job", spec)
		if rt.auditor != nil {
			rt.auditor.Action(rt.kind, "job.run:"+spec, event.CorrelationID, 0)
		}
		return nil
	}
}

// taskCreatedHandler picks up a delegated task: pending -> in_progress,
// then completed with evidence of the work performed.
func taskCreatedHandler() Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		taskID, _ := event.Payload["task_id"].(string)
		if taskID == "" {
			return nil
		}
		task, err := rt.store.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskPending {
			return nil
		}

		task.Status = types.TaskInProgress
		if err := rt.store.UpdateTask(task); err != nil {
			return err
		}
		rt.journal.add("task", "started "+task.Title)

		task.Status = types.TaskCompleted
		task.Evidence = fmt.Sprintf("handled by %s at %s", rt.kind, time.Now().Format(time.RFC3339))
		if err := rt.store.UpdateTask(task); err != nil {
			return err
		}
		rt.journal.add("task", "completed "+task.Title)

		return rt.bus.Publish(&types.Event{
			Type:          bus.TopicTaskCompleted,
			Severity:      types.SeverityInfo,
			Priority:      types.PriorityNormal,
			Source:        "agent:" + string(rt.kind),
			CorrelationID: task.CorrelationID,
			Payload: map[string]any{
				"task_id": task.ID,
				"agent":   string(rt.kind),
				"title":   task.Title,
			},
		})
	}
}

// kindWork returns the scheduled-work function for a kind.
func kindWork(kind types.AgentKind, deps Deps) func(ctx context.Context, rt *Runtime, spec string) error {
	switch kind {
	case types.AgentJanitor:
		return func(ctx context.Context, rt *Runtime, spec string) error {
			retention := deps.EditRetention
			if retention <= 0 {
				retention = 7 * 24 * time.Hour
			}
			_, err := deps.Edits.Prune(retention)
			return err
		}

	case types.AgentBackup:
		return func(ctx context.Context, rt *Runtime, spec string) error {
			return exportSnapshot(rt, deps.DataRoot)
		}

	case types.AgentFinance:
		return func(ctx context.Context, rt *Runtime, spec string) error {
			return financeWork(ctx, rt, deps)
		}

	case types.AgentMailSkill:
		var lastFetch time.Time
		return func(ctx context.Context, rt *Runtime, spec string) error {
			since := lastFetch
			if since.IsZero() {
				since = time.Now().Add(-24 * time.Hour)
			}
			n, err := MailSync(ctx, rt, deps.Mail, since)
			if err != nil {
				return err
			}
			lastFetch = time.Now()
			if n > 0 {
				rt.journal.add("inbox", fmt.Sprintf("fetched %d messages", n))
			}
			return nil
		}

	default:
		// Maintenance, contractors, projects, security and mailskill run
		// their routine work as a self-assigned completed task.
		return func(ctx context.Context, rt *Runtime, spec string) error {
			if spec == "" {
				spec = "routine check"
			}
			task := &types.Task{
				ID:         uuid.New().String(),
				OwnerAgent: rt.kind,
				Title:      spec,
				Priority:   types.TaskPriorityMedium,
				Status:     types.TaskPending,
				Category:   "scheduled",
				CreatedAt:  time.Now(),
			}
			if err := rt.store.CreateTask(task); err != nil {
				return err
			}
			task.Status = types.TaskCompleted
			task.Evidence = "scheduled run completed"
			return rt.store.UpdateTask(task)
		}
	}
}

// janitorEditHandler stages a requested content edit, passes it through
// the gate, and applies immediately when the decision is auto. When
// confirmation is required the edit stays staged; the approval carries
// the edit id and janitorApprovalHandler finishes the job.
func janitorEditHandler(deps Deps) Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		target, _ := event.Payload["target"].(string)
		content, _ := event.Payload["content"].(string)
		if target == "" || content == "" {
			return fmt.Errorf("edit request missing target or content")
		}
		if first, err := firstDelivery(rt, "edit", event); err != nil {
			return err
		} else if !first {
			// Redelivery: the edit was already staged or applied.
			return nil
		}

		editID, err := deps.Edits.Stage(target, []byte(content), nil, rt.kind)
		if err != nil {
			var verr *safeedit.ValidationError
			if errors.As(err, &verr) {
				rt.journal.add("edit", "rejected "+target+": "+verr.Error())
				// Invalid content is not retryable.
				return nil
			}
			return err
		}

		result, err := rt.gate.Evaluate(&types.Intent{
			Action:        "safeedit.apply",
			Agent:         rt.kind,
			Reversibility: types.Reversible,
			CorrelationID: editID,
		})
		if err != nil {
			return err
		}

		switch result.Decision {
		case types.DecisionAuto:
			rt.journal.add("edit", "applying "+target)
			return deps.Edits.Apply(editID)
		case types.DecisionConfirm:
			rt.journal.add("edit", "staged "+target+" awaiting approval "+result.Approval.ID)
			return nil
		default:
			rt.journal.add("edit", "denied "+target+": "+result.Reason)
			return nil
		}
	}
}

// janitorApprovalHandler applies a staged edit once its approval
// resolves. The approval's intent correlation id is the edit id.
func janitorApprovalHandler(deps Deps) Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		approvalID, _ := event.Payload["approval_id"].(string)
		if approvalID == "" {
			return nil
		}
		approval, err := rt.store.GetApproval(approvalID)
		if err != nil {
			return err
		}
		if approval.RequesterAgent != rt.kind || approval.Intent.Action != "safeedit.apply" {
			return nil
		}

		editID := approval.Intent.CorrelationID
		if approval.Status != types.ApprovalApproved {
			rt.journal.add("edit", "approval "+string(approval.Status)+", edit "+editID+" left staged")
			return nil
		}
		rt.journal.add("edit", "approved, applying edit "+editID)
		return deps.Edits.Apply(editID)
	}
}

// backupHandler exports the full store on demand.
func backupHandler(deps Deps) Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		if first, err := firstDelivery(rt, "backup", event); err != nil {
			return err
		} else if !first {
			return nil
		}
		return exportSnapshot(rt, deps.DataRoot)
	}
}

func exportSnapshot(rt *Runtime, dataRoot string) error {
	dir := filepath.Join(dataRoot, "exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	path := filepath.Join(dir, "hearthd-"+time.Now().Format("20060102-150405")+".ndjson")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if err := rt.store.Export(f); err != nil {
		os.Remove(path)
		return err
	}
	rt.journal.add("backup", "exported "+path)
	if rt.auditor != nil {
		rt.auditor.Action(rt.kind, "backup.export", "", 0)
	}
	return nil
}

// financeWork refreshes the watchlist quotes and checks today's spend
// against the warning level.
func financeWork(ctx context.Context, rt *Runtime, deps Deps) error {
	if deps.Prices != nil {
		for _, ticker := range deps.Tickers {
			price, err := deps.Prices.Quote(ctx, ticker)
			if err != nil {
				return fmt.Errorf("quote %s: %w", ticker, err)
			}
			if err := rt.bus.Publish(&types.Event{
				Type:     bus.TopicPriceQuote,
				Severity: types.SeverityInfo,
				Priority: types.PriorityLow,
				Source:   "agent:finance",
				Payload: map[string]any{
					"ticker": price.Ticker,
					"value":  price.Value,
					"as_of":  price.AsOf.Format(time.RFC3339),
				},
			}); err != nil {
				return err
			}
			rt.journal.add("quote", fmt.Sprintf("%s %.2f", price.Ticker, price.Value))
		}
	}

	if deps.Costs == nil || deps.BudgetWarnAt <= 0 {
		return nil
	}
	totals, err := deps.Costs.TotalsToday()
	if err != nil {
		return err
	}
	spend := totals.CostEstimated
	if totals.CostActual > spend {
		spend = totals.CostActual
	}
	// Warn at 80% of the cap; a breach of the cap itself is critical and
	// freezes auto-approval upstream.
	severity := types.SeverityWarning
	priority := types.PriorityHigh
	switch {
	case spend >= deps.BudgetWarnAt:
		severity = types.SeverityCritical
		priority = types.PriorityCritical
	case spend >= 0.8*deps.BudgetWarnAt:
	default:
		return nil
	}
	rt.journal.add("budget", fmt.Sprintf("spend %.2f against cap %.2f", spend, deps.BudgetWarnAt))
	return rt.bus.Publish(&types.Event{
		Type:     bus.TopicBudgetWarning,
		Severity: severity,
		Priority: priority,
		Source:   "agent:finance",
		Payload: map[string]any{
			"spend_today": spend,
			"warn_at":     deps.BudgetWarnAt,
		},
	})
}

// costActualHandler backfills actual costs reported by providers. The
// estimate record is immutable; the correction lands as a new record under
// the same correlation id, so derived totals pick it up on the next fold.
func costActualHandler() Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		actionID, _ := event.Payload["action_id"].(string)
		cost, _ := event.Payload["cost"].(float64)
		if actionID == "" {
			return nil
		}
		rt.journal.add("cost", fmt.Sprintf("backfill %s %.4f", actionID, cost))
		if rt.auditor == nil {
			return nil
		}
		return rt.auditor.Backfill(actionID, event.CorrelationID, cost)
	}
}

// securityHealthHandler opens an incident when a connector reports
// unhealthy and resolves it when the connector recovers.
func securityHealthHandler(deps Deps) Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		name, _ := event.Payload["connector"].(string)
		health, _ := event.Payload["health"].(string)
		if name == "" {
			return nil
		}
		incidentKind := "connector:" + name

		if health == string(types.ConnectorUnhealthy) {
			open, err := rt.store.ListOpenIncidents()
			if err != nil {
				return err
			}
			for _, incident := range open {
				if incident.Kind == incidentKind {
					return nil
				}
			}
			incident := &types.Incident{
				ID:       uuid.New().String(),
				Kind:     incidentKind,
				Severity: types.SeverityCritical,
				Detail:   "connector " + name + " is unhealthy",
				Source:   "agent:security",
				Status:   types.IncidentOpen,
				OpenedAt: time.Now(),
			}
			if err := rt.store.CreateIncident(incident); err != nil {
				return err
			}
			rt.journal.add("incident", "opened "+incidentKind)
			return rt.bus.Publish(&types.Event{
				Type:     bus.TopicIncidentOpened,
				Severity: types.SeverityCritical,
				Priority: types.PriorityCritical,
				Source:   "agent:security",
				Payload: map[string]any{
					"incident_id": incident.ID,
					"kind":        incident.Kind,
					"detail":      incident.Detail,
				},
			})
		}

		if health != string(types.ConnectorHealthy) {
			return nil
		}
		open, err := rt.store.ListOpenIncidents()
		if err != nil {
			return err
		}
		for _, incident := range open {
			if incident.Kind != incidentKind {
				continue
			}
			incident.Status = types.IncidentResolved
			incident.ResolvedAt = time.Now()
			if err := rt.store.UpdateIncident(incident); err != nil {
				return err
			}
			rt.journal.add("incident", "resolved "+incidentKind)
			if err := rt.bus.Publish(&types.Event{
				Type:     bus.TopicIncidentResolved,
				Severity: types.SeverityInfo,
				Priority: types.PriorityHigh,
				Source:   "agent:security",
				Payload: map[string]any{
					"incident_id": incident.ID,
					"kind":        incident.Kind,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

// inboxMessageHandler turns an inbound mail message into a triage task.
// Replies to known senders go out gated; a new contact always requires
// confirmation.
func inboxMessageHandler(deps Deps) Handler {
	return func(ctx context.Context, rt *Runtime, event *types.Event) error {
		from, _ := event.Payload["from"].(string)
		subject, _ := event.Payload["subject"].(string)
		messageID, _ := event.Payload["message_id"].(string)

		// The task and the outbound acknowledgment must land at most once
		// per message; a redelivered event already did both or neither
		// matters enough to repeat.
		if first, err := firstDelivery(rt, "inbox", event); err != nil {
			return err
		} else if !first {
			return nil
		}

		task := &types.Task{
			ID:            uuid.New().String(),
			OwnerAgent:    rt.kind,
			Title:         "Triage: " + subject,
			Priority:      types.TaskPriorityMedium,
			Status:        types.TaskPending,
			Category:      "inbox",
			CreatedAt:     time.Now(),
			CorrelationID: event.CorrelationID,
		}
		if err := rt.store.CreateTask(task); err != nil {
			return err
		}
		rt.journal.add("inbox", "task for message from "+from)

		if rt.gate == nil || from == "" {
			return nil
		}
		// A canned acknowledgment to a known contact is routine; replying
		// to a new contact always needs confirmation.
		result, err := rt.gate.Evaluate(&types.Intent{
			Action:        "mail.reply",
			Agent:         rt.kind,
			Reversibility: types.Reversible,
			SideEffects:   sideEffectsForSender(rt.store, from),
			CorrelationID: event.CorrelationID,
		})
		if err != nil {
			return err
		}
		switch result.Decision {
		case types.DecisionAuto:
		case types.DecisionConfirm:
			// Suspend on the approval; the reply goes out only if the
			// operator approves within the handler's budget.
			rt.journal.add("inbox", "reply to "+from+" held: "+result.Reason)
			status, aerr := rt.gate.Await(result.Approval.ID, awaitBudget(ctx))
			if aerr != nil {
				rt.journal.add("inbox", "approval "+result.Approval.ID+" unresolved, reply dropped")
				return nil
			}
			if status != types.ApprovalApproved {
				rt.journal.add("inbox", "reply to "+from+" "+string(status))
				return nil
			}
		default:
			rt.journal.add("inbox", "reply to "+from+" denied: "+result.Reason)
			return nil
		}

		ack, err := deps.Mail.Send(ctx, types.Draft{
			To:      from,
			Subject: "Re: " + subject,
			Body:    "Received, a task has been opened.",
		})
		if err != nil {
			return err
		}
		rt.journal.add("inbox", "acknowledged "+messageID+" as "+ack.MessageID)
		return nil
	}
}

// awaitBudget is the share of the handler deadline a suspended handler
// may spend waiting on its approval, leaving room to finish afterwards.
func awaitBudget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 5 * time.Second
	}
	return time.Until(deadline) * 9 / 10
}

// sideEffectsForSender marks a reply to a sender outside the contact
// allowlist as a new-contact message, which the gate always gates.
func sideEffectsForSender(store storage.Store, from string) []string {
	snapshot, err := store.GetPolicy()
	if err == nil {
		for _, contact := range snapshot.Allowlists.ContactChannels {
			if contact == from {
				return nil
			}
		}
	}
	return []string{"external_message_new_contact"}
}

// MailSync fetches new inbound mail and publishes each message on the
// bus. Called from the mailskill agent's poll job and by the supervisor
// on demand.
func MailSync(ctx context.Context, rt *Runtime, mail connector.Mail, since time.Time) (int, error) {
	messages, err := mail.Fetch(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		if err := rt.bus.Publish(&types.Event{
			Type:     bus.TopicInboxMessage,
			Severity: types.SeverityInfo,
			Priority: types.PriorityNormal,
			Source:   "agent:mailskill",
			Payload: map[string]any{
				"message_id": msg.ID,
				"from":       msg.From,
				"subject":    msg.Subject,
				"agent":      string(types.AgentMailSkill),
			},
		}); err != nil {
			return 0, err
		}
	}
	return len(messages), nil
}

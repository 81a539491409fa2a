package supervisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/hearthd/hearthd/pkg/agent"
	"github.com/hearthd/hearthd/pkg/audit"
	"github.com/hearthd/hearthd/pkg/types"
)

// JobSummary is one upcoming scheduled job in a status report.
type JobSummary struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Agent   string    `json:"agent"`
	NextRun time.Time `json:"next_run"`
}

// EventSummary is one significant recent event in a status report.
type EventSummary struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// IncidentSummary is one open incident in a status report.
type IncidentSummary struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Severity types.Severity `json:"severity"`
	Detail   string         `json:"detail"`
	OpenedAt time.Time      `json:"opened_at"`
}

// QuickStatus is the compact health report: agent table, counts, open
// incidents, the next three jobs, top alerts and the last five
// significant events.
type QuickStatus struct {
	Running          bool              `json:"running"`
	StartedAt        time.Time         `json:"started_at"`
	Agents           map[string]string `json:"agents"`
	PendingApprovals int               `json:"pending_approvals"`
	OpenIncidents    int               `json:"open_incidents"`
	Incidents        []IncidentSummary `json:"incidents"`
	NextJobs         []JobSummary      `json:"next_jobs"`
	TopAlerts        []string          `json:"top_alerts"`
	RecentEvents     []EventSummary    `json:"recent_events"`
}

// FullStatus extends QuickStatus with incidents, cost totals, connector
// health and per-agent runtime snapshots.
type FullStatus struct {
	QuickStatus
	Incidents  []*types.Incident                 `json:"incidents"`
	CostToday  *audit.Totals                     `json:"cost_today"`
	Connectors map[string]types.ConnectorHealth  `json:"connectors"`
	Processes  []agent.Snapshot                  `json:"processes"`
}

// Trace is the causal chain for one correlation id.
type Trace struct {
	CorrelationID string               `json:"correlation_id"`
	Events        []*types.Event       `json:"events"`
	Audit         []*types.AuditRecord `json:"audit"`
}

// MonitorView feeds the dashboard process table.
type MonitorView struct {
	Processes    []agent.Snapshot `json:"processes"`
	Resources    Resources        `json:"resources"`
	LastActivity time.Time        `json:"last_activity"`
}

// Resources summarizes system-level usage for the dashboard.
type Resources struct {
	AgentsActive int     `json:"agents_active"`
	AgentsTotal  int     `json:"agents_total"`
	CostToday    float64 `json:"cost_today"`
}

// Quick assembles the quick status report.
func (s *Supervisor) Quick() (*QuickStatus, error) {
	status := &QuickStatus{
		Running:   s.Running(),
		StartedAt: s.StartedAt(),
		Agents:    make(map[string]string),
	}

	agents, err := s.store.ListAgents()
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		status.Agents[string(a.Kind)] = string(a.State)
	}
	for kind := range s.runtimes {
		if _, ok := status.Agents[string(kind)]; !ok {
			status.Agents[string(kind)] = string(types.AgentStateOffline)
		}
	}

	pending, err := s.store.ListApprovalsByStatus(types.ApprovalPending)
	if err != nil {
		return nil, err
	}
	status.PendingApprovals = len(pending)

	open, err := s.store.ListOpenIncidents()
	if err != nil {
		return nil, err
	}
	status.OpenIncidents = len(open)
	status.Incidents = make([]IncidentSummary, 0, len(open))
	for _, incident := range open {
		status.Incidents = append(status.Incidents, IncidentSummary{
			ID:       incident.ID,
			Kind:     incident.Kind,
			Severity: incident.Severity,
			Detail:   incident.Detail,
			OpenedAt: incident.OpenedAt,
		})
		status.TopAlerts = append(status.TopAlerts,
			fmt.Sprintf("[%s] %s", incident.Severity, incident.Detail))
	}
	if len(pending) > 0 {
		status.TopAlerts = append(status.TopAlerts,
			fmt.Sprintf("%d approvals awaiting decision", len(pending)))
	}

	status.NextJobs, err = s.upcomingJobs(3)
	if err != nil {
		return nil, err
	}
	status.RecentEvents, err = s.significantEvents(5)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Full assembles the full status report.
func (s *Supervisor) Full() (*FullStatus, error) {
	quick, err := s.Quick()
	if err != nil {
		return nil, err
	}

	incidents, err := s.store.ListIncidents()
	if err != nil {
		return nil, err
	}
	costs, err := s.recorder.TotalsToday()
	if err != nil {
		return nil, err
	}

	full := &FullStatus{
		QuickStatus: *quick,
		Incidents:   incidents,
		CostToday:   costs,
		Connectors:  s.registry.HealthSnapshot(),
	}
	for _, kind := range types.WorkerKinds {
		full.Processes = append(full.Processes, s.runtimes[kind].Snapshot())
	}
	return full, nil
}

// Monitor assembles the dashboard process view. Processes is populated
// whenever the runtimes exist, even before startup.
func (s *Supervisor) Monitor() (*MonitorView, error) {
	view := &MonitorView{}
	active := 0
	for _, kind := range types.WorkerKinds {
		snapshot := s.runtimes[kind].Snapshot()
		view.Processes = append(view.Processes, snapshot)
		if snapshot.State == types.AgentStateRunning || snapshot.State == types.AgentStateIdle {
			active++
		}
		if snapshot.LastHeartbeat.After(view.LastActivity) {
			view.LastActivity = snapshot.LastHeartbeat
		}
	}

	costs, err := s.recorder.TotalsToday()
	if err != nil {
		return nil, err
	}
	view.Resources = Resources{
		AgentsActive: active,
		AgentsTotal:  len(s.runtimes),
		CostToday:    costs.CostEstimated,
	}
	return view, nil
}

// AuditTrace returns the full causal chain for a correlation id from
// the event and audit streams.
func (s *Supervisor) AuditTrace(cid string) (*Trace, error) {
	events, err := s.store.ListEventsByCorrelation(cid)
	if err != nil {
		return nil, err
	}
	records, err := s.recorder.Trace(cid)
	if err != nil {
		return nil, err
	}
	return &Trace{CorrelationID: cid, Events: events, Audit: records}, nil
}

func (s *Supervisor) upcomingJobs(n int) ([]JobSummary, error) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return nil, err
	}
	var enabled []*types.Job
	for _, job := range jobs {
		if job.Enabled && !job.NextRun.IsZero() {
			enabled = append(enabled, job)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		return enabled[i].NextRun.Before(enabled[j].NextRun)
	})
	if len(enabled) > n {
		enabled = enabled[:n]
	}
	out := make([]JobSummary, 0, len(enabled))
	for _, job := range enabled {
		out = append(out, JobSummary{
			ID:      job.ID,
			Name:    job.Name,
			Agent:   string(job.Agent),
			NextRun: job.NextRun,
		})
	}
	return out, nil
}

// significantEvents returns the newest n warning or critical events.
func (s *Supervisor) significantEvents(n int) ([]EventSummary, error) {
	last, err := s.store.LastEventSeq()
	if err != nil {
		return nil, err
	}

	var out []EventSummary
	const window = 256
	start := uint64(0)
	if last > window {
		start = last - window
	}
	events, err := s.store.ListEventsSince(start, window)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0 && len(out) < n; i-- {
		event := events[i]
		if event.Severity == types.SeverityInfo {
			continue
		}
		out = append(out, EventSummary{
			Type:      event.Type,
			Severity:  string(event.Severity),
			Source:    event.Source,
			Timestamp: event.Timestamp,
		})
	}
	return out, nil
}

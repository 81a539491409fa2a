package types

import (
	"time"
)

// AgentKind identifies one of the fixed household agents.
type AgentKind string

const (
	AgentManager     AgentKind = "manager"
	AgentFinance     AgentKind = "finance"
	AgentMaintenance AgentKind = "maintenance"
	AgentContractors AgentKind = "contractors"
	AgentProjects    AgentKind = "projects"
	AgentSecurity    AgentKind = "security"
	AgentJanitor     AgentKind = "janitor"
	AgentBackup      AgentKind = "backup"
	AgentMailSkill   AgentKind = "mailskill"
)

// WorkerKinds lists every agent kind the supervisor brings online.
// The manager itself is the supervisor and is not a worker.
var WorkerKinds = []AgentKind{
	AgentFinance,
	AgentMaintenance,
	AgentContractors,
	AgentProjects,
	AgentSecurity,
	AgentJanitor,
	AgentBackup,
	AgentMailSkill,
}

// AgentState represents the current state of an agent runtime.
// These strings are part of the frontend contract and must not change.
type AgentState string

const (
	AgentStateOffline AgentState = "offline"
	AgentStateIdle    AgentState = "idle"
	AgentStateRunning AgentState = "running"
	AgentStateError   AgentState = "error"
	AgentStateStopped AgentState = "stopped"
)

// Agent is the persistent record for a single agent. Exactly one per kind.
type Agent struct {
	ID            string     `json:"id"`
	Kind          AgentKind  `json:"kind"`
	State         AgentState `json:"state"`
	Enabled       bool       `json:"enabled"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ErrorCount    int        `json:"error_count"`
	PendingTasks  int        `json:"pending_tasks"`
	Version       uint64     `json:"version"`
}

// TaskPriority orders tasks within an agent's backlog.
type TaskPriority string

const (
	TaskPriorityUrgent TaskPriority = "urgent"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work owned by a single agent.
type Task struct {
	ID               string       `json:"id"`
	OwnerAgent       AgentKind    `json:"owner_agent"`
	Title            string       `json:"title"`
	Priority         TaskPriority `json:"priority"`
	Status           TaskStatus   `json:"status"`
	Category         string       `json:"category"`
	DueAt            *time.Time   `json:"due_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	EvidenceRequired bool         `json:"evidence_required"`
	Evidence         string       `json:"evidence,omitempty"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	Version          uint64       `json:"version"`
}

// Frequency defines how often a scheduled job recurs.
type Frequency string

const (
	FreqOnce    Frequency = "once"
	FreqHourly  Frequency = "hourly"
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
)

// JobStatus records the outcome of the most recent run.
type JobStatus string

const (
	JobStatusNever     JobStatus = "never_run"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a recurring or one-shot scheduled job.
type Job struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Agent        AgentKind `json:"agent"`
	TaskSpec     string    `json:"task_spec"`
	Frequency    Frequency `json:"frequency"`
	Hour         int       `json:"hour"`
	Minute       int       `json:"minute"`
	DayOfWeek    int       `json:"day_of_week"`  // 0=Sunday, weekly only
	DayOfMonth   int       `json:"day_of_month"` // 1..28, monthly only
	Critical     bool      `json:"critical"`
	Enabled      bool      `json:"enabled"`
	NextRun      time.Time `json:"next_run"`
	LastRun      time.Time `json:"last_run"`
	LastStatus   JobStatus `json:"last_status"`
	RunCount     int       `json:"run_count"`
	FailureCount int       `json:"failure_count"`
	Version      uint64    `json:"version"`
}

// Reversibility classifies whether an intent's effect can be undone.
type Reversibility string

const (
	Reversible   Reversibility = "reversible"
	Irreversible Reversibility = "irreversible"
)

// Intent is a declared side-effectful action awaiting gate evaluation.
type Intent struct {
	Action        string        `json:"action"`
	Agent         AgentKind     `json:"agent"`
	CostEstimate  float64       `json:"cost_estimate"`
	Reversibility Reversibility `json:"reversibility"`
	SideEffects   []string      `json:"side_effects,omitempty"`
	RiskTags      []string      `json:"risk_tags,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	// PolicyVersion, when non-zero, pins the snapshot the intent was
	// formed against; a mismatch at evaluation time denies the intent.
	PolicyVersion int `json:"policy_version,omitempty"`
}

// Decision is the gate's verdict on an intent.
type Decision string

const (
	DecisionAuto    Decision = "auto"
	DecisionConfirm Decision = "require_confirm"
	DecisionDeny    Decision = "deny"
)

// ApprovalStatus represents the lifecycle of a pending approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a policy-required user decision on an intent.
// Immutable once resolved.
type Approval struct {
	ID             string         `json:"id"`
	RequesterAgent AgentKind      `json:"requester_agent"`
	Intent         Intent         `json:"intent"`
	CostEstimate   float64        `json:"cost_estimate"`
	Reversibility  Reversibility  `json:"reversibility"`
	RiskTags       []string       `json:"risk_tags,omitempty"`
	Status         ApprovalStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time      `json:"resolved_at"`
	Version        uint64         `json:"version"`
}

// Severity classifies events for filtering and incident handling.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Priority orders event delivery on the bus.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Event is an append-only domain event.
type Event struct {
	ID            string         `json:"id"`
	Seq           uint64         `json:"seq"`
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	Priority      Priority       `json:"priority"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Deadline      time.Time      `json:"deadline"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AuditRecord attributes one action (and its cost) to an agent.
type AuditRecord struct {
	ActionID      string    `json:"action_id"`
	Seq           uint64    `json:"seq"`
	ActorAgent    AgentKind `json:"actor_agent"`
	Action        string    `json:"action"`
	InputsHash    string    `json:"inputs_hash,omitempty"`
	OutputsHash   string    `json:"outputs_hash,omitempty"`
	Model         string    `json:"model,omitempty"`
	Tokens        int       `json:"tokens,omitempty"`
	CostEstimate  float64   `json:"cost_estimate"`
	CostActual    *float64  `json:"cost_actual,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// BackupStatus represents the state of a safe-edit backup.
type BackupStatus string

const (
	BackupStaged     BackupStatus = "staged"
	BackupApplied    BackupStatus = "applied"
	BackupRolledBack BackupStatus = "rolled_back"
)

// EditBackup records one staged mutation of a content artifact.
type EditBackup struct {
	ID             string       `json:"id"`
	TargetPath     string       `json:"target_path"`
	OriginalDigest string       `json:"original_digest"`
	NewDigest      string       `json:"new_digest"`
	Timestamp      time.Time    `json:"timestamp"`
	AppliedBy      AgentKind    `json:"applied_by"`
	Status         BackupStatus `json:"status"`
	ReviewerTags   []string     `json:"reviewer_tags,omitempty"`
	IncidentRef    string       `json:"incident_ref,omitempty"`
	Version        uint64       `json:"version"`
}

// PolicyThresholds holds the cost caps consulted by the gate.
type PolicyThresholds struct {
	CostAutoCap    float64 `json:"cost_auto_cap" yaml:"cost_auto_cap"`
	CostConfirmCap float64 `json:"cost_confirm_cap" yaml:"cost_confirm_cap"`
}

// PolicyAllowlists holds the hosts and channels agents may reach.
type PolicyAllowlists struct {
	EgressHosts     []string `json:"egress_hosts" yaml:"egress_hosts"`
	ContactChannels []string `json:"contact_channels" yaml:"contact_channels"`
}

// QuietHours is a daily window during which auto-approval is suspended.
// Start and End are hours in [0,24); the window may wrap midnight.
type QuietHours struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// PolicySnapshot is the immutable, versioned policy consulted by the gate.
// Updates install a new snapshot wholesale; snapshots are never mutated.
type PolicySnapshot struct {
	Version     int              `json:"version" yaml:"version"`
	Thresholds  PolicyThresholds `json:"thresholds" yaml:"thresholds"`
	Allowlists  PolicyAllowlists `json:"allowlists" yaml:"allowlists"`
	QuietHours  QuietHours       `json:"quiet_hours" yaml:"quiet_hours"`
	InstalledAt time.Time        `json:"installed_at" yaml:"installed_at"`
}

// IncidentStatus represents whether an incident is still freezing the gate.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is a system-level condition that freezes auto-approval.
type Incident struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Severity      Severity       `json:"severity"`
	Detail        string         `json:"detail"`
	Source        string         `json:"source"`
	Status        IncidentStatus `json:"status"`
	OpenedAt      time.Time      `json:"opened_at"`
	ResolvedAt    time.Time      `json:"resolved_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Version       uint64         `json:"version"`
}

// Message is an inbound message fetched by the mail connector.
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Draft is an outbound message handed to the mail connector.
type Draft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Ack confirms a connector accepted an outbound message.
type Ack struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Price is a single quote from the price feed connector.
type Price struct {
	Ticker string    `json:"ticker"`
	Value  float64   `json:"value"`
	AsOf   time.Time `json:"as_of"`
}

// ConnectorHealth represents the health of an external adapter.
type ConnectorHealth string

const (
	ConnectorHealthy   ConnectorHealth = "healthy"
	ConnectorDegraded  ConnectorHealth = "degraded"
	ConnectorUnhealthy ConnectorHealth = "unhealthy"
)

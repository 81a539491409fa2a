package storage

import (
	"errors"
	"io"
	"time"

	"github.com/hearthd/hearthd/pkg/types"
)

// Sentinel errors returned by Store implementations. Callers branch on these
// with errors.Is.
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means an optimistic-concurrency check failed; the caller
	// holds a stale version and must re-read before retrying.
	ErrConflict = errors.New("version conflict")
	// ErrConstraint means the write violates a uniqueness or domain constraint.
	ErrConstraint = errors.New("constraint violation")
	// ErrUnavailable means the storage backend is temporarily unusable.
	// Callers should retry with bounded attempts.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store defines the interface for durable Hearthd state.
// Mutable entities use optimistic concurrency: updates carry the version the
// caller read, and fail with ErrConflict when stale. Events, audit records
// and idempotency keys are append-only streams with per-stream sequences.
type Store interface {
	// Agents (exactly one record per kind)
	PutAgent(agent *types.Agent) error
	GetAgent(kind types.AgentKind) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByAgent(kind types.AgentKind) ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Approvals
	CreateApproval(approval *types.Approval) error
	GetApproval(id string) (*types.Approval, error)
	ListApprovals() ([]*types.Approval, error)
	ListApprovalsByStatus(status types.ApprovalStatus) ([]*types.Approval, error)
	UpdateApproval(approval *types.Approval) error

	// Incidents
	CreateIncident(incident *types.Incident) error
	GetIncident(id string) (*types.Incident, error)
	ListIncidents() ([]*types.Incident, error)
	ListOpenIncidents() ([]*types.Incident, error)
	UpdateIncident(incident *types.Incident) error

	// Safe-edit backups
	CreateBackup(backup *types.EditBackup) error
	GetBackup(id string) (*types.EditBackup, error)
	ListBackups() ([]*types.EditBackup, error)
	UpdateBackup(backup *types.EditBackup) error
	DeleteBackup(id string) error

	// Policy snapshot (replaced wholesale, version must increase)
	SavePolicy(snapshot *types.PolicySnapshot) error
	GetPolicy() (*types.PolicySnapshot, error)

	// Event stream (append-only, total-ordered by Seq)
	AppendEvent(event *types.Event) error
	ListEventsSince(seq uint64, limit int) ([]*types.Event, error)
	ListEventsByCorrelation(cid string) ([]*types.Event, error)
	LastEventSeq() (uint64, error)

	// Audit stream (append-only, total-ordered by Seq)
	AppendAudit(record *types.AuditRecord) error
	ListAuditSince(seq uint64, limit int) ([]*types.AuditRecord, error)
	ListAuditByCorrelation(cid string) ([]*types.AuditRecord, error)

	// Reserve registers an idempotency key. It returns false when the key
	// was already registered within its TTL (the operation is a duplicate).
	Reserve(key string, ttl time.Duration) (bool, error)

	// Atomic runs ops against a transaction-bound view of the store.
	// Every write inside ops commits together; any error rolls the whole
	// batch back.
	Atomic(ops func(tx Store) error) error

	// Export / Restore round-trip the full store contents.
	Export(w io.Writer) error
	Restore(r io.Reader) error

	Close() error
}

package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hearthd/hearthd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAgents      = []byte("agents")
	bucketTasks       = []byte("tasks")
	bucketJobs        = []byte("jobs")
	bucketApprovals   = []byte("approvals")
	bucketIncidents   = []byte("incidents")
	bucketBackups     = []byte("edit_backups")
	bucketPolicy      = []byte("policy")
	bucketEvents      = []byte("events")
	bucketAudit       = []byte("audit")
	bucketIdempotency = []byte("idempotency")
)

var allBuckets = [][]byte{
	bucketAgents,
	bucketTasks,
	bucketJobs,
	bucketApprovals,
	bucketIncidents,
	bucketBackups,
	bucketPolicy,
	bucketEvents,
	bucketAudit,
	bucketIdempotency,
}

// policyKey is the fixed key under which the current snapshot is stored.
var policyKey = []byte("current")

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
	// tx is set on the store view Atomic hands to its callback; every
	// operation on that view joins the one open transaction.
	tx *bolt.Tx
}

// NewBoltStore opens (or creates) the database under dataRoot.
func NewBoltStore(dataRoot string) (*BoltStore, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	dbPath := filepath.Join(dataRoot, "hearthd.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update runs fn in a write transaction, joining the bound transaction
// when this view was produced by Atomic.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.Update(fn)
}

// view runs fn in a read transaction, joining the bound transaction
// when this view was produced by Atomic.
func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(fn)
}

// Atomic runs ops inside a single write transaction. The Store passed to
// ops shares that transaction, so every write it performs commits
// together or rolls back when ops returns an error.
func (s *BoltStore) Atomic(ops func(tx Store) error) error {
	if s.tx != nil {
		return fmt.Errorf("atomic batch already open: %w", ErrConstraint)
	}
	return s.update(func(tx *bolt.Tx) error {
		return ops(&BoltStore{db: s.db, tx: tx})
	})
}

// seqKey encodes a stream sequence number as a sortable 8-byte key.
func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// casPut writes value under key, enforcing optimistic concurrency. The
// caller passes the version it read (0 for a create) and a setter that
// stamps the incremented version onto the value before marshaling.
func (s *BoltStore) casPut(bucket []byte, key string, expected uint64, bump func(uint64), value any) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))

		if data == nil {
			if expected != 0 {
				return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
			}
		} else {
			if expected == 0 {
				return fmt.Errorf("%s %q already exists: %w", bucket, key, ErrConstraint)
			}
			var cur struct {
				Version uint64 `json:"version"`
			}
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
			if cur.Version != expected {
				return fmt.Errorf("%s %q: have %d want %d: %w", bucket, key, cur.Version, expected, ErrConflict)
			}
		}

		bump(expected + 1)
		out, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), out)
	})
}

func (s *BoltStore) getJSON(bucket []byte, key string, out any) error {
	return s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Agent operations

func (s *BoltStore) PutAgent(agent *types.Agent) error {
	return s.casPut(bucketAgents, string(agent.Kind), agent.Version,
		func(v uint64) { agent.Version = v }, agent)
}

func (s *BoltStore) GetAgent(kind types.AgentKind) (*types.Agent, error) {
	var agent types.Agent
	if err := s.getJSON(bucketAgents, string(kind), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	if task.Status == types.TaskCompleted && task.EvidenceRequired && task.Evidence == "" {
		return fmt.Errorf("task %q completed without evidence: %w", task.ID, ErrConstraint)
	}
	return s.casPut(bucketTasks, task.ID, 0, func(v uint64) { task.Version = v }, task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	if err := s.getJSON(bucketTasks, id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByAgent(kind types.AgentKind) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Task
	for _, task := range tasks {
		if task.OwnerAgent == kind {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	// A task may not complete without evidence when evidence is required.
	if task.Status == types.TaskCompleted && task.EvidenceRequired && task.Evidence == "" {
		return fmt.Errorf("task %q completed without evidence: %w", task.ID, ErrConstraint)
	}
	return s.casPut(bucketTasks, task.ID, task.Version, func(v uint64) { task.Version = v }, task)
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.casPut(bucketJobs, job.ID, 0, func(v uint64) { job.Version = v }, job)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.getJSON(bucketJobs, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.casPut(bucketJobs, job.ID, job.Version, func(v uint64) { job.Version = v }, job)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.delete(bucketJobs, id)
}

// Approval operations

func (s *BoltStore) CreateApproval(approval *types.Approval) error {
	return s.casPut(bucketApprovals, approval.ID, 0, func(v uint64) { approval.Version = v }, approval)
}

func (s *BoltStore) GetApproval(id string) (*types.Approval, error) {
	var approval types.Approval
	if err := s.getJSON(bucketApprovals, id, &approval); err != nil {
		return nil, err
	}
	return &approval, nil
}

func (s *BoltStore) ListApprovals() ([]*types.Approval, error) {
	var approvals []*types.Approval
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var approval types.Approval
			if err := json.Unmarshal(v, &approval); err != nil {
				return err
			}
			approvals = append(approvals, &approval)
			return nil
		})
	})
	return approvals, err
}

func (s *BoltStore) ListApprovalsByStatus(status types.ApprovalStatus) ([]*types.Approval, error) {
	approvals, err := s.ListApprovals()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Approval
	for _, approval := range approvals {
		if approval.Status == status {
			filtered = append(filtered, approval)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateApproval(approval *types.Approval) error {
	// Resolved approvals are immutable.
	cur, err := s.GetApproval(approval.ID)
	if err != nil {
		return err
	}
	if cur.Status != types.ApprovalPending {
		return fmt.Errorf("approval %q already %s: %w", approval.ID, cur.Status, ErrConstraint)
	}
	return s.casPut(bucketApprovals, approval.ID, approval.Version,
		func(v uint64) { approval.Version = v }, approval)
}

// Incident operations

func (s *BoltStore) CreateIncident(incident *types.Incident) error {
	return s.casPut(bucketIncidents, incident.ID, 0, func(v uint64) { incident.Version = v }, incident)
}

func (s *BoltStore) GetIncident(id string) (*types.Incident, error) {
	var incident types.Incident
	if err := s.getJSON(bucketIncidents, id, &incident); err != nil {
		return nil, err
	}
	return &incident, nil
}

func (s *BoltStore) ListIncidents() ([]*types.Incident, error) {
	var incidents []*types.Incident
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIncidents).ForEach(func(k, v []byte) error {
			var incident types.Incident
			if err := json.Unmarshal(v, &incident); err != nil {
				return err
			}
			incidents = append(incidents, &incident)
			return nil
		})
	})
	return incidents, err
}

func (s *BoltStore) ListOpenIncidents() ([]*types.Incident, error) {
	incidents, err := s.ListIncidents()
	if err != nil {
		return nil, err
	}
	var open []*types.Incident
	for _, incident := range incidents {
		if incident.Status == types.IncidentOpen {
			open = append(open, incident)
		}
	}
	return open, nil
}

func (s *BoltStore) UpdateIncident(incident *types.Incident) error {
	return s.casPut(bucketIncidents, incident.ID, incident.Version,
		func(v uint64) { incident.Version = v }, incident)
}

// Safe-edit backup operations

func (s *BoltStore) CreateBackup(backup *types.EditBackup) error {
	return s.casPut(bucketBackups, backup.ID, 0, func(v uint64) { backup.Version = v }, backup)
}

func (s *BoltStore) GetBackup(id string) (*types.EditBackup, error) {
	var backup types.EditBackup
	if err := s.getJSON(bucketBackups, id, &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackups() ([]*types.EditBackup, error) {
	var backups []*types.EditBackup
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.EditBackup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			backups = append(backups, &backup)
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) UpdateBackup(backup *types.EditBackup) error {
	return s.casPut(bucketBackups, backup.ID, backup.Version,
		func(v uint64) { backup.Version = v }, backup)
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.delete(bucketBackups, id)
}

// Policy snapshot operations

func (s *BoltStore) SavePolicy(snapshot *types.PolicySnapshot) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicy)
		if data := b.Get(policyKey); data != nil {
			var cur types.PolicySnapshot
			if err := json.Unmarshal(data, &cur); err != nil {
				return err
			}
			if snapshot.Version <= cur.Version {
				return fmt.Errorf("policy version %d not above %d: %w",
					snapshot.Version, cur.Version, ErrConflict)
			}
		}
		out, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put(policyKey, out)
	})
}

func (s *BoltStore) GetPolicy() (*types.PolicySnapshot, error) {
	var snapshot types.PolicySnapshot
	if err := s.getJSON(bucketPolicy, string(policyKey), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Event stream

func (s *BoltStore) AppendEvent(event *types.Event) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Seq = seq
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListEventsSince(seq uint64, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(seq + 1)); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

func (s *BoltStore) ListEventsByCorrelation(cid string) ([]*types.Event, error) {
	var events []*types.Event
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.CorrelationID == cid {
				events = append(events, &event)
			}
			return nil
		})
	})
	return events, err
}

func (s *BoltStore) LastEventSeq() (uint64, error) {
	var seq uint64
	err := s.view(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketEvents).Sequence()
		return nil
	})
	return seq, err
}

// Audit stream

func (s *BoltStore) AppendAudit(record *types.AuditRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		record.Seq = seq
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListAuditSince(seq uint64, limit int) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(seqKey(seq + 1)); k != nil; k, v = c.Next() {
			var record types.AuditRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) ListAuditByCorrelation(cid string) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var record types.AuditRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.CorrelationID == cid {
				records = append(records, &record)
			}
			return nil
		})
	})
	return records, err
}

// Idempotency

type idempotencyEntry struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *BoltStore) Reserve(key string, ttl time.Duration) (bool, error) {
	fresh := false
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		now := time.Now()
		if data := b.Get([]byte(key)); data != nil {
			var entry idempotencyEntry
			if err := json.Unmarshal(data, &entry); err == nil && now.Before(entry.ExpiresAt) {
				return nil // duplicate within TTL
			}
		}
		fresh = true
		out, err := json.Marshal(idempotencyEntry{ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), out)
	})
	return fresh, err
}

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/metrics"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

// Recorder appends audit records for every gated decision, effect and
// handler completion. Appends are best-effort from the caller's point of
// view: a failed append is logged and surfaced, never swallowed.
type Recorder struct {
	store storage.Store
	now   func() time.Time
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Hash returns the canonical digest of an arbitrary input or output value,
// used for the inputs_hash/outputs_hash fields.
func Hash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Record appends one audit record, filling in ID and timestamp.
func (r *Recorder) Record(record *types.AuditRecord) error {
	if record.ActionID == "" {
		record.ActionID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = r.now()
	}
	if err := r.store.AppendAudit(record); err != nil {
		log.WithComponent("audit").Error().Err(err).
			Str("action", record.Action).
			Msg("failed to append audit record")
		return err
	}
	metrics.CostEstimated.Add(record.CostEstimate)
	if record.CostActual != nil {
		metrics.CostActual.Add(*record.CostActual)
	}
	return nil
}

// Action is a convenience for the common case.
func (r *Recorder) Action(agent types.AgentKind, action, cid string, cost float64) {
	_ = r.Record(&types.AuditRecord{
		ActorAgent:    agent,
		Action:        action,
		CostEstimate:  cost,
		CorrelationID: cid,
	})
}

// Totals aggregates cost over [from, to), overall and per agent and action.
// Aggregations are derived views over the append-only stream and can be
// rebuilt from scratch at any time.
type Totals struct {
	From          time.Time                   `json:"from"`
	To            time.Time                   `json:"to"`
	Records       int                         `json:"records"`
	CostEstimated float64                     `json:"cost_estimated"`
	CostActual    float64                     `json:"cost_actual"`
	PerAgent      map[types.AgentKind]float64 `json:"per_agent"`
	PerAction     map[string]float64          `json:"per_action"`
}

// TotalsBetween folds the audit stream into cost totals for the window.
func (r *Recorder) TotalsBetween(from, to time.Time) (*Totals, error) {
	totals := &Totals{
		From:      from,
		To:        to,
		PerAgent:  make(map[types.AgentKind]float64),
		PerAction: make(map[string]float64),
	}

	var seq uint64
	for {
		batch, err := r.store.ListAuditSince(seq, 512)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return totals, nil
		}
		for _, record := range batch {
			seq = record.Seq
			if record.Timestamp.Before(from) || !record.Timestamp.Before(to) {
				continue
			}
			totals.Records++
			cost := record.CostEstimate
			if record.CostActual != nil {
				cost = *record.CostActual
				totals.CostActual += *record.CostActual
			}
			totals.CostEstimated += record.CostEstimate
			totals.PerAgent[record.ActorAgent] += cost
			totals.PerAction[record.Action] += cost
		}
	}
}

// TotalsToday returns totals for the current calendar day.
func (r *Recorder) TotalsToday() (*Totals, error) {
	now := r.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return r.TotalsBetween(start, start.AddDate(0, 0, 1))
}

// Backfill records the actual cost for a previously estimated action.
// The original record is immutable; backfill appends a correction carrying
// the same correlation id.
func (r *Recorder) Backfill(actionID, cid string, actual float64) error {
	return r.Record(&types.AuditRecord{
		Action:        "cost.actual",
		InputsHash:    actionID,
		CostActual:    &actual,
		CorrelationID: cid,
	})
}

// Trace returns the audit records for one correlation id in stream order.
func (r *Recorder) Trace(cid string) ([]*types.AuditRecord, error) {
	return r.store.ListAuditByCorrelation(cid)
}

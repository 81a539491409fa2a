/*
Package types defines the core data structures shared across Hearthd components.

The types package contains the domain entities of the household agent system:
agents and their states, tasks, scheduled jobs, approvals, events, audit
records, safe-edit backups, incidents, and the policy snapshot. It has no
dependencies on other Hearthd packages and may be imported from anywhere.

# Entity Relationships

	┌──────────────────── ENTITY MODEL ────────────────────────┐
	│                                                           │
	│   Agent (one per kind)                                    │
	│     │ owns N                                              │
	│     ▼                                                     │
	│   Task ◄──── 0..1 ──── Approval ◄──── Intent              │
	│                                                           │
	│   Job ──── fires as ────► Event ──── attributed ──► Audit │
	│                             │                             │
	│                   correlation_id threads every step       │
	│                                                           │
	│   EditBackup ── guards ──► file artifacts                 │
	│   PolicySnapshot ── consulted by ──► approval gate        │
	└───────────────────────────────────────────────────────────┘

# State Machines

Agent: offline → idle → running → {idle | error}; stopped is a sink set only
by the supervisor.

Task: pending → in_progress → {blocked | completed | cancelled}. A task with
EvidenceRequired set cannot reach completed without non-empty Evidence.

Job: enabled → due → running → {succeeded | failed} → enabled|disabled.

Approval: pending → {approved | denied | expired}. Resolved approvals are
immutable.

# Frontend Contract

AgentState values (running, idle, error, stopped, offline) are rendered
verbatim by the web UI and CLI and must never be renamed.

All mutable entities carry a Version counter used by the store for optimistic
concurrency; append-only records (Event, AuditRecord) carry a per-stream Seq
instead.
*/
package types

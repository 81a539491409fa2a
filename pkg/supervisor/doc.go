/*
Package supervisor implements the manager agent holding the global view.

The Supervisor owns component lifecycle: Startup brings the system
online in dependency order (store, bus, connectors, agents, scheduler)
and Shutdown reverses it, draining the bus under a deadline. Both are
idempotent and report already_running/already_stopped when called in
the target state.

It also routes user directives to agents (Delegate stamps a correlation
id and persists a pending task), aggregates status in three depths
(Quick, Full, AuditTrace), and handles incidents: any incident.opened
freezes auto-approval, halts the offending agent if one is named, and
alerts the operator over the chat connector. Bus escalation callbacks
(drops, overflow, dead letters) land here as audit records and
incidents.
*/
package supervisor

/*
Package agent implements the per-kind worker runtimes.

Each Runtime is a single-writer worker: a typed inbox fed by bus
subscriptions, a handler table keyed by event type, a heartbeat
published on system.health, and a ring-buffer activity journal exposed
through read-only snapshots. At most one handler runs per agent at a
time; agents run in parallel with one another.

Handlers run under a deadline (30 s by default). A timeout cancels the
in-flight work and surfaces task.timeout. The lifecycle state machine is
offline -> idle -> running -> {idle | error}; error requires three
consecutive handler failures within sixty seconds, and stopped is a sink
set only by the supervisor.

New installs the handler table for a kind. All kinds run scheduled work
off scheduler.tick and pick up delegated tasks off task.created; the
janitor additionally drives the safe-edit protocol, backup exports the
store, finance maintains quotes and the budget watch, security converts
connector health into incidents, and mailskill triages inbound mail.
*/
package agent

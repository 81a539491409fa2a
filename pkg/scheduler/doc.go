/*
Package scheduler fires recurring and one-shot jobs as scheduler.tick
events on the bus.

The loop sleeps until the earliest enabled next_run (or a change
notification), then fires every due job. Firing publishes a tick and
advances next_run from the current time, never from the prior next_run, so
a slow cycle cannot compound drift. A random jitter of up to ±30 s spreads
jobs sharing a boundary.

On startup, jobs whose next_run fell inside the downtime window fire exactly
once each regardless of how many occurrences were missed (coalescing
catch-up).

Execution happens in the owning agent; the agent reports the outcome via
ReportResult. A job that fails more than three consecutive times gets
exponential backoff on its next run; at ten consecutive failures it is
auto-disabled and a scheduler.job.disabled event is raised.
*/
package scheduler

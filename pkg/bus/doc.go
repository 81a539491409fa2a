/*
Package bus provides the typed publish/subscribe fabric for Hearthd events.

Every domain event flows through the Bus: it is persisted to the event
stream first, then fanned out to each subscriber of its topic. Delivery is
at-least-once; subscribers must be idempotent on event ID.

# Delivery Model

	Publish ──► persist (event stream) ──► per-subscriber queues
	                                            │
	                       weighted round-robin drain (8:4:2:1)
	                                            │
	                              handler (serial per subscriber)
	                                            │
	                       retry ×3 w/ backoff ──► dead-letter

Each subscriber owns four bounded queues, one per priority. A dedicated
dispatch goroutine drains them by weighted round-robin so critical events
drain first without starving low-priority traffic. Within one priority the
order is FIFO.

# Backpressure

On a full queue the policy depends on priority: low and normal drop the
oldest queued event (reported via OnDrop for audit); high and critical block
the publisher up to a timeout and then escalate via OnOverflow, which the
supervisor turns into a bus_overflow incident.

Events carrying a Deadline that has passed by dispatch time are dropped and
reported via OnDrop.
*/
package bus

/*
Package connector manages external-service adapters behind a common
lifecycle interface.

The Registry starts connectors in registration order, stops them in
reverse, and polls their health, publishing connector.health events on
every transition. Connectors never call into agents; they satisfy
synchronous capability calls (Mail, PriceFeed, Chat) or publish events.

Capability calls are serialized per connector and rate limited to
respect upstream service limits. The shipped adapters are local
stand-ins (a filesystem mail spool, a JSON price table, NDJSON chat
logs) sharing the capability contracts a networked adapter would
implement.
*/
package connector

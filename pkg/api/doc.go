/*
Package api is the control-plane HTTP facade over the supervisor.

It exposes system lifecycle (/startup, /shutdown, /status, /monitor,
/live), the scheduler's job CRUD, approval resolution, policy
installation, delegation, audit traces, event history and a websocket
mirror of the live event stream with ?since= catch-up. Prometheus
metrics are served on /metrics.

Errors use a uniform envelope {code, message, details, retry_after};
storage sentinel errors map onto 404/409/422/503 and policy denials
onto 403.
*/
package api

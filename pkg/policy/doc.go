/*
Package policy implements the approval gate that stands between agent
intents and their effects.

Every side-effectful action enters the gate as an Intent and leaves with
one of three decisions. An auto decision means the intent is reversible,
cheap, unrestricted and outside quiet hours; the caller proceeds
immediately. A require_confirm decision persists a pending Approval and
publishes an approval.required event; the originating handler suspends
on Await until resolution. A deny is final and comes from a prohibited
risk tag, a pinned policy version mismatch, or a cost above the confirm
cap.

While an incident is open the supervisor freezes the gate and every
would-be auto decision is promoted to require_confirm.

Pending approvals expire after 24 hours. Resolved approvals are immutable.
*/
package policy

/*
Package safeedit implements the validated, backed-up mutation protocol the
janitor uses to change file artifacts.

The protocol has three steps:

 1. Stage: validate the new content (size bound, forbidden patterns,
    structured-text parse), snapshot the original into the backups
    directory and persist a backup record with status staged.
 2. Apply: re-check the target has not drifted, replace it atomically
    (write-temp plus rename), mark the backup applied, emit edit.applied.
 3. Rollback: restore the original, mark rolled_back, emit
    edit.rolled_back.

Validation failure never touches the target; apply failure leaves the
target at its pre-edit state and emits edit.failed. Backups older than the
retention window are pruned unless referenced by an incident.
*/
package safeedit

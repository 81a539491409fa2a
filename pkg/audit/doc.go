// Package audit appends cost-attributed action records to the append-only
// audit stream and derives rebuildable aggregations (daily totals, per-agent
// and per-action rollups) from it.
package audit

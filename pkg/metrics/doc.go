// Package metrics defines Hearthd's Prometheus collectors. Collectors are
// package-level and registered at init; the API server mounts Handler() at
// /metrics.
package metrics

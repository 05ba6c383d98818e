// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream connection states, quality and restarts
//   - Tick throughput and persistence errors
//   - Subscription counts by status and per-connection distribution
//   - Client sessions, frames sent and parked peeks
package metrics

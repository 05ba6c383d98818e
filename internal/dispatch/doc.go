// Package dispatch owns the global subscription state: which sessions
// want which instruments and which upstream connection carries each one.
//
// The dispatcher:
//   - Assigns new subscriptions to upstream connections using a
//     configurable load-balancing strategy
//   - Tracks subscription lifecycle (pending, subscribing, active,
//     failed) through connection callbacks
//   - Retries failed subscriptions up to a configured limit
//   - Migrates active subscriptions off failed connections
//   - Runs a maintenance loop that drains retries, garbage-collects
//     stale failures and emits statistics
package dispatch

// Package upstream manages the pool of market-data front connections.
//
// The pool:
//   - Owns one Connection per configured front address
//   - Tracks a per-connection quality score used for load balancing
//   - Runs a health monitor that restarts broken connections with a
//     fixed backoff and reports stale heartbeats as failures
//   - Delivers depth ticks to the dispatcher as wire-format quotes
//
// Drivers are pluggable behind the Driver interface; the process ships
// with a simulated driver for development and testing.
package upstream

// Package health provides the probes behind the ops listener's liveness and
// readiness endpoints.
//
// Readiness for rulesync means the daily schedule is armed and the process is
// not shutting down. [Gate] tracks the first, [ShutdownGate] the second, and
// [All] combines them. [Freshness] optionally fails readiness when no run has
// succeeded for too long.
package health

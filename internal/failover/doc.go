// ABOUTME: Package documentation for the failover package
// ABOUTME: Explains the profile health state machine and selection policies

// Package failover tracks the health of each agent's auth profiles and picks
// a profile for every dispatch attempt.
//
// Profiles move through three states: Live, Degraded, and Quarantined. A
// failure degrades a Live profile; reaching the consecutive-failure threshold
// quarantines it; a success returns it to Live. Quarantined profiles are
// excluded from selection until their cooldown elapses, after which they
// re-enter as Degraded with one remaining strike.
//
// Selection supports round-robin across non-Quarantined profiles and sticky
// last-good selection per session. All state for an agent lives behind a
// single mutex so concurrent dispatches observe one consistent history.
package failover

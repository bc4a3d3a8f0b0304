// Package relay owns the long-running session supervisor.
//
// Ownership boundary:
// - dial, TLS upgrade, and connect retry policy
// - send / collect / liveness loops around one session
// - reconnect-with-backoff lifecycle and wire id issuance
// - notification routing and the HTTP ops surface
package relay

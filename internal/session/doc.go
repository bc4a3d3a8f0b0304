// Package session owns the client side of one server conversation.
//
// Ownership boundary:
// - request queue and in-flight pending table
// - send / collect demultiplex primitives
// - keepalive and stall detection
// - reconnect backoff and transport security policy
package session

// Package transport owns the duplex byte stream under a session.
//
// Ownership boundary:
// - Transport capability contract (send, receive, buffered, idle, close)
// - net.Conn line pipe with activity tracking
// - read/close error classification
package transport

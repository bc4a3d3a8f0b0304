// Package wire owns the line-oriented JSON message contract.
//
// Ownership boundary:
// - request/response/notification message shapes
// - newline-delimited encode primitives
// - malformed-input classification
package wire

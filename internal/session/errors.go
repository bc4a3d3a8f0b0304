package session

import "errors"

var (
	ErrClosed            = errors.New("session: closed")
	ErrDuplicateID       = errors.New("session: duplicate wire id")
	ErrTransport         = errors.New("session: transport failure")
	ErrProtocolViolation = errors.New("session: protocol violation")
)

// Package auth provides token validation for the ops surface.
//
// It stays transport-agnostic: callers extract credentials from
// whatever envelope carries them and hand the bare token over.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator checks one presented token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared secret, compared in constant
// time. An empty secret denies everything rather than opening up.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken strips the Bearer scheme off an Authorization header
// value. Missing or differently-schemed values come back empty.
func BearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

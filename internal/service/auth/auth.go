package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrInvalidToken is returned for a missing or wrong agent token.
var ErrInvalidToken = errors.New("invalid agent token")

// Authenticator decides whether an agent token may submit batches.
type Authenticator interface {
	Authenticate(token string) error
}

// SharedSecret accepts exactly one configured token.
type SharedSecret struct {
	secret []byte
}

func NewSharedSecret(secret string) *SharedSecret {
	return &SharedSecret{secret: []byte(secret)}
}

func (s *SharedSecret) Authenticate(token string) error {
	if len(s.secret) == 0 || token == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), s.secret) != 1 {
		return ErrInvalidToken
	}
	return nil
}

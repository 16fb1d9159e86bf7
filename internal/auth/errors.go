package auth

import (
	"errors"

	"bastion.dev/internal/history"
)

var (
	ErrInvalidCredential = errors.New("auth: invalid credentials")
	ErrAccountLocked     = errors.New("auth: account locked")
	ErrSessionExpired    = errors.New("auth: session expired")
	ErrSessionRevoked    = errors.New("auth: session revoked")
	ErrSessionNotFound   = errors.New("auth: session not found")
	ErrValidation        = errors.New("auth: invalid input")
	ErrNotFound          = errors.New("auth: not found")
	ErrAlreadyExists     = errors.New("auth: already exists")

	// ErrTenantIsolation is fatal: a record was reached through a tenant it
	// does not belong to.
	ErrTenantIsolation = history.ErrTenantMismatch
	// ErrConcurrencyConflict is surfaced once the store gave up retrying.
	ErrConcurrencyConflict = history.ErrConflict
)

// Messages returned to callers. They never distinguish an unknown identity
// from a wrong secret, nor one session failure from another.
const (
	MsgOK                 = "ok"
	MsgInvalidCredentials = "invalid credentials"
	MsgAccountLocked      = "account locked, try later"
	MsgInvalidSession     = "invalid session"
	MsgSecretPolicy       = "new secret does not satisfy the security policy"
)

package auth

import (
	"fmt"
	"time"

	"bastion.dev/internal/ids"
)

// SecurityPolicy is the per-tenant authentication configuration.
type SecurityPolicy struct {
	LockoutThreshold int           `json:"lockout_threshold"`
	LockoutDuration  time.Duration `json:"lockout_duration"`
	SessionLifetime  time.Duration `json:"session_lifetime"`
	// IdleTimeout of zero disables sliding expiry.
	IdleTimeout     time.Duration `json:"idle_timeout"`
	MinSecretLength int           `json:"min_secret_length"`
}

// DefaultPolicy is used for tenants without a stored policy.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		SessionLifetime:  8 * time.Hour,
		IdleTimeout:      30 * time.Minute,
		MinSecretLength:  8,
	}
}

// Validate rejects policies that would disable lockout or sessions.
func (p SecurityPolicy) Validate() error {
	switch {
	case p.LockoutThreshold < 1:
		return fmt.Errorf("%w: lockout threshold must be at least 1", ErrValidation)
	case p.LockoutDuration <= 0:
		return fmt.Errorf("%w: lockout duration must be positive", ErrValidation)
	case p.SessionLifetime <= 0:
		return fmt.Errorf("%w: session lifetime must be positive", ErrValidation)
	case p.IdleTimeout < 0:
		return fmt.Errorf("%w: idle timeout must not be negative", ErrValidation)
	case p.MinSecretLength < 1 || p.MinSecretLength > maxSecretLen:
		return fmt.Errorf("%w: minimum secret length out of range", ErrValidation)
	}
	return nil
}

// merge fills unset fields from def.
func (p SecurityPolicy) merge(def SecurityPolicy) SecurityPolicy {
	if p.LockoutThreshold <= 0 {
		p.LockoutThreshold = def.LockoutThreshold
	}
	if p.LockoutDuration <= 0 {
		p.LockoutDuration = def.LockoutDuration
	}
	if p.SessionLifetime <= 0 {
		p.SessionLifetime = def.SessionLifetime
	}
	if p.IdleTimeout < 0 {
		p.IdleTimeout = def.IdleTimeout
	}
	if p.MinSecretLength <= 0 {
		p.MinSecretLength = def.MinSecretLength
	}
	return p
}

// TenantState is the tenant_state satellite.
type TenantState struct {
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// IdentityState is the identity_state satellite.
type IdentityState struct {
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	DeactivatedBy string     `json:"deactivated_by,omitempty"`
}

// Reasons recorded on credential versions.
const (
	ReasonCreated = "created"
	ReasonSuccess = "login_success"
	ReasonFailure = "login_failure"
	ReasonLockout = "lockout"
	ReasonUnlock  = "admin_unlock"
	ReasonChanged = "secret_changed"
	ReasonRehash  = "rehash"
)

// Credential is the credential satellite: secret material plus the lockout
// state machine's fields.
type Credential struct {
	SecretHash     string     `json:"secret_hash"`
	Algorithm      Algorithm  `json:"algorithm"`
	ChangedAt      time.Time  `json:"changed_at"`
	FailedAttempts int        `json:"failed_attempts"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	ForceChange    bool       `json:"force_change"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	Reason         string     `json:"reason"`
}

// CredentialVersion is a credential version without secret material.
type CredentialVersion struct {
	Seq            int64      `json:"seq"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidTo        *time.Time `json:"valid_to,omitempty"`
	Algorithm      Algorithm  `json:"algorithm"`
	ChangedAt      time.Time  `json:"changed_at"`
	FailedAttempts int        `json:"failed_attempts"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	ForceChange    bool       `json:"force_change"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
	Reason         string     `json:"reason"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// SessionState is the session_state satellite.
type SessionState struct {
	Status      SessionStatus `json:"status"`
	IdentityKey ids.Key       `json:"identity_key"`
	Username    string        `json:"username"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	// AbsoluteExpiry caps sliding extensions.
	AbsoluteExpiry time.Time `json:"absolute_expiry"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	RevokedReason  string    `json:"revoked_reason,omitempty"`
}

// ClientMeta describes the client a session was issued to.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// LoginResult is returned by Service.Login.
type LoginResult struct {
	Success          bool      `json:"success"`
	SessionToken     string    `json:"session_token,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	Message          string    `json:"message"`
	MustChangeSecret bool      `json:"must_change_secret,omitempty"`
	// Cause is the internal reason for a failed login; never sent to clients.
	Cause error `json:"-"`
}

// SessionResult is returned by Service.ValidateSession.
type SessionResult struct {
	Valid       bool      `json:"valid"`
	IdentityID  string    `json:"identity_id,omitempty"`
	IdentityKey ids.Key   `json:"-"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	Reason      string    `json:"reason,omitempty"`
	Cause       error     `json:"-"`
}

// RevokeResult is returned by Service.RevokeSession.
type RevokeResult struct {
	Success bool `json:"success"`
}

// UnlockResult is returned by Service.AdminUnlock.
type UnlockResult struct {
	Success bool `json:"success"`
}

// ChangeResult is returned by Service.ChangeSecret.
type ChangeResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	RevokedSessions int    `json:"revoked_sessions,omitempty"`
	Cause           error  `json:"-"`
}

// NewIdentity is the input of Service.CreateIdentity. Either Secret or an
// imported SecretHash with its Algorithm must be set.
type NewIdentity struct {
	Username    string    `json:"username"`
	Secret      string    `json:"secret,omitempty"`
	SecretHash  string    `json:"secret_hash,omitempty"`
	Algorithm   Algorithm `json:"algorithm,omitempty"`
	ForceChange bool      `json:"force_change,omitempty"`
}

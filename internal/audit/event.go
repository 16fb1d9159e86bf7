// Package audit records security-relevant transitions in an append-only
// stream. Recording never fails or blocks the operation it describes.
package audit

import (
	"context"
	"strings"
	"time"

	"bastion.dev/internal/ids"
)

// Event types.
const (
	EventTenantCreated       = "tenant.created"
	EventPolicyChanged       = "tenant.policy_changed"
	EventIdentityCreated     = "identity.created"
	EventIdentityDeactivated = "identity.deactivated"
	EventIdentityUnlocked    = "identity.unlocked"
	EventLoginSuccess        = "login.success"
	EventLoginFailure        = "login.failure"
	EventLoginLocked         = "login.locked"
	EventLockApplied         = "lockout.applied"
	EventSecretChanged       = "credential.changed"
	EventSecretRehashed      = "credential.rehashed"
	EventSessionIssued       = "session.issued"
	EventSessionRejected     = "session.rejected"
	EventSessionExpired      = "session.expired"
	EventSessionRevoked      = "session.revoked"
	EventTenantViolation     = "integrity.tenant_violation"
	EventStoreFailure        = "store.failure"
	EventRequestRejected     = "request.rejected"
)

// Outcome classifies an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is one immutable audit record.
type Event struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	TenantID     string         `json:"tenant_id"`
	TenantKey    ids.Key        `json:"tenant_key"`
	Actor        string         `json:"actor"`
	Type         string         `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Outcome      Outcome        `json:"outcome"`
	RequestID    string         `json:"request_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

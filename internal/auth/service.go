package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/history"
	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

const defaultPolicyTTL = 30 * time.Second

// AuditRecorder receives every security-relevant transition. Record must not
// block or fail.
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Event) {}

// Service exposes the identity and session entry points. Every call takes the
// tenant id explicitly; there is no ambient tenant.
type Service struct {
	store      history.Store
	tenants    history.Table[TenantState]
	policies   history.Table[SecurityPolicy]
	identities history.Table[IdentityState]
	creds      history.Table[Credential]
	validator  *Validator
	sessions   *Sessions
	recorder   AuditRecorder
	hasher     Hasher
	defaults   SecurityPolicy
	policyTTL  time.Duration
	now        func() time.Time

	policyMu    sync.RWMutex
	policyCache map[string]cachedPolicy
	policyGroup singleflight.Group
}

type cachedPolicy struct {
	policy SecurityPolicy
	loaded time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDefaultPolicy sets the policy of tenants that have none stored.
func WithDefaultPolicy(p SecurityPolicy) ServiceOption {
	return func(s *Service) error {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("default policy: %w", err)
		}
		s.defaults = p
		return nil
	}
}

// WithPolicyCacheTTL sets how long a loaded tenant policy is reused. Zero
// disables caching.
func WithPolicyCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl < 0 {
			return errors.New("auth: policy cache ttl must not be negative")
		}
		s.policyTTL = ttl
		return nil
	}
}

// WithHasher replaces the argon2id parameters.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// NewService constructs Service with optional configuration. A nil recorder
// discards audit events.
func NewService(store history.Store, recorder AuditRecorder, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	svc := &Service{
		store:       store,
		tenants:     history.NewTable[TenantState](store, history.SatTenantState),
		policies:    history.NewTable[SecurityPolicy](store, history.SatTenantPolicy),
		identities:  history.NewTable[IdentityState](store, history.SatIdentityState),
		creds:       history.NewTable[Credential](store, history.SatCredential),
		recorder:    recorder,
		hasher:      NewHasher(DefaultArgon2Params),
		defaults:    DefaultPolicy(),
		policyTTL:   defaultPolicyTTL,
		now:         time.Now,
		policyCache: make(map[string]cachedPolicy),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.validator = NewValidator(store, svc.hasher, svc.now)
	svc.sessions = NewSessions(store, svc.now)
	return svc, nil
}

// Login validates the secret of username in tenantID and, on success, issues
// a session. Unknown identities and wrong secrets produce the same result.
func (s *Service) Login(ctx context.Context, tenantID, username, secret, ip, userAgent string) (LoginResult, error) {
	meta := ClientMeta{IP: ip, UserAgent: userAgent}
	if err := firstErr(ValidateTenantID(tenantID), ValidateUsername(username), validateSecret("secret", secret), validateMeta(meta)); err != nil {
		obs.LoginAttempts.WithLabelValues("rejected").Inc()
		return LoginResult{}, s.reject(ctx, tenantID, username, "login", err)
	}
	policy, err := s.Policy(ctx, tenantID)
	if err != nil {
		return LoginResult{}, s.fail(ctx, tenantID, username, "login", err)
	}
	base := audit.Event{TenantID: tenantID, Actor: username, ResourceType: "identity", ResourceID: username}
	detail := map[string]any{"ip": ip}

	active, err := s.tenantActive(ctx, tenantID)
	if err != nil {
		return LoginResult{}, s.fail(ctx, tenantID, username, "login", err)
	}
	if !active {
		s.validator.burn(secret)
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		detail["reason"] = "unknown_tenant"
		s.record(ctx, base, audit.EventLoginFailure, audit.OutcomeFailure, detail)
		return invalidLogin(), nil
	}

	res, err := s.validator.Validate(ctx, tenantID, username, secret, policy)
	if err != nil {
		return LoginResult{}, s.fail(ctx, tenantID, username, "login", err)
	}
	switch res.Outcome {
	case OutcomeNotFound:
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		detail["reason"] = "unknown_identity"
		s.record(ctx, base, audit.EventLoginFailure, audit.OutcomeFailure, detail)
		return invalidLogin(), nil
	case OutcomeLocked:
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		detail["seq"] = res.Seq
		s.record(ctx, base, audit.EventLoginLocked, audit.OutcomeDenied, detail)
		return LoginResult{Message: MsgAccountLocked, Cause: ErrAccountLocked}, nil
	case OutcomeInvalid:
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		detail["reason"] = "wrong_secret"
		detail["failed_attempts"] = res.Credential.FailedAttempts
		detail["seq"] = res.Seq
		s.record(ctx, base, audit.EventLoginFailure, audit.OutcomeFailure, detail)
		if res.LockApplied {
			s.lockApplied(ctx, base, res)
		}
		return invalidLogin(), nil
	}

	if res.Rehashed {
		s.record(ctx, base, audit.EventSecretRehashed, audit.OutcomeSuccess, map[string]any{
			"from": string(res.PreviousAlgo), "to": string(res.Credential.Algorithm), "seq": res.Seq,
		})
	}
	issued, err := s.sessions.Issue(ctx, tenantID, res.IdentityKey, username, meta, policy)
	if err != nil {
		return LoginResult{}, s.fail(ctx, tenantID, username, "login", err)
	}
	obs.LoginAttempts.WithLabelValues("success").Inc()
	detail["seq"] = res.Seq
	s.record(ctx, base, audit.EventLoginSuccess, audit.OutcomeSuccess, detail)
	s.record(ctx, audit.Event{TenantID: tenantID, Actor: username, ResourceType: "session", ResourceID: issued.Key.Short()},
		audit.EventSessionIssued, audit.OutcomeSuccess, map[string]any{
			"expires_at": issued.State.ExpiresAt, "absolute_expiry": issued.State.AbsoluteExpiry,
			"ip": ip, "user_agent": userAgent,
		})
	return LoginResult{
		Success:          true,
		SessionToken:     issued.Token,
		ExpiresAt:        issued.State.ExpiresAt,
		Message:          MsgOK,
		MustChangeSecret: res.Credential.ForceChange,
	}, nil
}

// ValidateSession resolves token inside tenantID. Expired, revoked and
// unknown sessions all report MsgInvalidSession; Cause keeps the distinction.
func (s *Service) ValidateSession(ctx context.Context, tenantID, token string) (SessionResult, error) {
	if err := firstErr(ValidateTenantID(tenantID), validateToken(token)); err != nil {
		return SessionResult{}, s.reject(ctx, tenantID, "", "validate session", err)
	}
	policy, err := s.Policy(ctx, tenantID)
	if err != nil {
		return SessionResult{}, s.fail(ctx, tenantID, "", "validate session", err)
	}
	check, err := s.sessions.Validate(ctx, tenantID, token, policy)
	if err != nil {
		obs.SessionValidations.WithLabelValues("error").Inc()
		return SessionResult{}, s.fail(ctx, tenantID, "", "validate session", err)
	}
	if check.Err != nil {
		obs.SessionValidations.WithLabelValues(sessionLabel(check.Err)).Inc()
		ev := audit.Event{TenantID: tenantID, Actor: check.State.Username, ResourceType: "session", ResourceID: check.Key.Short()}
		if check.Transitioned {
			s.record(ctx, ev, audit.EventSessionExpired, audit.OutcomeSuccess, map[string]any{"expires_at": check.State.ExpiresAt})
		}
		s.record(ctx, ev, audit.EventSessionRejected, audit.OutcomeDenied, map[string]any{"reason": sessionLabel(check.Err)})
		return SessionResult{Reason: MsgInvalidSession, Cause: check.Err}, nil
	}
	obs.SessionValidations.WithLabelValues("valid").Inc()
	return SessionResult{
		Valid:       true,
		IdentityID:  check.State.Username,
		IdentityKey: check.State.IdentityKey,
		ExpiresAt:   check.State.ExpiresAt,
	}, nil
}

// RevokeSession ends the session behind token. Revoking a session that has
// already ended succeeds without writing anything.
func (s *Service) RevokeSession(ctx context.Context, tenantID, token string) (RevokeResult, error) {
	if err := firstErr(ValidateTenantID(tenantID), validateToken(token)); err != nil {
		return RevokeResult{}, s.reject(ctx, tenantID, "", "revoke session", err)
	}
	check, found, err := s.sessions.Revoke(ctx, tenantID, token, "logout")
	if err != nil {
		return RevokeResult{}, s.fail(ctx, tenantID, "", "revoke session", err)
	}
	ev := audit.Event{TenantID: tenantID, Actor: check.State.Username, ResourceType: "session", ResourceID: check.Key.Short()}
	switch {
	case !found:
		s.record(ctx, ev, audit.EventSessionRevoked, audit.OutcomeFailure, map[string]any{"reason": "not_found"})
	case check.Err == nil:
		s.record(ctx, ev, audit.EventSessionRevoked, audit.OutcomeSuccess, map[string]any{"reason": "logout"})
	}
	return RevokeResult{Success: found}, nil
}

// AdminUnlock resets the lockout state of username. It always appends a
// version, even when the identity was not locked.
func (s *Service) AdminUnlock(ctx context.Context, tenantID, username, actor string) (UnlockResult, error) {
	if err := firstErr(ValidateTenantID(tenantID), ValidateUsername(username), checkText("actor", actor, maxActorLen, false)); err != nil {
		return UnlockResult{}, s.reject(ctx, tenantID, actor, "admin unlock", err)
	}
	if actor == "" {
		actor = ActorFromContext(ctx)
	}
	ev := audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "identity", ResourceID: username}
	tenant, key, err := s.identityKey(ctx, tenantID, username)
	if errors.Is(err, ErrNotFound) {
		s.record(ctx, ev, audit.EventIdentityUnlocked, audit.OutcomeFailure, map[string]any{"reason": "unknown_identity"})
		return UnlockResult{}, nil
	}
	if err != nil {
		return UnlockResult{}, s.fail(ctx, tenantID, actor, "admin unlock", err)
	}

	now := s.now()
	var was LockState
	rec, err := s.creds.Update(ctx, tenant, key, now, func(cur *history.Record[Credential]) (Credential, error) {
		if cur == nil {
			return Credential{}, history.ErrNotFound
		}
		was = lockState(cur.Attrs, now)
		return applyUnlock(cur.Attrs), nil
	})
	if errors.Is(err, history.ErrNotFound) {
		s.record(ctx, ev, audit.EventIdentityUnlocked, audit.OutcomeFailure, map[string]any{"reason": "no_credential"})
		return UnlockResult{}, nil
	}
	if err != nil {
		return UnlockResult{}, s.fail(ctx, tenantID, actor, "admin unlock", err)
	}
	s.record(ctx, ev, audit.EventIdentityUnlocked, audit.OutcomeSuccess, map[string]any{
		"was_locked": was.Locked, "cleared_attempts": was.Attempts, "seq": rec.Seq,
	})
	return UnlockResult{Success: true}, nil
}

// ChangeSecret replaces the secret after verifying the old one. A wrong old
// secret counts as a failed attempt. Every session of the identity is revoked.
func (s *Service) ChangeSecret(ctx context.Context, tenantID, username, oldSecret, newSecret string) (ChangeResult, error) {
	if err := firstErr(ValidateTenantID(tenantID), ValidateUsername(username),
		validateSecret("old secret", oldSecret), validateSecret("new secret", newSecret)); err != nil {
		return ChangeResult{}, s.reject(ctx, tenantID, username, "change secret", err)
	}
	policy, err := s.Policy(ctx, tenantID)
	if err != nil {
		return ChangeResult{}, s.fail(ctx, tenantID, username, "change secret", err)
	}
	base := audit.Event{TenantID: tenantID, Actor: username, ResourceType: "identity", ResourceID: username}
	if len(newSecret) < policy.MinSecretLength || newSecret == oldSecret {
		s.record(ctx, base, audit.EventSecretChanged, audit.OutcomeFailure, map[string]any{"reason": "policy"})
		return ChangeResult{Message: MsgSecretPolicy, Cause: ErrValidation}, nil
	}
	active, err := s.tenantActive(ctx, tenantID)
	if err != nil {
		return ChangeResult{}, s.fail(ctx, tenantID, username, "change secret", err)
	}
	if !active {
		s.validator.burn(oldSecret)
		s.record(ctx, base, audit.EventSecretChanged, audit.OutcomeFailure, map[string]any{"reason": "unknown_tenant"})
		return ChangeResult{Message: MsgInvalidCredentials, Cause: ErrInvalidCredential}, nil
	}

	res, err := s.validator.Validate(ctx, tenantID, username, oldSecret, policy)
	if err != nil {
		return ChangeResult{}, s.fail(ctx, tenantID, username, "change secret", err)
	}
	switch res.Outcome {
	case OutcomeLocked:
		s.record(ctx, base, audit.EventSecretChanged, audit.OutcomeDenied, map[string]any{"reason": "locked"})
		return ChangeResult{Message: MsgAccountLocked, Cause: ErrAccountLocked}, nil
	case OutcomeNotFound, OutcomeInvalid:
		s.record(ctx, base, audit.EventSecretChanged, audit.OutcomeFailure, map[string]any{"reason": res.Outcome.String()})
		if res.LockApplied {
			s.lockApplied(ctx, base, res)
		}
		return ChangeResult{Message: MsgInvalidCredentials, Cause: ErrInvalidCredential}, nil
	}

	hash, err := s.hasher.Hash(newSecret)
	if err != nil {
		return ChangeResult{}, s.fail(ctx, tenantID, username, "change secret", err)
	}
	tenant := ids.TenantKey(tenantID)
	now := s.now()
	rec, err := s.creds.Update(ctx, tenant, res.IdentityKey, now, func(cur *history.Record[Credential]) (Credential, error) {
		if cur == nil {
			return Credential{}, history.ErrNotFound
		}
		if cur.Attrs.SecretHash != res.Credential.SecretHash {
			return Credential{}, fmt.Errorf("%w: secret of %s changed concurrently", ErrConcurrencyConflict, res.IdentityKey.Short())
		}
		next := cur.Attrs
		next.SecretHash = hash
		next.Algorithm = AlgArgon2id
		next.ChangedAt = now.UTC()
		next.ForceChange = false
		next.FailedAttempts = 0
		next.Locked = false
		next.LockedUntil = nil
		next.Reason = ReasonChanged
		return next, nil
	})
	if err != nil {
		return ChangeResult{}, s.fail(ctx, tenantID, username, "change secret", err)
	}
	revoked, err := s.sessions.RevokeAll(ctx, tenantID, res.IdentityKey, "", ReasonChanged)
	if err != nil {
		return ChangeResult{}, s.fail(ctx, tenantID, username, "change secret", err)
	}
	s.record(ctx, base, audit.EventSecretChanged, audit.OutcomeSuccess, map[string]any{
		"seq": rec.Seq, "revoked_sessions": revoked,
	})
	return ChangeResult{Success: true, Message: MsgOK, RevokedSessions: revoked}, nil
}

// Policy returns the effective policy of tenantID. Loads are de-duplicated
// and cached for the configured TTL.
func (s *Service) Policy(ctx context.Context, tenantID string) (SecurityPolicy, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return SecurityPolicy{}, s.reject(ctx, tenantID, ActorFromContext(ctx), "policy", err)
	}
	now := s.now()
	if s.policyTTL > 0 {
		s.policyMu.RLock()
		c, ok := s.policyCache[tenantID]
		s.policyMu.RUnlock()
		if ok && now.Sub(c.loaded) < s.policyTTL {
			return c.policy, nil
		}
	}
	v, err, _ := s.policyGroup.Do(tenantID, func() (any, error) {
		p, known, err := s.loadPolicy(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if known && s.policyTTL > 0 {
			s.policyMu.Lock()
			s.policyCache[tenantID] = cachedPolicy{policy: p, loaded: now}
			s.policyMu.Unlock()
		}
		return p, nil
	})
	if err != nil {
		return SecurityPolicy{}, err
	}
	return v.(SecurityPolicy), nil
}

// loadPolicy reports known=false for tenants that do not exist so arbitrary
// ids never populate the cache.
func (s *Service) loadPolicy(ctx context.Context, tenantID string) (SecurityPolicy, bool, error) {
	tenant := ids.TenantKey(tenantID)
	rec, err := s.policies.Current(ctx, tenant, tenant)
	if err == nil {
		return rec.Attrs.merge(s.defaults), true, nil
	}
	if !errors.Is(err, history.ErrNotFound) {
		return SecurityPolicy{}, false, err
	}
	_, err = s.store.Hub(ctx, history.HubTenant, tenant)
	switch {
	case err == nil:
		return s.defaults, true, nil
	case errors.Is(err, history.ErrNotFound):
		return s.defaults, false, nil
	}
	return SecurityPolicy{}, false, err
}

func (s *Service) invalidatePolicy(tenantID string) {
	s.policyMu.Lock()
	delete(s.policyCache, tenantID)
	s.policyMu.Unlock()
}

func (s *Service) tenantActive(ctx context.Context, tenantID string) (bool, error) {
	tenant := ids.TenantKey(tenantID)
	rec, err := s.tenants.Current(ctx, tenant, tenant)
	if errors.Is(err, history.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Attrs.Active, nil
}

// identityKey resolves username and checks the hub's tenant.
func (s *Service) identityKey(ctx context.Context, tenantID, username string) (tenant, key ids.Key, err error) {
	tenant = ids.TenantKey(tenantID)
	key = ids.DeriveKey(tenantID, username)
	hub, err := s.store.Hub(ctx, history.HubIdentity, key)
	if errors.Is(err, history.ErrNotFound) {
		return tenant, key, ErrNotFound
	}
	if err != nil {
		return tenant, key, err
	}
	if hub.TenantKey != tenant {
		return tenant, key, fmt.Errorf("%w: identity %s reached through tenant %s", ErrTenantIsolation, key.Short(), tenantID)
	}
	return tenant, key, nil
}

func (s *Service) lockApplied(ctx context.Context, base audit.Event, res CredentialResult) {
	obs.Lockouts.Inc()
	detail := map[string]any{"failed_attempts": res.Credential.FailedAttempts, "seq": res.Seq}
	if res.Credential.LockedUntil != nil {
		detail["locked_until"] = *res.Credential.LockedUntil
	}
	obs.Logger().Warn("identity locked",
		zap.String("tenant_id", base.TenantID),
		zap.String("identity", res.IdentityKey.Short()),
		zap.Int("failed_attempts", res.Credential.FailedAttempts))
	s.record(ctx, base, audit.EventLockApplied, audit.OutcomeSuccess, detail)
}

func (s *Service) record(ctx context.Context, ev audit.Event, eventType string, outcome audit.Outcome, detail map[string]any) {
	ev.Type = eventType
	ev.Outcome = outcome
	ev.OccurredAt = s.now()
	ev.TenantKey = ids.TenantKey(ev.TenantID)
	if len(detail) > 0 {
		ev.Detail = make(map[string]any, len(detail))
		for k, v := range detail {
			ev.Detail[k] = v
		}
	}
	s.recorder.Record(ctx, ev)
}

// reject audits a request refused before any state changed and returns err.
// Identifiers that failed validation are dropped from the event.
func (s *Service) reject(ctx context.Context, tenantID, actor, op string, err error) error {
	if ValidateTenantID(tenantID) != nil {
		tenantID = ""
	}
	if checkText("actor", actor, maxActorLen, true) != nil {
		actor = ""
	}
	reason := "validation"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrAlreadyExists):
		reason = "already_exists"
	}
	s.record(ctx, audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "operation", ResourceID: op},
		audit.EventRequestRejected, audit.OutcomeDenied, map[string]any{
			"reason": reason,
			"error":  strings.TrimPrefix(err.Error(), ErrValidation.Error()+": "),
		})
	return err
}

// fail logs err, mirrors it to the audit stream and wraps it for the caller.
// Tenant isolation violations are logged at error level and counted.
func (s *Service) fail(ctx context.Context, tenantID, actor, op string, err error) error {
	ev := audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "operation", ResourceID: op}
	fields := []zap.Field{zap.String("op", op), zap.String("tenant_id", tenantID), zap.Error(err)}
	if errors.Is(err, ErrTenantIsolation) {
		obs.IntegrityViolations.Inc()
		obs.Logger().Error("tenant isolation violation", fields...)
		s.record(ctx, ev, audit.EventTenantViolation, audit.OutcomeError, map[string]any{"error": err.Error()})
	} else {
		obs.Logger().Error("identity operation failed", fields...)
		s.record(ctx, ev, audit.EventStoreFailure, audit.OutcomeError, map[string]any{"error": err.Error()})
	}
	if op == "login" {
		obs.LoginAttempts.WithLabelValues("error").Inc()
	}
	return fmt.Errorf("%s: %w", op, err)
}

func invalidLogin() LoginResult {
	return LoginResult{Message: MsgInvalidCredentials, Cause: ErrInvalidCredential}
}

func sessionLabel(err error) string {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrSessionRevoked):
		return "revoked"
	}
	return "not_found"
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

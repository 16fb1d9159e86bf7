package auth

import (
	"context"
	"errors"
	"fmt"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/history"
	"bastion.dev/internal/ids"
)

// CreateTenant registers tenantID as an active tenant. Tenants start without
// a stored policy and use the service defaults.
func (s *Service) CreateTenant(ctx context.Context, tenantID, displayName string) error {
	if err := firstErr(ValidateTenantID(tenantID), checkText("display name", displayName, maxNameLen, false)); err != nil {
		return s.reject(ctx, tenantID, ActorFromContext(ctx), "create tenant", err)
	}
	actor := ActorFromContext(ctx)
	tenant := ids.TenantKey(tenantID)
	initial, err := s.tenants.Initial(TenantState{DisplayName: displayName, Active: true})
	if err != nil {
		return err
	}
	err = s.store.CreateHub(ctx, history.HubRecord{
		Hub:         history.HubTenant,
		Key:         tenant,
		TenantKey:   tenant,
		BusinessKey: tenantID,
		CreatedAt:   s.now(),
	}, initial)
	if errors.Is(err, history.ErrAlreadyExists) {
		return s.reject(ctx, tenantID, actor, "create tenant", fmt.Errorf("%w: tenant %s", ErrAlreadyExists, tenantID))
	}
	if err != nil {
		return s.fail(ctx, tenantID, actor, "create tenant", err)
	}
	s.invalidatePolicy(tenantID)
	s.record(ctx, audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "tenant", ResourceID: tenantID},
		audit.EventTenantCreated, audit.OutcomeSuccess, map[string]any{"display_name": displayName})
	return nil
}

// SetPolicy appends a new policy version for tenantID.
func (s *Service) SetPolicy(ctx context.Context, tenantID string, p SecurityPolicy) (SecurityPolicy, error) {
	actor := ActorFromContext(ctx)
	if err := firstErr(ValidateTenantID(tenantID), p.Validate()); err != nil {
		return SecurityPolicy{}, s.reject(ctx, tenantID, actor, "set policy", err)
	}
	tenant := ids.TenantKey(tenantID)
	rec, err := s.policies.Append(ctx, tenant, tenant, s.now(), p)
	if errors.Is(err, history.ErrNotFound) {
		return SecurityPolicy{}, s.reject(ctx, tenantID, actor, "set policy", fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID))
	}
	if err != nil {
		return SecurityPolicy{}, s.fail(ctx, tenantID, actor, "set policy", err)
	}
	s.invalidatePolicy(tenantID)
	s.record(ctx, audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "tenant", ResourceID: tenantID},
		audit.EventPolicyChanged, audit.OutcomeSuccess, map[string]any{
			"seq":               rec.Seq,
			"lockout_threshold": p.LockoutThreshold,
			"lockout_duration":  p.LockoutDuration.String(),
			"session_lifetime":  p.SessionLifetime.String(),
			"idle_timeout":      p.IdleTimeout.String(),
			"min_secret_length": p.MinSecretLength,
		})
	return rec.Attrs, nil
}

// CreateIdentity registers an identity with its first credential version.
// The secret is either hashed here or imported as an existing hash of a
// supported algorithm; imported legacy hashes are upgraded on first login.
func (s *Service) CreateIdentity(ctx context.Context, tenantID string, in NewIdentity) (ids.Key, error) {
	actor := ActorFromContext(ctx)
	if err := firstErr(ValidateTenantID(tenantID), ValidateUsername(in.Username)); err != nil {
		return "", s.reject(ctx, tenantID, actor, "create identity", err)
	}
	policy, err := s.Policy(ctx, tenantID)
	if err != nil {
		return "", err
	}
	var cred Credential
	switch {
	case in.Secret != "" && in.SecretHash != "":
		err = fmt.Errorf("%w: secret and secret hash are mutually exclusive", ErrValidation)
	case in.Secret != "":
		if err = validateSecret("secret", in.Secret); err != nil {
			break
		}
		if len(in.Secret) < policy.MinSecretLength {
			err = fmt.Errorf("%w: secret shorter than %d", ErrValidation, policy.MinSecretLength)
			break
		}
		hash, herr := s.hasher.Hash(in.Secret)
		if herr != nil {
			return "", herr
		}
		cred = Credential{SecretHash: hash, Algorithm: AlgArgon2id}
	case in.SecretHash != "":
		if !SupportedAlgorithm(in.Algorithm) {
			err = fmt.Errorf("%w: unsupported algorithm %q", ErrValidation, in.Algorithm)
			break
		}
		if len(in.SecretHash) > maxSecretLen {
			err = fmt.Errorf("%w: secret hash exceeds %d bytes", ErrValidation, maxSecretLen)
			break
		}
		cred = Credential{SecretHash: in.SecretHash, Algorithm: in.Algorithm}
	default:
		err = fmt.Errorf("%w: secret is required", ErrValidation)
	}
	if err != nil {
		return "", s.reject(ctx, tenantID, actor, "create identity", err)
	}

	active, err := s.tenantActive(ctx, tenantID)
	if err != nil {
		return "", s.fail(ctx, tenantID, actor, "create identity", err)
	}
	if !active {
		return "", s.reject(ctx, tenantID, actor, "create identity", fmt.Errorf("%w: tenant %s", ErrNotFound, tenantID))
	}

	now := s.now()
	cred.ChangedAt = now.UTC()
	cred.ForceChange = in.ForceChange
	cred.Reason = ReasonCreated
	credInit, err := s.creds.Initial(cred)
	if err != nil {
		return "", err
	}
	stateInit, err := s.identities.Initial(IdentityState{Active: true})
	if err != nil {
		return "", err
	}
	tenant := ids.TenantKey(tenantID)
	key := ids.DeriveKey(tenantID, in.Username)
	err = s.store.CreateHub(ctx, history.HubRecord{
		Hub:         history.HubIdentity,
		Key:         key,
		TenantKey:   tenant,
		BusinessKey: in.Username,
		CreatedAt:   now,
	}, stateInit, credInit)
	if errors.Is(err, history.ErrAlreadyExists) {
		return "", s.reject(ctx, tenantID, actor, "create identity", fmt.Errorf("%w: identity %s", ErrAlreadyExists, in.Username))
	}
	if err != nil {
		return "", s.fail(ctx, tenantID, actor, "create identity", err)
	}
	s.record(ctx, audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "identity", ResourceID: in.Username},
		audit.EventIdentityCreated, audit.OutcomeSuccess, map[string]any{
			"algorithm": string(cred.Algorithm), "force_change": cred.ForceChange,
		})
	return key, nil
}

// DeactivateIdentity soft-deletes username: logins fail uniformly afterwards
// and every active session is revoked. Returns the number of revoked sessions.
func (s *Service) DeactivateIdentity(ctx context.Context, tenantID, username string) (int, error) {
	actor := ActorFromContext(ctx)
	if err := firstErr(ValidateTenantID(tenantID), ValidateUsername(username)); err != nil {
		return 0, s.reject(ctx, tenantID, actor, "deactivate identity", err)
	}
	tenant, key, err := s.identityKey(ctx, tenantID, username)
	if errors.Is(err, ErrNotFound) {
		return 0, s.reject(ctx, tenantID, actor, "deactivate identity", fmt.Errorf("%w: identity %s", ErrNotFound, username))
	}
	if err != nil {
		return 0, s.fail(ctx, tenantID, actor, "deactivate identity", err)
	}
	now := s.now()
	_, err = s.identities.Update(ctx, tenant, key, now, func(cur *history.Record[IdentityState]) (IdentityState, error) {
		if cur != nil && !cur.Attrs.Active {
			return IdentityState{}, history.ErrSkip
		}
		at := now.UTC()
		return IdentityState{Active: false, DeactivatedAt: &at, DeactivatedBy: actor}, nil
	})
	if err != nil {
		return 0, s.fail(ctx, tenantID, actor, "deactivate identity", err)
	}
	revoked, err := s.sessions.RevokeAll(ctx, tenantID, key, "", "deactivated")
	if err != nil {
		return revoked, s.fail(ctx, tenantID, actor, "deactivate identity", err)
	}
	s.record(ctx, audit.Event{TenantID: tenantID, Actor: actor, ResourceType: "identity", ResourceID: username},
		audit.EventIdentityDeactivated, audit.OutcomeSuccess, map[string]any{"revoked_sessions": revoked})
	return revoked, nil
}

// CredentialHistory lists every credential version of username, oldest
// first, without secret material.
func (s *Service) CredentialHistory(ctx context.Context, tenantID, username string) ([]CredentialVersion, error) {
	actor := ActorFromContext(ctx)
	if err := firstErr(ValidateTenantID(tenantID), ValidateUsername(username)); err != nil {
		return nil, s.reject(ctx, tenantID, actor, "credential history", err)
	}
	tenant, key, err := s.identityKey(ctx, tenantID, username)
	if errors.Is(err, ErrNotFound) {
		return nil, s.reject(ctx, tenantID, actor, "credential history", fmt.Errorf("%w: identity %s", ErrNotFound, username))
	}
	if err != nil {
		return nil, s.fail(ctx, tenantID, actor, "credential history", err)
	}
	records, err := s.creds.History(ctx, tenant, key)
	if err != nil {
		return nil, s.fail(ctx, tenantID, actor, "credential history", err)
	}
	out := make([]CredentialVersion, 0, len(records))
	for _, r := range records {
		c := r.Attrs
		out = append(out, CredentialVersion{
			Seq:            r.Seq,
			ValidFrom:      r.ValidFrom,
			ValidTo:        r.ValidTo,
			Algorithm:      c.Algorithm,
			ChangedAt:      c.ChangedAt,
			FailedAttempts: c.FailedAttempts,
			Locked:         c.Locked,
			LockedUntil:    c.LockedUntil,
			ForceChange:    c.ForceChange,
			LastLoginAt:    c.LastLoginAt,
			Reason:         c.Reason,
		})
	}
	return out, nil
}

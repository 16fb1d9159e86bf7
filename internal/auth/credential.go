package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bastion.dev/internal/history"
	"bastion.dev/internal/ids"
)

// Outcome of a credential validation.
type Outcome int

const (
	OutcomeInvalid Outcome = iota
	OutcomeValid
	OutcomeNotFound
	OutcomeLocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeLocked:
		return "locked"
	}
	return "invalid"
}

// CredentialResult describes one validation and the version it appended.
type CredentialResult struct {
	Outcome     Outcome
	IdentityKey ids.Key
	Credential  Credential
	Seq         int64
	// LockApplied is set when this attempt moved the identity to Locked.
	LockApplied bool
	// Rehashed is set when a deprecated hash was upgraded.
	Rehashed     bool
	PreviousAlgo Algorithm
}

const maxStaleRetries = 3

var errStaleCredential = errors.New("auth: credential changed during validation")

// Validator checks secrets against the current credential version and drives
// the lockout state machine.
type Validator struct {
	store      history.Store
	identities history.Table[IdentityState]
	creds      history.Table[Credential]
	hasher     Hasher
	now        func() time.Time

	dummyOnce sync.Once
	dummy     string
}

func NewValidator(store history.Store, hasher Hasher, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{
		store:      store,
		identities: history.NewTable[IdentityState](store, history.SatIdentityState),
		creds:      history.NewTable[Credential](store, history.SatCredential),
		hasher:     hasher,
		now:        now,
	}
}

// Validate looks up username in tenantID and compares secret. A locked
// identity is reported as Locked without comparing. The comparison runs
// without holding the entity lock; the resulting transition is re-applied to
// whatever version is current when it is written, so concurrent attempts are
// never lost.
func (v *Validator) Validate(ctx context.Context, tenantID, username, secret string, policy SecurityPolicy) (CredentialResult, error) {
	tenant := ids.TenantKey(tenantID)
	key := ids.DeriveKey(tenantID, username)
	res := CredentialResult{IdentityKey: key}

	hub, err := v.store.Hub(ctx, history.HubIdentity, key)
	if errors.Is(err, history.ErrNotFound) {
		v.burn(secret)
		res.Outcome = OutcomeNotFound
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if hub.TenantKey != tenant {
		return res, fmt.Errorf("%w: identity %s reached through tenant %s", ErrTenantIsolation, key.Short(), tenantID)
	}

	state, err := v.identities.Current(ctx, tenant, key)
	switch {
	case errors.Is(err, history.ErrNotFound):
	case err != nil:
		return res, err
	case !state.Attrs.Active:
		v.burn(secret)
		res.Outcome = OutcomeNotFound
		return res, nil
	}

	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		res, err = v.attempt(ctx, tenant, key, secret, policy)
		if !errors.Is(err, errStaleCredential) {
			return res, err
		}
	}
	return res, fmt.Errorf("%w: credential of %s kept changing", ErrConcurrencyConflict, key.Short())
}

func (v *Validator) attempt(ctx context.Context, tenant, key ids.Key, secret string, policy SecurityPolicy) (CredentialResult, error) {
	res := CredentialResult{IdentityKey: key}
	cur, err := v.creds.Current(ctx, tenant, key)
	if errors.Is(err, history.ErrNotFound) {
		v.burn(secret)
		res.Outcome = OutcomeNotFound
		return res, nil
	}
	if err != nil {
		return res, err
	}

	now := v.now()
	if lockState(cur.Attrs, now).Locked {
		res.Outcome = OutcomeLocked
		res.Credential = cur.Attrs
		res.Seq = cur.Seq
		return res, nil
	}

	ok, err := v.hasher.Verify(cur.Attrs.Algorithm, cur.Attrs.SecretHash, secret)
	if err != nil {
		return res, fmt.Errorf("verify credential %s: %w", key.Short(), err)
	}
	var rehash string
	if ok && v.hasher.NeedsRehash(cur.Attrs.Algorithm, cur.Attrs.SecretHash) {
		if rehash, err = v.hasher.Hash(secret); err != nil {
			return res, err
		}
	}

	base := OutcomeInvalid
	if ok {
		base = OutcomeValid
	}
	var (
		outcome     Outcome
		lockApplied bool
	)
	rec, err := v.creds.Update(ctx, tenant, key, now, func(latest *history.Record[Credential]) (Credential, error) {
		outcome, lockApplied = base, false
		if latest == nil {
			return Credential{}, history.ErrNotFound
		}
		c := latest.Attrs
		if c.SecretHash != cur.Attrs.SecretHash || c.Algorithm != cur.Attrs.Algorithm {
			return Credential{}, errStaleCredential
		}
		if lockState(c, now).Locked {
			// another attempt locked the identity while this one compared
			outcome = OutcomeLocked
			return Credential{}, history.ErrSkip
		}
		if !ok {
			next, locked := applyFailure(c, policy, now)
			lockApplied = locked
			return next, nil
		}
		next := applySuccess(c, now)
		if rehash != "" {
			next.SecretHash = rehash
			next.Algorithm = AlgArgon2id
		}
		return next, nil
	})
	if err != nil {
		return res, err
	}
	res.Outcome = outcome
	res.Credential = rec.Attrs
	res.Seq = rec.Seq
	res.LockApplied = lockApplied
	if outcome == OutcomeValid && rehash != "" {
		res.Rehashed = true
		res.PreviousAlgo = cur.Attrs.Algorithm
	}
	return res, nil
}

// burn spends roughly the time of a real comparison so unknown identities
// cannot be told apart by latency.
func (v *Validator) burn(secret string) {
	v.dummyOnce.Do(func() {
		v.dummy, _ = v.hasher.Hash("bastion-dummy-secret")
	})
	_, _ = v.hasher.Verify(AlgArgon2id, v.dummy, secret)
}

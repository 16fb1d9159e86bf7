package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"bastion.dev/internal/history"
	"bastion.dev/internal/ids"
)

const tokenBytes = 32

// SessionCheck is the outcome of Sessions.Validate. Err is nil for a valid
// session and one of ErrSessionExpired, ErrSessionRevoked, ErrSessionNotFound
// otherwise.
type SessionCheck struct {
	Key   ids.Key
	State SessionState
	Err   error
	// Transitioned is set when this call recorded the expiry.
	Transitioned bool
}

// IssuedSession is a freshly minted session.
type IssuedSession struct {
	Token string
	Key   ids.Key
	State SessionState
}

// Sessions issues, validates and revokes opaque session tokens. Only a digest
// of the token is stored.
type Sessions struct {
	store  history.Store
	states history.Table[SessionState]
	now    func() time.Time
	random io.Reader
}

func NewSessions(store history.Store, now func() time.Time) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{
		store:  store,
		states: history.NewTable[SessionState](store, history.SatSessionState),
		now:    now,
		random: rand.Reader,
	}
}

// SessionKey is the storage key of token.
func SessionKey(token string) ids.Key {
	return ids.DeriveKey(ids.SessionScope, tokenDigest(token))
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func wellFormedToken(token string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(raw) == tokenBytes
}

// Issue mints a token for identityKey and writes the session hub with its
// first Active version.
func (s *Sessions) Issue(ctx context.Context, tenantID string, identityKey ids.Key, username string, meta ClientMeta, policy SecurityPolicy) (IssuedSession, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return IssuedSession{}, fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	digest := tokenDigest(token)
	key := ids.DeriveKey(ids.SessionScope, digest)

	now := s.now().UTC().Truncate(time.Microsecond)
	absolute := now.Add(policy.SessionLifetime)
	state := SessionState{
		Status:         SessionActive,
		IdentityKey:    identityKey,
		Username:       username,
		IssuedAt:       now,
		ExpiresAt:      slidingExpiry(now, absolute, policy.IdleTimeout),
		AbsoluteExpiry: absolute,
		LastSeenAt:     now,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
	}
	initial, err := s.states.Initial(state)
	if err != nil {
		return IssuedSession{}, err
	}
	tenant := ids.TenantKey(tenantID)
	if err := s.store.CreateHub(ctx, history.HubRecord{
		Hub:         history.HubSession,
		Key:         key,
		TenantKey:   tenant,
		BusinessKey: digest,
		ParentKey:   identityKey,
		CreatedAt:   now,
	}, initial); err != nil {
		return IssuedSession{}, fmt.Errorf("store session: %w", err)
	}
	return IssuedSession{Token: token, Key: key, State: state}, nil
}

// Validate resolves token inside tenantID. Expiry is evaluated here and
// recorded once as an Expired version; with an idle timeout configured every
// successful validation appends a version that slides the expiry forward,
// never past the absolute lifetime. A token that belongs to another tenant is
// an ErrTenantIsolation error.
func (s *Sessions) Validate(ctx context.Context, tenantID, token string, policy SecurityPolicy) (SessionCheck, error) {
	if !wellFormedToken(token) {
		return SessionCheck{Err: ErrSessionNotFound}, nil
	}
	key := SessionKey(token)
	tenant, err := s.owned(ctx, tenantID, key)
	if errors.Is(err, ErrSessionNotFound) {
		return SessionCheck{Key: key, Err: ErrSessionNotFound}, nil
	}
	if err != nil {
		return SessionCheck{Key: key}, err
	}

	cur, err := s.states.Current(ctx, tenant, key)
	if errors.Is(err, history.ErrNotFound) {
		return SessionCheck{Key: key, Err: ErrSessionNotFound}, nil
	}
	if err != nil {
		return SessionCheck{Key: key}, err
	}
	now := s.now()
	if check, done := inspect(key, cur.Attrs); done {
		return check, nil
	}
	if !now.Before(cur.Attrs.ExpiresAt) {
		return s.expire(ctx, tenant, key, now)
	}
	if policy.IdleTimeout <= 0 {
		return SessionCheck{Key: key, State: cur.Attrs}, nil
	}

	var check SessionCheck
	rec, err := s.states.Update(ctx, tenant, key, now, func(latest *history.Record[SessionState]) (SessionState, error) {
		check = SessionCheck{}
		if latest == nil {
			return SessionState{}, history.ErrNotFound
		}
		st := latest.Attrs
		if c, done := inspect(key, st); done {
			check = c
			return SessionState{}, history.ErrSkip
		}
		if !now.Before(st.ExpiresAt) {
			st.Status = SessionExpired
			check = SessionCheck{Key: key, State: st, Err: ErrSessionExpired, Transitioned: true}
			return st, nil
		}
		st.LastSeenAt = now.UTC()
		st.ExpiresAt = slidingExpiry(now.UTC(), st.AbsoluteExpiry, policy.IdleTimeout)
		return st, nil
	})
	if err != nil {
		return SessionCheck{Key: key}, err
	}
	if check.Err != nil {
		return check, nil
	}
	return SessionCheck{Key: key, State: rec.Attrs}, nil
}

// Revoke ends the session behind token. The boolean is false when the token
// is unknown to tenantID. Revoking a session that already ended is a no-op.
func (s *Sessions) Revoke(ctx context.Context, tenantID, token, reason string) (SessionCheck, bool, error) {
	if !wellFormedToken(token) {
		return SessionCheck{Err: ErrSessionNotFound}, false, nil
	}
	key := SessionKey(token)
	tenant, err := s.owned(ctx, tenantID, key)
	if errors.Is(err, ErrSessionNotFound) {
		return SessionCheck{Key: key, Err: ErrSessionNotFound}, false, nil
	}
	if err != nil {
		return SessionCheck{Key: key}, false, err
	}
	check, err := s.revokeKey(ctx, tenant, key, reason)
	return check, err == nil, err
}

// RevokeAll revokes every active session of identityKey except the one keyed
// by except (which may be empty) and returns how many it revoked.
func (s *Sessions) RevokeAll(ctx context.Context, tenantID string, identityKey, except ids.Key, reason string) (int, error) {
	tenant := ids.TenantKey(tenantID)
	children, err := s.store.Children(ctx, history.HubSession, identityKey)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, child := range children {
		if child.TenantKey != tenant {
			return revoked, fmt.Errorf("%w: session %s of identity %s", ErrTenantIsolation, child.Key.Short(), identityKey.Short())
		}
		if child.Key == except {
			continue
		}
		check, err := s.revokeKey(ctx, tenant, child.Key, reason)
		if err != nil {
			return revoked, err
		}
		if check.Err == nil {
			revoked++
		}
	}
	return revoked, nil
}

// revokeKey appends a Revoked version unless the session already ended.
// check.Err is nil only when this call revoked an active session.
func (s *Sessions) revokeKey(ctx context.Context, tenant, key ids.Key, reason string) (SessionCheck, error) {
	now := s.now()
	var check SessionCheck
	rec, err := s.states.Update(ctx, tenant, key, now, func(latest *history.Record[SessionState]) (SessionState, error) {
		check = SessionCheck{}
		if latest == nil {
			return SessionState{}, history.ErrNotFound
		}
		st := latest.Attrs
		if st.Status != SessionActive {
			check = SessionCheck{Key: key, State: st, Err: statusErr(st.Status)}
			return SessionState{}, history.ErrSkip
		}
		st.Status = SessionRevoked
		st.RevokedReason = reason
		return st, nil
	})
	if errors.Is(err, history.ErrNotFound) {
		return SessionCheck{Key: key, Err: ErrSessionNotFound}, nil
	}
	if err != nil {
		return SessionCheck{Key: key}, err
	}
	if check.Err != nil {
		return check, nil
	}
	return SessionCheck{Key: key, State: rec.Attrs}, nil
}

func (s *Sessions) expire(ctx context.Context, tenant, key ids.Key, now time.Time) (SessionCheck, error) {
	var (
		check   SessionCheck
		settled bool
	)
	rec, err := s.states.Update(ctx, tenant, key, now, func(latest *history.Record[SessionState]) (SessionState, error) {
		check, settled = SessionCheck{}, false
		if latest == nil {
			return SessionState{}, history.ErrNotFound
		}
		if c, done := inspect(key, latest.Attrs); done {
			check, settled = c, true
			return SessionState{}, history.ErrSkip
		}
		if now.Before(latest.Attrs.ExpiresAt) {
			// extended by a concurrent validation
			check, settled = SessionCheck{Key: key, State: latest.Attrs}, true
			return SessionState{}, history.ErrSkip
		}
		st := latest.Attrs
		st.Status = SessionExpired
		return st, nil
	})
	if err != nil {
		return SessionCheck{Key: key}, err
	}
	if settled {
		return check, nil
	}
	return SessionCheck{Key: key, State: rec.Attrs, Err: ErrSessionExpired, Transitioned: true}, nil
}

// owned returns the tenant key after checking that the session hub exists
// and belongs to tenantID.
func (s *Sessions) owned(ctx context.Context, tenantID string, key ids.Key) (ids.Key, error) {
	tenant := ids.TenantKey(tenantID)
	hub, err := s.store.Hub(ctx, history.HubSession, key)
	if errors.Is(err, history.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	if hub.TenantKey != tenant {
		return "", fmt.Errorf("%w: session %s presented to tenant %s", ErrTenantIsolation, key.Short(), tenantID)
	}
	return tenant, nil
}

// inspect settles sessions whose status is already terminal.
func inspect(key ids.Key, st SessionState) (SessionCheck, bool) {
	if st.Status == SessionActive {
		return SessionCheck{}, false
	}
	return SessionCheck{Key: key, State: st, Err: statusErr(st.Status)}, true
}

func statusErr(st SessionStatus) error {
	switch st {
	case SessionRevoked:
		return ErrSessionRevoked
	case SessionExpired:
		return ErrSessionExpired
	case SessionActive:
		return nil
	}
	return ErrSessionNotFound
}

func slidingExpiry(now, absolute time.Time, idle time.Duration) time.Time {
	if idle <= 0 {
		return absolute
	}
	if exp := now.Add(idle); exp.Before(absolute) {
		return exp
	}
	return absolute
}

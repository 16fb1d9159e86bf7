// Package history is an append-only, effective-dated versioning engine built on
// the hub/satellite pattern. A hub row holds the immutable business key of an
// entity; each satellite holds a time-bounded sequence of attribute snapshots
// for one hub entity, of which exactly one (valid_to IS NULL) is current.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bastion.dev/internal/ids"
)

var (
	ErrNotFound       = errors.New("history: not found")
	ErrAlreadyExists  = errors.New("history: already exists")
	ErrConflict       = errors.New("history: concurrent modification")
	ErrTenantMismatch = errors.New("history: tenant isolation violation")
	// ErrSkip may be returned by a MutateFunc to leave the entity unchanged.
	ErrSkip = errors.New("history: no change")
)

// Hub names an entity family.
type Hub string

const (
	HubTenant   Hub = "tenant"
	HubIdentity Hub = "identity"
	HubSession  Hub = "session"
)

// Satellite names a historized attribute set attached to a hub.
type Satellite string

const (
	SatTenantState   Satellite = "tenant_state"
	SatTenantPolicy  Satellite = "tenant_policy"
	SatIdentityState Satellite = "identity_state"
	SatCredential    Satellite = "credential"
	SatSessionState  Satellite = "session_state"
)

var satelliteHubs = map[Satellite]Hub{
	SatTenantState:   HubTenant,
	SatTenantPolicy:  HubTenant,
	SatIdentityState: HubIdentity,
	SatCredential:    HubIdentity,
	SatSessionState:  HubSession,
}

// Hub returns the hub the satellite hangs off.
func (s Satellite) Hub() Hub { return satelliteHubs[s] }

func (s Satellite) valid() bool {
	_, ok := satelliteHubs[s]
	return ok
}

func (h Hub) valid() bool {
	switch h {
	case HubTenant, HubIdentity, HubSession:
		return true
	}
	return false
}

// HubRecord is the immutable identity row of an entity.
type HubRecord struct {
	Hub         Hub
	Key         ids.Key
	TenantKey   ids.Key
	BusinessKey string
	// ParentKey links a child hub (session) to its owner (identity).
	ParentKey ids.Key
	CreatedAt time.Time
}

// Version is one attribute snapshot. ValidTo is nil for the current version.
type Version struct {
	Satellite Satellite
	Key       ids.Key
	TenantKey ids.Key
	Seq       int64
	ValidFrom time.Time
	ValidTo   *time.Time
	Attrs     json.RawMessage
}

// Current reports whether v is the open version.
func (v Version) Current() bool { return v.ValidTo == nil }

// Initial is a satellite snapshot written together with a new hub.
type Initial struct {
	Satellite Satellite
	Attrs     json.RawMessage
}

// MutateFunc computes the successor attributes from the current version, which
// is nil when the entity has no version yet. It runs while the entity lock is
// held and must not call back into the store.
type MutateFunc func(cur *Version) (json.RawMessage, error)

// Store persists hubs and satellite versions.
type Store interface {
	// CreateHub inserts rec and its initial satellite versions atomically.
	CreateHub(ctx context.Context, rec HubRecord, initial ...Initial) error
	Hub(ctx context.Context, hub Hub, key ids.Key) (HubRecord, error)
	Children(ctx context.Context, hub Hub, parent ids.Key) ([]HubRecord, error)

	Current(ctx context.Context, sat Satellite, tenant, key ids.Key) (Version, error)
	// Update closes the current version and inserts its successor in one
	// atomic unit scoped to key. Both carry the same logical timestamp.
	Update(ctx context.Context, sat Satellite, tenant, key ids.Key, at time.Time, fn MutateFunc) (Version, error)
	History(ctx context.Context, sat Satellite, tenant, key ids.Key) ([]Version, error)

	Ping(ctx context.Context) error
	Close() error
}

// Append writes attrs as the new current version of key.
func Append(ctx context.Context, s Store, sat Satellite, tenant, key ids.Key, at time.Time, attrs json.RawMessage) (Version, error) {
	return s.Update(ctx, sat, tenant, key, at, func(*Version) (json.RawMessage, error) {
		return attrs, nil
	})
}

// successorTime keeps per-entity validity intervals strictly ordered even when
// the caller's clock is behind the stored history.
func successorTime(cur *Version, at time.Time) time.Time {
	at = at.UTC().Truncate(time.Microsecond)
	if cur != nil && !at.After(cur.ValidFrom) {
		return cur.ValidFrom.Add(time.Microsecond)
	}
	return at
}

func checkHubRecord(rec HubRecord, initial []Initial) error {
	if !rec.Hub.valid() || rec.Key == "" || rec.TenantKey == "" || rec.BusinessKey == "" {
		return errors.New("history: incomplete hub record")
	}
	for _, in := range initial {
		if !in.Satellite.valid() || in.Satellite.Hub() != rec.Hub {
			return errors.New("history: satellite does not belong to hub " + string(rec.Hub))
		}
	}
	return nil
}

package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bastion.dev/internal/ids"
)

var _ Store = (*Memory)(nil)

// Memory implements Store in process. Writers serialize on a per-entity mutex;
// the maps themselves are only locked for the copy in or out.
type Memory struct {
	mu       sync.RWMutex
	hubs     map[Hub]map[ids.Key]HubRecord
	business map[Hub]map[businessRef]ids.Key
	sats     map[Satellite]map[ids.Key][]Version

	locks sync.Map // hubLockKey -> *sync.Mutex
}

type businessRef struct {
	tenant ids.Key
	key    string
}

type hubLockKey struct {
	hub Hub
	key ids.Key
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		hubs:     make(map[Hub]map[ids.Key]HubRecord),
		business: make(map[Hub]map[businessRef]ids.Key),
		sats:     make(map[Satellite]map[ids.Key][]Version),
	}
}

func (m *Memory) CreateHub(ctx context.Context, rec HubRecord, initial ...Initial) error {
	if err := checkHubRecord(rec, initial); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hubs[rec.Hub] == nil {
		m.hubs[rec.Hub] = make(map[ids.Key]HubRecord)
		m.business[rec.Hub] = make(map[businessRef]ids.Key)
	}
	ref := businessRef{tenant: rec.TenantKey, key: rec.BusinessKey}
	if _, ok := m.hubs[rec.Hub][rec.Key]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.business[rec.Hub][ref]; ok {
		return ErrAlreadyExists
	}
	m.hubs[rec.Hub][rec.Key] = rec
	m.business[rec.Hub][ref] = rec.Key

	for _, in := range initial {
		if m.sats[in.Satellite] == nil {
			m.sats[in.Satellite] = make(map[ids.Key][]Version)
		}
		m.sats[in.Satellite][rec.Key] = []Version{{
			Satellite: in.Satellite,
			Key:       rec.Key,
			TenantKey: rec.TenantKey,
			Seq:       1,
			ValidFrom: rec.CreatedAt,
			Attrs:     cloneRaw(in.Attrs),
		}}
	}
	return nil
}

func (m *Memory) Hub(ctx context.Context, hub Hub, key ids.Key) (HubRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.hubs[hub][key]
	if !ok {
		return HubRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Children(ctx context.Context, hub Hub, parent ids.Key) ([]HubRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HubRecord
	for _, rec := range m.hubs[hub] {
		if rec.ParentKey == parent {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Current(ctx context.Context, sat Satellite, tenant, key ids.Key) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.currentLocked(sat, key)
	if !ok {
		return Version{}, ErrNotFound
	}
	if cur.TenantKey != tenant {
		return Version{}, ErrTenantMismatch
	}
	return cloneVersion(cur), nil
}

func (m *Memory) Update(ctx context.Context, sat Satellite, tenant, key ids.Key, at time.Time, fn MutateFunc) (Version, error) {
	if !sat.valid() {
		return Version{}, errors.New("history: unknown satellite " + string(sat))
	}
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	hub, err := m.Hub(ctx, sat.Hub(), key)
	if err != nil {
		return Version{}, err
	}
	if hub.TenantKey != tenant {
		return Version{}, ErrTenantMismatch
	}

	lock := m.entityLock(sat.Hub(), key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	cur, ok := m.currentLocked(sat, key)
	m.mu.RUnlock()

	var prev *Version
	if ok {
		c := cloneVersion(cur)
		prev = &c
	}
	attrs, err := fn(prev)
	if errors.Is(err, ErrSkip) {
		if prev == nil {
			return Version{}, ErrNotFound
		}
		return *prev, nil
	}
	if err != nil {
		return Version{}, err
	}

	ts := successorTime(prev, at)
	next := Version{
		Satellite: sat,
		Key:       key,
		TenantKey: tenant,
		Seq:       1,
		ValidFrom: ts,
		Attrs:     cloneRaw(attrs),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sats[sat] == nil {
		m.sats[sat] = make(map[ids.Key][]Version)
	}
	versions := m.sats[sat][key]
	if n := len(versions); n > 0 {
		closed := ts
		versions[n-1].ValidTo = &closed
		next.Seq = versions[n-1].Seq + 1
	}
	m.sats[sat][key] = append(versions, next)
	return cloneVersion(next), nil
}

func (m *Memory) History(ctx context.Context, sat Satellite, tenant, key ids.Key) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.sats[sat][key]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		if v.TenantKey != tenant {
			return nil, ErrTenantMismatch
		}
		out = append(out, cloneVersion(v))
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) currentLocked(sat Satellite, key ids.Key) (Version, bool) {
	versions := m.sats[sat][key]
	if len(versions) == 0 {
		return Version{}, false
	}
	last := versions[len(versions)-1]
	if last.ValidTo != nil {
		return Version{}, false
	}
	return last, true
}

func (m *Memory) entityLock(hub Hub, key ids.Key) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(hubLockKey{hub: hub, key: key}, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func cloneVersion(v Version) Version {
	v.Attrs = cloneRaw(v.Attrs)
	if v.ValidTo != nil {
		t := *v.ValidTo
		v.ValidTo = &t
	}
	return v
}

func cloneRaw(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

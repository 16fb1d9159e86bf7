package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bastion.dev/internal/ids"
)

// Record is a decoded Version.
type Record[T any] struct {
	Seq       int64
	ValidFrom time.Time
	ValidTo   *time.Time
	Attrs     T
}

// Table gives typed access to one satellite. Attributes are stored as JSON.
type Table[T any] struct {
	store Store
	sat   Satellite
}

func NewTable[T any](s Store, sat Satellite) Table[T] {
	return Table[T]{store: s, sat: sat}
}

// Satellite returns the underlying satellite name.
func (t Table[T]) Satellite() Satellite { return t.sat }

// Initial encodes attrs for use with Store.CreateHub.
func (t Table[T]) Initial(attrs T) (Initial, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return Initial{}, fmt.Errorf("encode %s: %w", t.sat, err)
	}
	return Initial{Satellite: t.sat, Attrs: raw}, nil
}

func (t Table[T]) Current(ctx context.Context, tenant, key ids.Key) (Record[T], error) {
	v, err := t.store.Current(ctx, t.sat, tenant, key)
	if err != nil {
		return Record[T]{}, err
	}
	return decode[T](v)
}

func (t Table[T]) Append(ctx context.Context, tenant, key ids.Key, at time.Time, attrs T) (Record[T], error) {
	return t.Update(ctx, tenant, key, at, func(*Record[T]) (T, error) { return attrs, nil })
}

// Update decodes the current version (nil when absent), lets fn derive the
// successor and appends it. fn may return ErrSkip.
func (t Table[T]) Update(ctx context.Context, tenant, key ids.Key, at time.Time, fn func(cur *Record[T]) (T, error)) (Record[T], error) {
	v, err := t.store.Update(ctx, t.sat, tenant, key, at, func(cur *Version) (json.RawMessage, error) {
		var prev *Record[T]
		if cur != nil {
			rec, err := decode[T](*cur)
			if err != nil {
				return nil, err
			}
			prev = &rec
		}
		next, err := fn(prev)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
	if err != nil {
		return Record[T]{}, err
	}
	return decode[T](v)
}

// History returns every version oldest first.
func (t Table[T]) History(ctx context.Context, tenant, key ids.Key) ([]Record[T], error) {
	versions, err := t.store.History(ctx, t.sat, tenant, key)
	if err != nil {
		return nil, err
	}
	out := make([]Record[T], 0, len(versions))
	for _, v := range versions {
		rec, err := decode[T](v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decode[T any](v Version) (Record[T], error) {
	rec := Record[T]{Seq: v.Seq, ValidFrom: v.ValidFrom, ValidTo: v.ValidTo}
	if err := json.Unmarshal(v.Attrs, &rec.Attrs); err != nil {
		return Record[T]{}, fmt.Errorf("decode %s seq %d: %w", v.Satellite, v.Seq, err)
	}
	return rec, nil
}

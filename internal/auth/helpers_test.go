package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/history"
	"bastion.dev/internal/migrate"
	"bastion.dev/migrations"
)

var testHasher = NewHasher(Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *captureRecorder) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *captureRecorder) ofType(eventType string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func openSQLite(t *testing.T) history.Store {
	t.Helper()
	s, err := history.OpenSQLite(":memory:", history.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	files, err := migrations.FS("sqlite")
	require.NoError(t, err)
	_, err = migrate.NewManager(s.DB(), "sqlite", files).Up(context.Background())
	require.NoError(t, err)
	return s
}

func stores() map[string]func(t *testing.T) history.Store {
	return map[string]func(t *testing.T) history.Store{
		"memory": func(*testing.T) history.Store { return history.NewMemory() },
		"sqlite": openSQLite,
	}
}

type fixture struct {
	svc   *Service
	clock *fakeClock
	rec   *captureRecorder
	store history.Store
}

// scenarioPolicy is the default policy with short secrets allowed.
func scenarioPolicy() SecurityPolicy {
	p := DefaultPolicy()
	p.MinSecretLength = 1
	return p
}

func newFixture(t *testing.T, store history.Store, opts ...ServiceOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	rec := &captureRecorder{}
	base := []ServiceOption{WithClock(clock.Now), WithHasher(testHasher), WithDefaultPolicy(scenarioPolicy())}
	svc, err := NewService(store, rec, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{svc: svc, clock: clock, rec: rec, store: store}
}

func (f *fixture) tenant(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.svc.CreateTenant(context.Background(), id, id+" Inc."))
}

func (f *fixture) identity(t *testing.T, tenantID, username, secret string) {
	t.Helper()
	_, err := f.svc.CreateIdentity(context.Background(), tenantID, NewIdentity{Username: username, Secret: secret})
	require.NoError(t, err)
}

func (f *fixture) current(t *testing.T, tenantID, username string) CredentialVersion {
	t.Helper()
	hist, err := f.svc.CredentialHistory(context.Background(), tenantID, username)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	last := hist[len(hist)-1]
	require.Nil(t, last.ValidTo)
	return last
}

func (f *fixture) login(t *testing.T, tenantID, username, secret string) LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), tenantID, username, secret, "203.0.113.7", "test-agent/1.0")
	require.NoError(t, err)
	return res
}

func sameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.Truef(t, want.Equal(got), "want %s, got %s", want, got)
}

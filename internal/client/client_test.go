package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/history"
	"bastion.dev/internal/httpapi"
)

const adminToken = "client-test-token"

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()

	svc, err := auth.NewService(history.NewMemory(), nil,
		auth.WithHasher(auth.NewHasher(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16})))
	require.NoError(t, err)
	api := httpapi.New(svc, nil, "test", httpapi.WithAdminToken(adminToken), httpapi.WithRateLimit(1000, 1000))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", append([]Option{WithHTTPClient(srv.Client()), WithAdmin(adminToken, "ops")}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestClientSessionLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Ready(ctx))
	require.NoError(t, c.CreateTenant(ctx, "acme", "Acme"))
	p, err := c.SetPolicy(ctx, "acme", auth.SecurityPolicy{
		LockoutThreshold: 2,
		LockoutDuration:  5 * time.Minute,
		SessionLifetime:  time.Hour,
		IdleTimeout:      0,
		MinSecretLength:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, p.LockoutThreshold)
	assert.Equal(t, time.Duration(0), p.IdleTimeout)

	key, err := c.CreateIdentity(ctx, "acme", auth.NewIdentity{Username: "alice", Secret: "hunter22"})
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	login, err := c.Login(ctx, "acme", "alice", "hunter22")
	require.NoError(t, err)
	require.True(t, login.Success)

	sess, err := c.ValidateSession(ctx, "acme", login.SessionToken)
	require.NoError(t, err)
	assert.True(t, sess.Valid)
	assert.Equal(t, "alice", sess.IdentityID)

	rev, err := c.RevokeSession(ctx, "acme", login.SessionToken)
	require.NoError(t, err)
	assert.True(t, rev.Success)

	sess, err = c.ValidateSession(ctx, "acme", login.SessionToken)
	require.NoError(t, err)
	assert.False(t, sess.Valid)
	assert.Equal(t, auth.MsgInvalidSession, sess.Reason)
}

func TestClientLockoutAndUnlock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.CreateTenant(ctx, "acme", ""))
	_, err := c.SetPolicy(ctx, "acme", auth.SecurityPolicy{
		LockoutThreshold: 2, LockoutDuration: time.Minute, SessionLifetime: time.Hour, MinSecretLength: 4,
	})
	require.NoError(t, err)
	_, err = c.CreateIdentity(ctx, "acme", auth.NewIdentity{Username: "alice", Secret: "hunter22"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := c.Login(ctx, "acme", "alice", "wrong")
		require.NoError(t, err)
		assert.Equal(t, auth.MsgInvalidCredentials, res.Message)
	}
	res, err := c.Login(ctx, "acme", "alice", "hunter22")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, auth.MsgAccountLocked, res.Message)

	unlock, err := c.AdminUnlock(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.True(t, unlock.Success)

	unlock, err = c.AdminUnlock(ctx, "acme", "ghost")
	require.NoError(t, err)
	assert.False(t, unlock.Success)

	versions, err := c.CredentialHistory(ctx, "acme", "alice")
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, auth.ReasonUnlock, versions[3].Reason)
	assert.Nil(t, versions[3].ValidTo)
}

func TestClientChangeSecretAndDeactivate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.CreateTenant(ctx, "acme", ""))
	_, err := c.CreateIdentity(ctx, "acme", auth.NewIdentity{Username: "alice", Secret: "hunter2222"})
	require.NoError(t, err)

	res, err := c.ChangeSecret(ctx, "acme", "alice", "hunter2222", "short")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, auth.MsgSecretPolicy, res.Message)

	res, err = c.ChangeSecret(ctx, "acme", "alice", "nope", "correct-horse")
	require.NoError(t, err)
	assert.False(t, res.Success)

	login, err := c.Login(ctx, "acme", "alice", "hunter2222")
	require.NoError(t, err)
	require.True(t, login.Success)

	res, err = c.ChangeSecret(ctx, "acme", "alice", "hunter2222", "correct-horse")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RevokedSessions)

	login, err = c.Login(ctx, "acme", "alice", "correct-horse")
	require.NoError(t, err)
	require.True(t, login.Success)

	revoked, err := c.DeactivateIdentity(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)
}

func TestClientMapsErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.CreateTenant(ctx, "acme", ""))

	err := c.CreateTenant(ctx, "acme", "")
	assert.ErrorIs(t, err, auth.ErrAlreadyExists)

	err = c.CreateTenant(ctx, "bad tenant", "")
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = c.DeactivateIdentity(ctx, "acme", "ghost")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NotEmpty(t, apiErr.RequestID)

	anon := newTestClient(t, WithAdmin("wrong", ""))
	err = anon.CreateTenant(ctx, "other", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{name: "validation", status: http.StatusBadRequest, want: auth.ErrValidation},
		{name: "not found", status: http.StatusNotFound, want: auth.ErrNotFound},
		{name: "exists", status: http.StatusConflict, msg: "already exists", want: auth.ErrAlreadyExists},
		{name: "conflict", status: http.StatusConflict, msg: "concurrent update, retry", want: auth.ErrConcurrencyConflict},
		{name: "forbidden", status: http.StatusForbidden, want: ErrForbidden},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := errorKind(tc.status, tc.msg); !errors.Is(got, tc.want) {
				t.Fatalf("errorKind(%d) = %v, want %v", tc.status, got, tc.want)
			}
		})
	}

	if got := errorKind(http.StatusInternalServerError, "internal error"); got != nil {
		t.Fatalf("5xx should not map to a sentinel, got %v", got)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://")
	assert.Error(t, err)
}

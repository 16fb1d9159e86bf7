package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"bastion.dev/internal/auth"
)

var (
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrForbidden    = errors.New("client: forbidden")
	ErrRateLimited  = errors.New("client: rate limited")
)

const maxResponseBytes = 1 << 20

// APIError is a non-domain failure reported by the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
	kind      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("bastion api: %d %s", e.Status, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.kind }

// Client talks to the bastion HTTP API.
type Client struct {
	base       *url.URL
	http       *http.Client
	adminToken string
	actor      string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAdmin sets the credentials sent on provisioning calls.
func WithAdmin(token, actor string) Option {
	return func(c *Client) {
		c.adminToken = token
		c.actor = actor
	}
}

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url: unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Login never fails for a rejected secret: the result carries Success=false.
func (c *Client) Login(ctx context.Context, tenantID, username, secret string) (auth.LoginResult, error) {
	var res auth.LoginResult
	status, body, err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "login"), false,
		map[string]string{"username": username, "secret": secret})
	if err != nil {
		return res, err
	}
	return res, decode(status, body, &res, http.StatusOK, http.StatusUnauthorized)
}

func (c *Client) ValidateSession(ctx context.Context, tenantID, token string) (auth.SessionResult, error) {
	var res auth.SessionResult
	status, body, err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "sessions", "validate"), false,
		map[string]string{"token": token})
	if err != nil {
		return res, err
	}
	return res, decode(status, body, &res, http.StatusOK, http.StatusUnauthorized)
}

func (c *Client) RevokeSession(ctx context.Context, tenantID, token string) (auth.RevokeResult, error) {
	var res auth.RevokeResult
	status, body, err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "sessions", "revoke"), false,
		map[string]string{"token": token})
	if err != nil {
		return res, err
	}
	return res, decode(status, body, &res, http.StatusOK)
}

// ChangeSecret reports policy rejections and wrong old secrets in the result.
func (c *Client) ChangeSecret(ctx context.Context, tenantID, username, oldSecret, newSecret string) (auth.ChangeResult, error) {
	var res auth.ChangeResult
	status, body, err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "identities", username, "secret"), false,
		map[string]string{"old_secret": oldSecret, "new_secret": newSecret})
	if err != nil {
		return res, err
	}
	if status == http.StatusBadRequest {
		if json.Unmarshal(body, &res) == nil && res.Message != "" {
			return res, nil
		}
		return res, apiError(status, body)
	}
	return res, decode(status, body, &res, http.StatusOK, http.StatusUnauthorized)
}

func (c *Client) CreateTenant(ctx context.Context, tenantID, displayName string) error {
	status, body, err := c.do(ctx, http.MethodPost, "/v1/tenants", true,
		map[string]string{"tenant_id": tenantID, "display_name": displayName})
	if err != nil {
		return err
	}
	return decode(status, body, nil, http.StatusCreated)
}

type policyBody struct {
	LockoutThreshold int    `json:"lockout_threshold"`
	LockoutDuration  string `json:"lockout_duration"`
	SessionLifetime  string `json:"session_lifetime"`
	IdleTimeout      string `json:"idle_timeout"`
	MinSecretLength  int    `json:"min_secret_length"`
}

func (b policyBody) policy() (auth.SecurityPolicy, error) {
	p := auth.SecurityPolicy{LockoutThreshold: b.LockoutThreshold, MinSecretLength: b.MinSecretLength}
	var err error
	if p.LockoutDuration, err = time.ParseDuration(b.LockoutDuration); err != nil {
		return p, fmt.Errorf("lockout_duration: %w", err)
	}
	if p.SessionLifetime, err = time.ParseDuration(b.SessionLifetime); err != nil {
		return p, fmt.Errorf("session_lifetime: %w", err)
	}
	if p.IdleTimeout, err = time.ParseDuration(b.IdleTimeout); err != nil {
		return p, fmt.Errorf("idle_timeout: %w", err)
	}
	return p, nil
}

func (c *Client) Policy(ctx context.Context, tenantID string) (auth.SecurityPolicy, error) {
	status, body, err := c.do(ctx, http.MethodGet, tenantPath(tenantID, "policy"), true, nil)
	if err != nil {
		return auth.SecurityPolicy{}, err
	}
	var out policyBody
	if err := decode(status, body, &out, http.StatusOK); err != nil {
		return auth.SecurityPolicy{}, err
	}
	return out.policy()
}

// SetPolicy stores p and returns the effective policy.
func (c *Client) SetPolicy(ctx context.Context, tenantID string, p auth.SecurityPolicy) (auth.SecurityPolicy, error) {
	in := policyBody{
		LockoutThreshold: p.LockoutThreshold,
		LockoutDuration:  p.LockoutDuration.String(),
		SessionLifetime:  p.SessionLifetime.String(),
		IdleTimeout:      p.IdleTimeout.String(),
		MinSecretLength:  p.MinSecretLength,
	}
	status, body, err := c.do(ctx, http.MethodPut, tenantPath(tenantID, "policy"), true, in)
	if err != nil {
		return auth.SecurityPolicy{}, err
	}
	var out policyBody
	if err := decode(status, body, &out, http.StatusOK); err != nil {
		return auth.SecurityPolicy{}, err
	}
	return out.policy()
}

// CreateIdentity returns the derived identity key.
func (c *Client) CreateIdentity(ctx context.Context, tenantID string, in auth.NewIdentity) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "identities"), true, in)
	if err != nil {
		return "", err
	}
	var out struct {
		IdentityKey string `json:"identity_key"`
	}
	if err := decode(status, body, &out, http.StatusCreated); err != nil {
		return "", err
	}
	return out.IdentityKey, nil
}

// DeactivateIdentity returns the number of sessions it revoked.
func (c *Client) DeactivateIdentity(ctx context.Context, tenantID, username string) (int, error) {
	status, body, err := c.do(ctx, http.MethodDelete, tenantPath(tenantID, "identities", username), true, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		RevokedSessions int `json:"revoked_sessions"`
	}
	if err := decode(status, body, &out, http.StatusOK); err != nil {
		return 0, err
	}
	return out.RevokedSessions, nil
}

// AdminUnlock reports an unknown identity as Success=false.
func (c *Client) AdminUnlock(ctx context.Context, tenantID, username string) (auth.UnlockResult, error) {
	var res auth.UnlockResult
	status, body, err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "identities", username, "unlock"), true, nil)
	if err != nil {
		return res, err
	}
	return res, decode(status, body, &res, http.StatusOK, http.StatusNotFound)
}

func (c *Client) CredentialHistory(ctx context.Context, tenantID, username string) ([]auth.CredentialVersion, error) {
	status, body, err := c.do(ctx, http.MethodGet, tenantPath(tenantID, "identities", username, "history"), true, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Versions []auth.CredentialVersion `json:"versions"`
	}
	if err := decode(status, body, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Ready returns nil once the server reports its store reachable.
func (c *Client) Ready(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/readyz", false, nil)
	if err != nil {
		return err
	}
	return decode(status, body, nil, http.StatusOK)
}

// Helpers -----------------------------------------------------------------

func tenantPath(tenantID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/v1/tenants/")
	b.WriteString(url.PathEscape(tenantID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, method, path string, admin bool, in any) (int, []byte, error) {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), payload)
	if err != nil {
		return 0, nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if admin {
		req.Header.Set("X-Admin-Token", c.adminToken)
		if c.actor != "" {
			req.Header.Set("X-Admin-Actor", c.actor)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func decode(status int, body []byte, out any, ok ...int) error {
	if !slices.Contains(ok, status) {
		return apiError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %d response: %w", status, err)
	}
	return nil
}

func apiError(status int, body []byte) error {
	var env struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(body, &env)
	if env.Error == "" {
		env.Error = http.StatusText(status)
	}
	return &APIError{Status: status, Message: env.Error, RequestID: env.RequestID, kind: errorKind(status, env.Error)}
}

// errorKind maps a response back onto the service's sentinel errors.
func errorKind(status int, msg string) error {
	switch status {
	case http.StatusBadRequest:
		return auth.ErrValidation
	case http.StatusNotFound:
		return auth.ErrNotFound
	case http.StatusConflict:
		if strings.Contains(msg, "concurrent") {
			return auth.ErrConcurrencyConflict
		}
		return auth.ErrAlreadyExists
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

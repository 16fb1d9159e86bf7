package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"bastion.dev/internal/auth"
)

type createTenantRequest struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
}

// policyDTO carries durations as Go duration strings ("15m").
type policyDTO struct {
	LockoutThreshold int    `json:"lockout_threshold"`
	LockoutDuration  string `json:"lockout_duration"`
	SessionLifetime  string `json:"session_lifetime"`
	IdleTimeout      string `json:"idle_timeout"`
	MinSecretLength  int    `json:"min_secret_length"`
}

func policyToDTO(p auth.SecurityPolicy) policyDTO {
	return policyDTO{
		LockoutThreshold: p.LockoutThreshold,
		LockoutDuration:  p.LockoutDuration.String(),
		SessionLifetime:  p.SessionLifetime.String(),
		IdleTimeout:      p.IdleTimeout.String(),
		MinSecretLength:  p.MinSecretLength,
	}
}

func (d policyDTO) policy() (auth.SecurityPolicy, error) {
	p := auth.SecurityPolicy{LockoutThreshold: d.LockoutThreshold, MinSecretLength: d.MinSecretLength}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"lockout_duration", d.LockoutDuration, &p.LockoutDuration},
		{"session_lifetime", d.SessionLifetime, &p.SessionLifetime},
		{"idle_timeout", d.IdleTimeout, &p.IdleTimeout},
	} {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return p, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return p, nil
}

type credentialVersionDTO struct {
	Seq            int64      `json:"seq"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidTo        *time.Time `json:"valid_to,omitempty"`
	Algorithm      string     `json:"algorithm"`
	FailedAttempts int        `json:"failed_attempts"`
	Locked         bool       `json:"locked"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	ForceChange    bool       `json:"force_change"`
	Reason         string     `json:"reason"`
}

func (a *API) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.CreateTenant(r.Context(), req.TenantID, req.DisplayName); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tenant_id": req.TenantID})
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Policy(r.Context(), pathVar(r, "tenant"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyToDTO(p))
}

func (a *API) setPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := req.policy()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := a.svc.SetPolicy(r.Context(), pathVar(r, "tenant"), p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policyToDTO(stored))
}

func (a *API) createIdentity(w http.ResponseWriter, r *http.Request) {
	var req auth.NewIdentity
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := a.svc.CreateIdentity(r.Context(), pathVar(r, "tenant"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"username":     req.Username,
		"identity_key": key.String(),
	})
}

func (a *API) deactivateIdentity(w http.ResponseWriter, r *http.Request) {
	revoked, err := a.svc.DeactivateIdentity(r.Context(), pathVar(r, "tenant"), pathVar(r, "username"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": revoked})
}

func (a *API) unlock(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.AdminUnlock(r.Context(), pathVar(r, "tenant"), pathVar(r, "username"), "")
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	versions, err := a.svc.CredentialHistory(r.Context(), pathVar(r, "tenant"), pathVar(r, "username"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]credentialVersionDTO, 0, len(versions))
	for _, v := range versions {
		out = append(out, credentialVersionDTO{
			Seq:            v.Seq,
			ValidFrom:      v.ValidFrom,
			ValidTo:        v.ValidTo,
			Algorithm:      string(v.Algorithm),
			FailedAttempts: v.FailedAttempts,
			Locked:         v.Locked,
			LockedUntil:    v.LockedUntil,
			ForceChange:    v.ForceChange,
			Reason:         v.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": out})
}

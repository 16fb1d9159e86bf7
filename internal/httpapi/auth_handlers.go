package httpapi

import (
	"errors"
	"net/http"
	"time"

	"bastion.dev/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type changeSecretRequest struct {
	OldSecret string `json:"old_secret"`
	NewSecret string `json:"new_secret"`
}

type sessionResponse struct {
	Valid      bool      `json:"valid"`
	IdentityID string    `json:"identity_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Reason     string    `json:"reason,omitempty"`
}

const maxClientIP = 64

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ip := clientIP(r)
	if len(ip) > maxClientIP {
		ip = ip[:maxClientIP]
	}
	ua := r.UserAgent()
	if len(ua) > 512 {
		ua = ua[:512]
	}
	res, err := a.svc.Login(r.Context(), pathVar(r, "tenant"), req.Username, req.Secret, ip, ua)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusUnauthorized, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sessionToken reads the token from the body or, when the body is empty,
// from the Authorization header.
func sessionToken(r *http.Request) (string, error) {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" && r.ContentLength <= 0 {
		return token, nil
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	if req.Token == "" {
		return "", errors.New("token is required")
	}
	return req.Token, nil
}

func (a *API) validateSession(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.ValidateSession(r.Context(), pathVar(r, "tenant"), token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := sessionResponse{Valid: res.Valid, IdentityID: res.IdentityID, ExpiresAt: res.ExpiresAt, Reason: res.Reason}
	if !res.Valid {
		writeJSON(w, http.StatusUnauthorized, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.RevokeSession(r.Context(), pathVar(r, "tenant"), token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) changeSecret(w http.ResponseWriter, r *http.Request) {
	var req changeSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.ChangeSecret(r.Context(), pathVar(r, "tenant"), pathVar(r, "username"), req.OldSecret, req.NewSecret)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(res.Cause, auth.ErrValidation):
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusUnauthorized, res)
	}
}

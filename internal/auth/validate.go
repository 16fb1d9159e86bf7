package auth

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxTenantIDLen  = 64
	maxUsernameLen  = 128
	maxSecretLen    = 1024
	maxTokenLen     = 128
	maxIPLen        = 64
	maxUserAgentLen = 512
	maxActorLen     = 128
	maxNameLen      = 256
)

// ValidateTenantID accepts ASCII letters, digits, '.', '_' and '-'. Ids that
// start with '~' are reserved for internal key scopes.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if len(id) > maxTenantIDLen {
		return fmt.Errorf("%w: tenant id exceeds %d bytes", ErrValidation, maxTenantIDLen)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: tenant id contains %q", ErrValidation, r)
		}
	}
	return nil
}

// ValidateUsername rejects empty, oversized, padded or control-character names.
func ValidateUsername(name string) error {
	return checkText("username", name, maxUsernameLen, true)
}

func validateSecret(field, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if len(secret) > maxSecretLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, maxSecretLen)
	}
	return nil
}

func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: session token is required", ErrValidation)
	}
	if len(token) > maxTokenLen {
		return fmt.Errorf("%w: session token exceeds %d bytes", ErrValidation, maxTokenLen)
	}
	return nil
}

func validateMeta(meta ClientMeta) error {
	if err := checkText("ip", meta.IP, maxIPLen, false); err != nil {
		return err
	}
	return checkText("user agent", meta.UserAgent, maxUserAgentLen, false)
}

func checkText(field, v string, max int, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%w: %s is required", ErrValidation, field)
		}
		return nil
	}
	if len(v) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, max)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrValidation, field)
	}
	if required && strings.TrimSpace(v) != v {
		return fmt.Errorf("%w: %s has leading or trailing whitespace", ErrValidation, field)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control characters", ErrValidation, field)
		}
	}
	return nil
}

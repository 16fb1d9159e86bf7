package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// keyVersion is mixed into every derivation so the scheme can be replaced
// without colliding with keys produced by the current one.
const keyVersion = "bastion/key/v1"

// Scopes that are not tenants. They cannot collide with tenant ids because
// tenant ids are rejected when they start with '~'.
const (
	RootScope    = "~root"
	SessionScope = "~session"
)

// Key is a derived, tenant-scoped storage key rendered as lowercase hex.
type Key string

func (k Key) String() string { return string(k) }

// Short returns a prefix suitable for log lines.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// DeriveKey computes the storage key of businessKey inside tenantID. It is pure
// and deterministic: the same pair always yields the same key, and the same
// business key under two tenants yields two unrelated keys.
func DeriveKey(tenantID, businessKey string) Key {
	h := sha256.New()
	writeField(h, keyVersion)
	writeField(h, tenantID)
	writeField(h, businessKey)
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// TenantKey is the key of the tenant hub itself.
func TenantKey(tenantID string) Key {
	return DeriveKey(RootScope, tenantID)
}

// length-prefixed so ("ab","c") and ("a","bc") never hash alike
func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

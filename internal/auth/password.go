package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Algorithm tags the hash scheme of a stored secret.
type Algorithm string

const (
	// AlgArgon2id is the current scheme; new and re-hashed secrets use it.
	AlgArgon2id Algorithm = "argon2id"
	// AlgBcrypt and AlgSHA256 are accepted for verification only.
	AlgBcrypt Algorithm = "bcrypt"
	AlgSHA256 Algorithm = "sha256"
)

var errMalformedHash = errors.New("auth: malformed secret hash")

// Argon2Params tunes argon2id.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
var DefaultArgon2Params = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}

// Hasher hashes new secrets with argon2id and verifies every supported scheme.
type Hasher struct {
	params Argon2Params
}

func NewHasher(p Argon2Params) Hasher {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 || p.KeyLen == 0 || p.SaltLen == 0 {
		p = DefaultArgon2Params
	}
	return Hasher{params: p}
}

// Hash returns the argon2id encoding of secret in PHC string format.
func (h Hasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := h.params
	key := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify compares secret with encoded in constant time using alg.
func (h Hasher) Verify(alg Algorithm, encoded, secret string) (bool, error) {
	if encoded == "" {
		return false, errMalformedHash
	}
	switch alg {
	case AlgArgon2id:
		p, salt, key, err := decodeArgon2(encoded)
		if err != nil {
			return false, err
		}
		got := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
		return subtle.ConstantTimeCompare(got, key) == 1, nil
	case AlgBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(secret))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	case AlgSHA256:
		salt, sum, ok := strings.Cut(encoded, "$")
		if !ok {
			return false, errMalformedHash
		}
		want, err := hex.DecodeString(sum)
		if err != nil {
			return false, errMalformedHash
		}
		got := legacyDigest(salt, secret)
		return subtle.ConstantTimeCompare(got[:], want) == 1, nil
	}
	return false, fmt.Errorf("auth: unsupported hash algorithm %q", alg)
}

// NeedsRehash reports whether a verified secret should be re-encoded with
// the current algorithm and parameters.
func (h Hasher) NeedsRehash(alg Algorithm, encoded string) bool {
	if alg != AlgArgon2id {
		return true
	}
	p, _, key, err := decodeArgon2(encoded)
	if err != nil {
		return true
	}
	return p.Time != h.params.Time || p.Memory != h.params.Memory ||
		p.Threads != h.params.Threads || uint32(len(key)) != h.params.KeyLen
}

// HashBcrypt produces a bcrypt hash. Only used to import and test legacy credentials.
func HashBcrypt(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashLegacySHA256 produces the salted "salt$hex(sha256(salt||secret))" encoding
// of the previous generation of credentials.
func HashLegacySHA256(salt, secret string) string {
	sum := legacyDigest(salt, secret)
	return salt + "$" + hex.EncodeToString(sum[:])
}

func legacyDigest(salt, secret string) [sha256.Size]byte {
	return sha256.Sum256([]byte(salt + secret))
}

// SupportedAlgorithm reports whether alg can be verified.
func SupportedAlgorithm(alg Algorithm) bool {
	switch alg {
	case AlgArgon2id, AlgBcrypt, AlgSHA256:
		return true
	}
	return false
}

func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, nil, errMalformedHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

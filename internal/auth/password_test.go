package auth

import (
	"strings"
	"testing"
)

func TestHasherArgon2RoundTrip(t *testing.T) {
	hash, err := testHasher.Hash("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("unexpected encoding %q", hash)
	}
	ok, err := testHasher.Verify(AlgArgon2id, hash, "correct horse")
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	ok, err = testHasher.Verify(AlgArgon2id, hash, "battery staple")
	if err != nil || ok {
		t.Fatalf("wrong secret verified: ok=%v err=%v", ok, err)
	}
	other, _ := testHasher.Hash("correct horse")
	if other == hash {
		t.Fatal("salts must differ between hashes")
	}
	if testHasher.NeedsRehash(AlgArgon2id, hash) {
		t.Fatal("hash with current params should not need rehash")
	}
	if !NewHasher(DefaultArgon2Params).NeedsRehash(AlgArgon2id, hash) {
		t.Fatal("hash with weaker params should need rehash")
	}
}

func TestHasherLegacyAlgorithms(t *testing.T) {
	bc, err := HashBcrypt("legacy", 4)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cases := []struct {
		name string
		alg  Algorithm
		hash string
	}{
		{"bcrypt", AlgBcrypt, bc},
		{"sha256", AlgSHA256, HashLegacySHA256("NaCl", "legacy")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := testHasher.Verify(tc.alg, tc.hash, "legacy")
			if err != nil || !ok {
				t.Fatalf("verify: ok=%v err=%v", ok, err)
			}
			ok, err = testHasher.Verify(tc.alg, tc.hash, "Legacy")
			if err != nil || ok {
				t.Fatalf("wrong secret verified: ok=%v err=%v", ok, err)
			}
			if !testHasher.NeedsRehash(tc.alg, tc.hash) {
				t.Fatal("deprecated algorithms always need rehash")
			}
		})
	}
}

func TestHasherRejectsMalformed(t *testing.T) {
	cases := []struct {
		alg  Algorithm
		hash string
	}{
		{AlgArgon2id, ""},
		{AlgArgon2id, "$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$a2V5"},
		{AlgArgon2id, "$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5"},
		{AlgArgon2id, "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$"},
		{AlgSHA256, "no-separator"},
		{AlgSHA256, "salt$not-hex"},
		{Algorithm("md5"), "abc"},
	}
	for _, tc := range cases {
		if ok, err := testHasher.Verify(tc.alg, tc.hash, "secret"); err == nil || ok {
			t.Errorf("%s %q: expected error, got ok=%v err=%v", tc.alg, tc.hash, ok, err)
		}
	}
}

func TestSupportedAlgorithm(t *testing.T) {
	for _, alg := range []Algorithm{AlgArgon2id, AlgBcrypt, AlgSHA256} {
		if !SupportedAlgorithm(alg) {
			t.Errorf("%s should be supported", alg)
		}
	}
	if SupportedAlgorithm("scrypt") {
		t.Error("scrypt is not supported")
	}
}

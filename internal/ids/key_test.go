package ids

import (
	"strings"
	"testing"
	"time"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("T1", "alice")
	b := DeriveKey("T1", "alice")
	if a != b {
		t.Fatalf("expected identical keys, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if strings.ToLower(string(a)) != string(a) {
		t.Fatalf("expected lowercase hex: %s", a)
	}
}

func TestDeriveKeyTenantScoped(t *testing.T) {
	if DeriveKey("T1", "alice") == DeriveKey("T2", "alice") {
		t.Fatal("same business key in different tenants must not collide")
	}
}

func TestDeriveKeyFieldBoundaries(t *testing.T) {
	cases := [][2][2]string{
		{{"ab", "c"}, {"a", "bc"}},
		{{"", "abc"}, {"abc", ""}},
		{{"T1", "alice"}, {"T1alice", ""}},
	}
	for _, c := range cases {
		if DeriveKey(c[0][0], c[0][1]) == DeriveKey(c[1][0], c[1][1]) {
			t.Fatalf("boundary collision between %v and %v", c[0], c[1])
		}
	}
}

func TestTenantKeyDiffersFromIdentityKey(t *testing.T) {
	if TenantKey("T1") == DeriveKey("T1", "T1") {
		t.Fatal("tenant key must live in its own scope")
	}
	if TenantKey("T1") != DeriveKey(RootScope, "T1") {
		t.Fatal("tenant key must be derived under the root scope")
	}
}

func TestNewIsSortable(t *testing.T) {
	base := time.Now()
	first := NewAt(base)
	second := NewAt(base.Add(time.Millisecond))
	if !(first < second) {
		t.Fatalf("expected %s < %s", first, second)
	}
	if New() == New() {
		t.Fatal("expected unique ids")
	}
}

func TestKeyShort(t *testing.T) {
	k := DeriveKey("T1", "alice")
	if got := k.Short(); len(got) != 12 || !strings.HasPrefix(string(k), got) {
		t.Fatalf("unexpected short key %q", got)
	}
	if Key("abc").Short() != "abc" {
		t.Fatal("short keys are returned unchanged")
	}
}

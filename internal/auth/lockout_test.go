package auth

import (
	"testing"
	"time"
)

func TestLockoutTransitions(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	var c Credential
	for i := 1; i < p.LockoutThreshold; i++ {
		var locked bool
		c, locked = applyFailure(c, p, now)
		if locked {
			t.Fatalf("failure %d locked below threshold", i)
		}
		if st := lockState(c, now); st.Locked || st.Attempts != i {
			t.Fatalf("after %d failures: %+v", i, st)
		}
	}
	c, locked := applyFailure(c, p, now)
	if !locked {
		t.Fatal("threshold failure did not lock")
	}
	if c.Reason != ReasonLockout || c.FailedAttempts != p.LockoutThreshold {
		t.Fatalf("unexpected credential %+v", c)
	}
	st := lockState(c, now)
	if !st.Locked || !st.Until.Equal(now.Add(p.LockoutDuration)) {
		t.Fatalf("expected Locked(now+duration), got %+v", st)
	}

	again, lockedAgain := applyFailure(c, p, now.Add(time.Minute))
	if lockedAgain || again.FailedAttempts != c.FailedAttempts {
		t.Fatalf("failure while locked must not change state: %+v", again)
	}

	expiry := now.Add(p.LockoutDuration)
	if !lockState(c, expiry.Add(-time.Nanosecond)).Locked {
		t.Fatal("lock should hold until its expiry")
	}
	if st := lockState(c, expiry); st.Locked || st.Attempts != 0 {
		t.Fatalf("expired lock should read Active(0), got %+v", st)
	}

	after, lockedAfter := applyFailure(c, p, expiry)
	if lockedAfter || after.FailedAttempts != 1 || after.Locked {
		t.Fatalf("failure after expiry should start at Active(1): %+v", after)
	}
}

func TestLockoutSuccessAndUnlock(t *testing.T) {
	p := DefaultPolicy()
	p.LockoutThreshold = 1
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	locked, ok := applyFailure(Credential{SecretHash: "h"}, p, now)
	if !ok {
		t.Fatal("threshold 1 should lock on the first failure")
	}

	unlocked := applyUnlock(locked)
	if unlocked.Locked || unlocked.LockedUntil != nil || unlocked.FailedAttempts != 0 || unlocked.Reason != ReasonUnlock {
		t.Fatalf("unlock did not reset: %+v", unlocked)
	}
	if unlocked.SecretHash != "h" {
		t.Fatal("unlock must keep the secret")
	}
	if twice := applyUnlock(unlocked); twice != unlocked {
		t.Fatalf("unlock should be idempotent: %+v vs %+v", twice, unlocked)
	}

	partial := Credential{FailedAttempts: 3}
	success := applySuccess(partial, now)
	if success.FailedAttempts != 0 || success.Reason != ReasonSuccess {
		t.Fatalf("success did not reset: %+v", success)
	}
	if success.LastLoginAt == nil || !success.LastLoginAt.Equal(now) {
		t.Fatalf("last login not stamped: %+v", success.LastLoginAt)
	}
}

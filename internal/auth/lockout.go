package auth

import "time"

// LockState is the lockout state machine's view of a credential:
// Active(Attempts) or Locked(Until).
type LockState struct {
	Locked   bool
	Attempts int
	Until    time.Time
}

// lockState evaluates c at now. A lock whose expiry has passed reads as
// Active(0) without anything being written.
func lockState(c Credential, now time.Time) LockState {
	if c.Locked {
		if c.LockedUntil != nil && now.Before(*c.LockedUntil) {
			return LockState{Locked: true, Attempts: c.FailedAttempts, Until: *c.LockedUntil}
		}
		return LockState{}
	}
	return LockState{Attempts: c.FailedAttempts}
}

// applyFailure is Active(n) -> Active(n+1), or Locked(now+duration) once
// n+1 reaches the threshold. The second return value reports the lock.
func applyFailure(c Credential, p SecurityPolicy, now time.Time) (Credential, bool) {
	st := lockState(c, now)
	if st.Locked {
		return c, false
	}
	at := now
	c.LastFailureAt = &at
	n := st.Attempts + 1
	if n >= p.LockoutThreshold {
		until := now.Add(p.LockoutDuration)
		c.FailedAttempts = n
		c.Locked = true
		c.LockedUntil = &until
		c.Reason = ReasonLockout
		return c, true
	}
	c.FailedAttempts = n
	c.Locked = false
	c.LockedUntil = nil
	c.Reason = ReasonFailure
	return c, false
}

// applySuccess resets any state to Active(0).
func applySuccess(c Credential, now time.Time) Credential {
	at := now
	c.FailedAttempts = 0
	c.Locked = false
	c.LockedUntil = nil
	c.LastLoginAt = &at
	c.Reason = ReasonSuccess
	return c
}

// applyUnlock is the administrative override to Active(0). Applying it to an
// unlocked credential yields the same state.
func applyUnlock(c Credential) Credential {
	c.FailedAttempts = 0
	c.Locked = false
	c.LockedUntil = nil
	c.Reason = ReasonUnlock
	return c
}

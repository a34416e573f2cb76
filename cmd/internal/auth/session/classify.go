package session

import "time"

// credentialState is the explicit rotation state machine. The durable store
// persists it as nullable timestamps; classification happens in one place so
// the rotation branches stay exhaustive.
type credentialState int

const (
	// stateLive: revoked_at is null and expires_at is in the future.
	stateLive credentialState = iota
	// stateExpired: revoked_at is null but expires_at has passed.
	stateExpired
	// stateRevoked: revoked_at is set. Presenting such a credential again is a
	// reuse signal regardless of expiry, so this check runs first.
	stateRevoked
)

func (s credentialState) String() string {
	switch s {
	case stateLive:
		return "live"
	case stateExpired:
		return "expired"
	case stateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// classifyCredential maps a single consistent read of a credential row to its
// rotation state. It is pure: the caller applies the matching store mutation.
func classifyCredential(c Credential, now time.Time) credentialState {
	switch {
	case c.RevokedAt != nil:
		return stateRevoked
	case !c.ExpiresAt.After(now):
		return stateExpired
	default:
		return stateLive
	}
}

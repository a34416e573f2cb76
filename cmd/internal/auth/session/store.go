package session

import (
	"context"
	"net"
	"time"
)

// Platform represents the client platform associated with a session.
type Platform string

const (
	// PlatformWeb is a browser-based session.
	PlatformWeb Platform = "web"
	// PlatformDesktop is a desktop client session.
	PlatformDesktop Platform = "desktop"
	// PlatformMobile is a mobile client session.
	PlatformMobile Platform = "mobile"
	// PlatformUnknown is used when the client platform is not known.
	PlatformUnknown Platform = "unknown"
)

// Revocation reasons persisted alongside tombstones.
const (
	ReasonRotation  = "rotation"
	ReasonReuse     = "reuse_detected"
	ReasonLogout    = "logout"
	ReasonLogoutAll = "logout_all"
)

// DeviceContext describes the client device behind an issuance or rotation.
// It is display-only metadata; no policy depends on it.
type DeviceContext struct {
	Platform   Platform
	AgentLabel string
	OriginAddr net.IP
}

// Credential mirrors a paperbase.refresh_credentials row.
//
// SecretHash is the only persisted trace of the bearer secret; the raw secret
// is never stored. RevokedAt doubles as the tombstone marker: revoked rows are
// retained until the sweeper removes them so replay of their secret stays
// detectable.
type Credential struct {
	ID            string
	OwnerID       string
	SecretHash    string
	DeviceLabel   *string
	OriginAddress *string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	ReplacedByID  *string
}

// Session mirrors a paperbase.sessions row. A session exists iff its paired
// credential is live; the pairing is 1:1 and a rotation supersedes the old
// session with a new row instead of mutating it.
type Session struct {
	ID            string
	OwnerID       string
	CredentialID  string
	OriginAddress *string
	AgentLabel    *string
	Platform      Platform
	CreatedAt     time.Time
	LastActiveAt  time.Time
}

// SessionView is the user-facing projection returned by ListSessions.
type SessionView struct {
	ID            string
	OriginAddress *string
	AgentLabel    *string
	Platform      Platform
	CreatedAt     time.Time
	LastActiveAt  time.Time
	Current       bool
}

// Store abstracts persistence for credentials and sessions.
//
// Implementations must make GetCredentialBySecretHashForUpdate a lock-on-read
// (SELECT ... FOR UPDATE or equivalent) inside WithinRotation, so that two
// rotations presenting the same secret serialize and exactly one wins.
type Store interface {
	// WithinRotation runs fn against a transactional view of the store.
	// A nil return from fn commits; any error rolls back all of fn's writes.
	WithinRotation(ctx context.Context, fn func(Store) error) error

	// CreatePair inserts a new credential row and its paired session row.
	CreatePair(ctx context.Context, now time.Time, ownerID string, dev DeviceContext, secretHash string, expiresAt time.Time) (Credential, Session, error)

	// GetCredentialBySecretHashForUpdate loads a credential by secret hash and
	// locks it for the remainder of the enclosing rotation.
	// Returns ErrInvalidCredential when no row matches.
	GetCredentialBySecretHashForUpdate(ctx context.Context, secretHash string) (Credential, error)

	// MarkRotated tombstones the old credential and links it to its replacement.
	MarkRotated(ctx context.Context, now time.Time, credentialID, replacedByID string) error

	// RevokeSessionCredential revokes the live credential paired with the given
	// session, only when the session belongs to ownerID. Reports whether a row
	// was affected; ownership failures and absent rows look identical.
	RevokeSessionCredential(ctx context.Context, now time.Time, ownerID, sessionID, reason string) (bool, error)

	// RevokeCredential revokes a single live credential owned by ownerID.
	RevokeCredential(ctx context.Context, now time.Time, ownerID, credentialID, reason string) (bool, error)

	// RevokeAllForOwner revokes every live credential of ownerID in a single
	// statement and returns the number of rows affected.
	RevokeAllForOwner(ctx context.Context, now time.Time, ownerID, reason string) (int64, error)

	// ListLiveSessions returns sessions whose paired credential is live,
	// ordered by last_active_at descending.
	ListLiveSessions(ctx context.Context, now time.Time, ownerID string) ([]Session, error)

	// TouchByCredential updates last_active_at on the session paired with the
	// given credential.
	TouchByCredential(ctx context.Context, now time.Time, credentialID string) error

	// SweepTombstones deletes credential rows that are expired or have been
	// revoked for longer than retention, cascading to their sessions.
	SweepTombstones(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

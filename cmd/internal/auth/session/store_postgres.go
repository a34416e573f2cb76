package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same row
// operations serve pooled calls and rotation transactions.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store over paperbase.refresh_credentials and
// paperbase.sessions.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgQuerier
}

// NewPostgresStore creates a Postgres-backed credential/session store.
// The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// WithinRotation runs fn inside a single read-committed transaction with the
// row lock taken by GetCredentialBySecretHashForUpdate held until commit.
func (s *PostgresStore) WithinRotation(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{pool: s.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreatePair inserts a credential row and its paired session row.
func (s *PostgresStore) CreatePair(ctx context.Context, now time.Time, ownerID string, dev DeviceContext, secretHash string, expiresAt time.Time) (Credential, Session, error) {
	credID := ulid.Make().String()
	sessID := ulid.Make().String()

	origin := originPtr(dev)
	agent := nullablePtr(dev.AgentLabel)

	_, err := s.q.Exec(ctx, `
		INSERT INTO paperbase.refresh_credentials (
			id, owner_id, secret_hash,
			device_label, origin_address,
			issued_at, expires_at, revoked_at, replaced_by_id, revocation_reason
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, NULL, NULL, NULL
		)
	`, credID, ownerID, secretHash, agent, origin, now, expiresAt)
	if err != nil {
		return Credential{}, Session{}, err
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO paperbase.sessions (
			id, owner_id, credential_id,
			origin_address, agent_label, platform,
			created_at, last_active_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $7
		)
	`, sessID, ownerID, credID, origin, agent, string(normalizedPlatform(dev.Platform)), now)
	if err != nil {
		return Credential{}, Session{}, err
	}

	cred := Credential{
		ID:            credID,
		OwnerID:       ownerID,
		SecretHash:    secretHash,
		DeviceLabel:   agent,
		OriginAddress: origin,
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
	}
	sess := Session{
		ID:            sessID,
		OwnerID:       ownerID,
		CredentialID:  credID,
		OriginAddress: origin,
		AgentLabel:    agent,
		Platform:      normalizedPlatform(dev.Platform),
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	return cred, sess, nil
}

// GetCredentialBySecretHashForUpdate loads a credential by secret hash and locks it.
func (s *PostgresStore) GetCredentialBySecretHashForUpdate(ctx context.Context, secretHash string) (Credential, error) {
	var c Credential

	err := s.q.QueryRow(ctx, `
		SELECT
			id, owner_id, secret_hash,
			device_label, origin_address,
			issued_at, expires_at, revoked_at, replaced_by_id
		FROM paperbase.refresh_credentials
		WHERE secret_hash = $1
		FOR UPDATE
	`, secretHash).Scan(
		&c.ID,
		&c.OwnerID,
		&c.SecretHash,
		&c.DeviceLabel,
		&c.OriginAddress,
		&c.IssuedAt,
		&c.ExpiresAt,
		&c.RevokedAt,
		&c.ReplacedByID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrInvalidCredential
	}
	if err != nil {
		return Credential{}, err
	}

	return c, nil
}

// MarkRotated tombstones the old credential and links it to its replacement.
func (s *PostgresStore) MarkRotated(ctx context.Context, now time.Time, credentialID, replacedByID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE paperbase.refresh_credentials
		SET
			revoked_at = $2,
			replaced_by_id = $3,
			revocation_reason = 'rotation'
		WHERE id = $1
	`, credentialID, now, replacedByID)
	return err
}

// RevokeSessionCredential revokes the live credential paired with a session,
// folding the ownership check into the match so absent and foreign sessions
// are indistinguishable.
func (s *PostgresStore) RevokeSessionCredential(ctx context.Context, now time.Time, ownerID, sessionID, reason string) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE paperbase.refresh_credentials c
		SET revoked_at = $3,
		    revocation_reason = $4
		FROM paperbase.sessions s
		WHERE s.credential_id = c.id
		  AND s.id = $1
		  AND s.owner_id = $2
		  AND c.revoked_at IS NULL
		  AND c.expires_at > $3
	`, sessionID, ownerID, now, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeCredential revokes a single live credential owned by ownerID.
func (s *PostgresStore) RevokeCredential(ctx context.Context, now time.Time, ownerID, credentialID, reason string) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE paperbase.refresh_credentials
		SET revoked_at = $3,
		    revocation_reason = $4
		WHERE id = $1
		  AND owner_id = $2
		  AND revoked_at IS NULL
	`, credentialID, ownerID, now, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllForOwner revokes every live credential of an owner in one statement,
// so a credential created mid-wipe cannot escape it.
func (s *PostgresStore) RevokeAllForOwner(ctx context.Context, now time.Time, ownerID, reason string) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE paperbase.refresh_credentials
		SET revoked_at = $2,
		    revocation_reason = $3
		WHERE owner_id = $1
		  AND revoked_at IS NULL
	`, ownerID, now, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListLiveSessions returns sessions whose paired credential is live,
// most recently active first.
func (s *PostgresStore) ListLiveSessions(ctx context.Context, now time.Time, ownerID string) ([]Session, error) {
	rows, err := s.q.Query(ctx, `
		SELECT
			s.id, s.owner_id, s.credential_id,
			s.origin_address, s.agent_label, s.platform,
			s.created_at, s.last_active_at
		FROM paperbase.sessions s
		JOIN paperbase.refresh_credentials c ON c.id = s.credential_id
		WHERE s.owner_id = $1
		  AND c.revoked_at IS NULL
		  AND c.expires_at > $2
		ORDER BY s.last_active_at DESC
	`, ownerID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var platform string
		if err := rows.Scan(
			&sess.ID,
			&sess.OwnerID,
			&sess.CredentialID,
			&sess.OriginAddress,
			&sess.AgentLabel,
			&platform,
			&sess.CreatedAt,
			&sess.LastActiveAt,
		); err != nil {
			return nil, err
		}
		sess.Platform = Platform(platform)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchByCredential updates last_active_at on the paired session.
func (s *PostgresStore) TouchByCredential(ctx context.Context, now time.Time, credentialID string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE paperbase.sessions
		SET last_active_at = $2
		WHERE credential_id = $1
	`, credentialID, now)
	return err
}

// SweepTombstones deletes expired rows and tombstones past retention.
// Session rows follow via ON DELETE CASCADE.
func (s *PostgresStore) SweepTombstones(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := now.Add(-retention)
	tag, err := s.q.Exec(ctx, `
		DELETE FROM paperbase.refresh_credentials
		WHERE (revoked_at IS NOT NULL AND revoked_at <= $1)
		   OR expires_at <= $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func originPtr(dev DeviceContext) *string {
	if dev.OriginAddr == nil {
		return nil
	}
	v := dev.OriginAddr.String()
	return &v
}

func nullablePtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizedPlatform(p Platform) Platform {
	switch p {
	case PlatformWeb, PlatformDesktop, PlatformMobile:
		return p
	default:
		return PlatformUnknown
	}
}

package session

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when PAPERBASE_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_IssueAndRotate_Succeeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)
	if pool == nil {
		return
	}
	defer pool.Close()

	svc := newTestService(t, NewPostgresStore(pool))

	ownerID := newULID(t)
	mustCreateUser(ctx, t, pool, ownerID)
	t.Cleanup(func() { cleanupOwnerData(ctx, t, pool, ownerID) })

	now := time.Now().UTC()
	issued1, err := svc.IssueInitial(ctx, now, ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	if issued1.SessionID == "" || issued1.AccessToken == "" || issued1.RefreshSecret == "" {
		t.Fatalf("IssueInitial: expected non-empty tokens and sessionID")
	}

	issued2, err := svc.Rotate(ctx, now.Add(2*time.Second), issued1.RefreshSecret, testDevice())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if issued2.CredentialID == issued1.CredentialID {
		t.Fatalf("Rotate: expected a new credential")
	}
	if issued2.RefreshSecret == issued1.RefreshSecret {
		t.Fatalf("Rotate: expected a new refresh secret")
	}

	oldRow := mustGetCredentialByID(ctx, t, pool, issued1.CredentialID)
	if oldRow.RevokedAt == nil {
		t.Fatalf("expected old credential revoked_at to be set")
	}
	if oldRow.ReplacedByID == nil || *oldRow.ReplacedByID != issued2.CredentialID {
		t.Fatalf("expected old credential replaced_by_id=%q, got %+v", issued2.CredentialID, oldRow.ReplacedByID)
	}

	newRow := mustGetCredentialByID(ctx, t, pool, issued2.CredentialID)
	if newRow.RevokedAt != nil {
		t.Fatalf("expected new credential live, got revoked_at=%v", newRow.RevokedAt)
	}

	// Raw secrets never hit the database, only their hashes.
	if newRow.SecretHash == issued2.RefreshSecret {
		t.Fatalf("stored secret_hash must not equal the raw secret")
	}
	if newRow.SecretHash != hashRefreshSecretHex(issued2.RefreshSecret) {
		t.Fatalf("stored secret_hash does not match the expected hash")
	}
}

func TestPostgresStore_Rotate_ReuseRevokesAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)
	if pool == nil {
		return
	}
	defer pool.Close()

	svc := newTestService(t, NewPostgresStore(pool))

	ownerID := newULID(t)
	mustCreateUser(ctx, t, pool, ownerID)
	t.Cleanup(func() { cleanupOwnerData(ctx, t, pool, ownerID) })

	now := time.Now().UTC()
	issued1, err := svc.IssueInitial(ctx, now, ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	issued2, err := svc.Rotate(ctx, now.Add(2*time.Second), issued1.RefreshSecret, testDevice())
	if err != nil {
		t.Fatalf("Rotate(1): %v", err)
	}

	_, err = svc.Rotate(ctx, now.Add(4*time.Second), issued1.RefreshSecret, testDevice())
	if !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}

	// The owner-wide wipe must survive the failed call: both credentials
	// are tombstones now.
	row1 := mustGetCredentialByID(ctx, t, pool, issued1.CredentialID)
	row2 := mustGetCredentialByID(ctx, t, pool, issued2.CredentialID)
	if row1.RevokedAt == nil {
		t.Fatalf("expected credential1 revoked after reuse detection")
	}
	if row2.RevokedAt == nil {
		t.Fatalf("expected credential2 revoked after reuse detection")
	}

	views, err := svc.ListSessions(ctx, now.Add(5*time.Second), ownerID, "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected no live sessions after wipe, got %d", len(views))
	}
}

func TestPostgresStore_Rotate_ExpiredCredential(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)
	if pool == nil {
		return
	}
	defer pool.Close()

	svc := newTestService(t, NewPostgresStore(pool))

	ownerID := newULID(t)
	mustCreateUser(ctx, t, pool, ownerID)
	t.Cleanup(func() { cleanupOwnerData(ctx, t, pool, ownerID) })

	now := time.Now().UTC()
	issued, err := svc.IssueInitial(ctx, now, ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	_, err = pool.Exec(ctx, `
		UPDATE paperbase.refresh_credentials
		SET issued_at = $2, expires_at = $3
		WHERE id = $1
	`, issued.CredentialID, now.Add(-2*time.Hour), now.Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("expire credential: %v", err)
	}

	_, err = svc.Rotate(ctx, now, issued.RefreshSecret, testDevice())
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}

	// An expired credential is not a reuse signal; the row stays unrevoked.
	row := mustGetCredentialByID(ctx, t, pool, issued.CredentialID)
	if row.RevokedAt != nil {
		t.Fatalf("expired credential should not be revoked, got revoked_at=%v", row.RevokedAt)
	}
}

func TestPostgresStore_RevokeSessionAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)
	if pool == nil {
		return
	}
	defer pool.Close()

	svc := newTestService(t, NewPostgresStore(pool))

	ownerID := newULID(t)
	mustCreateUser(ctx, t, pool, ownerID)
	t.Cleanup(func() { cleanupOwnerData(ctx, t, pool, ownerID) })

	now := time.Now().UTC()
	a, err := svc.IssueInitial(ctx, now, ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial a: %v", err)
	}
	b, err := svc.IssueInitial(ctx, now.Add(time.Second), ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial b: %v", err)
	}

	views, err := svc.ListSessions(ctx, now.Add(2*time.Second), ownerID, b.CredentialID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(views))
	}

	if err := svc.RevokeSession(ctx, now.Add(3*time.Second), ownerID, a.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if err := svc.RevokeSession(ctx, now.Add(4*time.Second), ownerID, a.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on repeat, got %v", err)
	}
	if err := svc.RevokeSession(ctx, now.Add(4*time.Second), newULID(t), b.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign owner, got %v", err)
	}

	views, err = svc.ListSessions(ctx, now.Add(5*time.Second), ownerID, b.CredentialID)
	if err != nil {
		t.Fatalf("ListSessions after revoke: %v", err)
	}
	if len(views) != 1 || views[0].ID != b.SessionID || !views[0].Current {
		t.Fatalf("expected only session b, current, got %+v", views)
	}
}

func TestPostgresStore_Touch_UpdatesLastActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)
	if pool == nil {
		return
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	svc := newTestService(t, store)

	ownerID := newULID(t)
	mustCreateUser(ctx, t, pool, ownerID)
	t.Cleanup(func() { cleanupOwnerData(ctx, t, pool, ownerID) })

	now := time.Now().UTC()
	issued, err := svc.IssueInitial(ctx, now, ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	next := now.Add(30 * time.Second)
	if err := store.TouchByCredential(ctx, next, issued.CredentialID); err != nil {
		t.Fatalf("TouchByCredential: %v", err)
	}

	var lastActive time.Time
	err = pool.QueryRow(ctx, `
		SELECT last_active_at FROM paperbase.sessions WHERE id = $1
	`, issued.SessionID).Scan(&lastActive)
	if err != nil {
		t.Fatalf("select last_active_at: %v", err)
	}
	// Postgres timestamps are microsecond-precision; compare at that granularity.
	got := lastActive.UTC().Truncate(time.Microsecond)
	want := next.Truncate(time.Microsecond)
	if !got.Equal(want) {
		t.Fatalf("expected last_active_at=%v, got %v", want, got)
	}
}

func TestPostgresStore_SweepTombstones(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)
	if pool == nil {
		return
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	svc := newTestService(t, store)

	ownerID := newULID(t)
	mustCreateUser(ctx, t, pool, ownerID)
	t.Cleanup(func() { cleanupOwnerData(ctx, t, pool, ownerID) })

	now := time.Now().UTC()
	issued, err := svc.IssueInitial(ctx, now, ownerID, testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	// Age the tombstone past retention.
	_, err = pool.Exec(ctx, `
		UPDATE paperbase.refresh_credentials
		SET revoked_at = $2, revocation_reason = 'logout'
		WHERE id = $1
	`, issued.CredentialID, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("age tombstone: %v", err)
	}

	n, err := store.SweepTombstones(ctx, now, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("SweepTombstones: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one swept row, got %d", n)
	}

	// The credential row is gone and its session followed via cascade.
	var count int
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM paperbase.refresh_credentials WHERE id = $1
	`, issued.CredentialID).Scan(&count); err != nil {
		t.Fatalf("count credentials: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected swept credential, found %d rows", count)
	}
	if err := pool.QueryRow(ctx, `
		SELECT count(*) FROM paperbase.sessions WHERE id = $1
	`, issued.SessionID).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascaded session delete, found %d rows", count)
	}
}

// integrationPool returns a ready pool or nil after skipping the test.
func integrationPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("PAPERBASE_DATABASE_URL")
	if dbURL == "" {
		t.Skip("PAPERBASE_DATABASE_URL is not set; skipping Postgres integration test")
		return nil
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (PAPERBASE_DATABASE_URL set): %v", err)
			return nil
		}
		t.Fatalf("pool.Ping: %v", err)
	}

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func newULID(t *testing.T) string {
	t.Helper()

	id := ulid.Make().String()
	if len(id) != 26 {
		t.Fatalf("expected ULID length 26, got %d", len(id))
	}
	return id
}

func mustCreateUser(ctx context.Context, t *testing.T, pool *pgxpool.Pool, ownerID string) {
	t.Helper()

	_, err := pool.Exec(ctx, `
		INSERT INTO paperbase.users (
			id, username, username_norm, email, email_norm,
			password_hash, created_at, updated_at
		) VALUES ($1, $2, $2, $3, $3, 'x', now(), now())
	`, ownerID, "u_"+strings.ToLower(ownerID), strings.ToLower(ownerID)+"@example.test")
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func cleanupOwnerData(ctx context.Context, t *testing.T, pool *pgxpool.Pool, ownerID string) {
	t.Helper()

	_, _ = pool.Exec(ctx, `DELETE FROM paperbase.sessions WHERE owner_id = $1`, ownerID)
	_, _ = pool.Exec(ctx, `DELETE FROM paperbase.refresh_credentials WHERE owner_id = $1`, ownerID)
	_, _ = pool.Exec(ctx, `DELETE FROM paperbase.users WHERE id = $1`, ownerID)
}

func mustGetCredentialByID(ctx context.Context, t *testing.T, pool *pgxpool.Pool, credentialID string) Credential {
	t.Helper()

	var c Credential
	err := pool.QueryRow(ctx, `
		SELECT
			id, owner_id, secret_hash,
			device_label, origin_address,
			issued_at, expires_at, revoked_at, replaced_by_id
		FROM paperbase.refresh_credentials
		WHERE id = $1
	`, credentialID).Scan(
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
	if err != nil {
		t.Fatalf("select credential by id=%q: %v", credentialID, err)
	}
	return c
}

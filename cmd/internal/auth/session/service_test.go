package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, store Store, opts ...Option) *Service {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = secret.ExportHex()
	cfg.RetryBackoff = time.Millisecond

	codec, err := NewPasetoV4Codec(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4Codec: %v", err)
	}
	return NewService(cfg, store, codec, testLogger(), opts...)
}

func testDevice() DeviceContext {
	return DeviceContext{
		Platform:   PlatformWeb,
		AgentLabel: "firefox on linux",
		OriginAddr: net.ParseIP("203.0.113.7"),
	}
}

func TestService_IssueInitialAndVerify(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	if issued.RefreshSecret == "" || issued.AccessToken == "" {
		t.Fatal("expected non-empty secret and token")
	}
	if !issued.RefreshExp.After(issued.AccessExp) {
		t.Fatal("refresh expiry should outlive access expiry")
	}

	claims, err := svc.VerifyAccess(issued.AccessToken, now)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.OwnerID != "owner-1" {
		t.Fatalf("owner mismatch: %q", claims.OwnerID)
	}
	if claims.CredentialID != issued.CredentialID {
		t.Fatalf("credential mismatch: %q != %q", claims.CredentialID, issued.CredentialID)
	}
}

func TestService_IssueInitial_EmptyOwner(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	if _, err := svc.IssueInitial(context.Background(), time.Now().UTC(), "", testDevice()); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

type ownerDirFunc func(ctx context.Context, ownerID string) (bool, error)

func (f ownerDirFunc) OwnerActive(ctx context.Context, ownerID string) (bool, error) {
	return f(ctx, ownerID)
}

func TestService_IssueInitial_DisabledOwner(t *testing.T) {
	t.Parallel()

	dir := ownerDirFunc(func(ctx context.Context, ownerID string) (bool, error) {
		return false, nil
	})
	svc := newTestService(t, NewMemoryStore(), WithOwnerDirectory(dir))

	if _, err := svc.IssueInitial(context.Background(), time.Now().UTC(), "owner-1", testDevice()); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestService_Rotate_HappyPath(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	later := now.Add(time.Minute)
	second, err := svc.Rotate(ctx, later, first.RefreshSecret, testDevice())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if second.RefreshSecret == first.RefreshSecret {
		t.Fatal("rotation must mint a new secret")
	}
	if second.CredentialID == first.CredentialID {
		t.Fatal("rotation must mint a new credential")
	}

	// The old credential is a tombstone pointing at its successor.
	old := store.creds[first.CredentialID]
	if old.RevokedAt == nil {
		t.Fatal("old credential should be revoked after rotation")
	}
	if old.ReplacedByID == nil || *old.ReplacedByID != second.CredentialID {
		t.Fatal("old credential should record its replacement")
	}

	// The new secret rotates again; the chain continues.
	if _, err := svc.Rotate(ctx, later.Add(time.Minute), second.RefreshSecret, testDevice()); err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
}

func TestService_Rotate_ReuseWipesOwner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}
	// Second device, untouched by the rotation below.
	if _, err := svc.IssueInitial(ctx, now, "owner-1", testDevice()); err != nil {
		t.Fatalf("IssueInitial second device: %v", err)
	}
	// An unrelated owner must not be caught in the wipe.
	otherIssued, err := svc.IssueInitial(ctx, now, "owner-2", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial other owner: %v", err)
	}

	later := now.Add(time.Minute)
	rotated, err := svc.Rotate(ctx, later, first.RefreshSecret, testDevice())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Replaying the already-rotated secret is reuse: every live credential
	// of owner-1 is revoked, including the freshly rotated one.
	if _, err := svc.Rotate(ctx, later.Add(time.Second), first.RefreshSecret, testDevice()); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}

	views, err := svc.ListSessions(ctx, later.Add(2*time.Second), "owner-1", "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected no live sessions after wipe, got %d", len(views))
	}

	// The rotated secret is now dead too; replaying it is another reuse hit.
	if _, err := svc.Rotate(ctx, later.Add(3*time.Second), rotated.RefreshSecret, testDevice()); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected for wiped secret, got %v", err)
	}

	otherViews, err := svc.ListSessions(ctx, later.Add(2*time.Second), "owner-2", otherIssued.CredentialID)
	if err != nil {
		t.Fatalf("ListSessions other owner: %v", err)
	}
	if len(otherViews) != 1 || !otherViews[0].Current {
		t.Fatalf("other owner should keep one current session, got %+v", otherViews)
	}
}

func TestService_Rotate_ExpiredCredential(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	past := issued.RefreshExp
	if _, err := svc.Rotate(ctx, past, issued.RefreshSecret, testDevice()); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired at expiry instant, got %v", err)
	}
	// Expiry is not a reuse signal; a replay still says expired.
	if _, err := svc.Rotate(ctx, past.Add(time.Hour), issued.RefreshSecret, testDevice()); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired on replay, got %v", err)
	}
}

func TestService_Rotate_UnknownOrJunkSecret(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.Rotate(ctx, now, "never-issued", testDevice()); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, err := svc.Rotate(ctx, now, "   ", testDevice()); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for blank secret, got %v", err)
	}

	huge := make([]byte, maxPresentedSecretLen+1)
	for i := range huge {
		huge[i] = 'a'
	}
	if _, err := svc.Rotate(ctx, now, string(huge), testDevice()); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for oversized secret, got %v", err)
	}
}

func TestService_Rotate_SingleWinner(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	svc := newTestService(t, store)
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	const racers = 16
	later := now.Add(time.Second)

	var wg sync.WaitGroup
	results := make([]error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = svc.Rotate(ctx, later, issued.RefreshSecret, testDevice())
		}(i)
	}
	close(start)
	wg.Wait()

	var wins, reuses int
	for i, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrReuseDetected):
			reuses++
		default:
			t.Fatalf("racer %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (reuse=%d)", wins, reuses)
	}
	if reuses != racers-1 {
		t.Fatalf("expected %d reuse losers, got %d", racers-1, reuses)
	}
}

func TestService_RevokeSession(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	if err := svc.RevokeSession(ctx, now, "owner-1", issued.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	// Second revoke of the same session reports not found.
	if err := svc.RevokeSession(ctx, now, "owner-1", issued.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on repeat, got %v", err)
	}
	// Foreign owner cannot revoke it and cannot learn it exists.
	if err := svc.RevokeSession(ctx, now, "owner-2", issued.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for foreign owner, got %v", err)
	}
	if err := svc.RevokeSession(ctx, now, "owner-1", "no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for unknown id, got %v", err)
	}

	// The revoked session's secret now trips reuse detection.
	if _, err := svc.Rotate(ctx, now.Add(time.Second), issued.RefreshSecret, testDevice()); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected after revoke, got %v", err)
	}
}

func TestService_RevokeAll(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if _, err := svc.IssueInitial(ctx, now, "owner-1", testDevice()); err != nil {
			t.Fatalf("IssueInitial: %v", err)
		}
	}
	other, err := svc.IssueInitial(ctx, now, "owner-2", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial other: %v", err)
	}

	n, err := svc.RevokeAll(ctx, now, "owner-1")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revocations, got %d", n)
	}

	// Idempotent; nothing left to revoke.
	n, err = svc.RevokeAll(ctx, now, "owner-1")
	if err != nil {
		t.Fatalf("RevokeAll repeat: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 on repeat, got %d", n)
	}

	views, err := svc.ListSessions(ctx, now, "owner-2", other.CredentialID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("other owner should be untouched, got %d sessions", len(views))
	}
}

func TestService_RevokeCurrent_Idempotent(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial: %v", err)
	}

	if err := svc.RevokeCurrent(ctx, now, "owner-1", issued.CredentialID); err != nil {
		t.Fatalf("RevokeCurrent: %v", err)
	}
	if err := svc.RevokeCurrent(ctx, now, "owner-1", issued.CredentialID); err != nil {
		t.Fatalf("RevokeCurrent repeat should be a no-op, got %v", err)
	}
	if err := svc.RevokeCurrent(ctx, now, "owner-1", "no-such-credential"); err != nil {
		t.Fatalf("RevokeCurrent unknown should be a no-op, got %v", err)
	}
}

func TestService_ListSessions_OrderAndTouch(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	now := time.Now().UTC()

	a, err := svc.IssueInitial(ctx, now, "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial a: %v", err)
	}
	b, err := svc.IssueInitial(ctx, now.Add(time.Second), "owner-1", testDevice())
	if err != nil {
		t.Fatalf("IssueInitial b: %v", err)
	}

	// Touch the older session so it sorts first.
	svc.Touch(ctx, now.Add(time.Minute), a.CredentialID)

	views, err := svc.ListSessions(ctx, now.Add(2*time.Minute), "owner-1", b.CredentialID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(views))
	}
	if views[0].ID != a.SessionID {
		t.Fatalf("expected touched session first, got %q", views[0].ID)
	}
	if views[0].Current || !views[1].Current {
		t.Fatalf("current flag misplaced: %+v", views)
	}
}

// flakyStore fails the first remaining calls to the wrapped methods with a
// transient error, then delegates. remaining < 0 means fail forever.
type flakyStore struct {
	Store

	mu        sync.Mutex
	remaining int
}

var errFlaky = errors.New("connection reset by peer")

func (f *flakyStore) trip() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 {
		return false
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return true
}

func (f *flakyStore) WithinRotation(ctx context.Context, fn func(Store) error) error {
	if f.trip() {
		return errFlaky
	}
	return f.Store.WithinRotation(ctx, fn)
}

func (f *flakyStore) ListLiveSessions(ctx context.Context, now time.Time, ownerID string) ([]Session, error) {
	if f.trip() {
		return nil, errFlaky
	}
	return f.Store.ListLiveSessions(ctx, now, ownerID)
}

func TestService_TransientFailureRetriesOnce(t *testing.T) {
	t.Parallel()

	flaky := &flakyStore{Store: NewMemoryStore(), remaining: 1}
	svc := newTestService(t, flaky)

	if _, err := svc.IssueInitial(context.Background(), time.Now().UTC(), "owner-1", testDevice()); err != nil {
		t.Fatalf("expected success after one retry, got %v", err)
	}
}

func TestService_PersistentFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	flaky := &flakyStore{Store: NewMemoryStore(), remaining: -1}
	svc := newTestService(t, flaky)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.IssueInitial(ctx, now, "owner-1", testDevice()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := svc.ListSessions(ctx, now, "owner-1", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from ListSessions, got %v", err)
	}
}

func TestService_CancelledContextPassesThrough(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Rotate(ctx, time.Now().UTC(), "some-secret", testDevice()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled to pass through, got %v", err)
	}
}

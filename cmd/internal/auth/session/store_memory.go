package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-process Store used by unit tests and by dev mode when
// no database is configured. A single mutex serializes rotations, which gives
// the same single-winner guarantee the Postgres row lock provides.
type MemoryStore struct {
	mu sync.Mutex

	creds    map[string]Credential // credential id -> row
	byHash   map[string]string     // secret hash -> credential id
	sessions map[string]Session    // session id -> row
	byCred   map[string]string     // credential id -> session id
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:    make(map[string]Credential),
		byHash:   make(map[string]string),
		sessions: make(map[string]Session),
		byCred:   make(map[string]string),
	}
}

// WithinRotation holds the store lock for the duration of fn. On error the
// pre-fn snapshot is restored, mirroring a transaction rollback.
func (s *MemoryStore) WithinRotation(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapCreds := cloneMap(s.creds)
	snapByHash := cloneMap(s.byHash)
	snapSessions := cloneMap(s.sessions)
	snapByCred := cloneMap(s.byCred)

	if err := fn(memTx{s: s}); err != nil {
		s.creds = snapCreds
		s.byHash = snapByHash
		s.sessions = snapSessions
		s.byCred = snapByCred
		return err
	}
	return nil
}

func (s *MemoryStore) CreatePair(ctx context.Context, now time.Time, ownerID string, dev DeviceContext, secretHash string, expiresAt time.Time) (Credential, Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPair(ctx, now, ownerID, dev, secretHash, expiresAt)
}

func (s *MemoryStore) GetCredentialBySecretHashForUpdate(ctx context.Context, secretHash string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBySecretHash(ctx, secretHash)
}

func (s *MemoryStore) MarkRotated(ctx context.Context, now time.Time, credentialID, replacedByID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRotated(ctx, now, credentialID, replacedByID)
}

func (s *MemoryStore) RevokeSessionCredential(ctx context.Context, now time.Time, ownerID, sessionID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeSessionCredential(ctx, now, ownerID, sessionID, reason)
}

func (s *MemoryStore) RevokeCredential(ctx context.Context, now time.Time, ownerID, credentialID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeCredential(ctx, now, ownerID, credentialID, reason)
}

func (s *MemoryStore) RevokeAllForOwner(ctx context.Context, now time.Time, ownerID, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeAllForOwner(ctx, now, ownerID, reason)
}

func (s *MemoryStore) ListLiveSessions(ctx context.Context, now time.Time, ownerID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLiveSessions(ctx, now, ownerID)
}

func (s *MemoryStore) TouchByCredential(ctx context.Context, now time.Time, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchByCredential(ctx, now, credentialID)
}

func (s *MemoryStore) SweepTombstones(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepTombstones(ctx, now, retention)
}

// memTx exposes the unlocked operations to WithinRotation callbacks while the
// store lock is already held.
type memTx struct {
	s *MemoryStore
}

func (t memTx) WithinRotation(ctx context.Context, fn func(Store) error) error {
	// Already inside a rotation; run directly.
	return fn(t)
}

func (t memTx) CreatePair(ctx context.Context, now time.Time, ownerID string, dev DeviceContext, secretHash string, expiresAt time.Time) (Credential, Session, error) {
	return t.s.createPair(ctx, now, ownerID, dev, secretHash, expiresAt)
}

func (t memTx) GetCredentialBySecretHashForUpdate(ctx context.Context, secretHash string) (Credential, error) {
	return t.s.getBySecretHash(ctx, secretHash)
}

func (t memTx) MarkRotated(ctx context.Context, now time.Time, credentialID, replacedByID string) error {
	return t.s.markRotated(ctx, now, credentialID, replacedByID)
}

func (t memTx) RevokeSessionCredential(ctx context.Context, now time.Time, ownerID, sessionID, reason string) (bool, error) {
	return t.s.revokeSessionCredential(ctx, now, ownerID, sessionID, reason)
}

func (t memTx) RevokeCredential(ctx context.Context, now time.Time, ownerID, credentialID, reason string) (bool, error) {
	return t.s.revokeCredential(ctx, now, ownerID, credentialID, reason)
}

func (t memTx) RevokeAllForOwner(ctx context.Context, now time.Time, ownerID, reason string) (int64, error) {
	return t.s.revokeAllForOwner(ctx, now, ownerID, reason)
}

func (t memTx) ListLiveSessions(ctx context.Context, now time.Time, ownerID string) ([]Session, error) {
	return t.s.listLiveSessions(ctx, now, ownerID)
}

func (t memTx) TouchByCredential(ctx context.Context, now time.Time, credentialID string) error {
	return t.s.touchByCredential(ctx, now, credentialID)
}

func (t memTx) SweepTombstones(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	return t.s.sweepTombstones(ctx, now, retention)
}

// ---- unlocked operations (callers hold s.mu) ----

func (s *MemoryStore) createPair(ctx context.Context, now time.Time, ownerID string, dev DeviceContext, secretHash string, expiresAt time.Time) (Credential, Session, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, Session{}, err
	}

	cred := Credential{
		ID:            ulid.Make().String(),
		OwnerID:       ownerID,
		SecretHash:    secretHash,
		DeviceLabel:   nullablePtr(dev.AgentLabel),
		OriginAddress: originPtr(dev),
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
	}
	sess := Session{
		ID:            ulid.Make().String(),
		OwnerID:       ownerID,
		CredentialID:  cred.ID,
		OriginAddress: originPtr(dev),
		AgentLabel:    nullablePtr(dev.AgentLabel),
		Platform:      normalizedPlatform(dev.Platform),
		CreatedAt:     now,
		LastActiveAt:  now,
	}

	s.creds[cred.ID] = cred
	s.byHash[secretHash] = cred.ID
	s.sessions[sess.ID] = sess
	s.byCred[cred.ID] = sess.ID
	return cred, sess, nil
}

func (s *MemoryStore) getBySecretHash(ctx context.Context, secretHash string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	id, ok := s.byHash[secretHash]
	if !ok {
		return Credential{}, ErrInvalidCredential
	}
	return s.creds[id], nil
}

func (s *MemoryStore) markRotated(ctx context.Context, now time.Time, credentialID, replacedByID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := s.creds[credentialID]
	if !ok {
		return ErrInvalidCredential
	}
	revoked := now
	c.RevokedAt = &revoked
	c.ReplacedByID = &replacedByID
	s.creds[credentialID] = c
	return nil
}

func (s *MemoryStore) revokeSessionCredential(ctx context.Context, now time.Time, ownerID, sessionID, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sess, ok := s.sessions[sessionID]
	if !ok || sess.OwnerID != ownerID {
		return false, nil
	}
	c, ok := s.creds[sess.CredentialID]
	if !ok || c.RevokedAt != nil || !c.ExpiresAt.After(now) {
		return false, nil
	}
	revoked := now
	c.RevokedAt = &revoked
	s.creds[c.ID] = c
	return true, nil
}

func (s *MemoryStore) revokeCredential(ctx context.Context, now time.Time, ownerID, credentialID, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c, ok := s.creds[credentialID]
	if !ok || c.OwnerID != ownerID || c.RevokedAt != nil {
		return false, nil
	}
	revoked := now
	c.RevokedAt = &revoked
	s.creds[credentialID] = c
	return true, nil
}

func (s *MemoryStore) revokeAllForOwner(ctx context.Context, now time.Time, ownerID, reason string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range s.creds {
		if c.OwnerID != ownerID || c.RevokedAt != nil {
			continue
		}
		revoked := now
		c.RevokedAt = &revoked
		s.creds[id] = c
		n++
	}
	return n, nil
}

func (s *MemoryStore) listLiveSessions(ctx context.Context, now time.Time, ownerID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Session
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID {
			continue
		}
		c, ok := s.creds[sess.CredentialID]
		if !ok || c.RevokedAt != nil || !c.ExpiresAt.After(now) {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (s *MemoryStore) touchByCredential(ctx context.Context, now time.Time, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, ok := s.byCred[credentialID]
	if !ok {
		return nil
	}
	sess := s.sessions[id]
	sess.LastActiveAt = now
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) sweepTombstones(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := now.Add(-retention)
	var n int64
	for id, c := range s.creds {
		revokedPastRetention := c.RevokedAt != nil && !c.RevokedAt.After(cutoff)
		expiredPastRetention := !c.ExpiresAt.After(cutoff)
		if !revokedPastRetention && !expiredPastRetention {
			continue
		}
		delete(s.creds, id)
		delete(s.byHash, c.SecretHash)
		if sessID, ok := s.byCred[id]; ok {
			delete(s.sessions, sessID)
			delete(s.byCred, id)
		}
		n++
	}
	return n, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	cp := make(map[K]V, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

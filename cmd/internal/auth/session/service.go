package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Pathological inputs are rejected before hashing.
const maxPresentedSecretLen = 4096

// OwnerDirectory answers whether an owner account is active. It is the only
// view of the account system this subsystem needs.
type OwnerDirectory interface {
	OwnerActive(ctx context.Context, ownerID string) (bool, error)
}

// Service implements the rotation engine and the session manager.
//
// It issues access/refresh pairs, rotates refresh credentials with reuse
// detection under a strict transactional model, and supports per-session and
// owner-wide revocation. It holds no in-process mutable state; all
// coordination is delegated to the store's transaction facility.
type Service struct {
	cfg    Config
	codec  TokenCodec
	store  Store
	owners OwnerDirectory
	log    *slog.Logger

	metrics *Metrics
	events  EventSink
}

// Issued is the result of issuing or rotating a credential/session pair.
// RefreshSecret is returned exactly once and never persisted in clear text.
type Issued struct {
	SessionID     string
	CredentialID  string
	AccessToken   string
	AccessExp     time.Time
	RefreshSecret string
	RefreshExp    time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithOwnerDirectory enables the owner-active check at initial issuance.
func WithOwnerDirectory(dir OwnerDirectory) Option {
	return func(s *Service) {
		if s == nil || dir == nil {
			return
		}
		s.owners = dir
	}
}

// WithMetrics attaches rotation/revocation counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if s == nil || m == nil {
			return
		}
		s.metrics = m
	}
}

// WithEventSink attaches a lifecycle event sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		if s == nil || sink == nil {
			return
		}
		s.events = sink
	}
}

// NewService constructs a Service with the provided configuration, store, and codec.
func NewService(cfg Config, store Store, codec TokenCodec, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{cfg: cfg, store: store, codec: codec, log: log}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// IssueInitial creates a fresh credential/session pair for an owner whose
// password check already succeeded elsewhere.
//
// Refresh secrets are opaque random strings and must never be persisted in
// plaintext. Only their hash (hex) is stored.
func (s *Service) IssueInitial(ctx context.Context, now time.Time, ownerID string, dev DeviceContext) (Issued, error) {
	if ownerID == "" {
		return Issued{}, ErrAccountDisabled
	}

	if s.owners != nil {
		var active bool
		err := s.withTransientRetry(ctx, func(ctx context.Context) error {
			var err error
			active, err = s.owners.OwnerActive(ctx, ownerID)
			return err
		})
		if err != nil {
			return Issued{}, err
		}
		if !active {
			return Issued{}, ErrAccountDisabled
		}
	}

	plain, secretHash, err := newOpaqueRefreshSecret(s.cfg.RefreshSecretBytes)
	if err != nil {
		return Issued{}, err
	}
	refreshExp := now.Add(s.cfg.RefreshTTL)

	var cred Credential
	var sess Session
	err = s.withTransientRetry(ctx, func(ctx context.Context) error {
		// Credential and session rows must appear together or not at all.
		return s.store.WithinRotation(ctx, func(st Store) error {
			var err error
			cred, sess, err = st.CreatePair(ctx, now, ownerID, dev, secretHash, refreshExp)
			return err
		})
	})
	if err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.codec.Issue(ownerID, cred.ID, now, s.cfg.AccessTokenTTL)
	if err != nil {
		return Issued{}, err
	}

	s.publish(Event{Type: EventSessionStarted, OwnerID: ownerID, SessionID: sess.ID, At: now})

	return Issued{
		SessionID:     sess.ID,
		CredentialID:  cred.ID,
		AccessToken:   accessToken,
		AccessExp:     accessExp,
		RefreshSecret: plain,
		RefreshExp:    refreshExp,
	}, nil
}

// rotationOutcome is the applied result of one rotation attempt, carried out
// of the transaction so error mapping and token signing stay outside it.
type rotationOutcome struct {
	state        credentialState
	ownerID      string
	wiped        int64
	credentialID string
	sessionID    string
	secret       string
	refreshExp   time.Time
}

// Rotate exchanges a presented refresh secret for a new access/refresh pair.
//
// Security model:
//   - The credential row is locked by secret hash inside a single transaction.
//   - A revoked credential presented again is a reuse signal: every live
//     credential of the owner is revoked, the wipe is committed, and
//     ErrReuseDetected is returned.
//   - Expiry is checked only after the revoked check, against the same read.
//   - The happy path tombstones the old credential and creates a new
//     credential/session pair superseding the old session.
func (s *Service) Rotate(ctx context.Context, now time.Time, presentedSecret string, dev DeviceContext) (Issued, error) {
	presentedSecret = strings.TrimSpace(presentedSecret)
	if presentedSecret == "" || len(presentedSecret) > maxPresentedSecretLen {
		s.metrics.rotation("invalid")
		return Issued{}, ErrInvalidCredential
	}

	// Hash in memory; the plain secret goes no further.
	secretHash := hashRefreshSecretHex(presentedSecret)

	var out rotationOutcome
	err := s.withTransientRetry(ctx, func(ctx context.Context) error {
		out = rotationOutcome{}
		return s.store.WithinRotation(ctx, func(st Store) error {
			cred, err := st.GetCredentialBySecretHashForUpdate(ctx, secretHash)
			if err != nil {
				return err
			}

			// Classify against this single consistent read; no re-fetch
			// between the revoked check and the expiry check.
			out.state = classifyCredential(cred, now)
			out.ownerID = cred.OwnerID

			switch out.state {
			case stateRevoked:
				// Reuse. The wipe must commit even though the call fails,
				// so fn returns nil here and the caller maps the outcome.
				n, err := st.RevokeAllForOwner(ctx, now, cred.OwnerID, ReasonReuse)
				if err != nil {
					return err
				}
				out.wiped = n
				return nil

			case stateExpired:
				return ErrCredentialExpired

			default:
				plain, newHash, err := newOpaqueRefreshSecret(s.cfg.RefreshSecretBytes)
				if err != nil {
					return err
				}
				refreshExp := now.Add(s.cfg.RefreshTTL)

				newCred, newSess, err := st.CreatePair(ctx, now, cred.OwnerID, dev, newHash, refreshExp)
				if err != nil {
					return err
				}
				if err := st.MarkRotated(ctx, now, cred.ID, newCred.ID); err != nil {
					return err
				}

				out.credentialID = newCred.ID
				out.sessionID = newSess.ID
				out.secret = plain
				out.refreshExp = refreshExp
				return nil
			}
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredential):
			s.metrics.rotation("invalid")
		case errors.Is(err, ErrCredentialExpired):
			s.metrics.rotation("expired")
		case errors.Is(err, ErrUnavailable):
			s.metrics.rotation("unavailable")
		}
		return Issued{}, err
	}

	if out.state == stateRevoked {
		s.metrics.rotation("reuse_detected")
		s.metrics.reuse()
		s.metrics.revoked(out.wiped)
		s.publish(Event{Type: EventSessionsWiped, OwnerID: out.ownerID, At: now})
		s.log.Warn("auth.refresh.reuse_detected", "owner_id", out.ownerID, "revoked", out.wiped)
		return Issued{}, ErrReuseDetected
	}

	accessToken, accessExp, err := s.codec.Issue(out.ownerID, out.credentialID, now, s.cfg.AccessTokenTTL)
	if err != nil {
		return Issued{}, err
	}

	s.metrics.rotation("rotated")
	s.publish(Event{Type: EventSessionRotated, OwnerID: out.ownerID, SessionID: out.sessionID, At: now})

	return Issued{
		SessionID:     out.sessionID,
		CredentialID:  out.credentialID,
		AccessToken:   accessToken,
		AccessExp:     accessExp,
		RefreshSecret: out.secret,
		RefreshExp:    out.refreshExp,
	}, nil
}

// VerifyAccess verifies an access token. It never touches the store, so every
// protected-endpoint check is O(1); revocation acts at the refresh layer.
func (s *Service) VerifyAccess(token string, now time.Time) (AccessClaims, error) {
	return s.codec.Verify(token, now)
}

// ListSessions returns the owner's live sessions, most recently active first.
// The session paired with currentCredentialID, if any, is marked current.
func (s *Service) ListSessions(ctx context.Context, now time.Time, ownerID, currentCredentialID string) ([]SessionView, error) {
	var sessions []Session
	err := s.withTransientRetry(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = s.store.ListLiveSessions(ctx, now, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}

	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionView{
			ID:            sess.ID,
			OriginAddress: sess.OriginAddress,
			AgentLabel:    sess.AgentLabel,
			Platform:      sess.Platform,
			CreatedAt:     sess.CreatedAt,
			LastActiveAt:  sess.LastActiveAt,
			Current:       currentCredentialID != "" && sess.CredentialID == currentCredentialID,
		})
	}
	return views, nil
}

// RevokeSession revokes the credential behind one of the owner's sessions.
// Absent sessions, foreign sessions, and already-revoked sessions all report
// ErrSessionNotFound.
func (s *Service) RevokeSession(ctx context.Context, now time.Time, ownerID, sessionID string) error {
	var ok bool
	err := s.withTransientRetry(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.store.RevokeSessionCredential(ctx, now, ownerID, sessionID, ReasonLogout)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}

	s.metrics.revoked(1)
	s.publish(Event{Type: EventSessionRevoked, OwnerID: ownerID, SessionID: sessionID, At: now})
	return nil
}

// RevokeAll revokes every live credential of the owner and returns the count.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, ownerID string) (int64, error) {
	var n int64
	err := s.withTransientRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.RevokeAllForOwner(ctx, now, ownerID, ReasonLogoutAll)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.metrics.revoked(n)
	s.publish(Event{Type: EventSessionsWiped, OwnerID: ownerID, At: now})
	return n, nil
}

// RevokeCurrent revokes the caller's own credential (logout). Revoking an
// already-revoked credential is a no-op.
func (s *Service) RevokeCurrent(ctx context.Context, now time.Time, ownerID, credentialID string) error {
	var ok bool
	err := s.withTransientRetry(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.store.RevokeCredential(ctx, now, ownerID, credentialID, ReasonLogout)
		return err
	})
	if err != nil {
		return err
	}
	if ok {
		s.metrics.revoked(1)
		s.publish(Event{Type: EventSessionRevoked, OwnerID: ownerID, At: now})
	}
	return nil
}

// Touch updates last_active_at on the session behind a credential.
// Best-effort: failures are logged and swallowed.
func (s *Service) Touch(ctx context.Context, now time.Time, credentialID string) {
	if err := s.store.TouchByCredential(ctx, now, credentialID); err != nil {
		s.log.Debug("auth.session.touch.fail", "err", err)
	}
}

// withTransientRetry retries op once with a short backoff when it fails with
// anything outside the subsystem's error enum, then surfaces ErrUnavailable.
func (s *Service) withTransientRetry(ctx context.Context, op func(context.Context) error) error {
	backoff := s.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(backoff)), func(ctx context.Context) error {
		err := op(ctx)
		if err == nil || isTerminal(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil || isTerminal(err) {
		return err
	}

	s.log.Error("auth.store.unavailable", "err", err)
	return ErrUnavailable
}

// isTerminal reports whether err belongs to the subsystem's closed enum or is
// a cancellation; those are never retried.
func isTerminal(err error) bool {
	switch {
	case errors.Is(err, ErrAccountDisabled),
		errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrCredentialExpired),
		errors.Is(err, ErrReuseDetected),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrConfig),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func (s *Service) publish(ev Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}

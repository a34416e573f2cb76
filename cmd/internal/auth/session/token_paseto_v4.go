package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the minimal identity envelope propagated across HTTP/WS.
type AccessClaims struct {
	OwnerID      string
	CredentialID string
	ExpiresAt    time.Time
	IssuedAt     time.Time
	Issuer       string
}

// TokenCodec issues and verifies short-lived access tokens. It is stateless:
// verification never touches durable storage.
type TokenCodec interface {
	Issue(ownerID, credentialID string, now time.Time, ttl time.Duration) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

type pasetoV4Codec struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4Codec builds a TokenCodec based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair injected via cfg; there is no
// package-level key. Expiry is checked separately from structural parsing so
// that ErrExpiredToken and ErrMalformedToken stay distinguishable.
func NewPasetoV4Codec(cfg Config) (TokenCodec, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	return &pasetoV4Codec{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (c *pasetoV4Codec) PublicKeyHex() string {
	return c.public.ExportHex()
}

func (c *pasetoV4Codec) Issue(ownerID, credentialID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if ownerID == "" || credentialID == "" {
		return "", time.Time{}, ErrMalformedToken
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	exp := now.Add(ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(c.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	// Minimal, explicit claims.
	_ = tok.Set("uid", ownerID)
	_ = tok.Set("cid", credentialID)

	signed := tok.V4Sign(c.secret, nil)
	return signed, exp, nil
}

func (c *pasetoV4Codec) Verify(token string, now time.Time) (AccessClaims, error) {
	// Expiry is checked by hand below; the parser only validates structure,
	// signature, and issuer. This keeps expired-but-authentic tokens
	// distinguishable from tampered ones.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(c.issuer))

	parsed, err := p.ParseV4Public(c.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrMalformedToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return AccessClaims{}, ErrMalformedToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrMalformedToken
	}
	cid, err := parsed.GetString("cid")
	if err != nil || cid == "" {
		return AccessClaims{}, ErrMalformedToken
	}

	// Clock-skew tolerance:
	// Validate slightly in the future so expiration checks are slightly
	// stricter, which is typically desirable for short-lived tokens.
	validNow := now.Add(c.clockSkew)
	if !exp.After(validNow) {
		return AccessClaims{}, ErrExpiredToken
	}

	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()

	return AccessClaims{
		OwnerID:      uid,
		CredentialID: cid,
		ExpiresAt:    exp,
		IssuedAt:     iat,
		Issuer:       iss,
	}, nil
}

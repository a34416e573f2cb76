package session

import (
	"errors"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestCodec(t *testing.T, skew time.Duration) TokenCodec {
	t.Helper()

	secret := paseto.NewV4AsymmetricSecretKey()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = secret.ExportHex()
	cfg.ClockSkew = skew

	codec, err := NewPasetoV4Codec(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4Codec: %v", err)
	}
	return codec
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, 0)
	now := time.Now().UTC()

	tok, exp, err := codec.Issue("01HZZZZZZZZZZZZZZZZZZZZZZZ", "01HYYYYYYYYYYYYYYYYYYYYYYY", now, 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := codec.Verify(tok, now.Add(1*time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.OwnerID != "01HZZZZZZZZZZZZZZZZZZZZZZZ" {
		t.Fatalf("owner mismatch: %q", claims.OwnerID)
	}
	if claims.CredentialID != "01HYYYYYYYYYYYYYYYYYYYYYYY" {
		t.Fatalf("credential mismatch: %q", claims.CredentialID)
	}
}

func TestPasetoV4_Verify_Expired(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, 0)
	now := time.Now().UTC()

	tok, _, err := codec.Issue("owner", "cred", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := codec.Verify(tok, now.Add(10*time.Minute)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken at ttl, got %v", err)
	}
	if _, err := codec.Verify(tok, now.Add(1*time.Hour)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken past ttl, got %v", err)
	}
}

func TestPasetoV4_Verify_MutatedTokenIsMalformed(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, 0)
	now := time.Now().UTC()

	tok, _, err := codec.Issue("owner", "cred", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Flip one byte anywhere in the token body.
	for i := len(tok) / 2; i < len(tok); i++ {
		mutated := []byte(tok)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if string(mutated) == tok {
			continue
		}
		if _, err := codec.Verify(string(mutated), now); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("expected ErrMalformedToken for mutated byte %d, got %v", i, err)
		}
		break
	}

	if _, err := codec.Verify("not-a-token", now); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken for garbage, got %v", err)
	}
}

func TestPasetoV4_Verify_WrongKeyIsMalformed(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, 0)
	other := newTestCodec(t, 0)
	now := time.Now().UTC()

	tok, _, err := codec.Issue("owner", "cred", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := other.Verify(tok, now); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken under a different key, got %v", err)
	}
}

func TestPasetoV4_InvalidKeyHex(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = "zz-not-hex"
	if _, err := NewPasetoV4Codec(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

package session

import (
	"testing"
	"time"
)

func TestClassifyCredential(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	revoked := now.Add(-time.Minute)

	cases := []struct {
		name string
		cred Credential
		want credentialState
	}{
		{
			name: "live",
			cred: Credential{ExpiresAt: now.Add(time.Hour)},
			want: stateLive,
		},
		{
			name: "expired",
			cred: Credential{ExpiresAt: now},
			want: stateExpired,
		},
		{
			name: "revoked",
			cred: Credential{ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked},
			want: stateRevoked,
		},
		{
			// Revoked wins even when also expired; a tombstone replay is a
			// reuse signal regardless of expiry.
			name: "revoked_and_expired",
			cred: Credential{ExpiresAt: now.Add(-time.Hour), RevokedAt: &revoked},
			want: stateRevoked,
		},
	}

	for _, tc := range cases {
		if got := classifyCredential(tc.cred, now); got != tc.want {
			t.Fatalf("%s: classify=%v want=%v", tc.name, got, tc.want)
		}
	}
}

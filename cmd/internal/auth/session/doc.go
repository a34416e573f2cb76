// Package session implements paperbase's authentication core: refresh
// credential rotation with reuse detection, per-device session tracking, and
// stateless access-token issuance.
//
// Access tokens are issued as PASETO v4.public and are short-lived; verifying
// one never touches the store. Refresh secrets are opaque random strings and
// are stored hashed in Postgres (HMAC-SHA256 when PAPERBASE_SECRET_HMAC_KEY is
// set; otherwise SHA-256 for dev/back-compat). Revoked credentials are kept as
// tombstones so a replay of their secret is detectable, and a background
// sweeper removes tombstones past the retention window.
//
// Transport (HTTP/WS) integration is intentionally out of scope here.
package session

package auth

import (
	"context"
	"time"
)

// TokenBlacklist is the revocation store consulted during token
// verification. The external auth service adds JTIs on logout; the messaging
// core only reads.
type TokenBlacklist interface {
	// Add blacklists jti until the token's original expiry, after which the
	// entry may be dropped.
	Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error
	// IsBlacklisted reports whether jti has been revoked.
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

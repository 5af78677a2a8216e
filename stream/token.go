package stream

import (
	"context"
	"time"
)

// Credentials is a bearer token with an optional expiry. A zero ExpiresAt
// means the token does not expire client-side.
type Credentials struct {
	Value     string
	ExpiresAt time.Time
}

func (c Credentials) Valid(now time.Time) bool {
	if c.Value == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// TokenProvider supplies the current credentials. Acquisition and refresh
// live outside this core; the manager only consumes tokens, and treats an
// absent or expired one as "do not attempt connect".
type TokenProvider interface {
	Token(ctx context.Context) (Credentials, error)
}

// StaticTokenProvider serves a fixed set of credentials, for hosts that
// refresh tokens by swapping the provider and for tests.
type StaticTokenProvider struct {
	Credentials Credentials
}

func (p StaticTokenProvider) Token(ctx context.Context) (Credentials, error) {
	return p.Credentials, nil
}

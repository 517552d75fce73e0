// Package tier holds the storage backends that the fallback chain walks:
// a replicated Redis cache, a relational Postgres table, and a bounded
// in-process map. All three implement the same Backend contract and report
// unavailability as an error value, never as control flow.
package tier

import (
	"context"
	"errors"

	"github.com/FairForge/sessiontier/internal/session"
)

// Tier names, in fallback precedence order. These appear in the ServedBy
// annotation, health snapshots, and metrics labels.
const (
	NameRedis    = "redis"
	NameDatabase = "database"
	NameMemory   = "memory"
)

var (
	// ErrNotFound means the backend was reachable and authoritatively has
	// no live record for the token. The fallback chain stops on it.
	ErrNotFound = errors.New("tier: not found")

	// ErrUnavailable means the backend itself could not be consulted
	// (connection refused, timeout, transport error). The fallback chain
	// advances past it.
	ErrUnavailable = errors.New("tier: unavailable")

	// ErrCorrupt means the backend returned a record that failed to
	// decode. Read paths treat it as not-found so a corrupt record is
	// never propagated, but it is logged as its own category.
	ErrCorrupt = errors.New("tier: corrupt record")
)

// Backend is the uniform capability each storage tier implements. Every
// call is bounded by the deadline on ctx; a timeout is reported as
// ErrUnavailable like any other transport failure.
//
// Outcomes map onto error values: nil is ok, ErrNotFound is "reachable but
// no live record", anything wrapping ErrUnavailable is "could not consult
// this tier".
type Backend interface {
	Name() string

	// CreateSession writes a full record and starts its expiry window.
	// It has upsert semantics so opportunistic replication can re-create
	// a record on a recovered tier.
	CreateSession(ctx context.Context, rec *session.Record) error

	// ReadSession returns the record if present and unexpired, with
	// ExpiresAt materialized from this tier's expiry state.
	ReadSession(ctx context.Context, token string) (*session.Record, error)

	// UpdateActivity sets the current page, increments the view counter
	// by exactly one, refreshes activity and expiry. It never creates a
	// record that does not already exist.
	UpdateActivity(ctx context.Context, token, page string) error

	// Touch refreshes the expiry window only.
	Touch(ctx context.Context, token string) error

	// DeleteSession removes the session and its cart. Idempotent: deleting
	// an absent token succeeds.
	DeleteSession(ctx context.Context, token string) error

	// CreateCart writes a cart record (upsert) with the cart expiry window.
	CreateCart(ctx context.Context, cart *session.Cart) error

	// AddCartItem merges a line item into an existing cart and updates the
	// totals atomically with respect to concurrent writers on this tier.
	// It never creates a cart that does not already exist.
	AddCartItem(ctx context.Context, token string, item session.CartItem) error

	// ReadCart returns the cart if present and unexpired.
	ReadCart(ctx context.Context, token string) (*session.Cart, error)

	// SessionCount reports the number of live sessions this tier holds.
	SessionCount(ctx context.Context) (int64, error)

	// Ping is the liveness probe. It must respect ctx's deadline strictly;
	// callers use a short timeout so a dead backend cannot stall health
	// checks.
	Ping(ctx context.Context) error

	Close() error
}

// IsUnavailable reports whether err means the tier could not be consulted,
// as opposed to an authoritative not-found.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

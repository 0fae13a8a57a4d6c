// Package bucket provides the fixed-window counter primitive behind the rate
// limiter. A bucket is a counter that resets entirely at window boundaries,
// not a continuously refilling token bucket. Two backends are provided: an
// in-process map for single-instance deployments and a Redis-backed store
// whose consume operation is a single atomic script, so multiple bot
// instances can share one set of counters safely.
package bucket

import (
	"context"
	"fmt"
	"time"
)

// Scope distinguishes the two counter namespaces.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// GlobalIdentity is the fixed sentinel identity for the global scope.
const GlobalIdentity = "all"

// Key identifies one counter window. Within a scope each identity maps to
// exactly one window.
type Key struct {
	Scope    Scope
	Identity string
}

// UserKey builds the per-user key for a sender address.
func UserKey(identity string) Key {
	return Key{Scope: ScopeUser, Identity: identity}
}

// GlobalKey builds the single global key.
func GlobalKey() Key {
	return Key{Scope: ScopeGlobal, Identity: GlobalIdentity}
}

// String renders the storage key, e.g. "ratelimit:user:+15551234567".
func (k Key) String() string {
	return fmt.Sprintf("ratelimit:%s:%s", k.Scope, k.Identity)
}

// Result describes the counter window after a Consume or Peek.
type Result struct {
	ConsumedPoints  int64
	RemainingPoints int64
	RetryAfter      time.Duration // Time left in the current window (meaningful when rejected)
	ResetAt         time.Time     // When the current window expires
}

// Store is the counter-with-expiry contract. Implementations must be safe for
// concurrent use and must make Consume atomic: two concurrent calls may never
// both observe the same pre-increment count.
type Store interface {
	// Consume charges points against the key's current window, starting a
	// fresh window if none exists or the previous one expired. The charge is
	// recorded even when it pushes the counter past capacity; in that case
	// Consume returns a *LimitExceededError carrying the post-increment state.
	Consume(ctx context.Context, key Key, points int64) (Result, error)

	// Peek returns the current window state without mutating it. The second
	// return value is false when no live window exists for the key.
	Peek(ctx context.Context, key Key) (Result, bool, error)

	// Delete removes the key's window. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key Key) error

	// Close releases resources held by the store.
	Close() error
}

// LimitExceededError reports a consume attempt that went past capacity. The
// increment has already been charged when this error is returned.
type LimitExceededError struct {
	Result Result
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %d points consumed, retry in %s",
		e.Result.ConsumedPoints, e.Result.RetryAfter)
}

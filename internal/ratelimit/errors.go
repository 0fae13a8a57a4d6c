package ratelimit

import (
	"fmt"
	"time"

	"wabot/internal/bucket"
)

// LimitError reports a rejected admission. It is an expected operational
// error: callers surface a user-facing wait message and never log it as an
// application fault.
type LimitError struct {
	Scope      bucket.Scope
	Limit      int64
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s scope (limit %d), retry in %s",
		e.Scope, e.Limit, e.RetryAfter)
}

// RetryAfterSeconds returns the wait hint rounded up to whole seconds, ready
// for a user-facing message or a Retry-After header.
func (e *LimitError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter.Seconds())
	if e.RetryAfter > time.Duration(secs)*time.Second {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

package breaker

import (
	"fmt"
	"time"
)

// OpenError signals that the protected upstream is currently unavailable and
// the call was rejected without being attempted. It is an expected
// operational error for callers to turn into user-facing messaging.
type OpenError struct {
	Service string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s is unavailable, circuit open until %s",
		e.Service, e.RetryAt.Format(time.RFC3339))
}

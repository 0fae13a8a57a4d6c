// Package ratelimit gates inbound messages through two independent fixed
// window checks, one keyed by the sender and one shared by all senders, before
// the message is allowed to reach the model provider. The limiter owns both
// counter collections; nothing else reads or writes them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wabot/internal/audit"
	"wabot/internal/bucket"
)

// Config holds the limiter's operating parameters.
type Config struct {
	Enabled       bool
	PerUserLimit  int64
	PerUserWindow time.Duration
	GlobalLimit   int64
	GlobalWindow  time.Duration
	Bypass        []string
}

// Decision is produced fresh for every allowed check; it is never stored.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// ScopeStatus is a read-only view of one scope's current window.
type ScopeStatus struct {
	Limit     int64
	Consumed  int64
	Remaining int64
	ResetAt   time.Time
}

// Status is a non-consuming snapshot of both scopes for one identity.
type Status struct {
	Enabled  bool
	Bypassed bool
	User     ScopeStatus
	Global   ScopeStatus
}

// Limiter is the dual-scope admission gate. It is safe for concurrent use
// when its stores are.
type Limiter struct {
	config       Config
	userBucket   bucket.Store
	globalBucket bucket.Store
	bypass       map[string]struct{}
	sink         audit.Sink
	logger       *slog.Logger
}

// NewLimiter creates a limiter over the two scope stores. The stores must be
// configured with the matching capacity and window from cfg.
func NewLimiter(cfg Config, userBucket, globalBucket bucket.Store, sink audit.Sink, logger *slog.Logger) (*Limiter, error) {
	if userBucket == nil || globalBucket == nil {
		return nil, errors.New("both scope stores are required")
	}
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	bypass := make(map[string]struct{}, len(cfg.Bypass))
	for _, identity := range cfg.Bypass {
		bypass[identity] = struct{}{}
	}

	return &Limiter{
		config:       cfg,
		userBucket:   userBucket,
		globalBucket: globalBucket,
		bypass:       bypass,
		sink:         sink,
		logger:       logger,
	}, nil
}

// Check admits or rejects one inbound message for identity. The user scope is
// always checked first; the global bucket is never touched when the user
// check rejects. Once the user check passes its point stays charged even if
// the global check then rejects: global scarcity is deliberately reflected in
// per-user allowances.
//
// Infrastructure errors from either store fail open: the message is admitted
// and the fault logged, so a limiter outage never blocks all traffic.
func (l *Limiter) Check(ctx context.Context, identity string) (Decision, error) {
	if !l.config.Enabled {
		return Decision{Allowed: true, Remaining: l.config.PerUserLimit}, nil
	}

	if _, ok := l.bypass[identity]; ok {
		return Decision{Allowed: true, Remaining: l.config.PerUserLimit}, nil
	}

	userResult, err := l.userBucket.Consume(ctx, bucket.UserKey(identity), 1)
	if err != nil {
		var limitErr *bucket.LimitExceededError
		if !errors.As(err, &limitErr) {
			l.logger.WarnContext(ctx, "Rate limit store error, failing open",
				"scope", "user", "identity", identity, "error", err)
			return Decision{Allowed: true, Remaining: l.config.PerUserLimit}, nil
		}

		event := audit.NewEvent(audit.KindUserLimitExceeded)
		event.Identity = identity
		event.Fields["limit"] = l.config.PerUserLimit
		event.Fields["consumed"] = limitErr.Result.ConsumedPoints
		l.sink.Record(ctx, event)

		return Decision{}, &LimitError{
			Scope:      bucket.ScopeUser,
			Limit:      l.config.PerUserLimit,
			RetryAfter: limitErr.Result.RetryAfter,
		}
	}

	if _, err := l.globalBucket.Consume(ctx, bucket.GlobalKey(), 1); err != nil {
		var limitErr *bucket.LimitExceededError
		if !errors.As(err, &limitErr) {
			l.logger.WarnContext(ctx, "Rate limit store error, failing open",
				"scope", "global", "error", err)
			return Decision{Allowed: true, Remaining: userResult.RemainingPoints}, nil
		}

		event := audit.NewEvent(audit.KindGlobalLimitExceeded)
		event.Fields["limit"] = l.config.GlobalLimit
		event.Fields["consumed"] = limitErr.Result.ConsumedPoints
		l.sink.Record(ctx, event)

		return Decision{}, &LimitError{
			Scope:      bucket.ScopeGlobal,
			Limit:      l.config.GlobalLimit,
			RetryAfter: limitErr.Result.RetryAfter,
		}
	}

	return Decision{Allowed: true, Remaining: userResult.RemainingPoints}, nil
}

// Status reports both scopes for identity without consuming anything.
func (l *Limiter) Status(ctx context.Context, identity string) (Status, error) {
	_, bypassed := l.bypass[identity]
	status := Status{
		Enabled:  l.config.Enabled,
		Bypassed: bypassed,
		User:     ScopeStatus{Limit: l.config.PerUserLimit, Remaining: l.config.PerUserLimit},
		Global:   ScopeStatus{Limit: l.config.GlobalLimit, Remaining: l.config.GlobalLimit},
	}

	userResult, exists, err := l.userBucket.Peek(ctx, bucket.UserKey(identity))
	if err != nil {
		return Status{}, fmt.Errorf("failed to read user scope: %w", err)
	}
	if exists {
		status.User.Consumed = userResult.ConsumedPoints
		status.User.Remaining = userResult.RemainingPoints
		status.User.ResetAt = userResult.ResetAt
	}

	globalResult, exists, err := l.globalBucket.Peek(ctx, bucket.GlobalKey())
	if err != nil {
		return Status{}, fmt.Errorf("failed to read global scope: %w", err)
	}
	if exists {
		status.Global.Consumed = globalResult.ConsumedPoints
		status.Global.Remaining = globalResult.RemainingPoints
		status.Global.ResetAt = globalResult.ResetAt
	}

	return status, nil
}

// Reset deletes the per-user window for identity. It is idempotent and does
// not touch the global scope.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	if err := l.userBucket.Delete(ctx, bucket.UserKey(identity)); err != nil {
		return fmt.Errorf("failed to reset user scope: %w", err)
	}
	return nil
}

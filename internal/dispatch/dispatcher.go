// Package dispatch runs the per-message admission flow: resolve the sender's
// identity, gate the message through the rate limiter, then call the model
// provider through the circuit breaker. Rejections become user-facing replies
// rather than faults.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wabot/internal/breaker"
	"wabot/internal/chat"
	"wabot/internal/ratelimit"
)

// Message is one inbound WhatsApp message, already decoded by the transport
// layer. From is the sender's stable address and serves as the rate limit
// identity.
type Message struct {
	ID   string
	From string
	Text string
}

// Outcome is the dispatcher's verdict on one message. Reply always carries
// the text to send back, whether a model completion or a wait/unavailable
// notice.
type Outcome struct {
	Accepted          bool
	Reply             string
	Remaining         int64
	RetryAfterSeconds int
}

// Dispatcher owns the admission path for inbound messages.
type Dispatcher struct {
	limiter      *ratelimit.Limiter
	breaker      *breaker.Breaker
	provider     chat.Provider
	systemPrompt string
	logger       *slog.Logger
}

// New creates a dispatcher. All collaborators are required except the logger,
// which falls back to slog.Default.
func New(limiter *ratelimit.Limiter, b *breaker.Breaker, provider chat.Provider, logger *slog.Logger) (*Dispatcher, error) {
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if b == nil {
		return nil, errors.New("circuit breaker is required")
	}
	if provider == nil {
		return nil, errors.New("chat provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		limiter:      limiter,
		breaker:      b,
		provider:     provider,
		systemPrompt: "You are a helpful assistant replying over WhatsApp. Keep answers concise.",
		logger:       logger,
	}, nil
}

// Handle processes one inbound message end to end. Operational rejections
// (rate limit, open circuit) produce an accepted=false Outcome with a
// user-facing reply; only infrastructure and upstream faults return an error.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (Outcome, error) {
	if msg.From == "" {
		return Outcome{}, errors.New("message has no sender")
	}
	if msg.Text == "" {
		return Outcome{}, errors.New("message has no text")
	}

	decision, err := d.limiter.Check(ctx, msg.From)
	if err != nil {
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			// Expected operational rejection, not an application fault.
			d.logger.InfoContext(ctx, "Message rejected by rate limiter",
				"identity", msg.From,
				"scope", string(limitErr.Scope),
				"retry_after_seconds", limitErr.RetryAfterSeconds())
			return Outcome{
				Accepted:          false,
				Reply:             waitMessage(limitErr),
				RetryAfterSeconds: limitErr.RetryAfterSeconds(),
			}, nil
		}
		return Outcome{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	conversation := chat.Conversation{
		Turns: []chat.Turn{
			{Role: chat.RoleSystem, Content: d.systemPrompt},
			{Role: chat.RoleUser, Content: msg.Text},
		},
	}

	reply, err := breaker.Execute(ctx, d.breaker, func(ctx context.Context) (chat.Reply, error) {
		return d.provider.Complete(ctx, conversation)
	})
	if err != nil {
		if breaker.IsOpenError(err) {
			d.logger.InfoContext(ctx, "Message rejected, upstream circuit open",
				"identity", msg.From)
			return Outcome{
				Accepted: false,
				Reply:    unavailableMessage,
			}, nil
		}
		// The failed call already drove the breaker's bookkeeping; surface it
		// so the transport layer can respond appropriately.
		return Outcome{}, fmt.Errorf("model completion failed: %w", err)
	}

	d.logger.DebugContext(ctx, "Message completed",
		"identity", msg.From,
		"model", reply.Model,
		"prompt_tokens", reply.PromptTokens,
		"completion_tokens", reply.CompletionTokens)

	return Outcome{
		Accepted:  true,
		Reply:     reply.Content,
		Remaining: decision.Remaining,
	}, nil
}

const unavailableMessage = "The assistant is temporarily unavailable. Please try again in a little while."

func waitMessage(limitErr *ratelimit.LimitError) string {
	return fmt.Sprintf("You're sending messages too quickly. Please wait %d seconds and try again.",
		limitErr.RetryAfterSeconds())
}

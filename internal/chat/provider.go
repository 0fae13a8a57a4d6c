// Package chat abstracts the upstream language-model provider. The dispatcher
// only sees the Provider interface; the OpenAI implementation lives behind it
// so tests can substitute a stub.
package chat

import (
	"context"
	"errors"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role
	Content string
}

// Conversation is the prompt context sent upstream, oldest turn first.
type Conversation struct {
	Turns []Turn
}

// Reply is a completed model response.
type Reply struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider completes a conversation. A failed call is the normal signal that
// drives the circuit breaker; implementations return errors rather than
// retrying internally.
type Provider interface {
	Complete(ctx context.Context, conversation Conversation) (Reply, error)
}

// ErrEmptyConversation is returned when a completion is requested with no turns.
var ErrEmptyConversation = errors.New("conversation has no turns")

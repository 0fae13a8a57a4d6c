package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabot/internal/audit"
	"wabot/internal/breaker"
	"wabot/internal/bucket"
	"wabot/internal/chat"
	"wabot/internal/ratelimit"
)

// stubProvider returns canned replies or errors and records invocations.
type stubProvider struct {
	mu      sync.Mutex
	reply   chat.Reply
	err     error
	calls   int
	lastMsg chat.Conversation
}

func (p *stubProvider) Complete(ctx context.Context, conversation chat.Conversation) (chat.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastMsg = conversation
	if p.err != nil {
		return chat.Reply{}, p.err
	}
	return p.reply, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestDispatcher(t *testing.T, perUserLimit int64, provider chat.Provider) (*Dispatcher, *breaker.Breaker) {
	t.Helper()

	user := bucket.NewMemoryStore(perUserLimit, time.Minute, time.Hour)
	global := bucket.NewMemoryStore(1000, time.Minute, time.Hour)
	t.Cleanup(func() {
		user.Close()
		global.Close()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:       true,
		PerUserLimit:  perUserLimit,
		PerUserWindow: time.Minute,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,
	}, user, global, audit.NewLogSink(logger), logger)
	require.NoError(t, err)

	b := breaker.New(breaker.Config{
		Name:             "openai",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Hour,
	}, nil)

	d, err := New(limiter, b, provider, logger)
	require.NoError(t, err)
	return d, b
}

func TestDispatcher_HappyPath(t *testing.T) {
	provider := &stubProvider{reply: chat.Reply{Content: "Hi there!", Model: "gpt-4o-mini"}}
	d, _ := newTestDispatcher(t, 5, provider)

	outcome, err := d.Handle(context.Background(), Message{
		ID:   "wamid.1",
		From: "+15551234567",
		Text: "hello",
	})
	require.NoError(t, err)

	assert.True(t, outcome.Accepted)
	assert.Equal(t, "Hi there!", outcome.Reply)
	assert.Equal(t, int64(4), outcome.Remaining)
	assert.Equal(t, 1, provider.callCount())

	// The user's text reaches the provider behind a system prompt.
	require.Len(t, provider.lastMsg.Turns, 2)
	assert.Equal(t, chat.RoleSystem, provider.lastMsg.Turns[0].Role)
	assert.Equal(t, "hello", provider.lastMsg.Turns[1].Content)
}

func TestDispatcher_RateLimitedReply(t *testing.T) {
	provider := &stubProvider{reply: chat.Reply{Content: "ok"}}
	d, _ := newTestDispatcher(t, 1, provider)
	ctx := context.Background()

	_, err := d.Handle(ctx, Message{From: "+15551234567", Text: "first"})
	require.NoError(t, err)

	outcome, err := d.Handle(ctx, Message{From: "+15551234567", Text: "second"})
	require.NoError(t, err, "a rate limit rejection is not a dispatcher error")

	assert.False(t, outcome.Accepted)
	assert.Contains(t, outcome.Reply, "too quickly")
	assert.Positive(t, outcome.RetryAfterSeconds)
	assert.Equal(t, 1, provider.callCount(), "rejected messages never reach the provider")
}

func TestDispatcher_CircuitOpenReply(t *testing.T) {
	provider := &stubProvider{err: errors.New("upstream down")}
	d, b := newTestDispatcher(t, 100, provider)
	ctx := context.Background()

	// Two failures trip the breaker; the upstream error surfaces to the
	// transport layer both times.
	for i := 0; i < 2; i++ {
		_, err := d.Handle(ctx, Message{From: "+15551234567", Text: "hi"})
		require.Error(t, err)
	}
	require.True(t, b.IsOpen())

	outcome, err := d.Handle(ctx, Message{From: "+15551234567", Text: "hi again"})
	require.NoError(t, err, "an open circuit is an operational rejection, not a fault")

	assert.False(t, outcome.Accepted)
	assert.Contains(t, outcome.Reply, "temporarily unavailable")
	assert.Equal(t, 2, provider.callCount(), "short-circuited calls skip the provider")
}

func TestDispatcher_InvalidMessages(t *testing.T) {
	d, _ := newTestDispatcher(t, 5, &stubProvider{})

	_, err := d.Handle(context.Background(), Message{Text: "no sender"})
	assert.Error(t, err)

	_, err = d.Handle(context.Background(), Message{From: "+15551234567"})
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	provider := &stubProvider{}
	d, b := newTestDispatcher(t, 5, provider)
	_ = d

	_, err := New(nil, b, provider, nil)
	assert.Error(t, err)

	_, err = New(d.limiter, nil, provider, nil)
	assert.Error(t, err)

	_, err = New(d.limiter, b, nil, nil)
	assert.Error(t, err)
}

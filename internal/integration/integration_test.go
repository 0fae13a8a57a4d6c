package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wabot/internal/api"
	"wabot/internal/audit"
	"wabot/internal/breaker"
	"wabot/internal/bucket"
	"wabot/internal/chat"
	"wabot/internal/dispatch"
	"wabot/internal/models"
	"wabot/internal/ratelimit"
)

// Integration tests that exercise the entire admission path end-to-end:
// HTTP transport, dual-scope limiter, circuit breaker, and audit trail.

type scriptedProvider struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *scriptedProvider) Complete(_ context.Context, conv chat.Conversation) (chat.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return chat.Reply{}, errors.New("upstream timeout")
	}
	last := conv.Turns[len(conv.Turns)-1]
	return chat.Reply{Content: "echo: " + last.Content, Model: "test-model"}, nil
}

func (p *scriptedProvider) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type env struct {
	server   *httptest.Server
	provider *scriptedProvider
	breaker  *breaker.Breaker
}

func newEnv(t *testing.T, userStore, globalStore bucket.Store, sink audit.Sink) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:       true,
		PerUserLimit:  3,
		PerUserWindow: time.Minute,
		GlobalLimit:   10,
		GlobalWindow:  time.Minute,
	}, userStore, globalStore, sink, logger)
	require.NoError(t, err)

	b := breaker.New(breaker.Config{
		Name:             "openai",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Second,
	}, sink)

	provider := &scriptedProvider{}
	dispatcher, err := dispatch.New(limiter, b, provider, logger)
	require.NoError(t, err)

	handlers := api.NewHandlers(dispatcher, limiter, b)
	server := httptest.NewServer(api.SetupRoutes(handlers))
	t.Cleanup(server.Close)

	return &env{server: server, provider: provider, breaker: b}
}

func (e *env) postMessage(t *testing.T, from, text string) (*http.Response, models.MessageResponse) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"from": from, "text": text})
	require.NoError(t, err)

	resp, err := http.Post(e.server.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded models.MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestIntegration_FullAdmissionFlow(t *testing.T) {
	userStore := bucket.NewMemoryStore(3, time.Minute, time.Minute)
	globalStore := bucket.NewMemoryStore(10, time.Minute, time.Minute)
	defer userStore.Close()
	defer globalStore.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEnv(t, userStore, globalStore, audit.NewLogSink(logger))

	// Step 1: three messages within capacity are admitted and replied to.
	for i := 1; i <= 3; i++ {
		resp, decoded := e.postMessage(t, "+15550100001", fmt.Sprintf("message %d", i))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decoded.Accepted)
		assert.Equal(t, fmt.Sprintf("echo: message %d", i), decoded.Reply)
		assert.Equal(t, int64(3-i), decoded.Remaining)
	}

	// Step 2: the fourth message is rejected with a wait hint.
	resp, decoded := e.postMessage(t, "+15550100001", "message 4")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, decoded.Accepted)
	assert.Greater(t, decoded.RetryAfterSeconds, 0)

	// Step 3: a different sender is unaffected.
	resp, decoded = e.postMessage(t, "+15550100002", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decoded.Accepted)

	// Step 4: status endpoint reflects both scopes. The rejected attempt still
	// charged the first sender's window.
	statusResp, err := http.Get(e.server.URL + "/api/v1/ratelimit/+15550100001")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status models.RateLimitStatusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, int64(4), status.User.Consumed)
	assert.Equal(t, int64(0), status.User.Remaining)
	assert.Equal(t, int64(4), status.Global.Consumed) // rejection never charged global

	// Step 5: admin reset restores the first sender.
	req, err := http.NewRequest("DELETE", e.server.URL+"/api/v1/ratelimit/+15550100001", nil)
	require.NoError(t, err)
	resetResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resetResp.Body.Close()
	require.Equal(t, http.StatusNoContent, resetResp.StatusCode)

	resp, decoded = e.postMessage(t, "+15550100001", "after reset")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decoded.Accepted)
}

func TestIntegration_BreakerTripsAndRecovers(t *testing.T) {
	userStore := bucket.NewMemoryStore(100, time.Minute, time.Minute)
	globalStore := bucket.NewMemoryStore(100, time.Minute, time.Minute)
	defer userStore.Close()
	defer globalStore.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEnv(t, userStore, globalStore, audit.NewLogSink(logger))

	// Two upstream failures open the circuit.
	e.provider.setFail(true)
	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(map[string]string{"from": "+15550100003", "text": "hi"})
		resp, err := http.Post(e.server.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	// Subsequent messages short-circuit without reaching the provider.
	before := e.provider.callCount()
	resp, decoded := e.postMessage(t, "+15550100003", "hi")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, decoded.Accepted)
	assert.Equal(t, before, e.provider.callCount())

	// Breaker status reports open with a probe deadline.
	statusResp, err := http.Get(e.server.URL + "/api/v1/breaker")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var breakerStatus models.BreakerStatusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&breakerStatus))
	assert.Equal(t, "open", breakerStatus.State)
	require.NotNil(t, breakerStatus.NextAttemptAt)

	// Admin reset plus healthy upstream restores service immediately.
	e.provider.setFail(false)
	resetResp, err := http.Post(e.server.URL+"/api/v1/breaker/reset", "application/json", nil)
	require.NoError(t, err)
	resetResp.Body.Close()
	require.Equal(t, http.StatusOK, resetResp.StatusCode)

	resp, decoded = e.postMessage(t, "+15550100003", "back again")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decoded.Accepted)
	assert.Equal(t, "echo: back again", decoded.Reply)
}

func TestIntegration_RedisBackedAdmission(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	userStore := bucket.NewRedisStore(client, 3, time.Minute)
	globalStore := bucket.NewRedisStore(client, 10, time.Minute)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEnv(t, userStore, globalStore, audit.NewLogSink(logger))

	for i := 0; i < 3; i++ {
		resp, decoded := e.postMessage(t, "+15550100004", "hi")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decoded.Accepted)
	}

	resp, decoded := e.postMessage(t, "+15550100004", "hi")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, decoded.Accepted)

	// Advancing past the window admits the sender again.
	mr.FastForward(time.Minute + time.Second)
	resp, decoded = e.postMessage(t, "+15550100004", "hi")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decoded.Accepted)
}

func TestIntegration_AuditTrailPersisted(t *testing.T) {
	userStore := bucket.NewMemoryStore(3, time.Minute, time.Minute)
	globalStore := bucket.NewMemoryStore(10, time.Minute, time.Minute)
	defer userStore.Close()
	defer globalStore.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	sink, err := audit.NewSQLiteSink(dbPath, 16, logger)
	require.NoError(t, err)

	e := newEnv(t, userStore, globalStore, sink)

	// Exhaust one sender's window, then fail the upstream twice to open the
	// breaker.
	for i := 0; i < 4; i++ {
		e.postMessage(t, "+15550100005", "hi")
	}

	e.provider.setFail(true)
	for i := 0; i < 2; i++ {
		body, _ := json.Marshal(map[string]string{"from": "+15550100006", "text": "hi"})
		resp, err := http.Post(e.server.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.NoError(t, sink.Close())

	events, err := audit.ReadSQLiteEvents(dbPath)
	require.NoError(t, err)

	kinds := make([]audit.Kind, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	assert.Contains(t, kinds, audit.KindUserLimitExceeded)
	assert.Contains(t, kinds, audit.KindBreakerOpened)
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"wabot/internal/breaker"
	"wabot/internal/dispatch"
	"wabot/internal/models"
	"wabot/internal/ratelimit"
	"wabot/internal/version"
)

// Handlers contains HTTP handlers for the admission API
type Handlers struct {
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
}

// NewHandlers creates a new handlers instance
func NewHandlers(dispatcher *dispatch.Dispatcher, limiter *ratelimit.Limiter, b *breaker.Breaker) *Handlers {
	return &Handlers{
		dispatcher: dispatcher,
		limiter:    limiter,
		breaker:    b,
	}
}

// MessageRequest is the inbound webhook payload.
type MessageRequest struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Text string `json:"text"`
}

// HandleMessage handles inbound messages
// POST /api/v1/messages
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.From == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Field 'from' is required")
		return
	}
	if req.Text == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "Field 'text' is required")
		return
	}

	outcome, err := h.dispatcher.Handle(r.Context(), dispatch.Message{
		ID:   req.ID,
		From: req.From,
		Text: req.Text,
	})
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadGateway, models.ErrorCodeInternalError, err.Error())
		return
	}

	response := models.MessageResponse{
		Accepted:          outcome.Accepted,
		Reply:             outcome.Reply,
		Remaining:         outcome.Remaining,
		RetryAfterSeconds: outcome.RetryAfterSeconds,
	}

	// Operational rejections stay machine-distinguishable by status code while
	// still carrying the outbound reply text.
	status := http.StatusOK
	if !outcome.Accepted {
		if outcome.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", outcome.RetryAfterSeconds))
			status = http.StatusTooManyRequests
		} else {
			status = http.StatusServiceUnavailable
		}
	}

	h.writeJSONResponse(w, status, response)
}

// GetRateLimitStatus handles rate limit inspection requests
// GET /api/v1/ratelimit/{identity}
func (h *Handlers) GetRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	identity := vars["identity"]

	status, err := h.limiter.Status(r.Context(), identity)
	if err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, err.Error())
		return
	}

	response := models.RateLimitStatusResponse{
		Identity: identity,
		Enabled:  status.Enabled,
		Bypassed: status.Bypassed,
		User: models.ScopeStatus{
			Limit:     status.User.Limit,
			Consumed:  status.User.Consumed,
			Remaining: status.User.Remaining,
			ResetAt:   status.User.ResetAt,
		},
		Global: models.ScopeStatus{
			Limit:     status.Global.Limit,
			Consumed:  status.Global.Consumed,
			Remaining: status.Global.Remaining,
			ResetAt:   status.Global.ResetAt,
		},
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// ResetRateLimit handles admin resets of a single user's window
// DELETE /api/v1/ratelimit/{identity}
func (h *Handlers) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	identity := vars["identity"]

	if err := h.limiter.Reset(r.Context(), identity); err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBreakerStatus handles breaker inspection requests
// GET /api/v1/breaker
func (h *Handlers) GetBreakerStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.breaker.Stats()

	response := models.BreakerStatusResponse{
		Service:      h.breaker.Name(),
		State:        stats.State.String(),
		FailureCount: stats.FailureCount,
		SuccessCount: stats.SuccessCount,
	}
	if !stats.NextAttemptAt.IsZero() {
		response.NextAttemptAt = &stats.NextAttemptAt
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// ResetBreaker handles admin resets of the breaker
// POST /api/v1/breaker/reset
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.breaker.Reset()
	h.GetBreakerStatus(w, r)
}

// HealthCheck handles health check requests
// GET /health and GET /api/v1/health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(version.GetInfo().Version)
	h.writeJSONResponse(w, http.StatusOK, response)
}

// writeJSONResponse writes a JSON response with the given status code
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more to send.
		fmt.Printf("Error encoding JSON response: %v\n", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	h.writeJSONResponse(w, statusCode, errorResp)
}

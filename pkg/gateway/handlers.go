package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quelabs/quecore/pkg/runtime"
)

// InvokeRequest is the POST /v1/invoke body.
type InvokeRequest struct {
	Tool              string         `json:"tool"`
	Args              map[string]any `json:"args,omitempty"`
	CallerID          string         `json:"caller_id"`
	TimeoutMs         int64          `json:"timeout_ms,omitempty"`
	ConfirmationToken string         `json:"confirmation_token,omitempty"`
	RequestID         string         `json:"request_id,omitempty"`
}

// ConfirmationRequest is the POST /v1/confirmations body.
type ConfirmationRequest struct {
	RequestID string `json:"request_id"`
}

// ConfirmationResponse carries an issued token back to the driver.
type ConfirmationResponse struct {
	Token     string    `json:"token"`
	RequestID string    `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.rt.ListTools()})
}

// handleInvoke runs one invocation. Routine failures (validation, denial,
// tool errors, timeouts) are HTTP 200 with the error kind in the body;
// non-200 means the gateway or runtime itself misbehaved.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}
	if req.Tool == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tool is required"})
		return
	}
	if req.CallerID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "caller_id is required"})
		return
	}

	out, err := s.rt.Invoke(r.Context(), runtime.InvokeOptions{
		Tool:              req.Tool,
		Args:              req.Args,
		CallerID:          req.CallerID,
		Timeout:           time.Duration(req.TimeoutMs) * time.Millisecond,
		ConfirmationToken: req.ConfirmationToken,
		RequestID:         req.RequestID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("tool", req.Tool).Msg("Invocation failed")
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	var req ConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return
	}
	if req.RequestID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request_id is required"})
		return
	}

	token, err := s.rt.Confirm(req.RequestID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, ConfirmationResponse{
		Token:     token.Value,
		RequestID: token.RequestID,
		ExpiresAt: token.ExpiresAt,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

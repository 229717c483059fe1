package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/config"
	"github.com/voiceforge/forge/pkg/gateway/mw"
	"github.com/voiceforge/forge/pkg/gateway/session"
)

// AgentTester simulates the built agent over text.
type AgentTester interface {
	Chat(ctx context.Context, sessionID, message string, fields agent.Fields) (string, error)
}

// TestHandler lets the client talk to the persona of a finished build before
// touching the deployed endpoint.
type TestHandler struct {
	Config   config.Config
	Registry *session.Registry
	Tester   AgentTester
	Logger   *slog.Logger
}

type testRequest struct {
	Message string `json:"message"`
}

func (h TestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := r.PathValue("session_id")

	if h.Tester == nil {
		writeErrorJSON(w, reqID, &agent.Error{
			Type:    agent.ErrInvalidRequest,
			Message: "agent testing is not configured",
		}, http.StatusBadRequest)
		return
	}

	sess, ok := h.Registry.Get(sessionID)
	if !ok {
		writeErrorJSON(w, reqID, &agent.Error{
			Type:    agent.ErrNotFound,
			Message: "no session found",
			Param:   "session_id",
		}, http.StatusNotFound)
		return
	}
	if sess.BuildStatus() != agent.BuildComplete {
		writeErrorJSON(w, reqID, &agent.Error{
			Type:    agent.ErrInvalidRequest,
			Message: "agent has not been built yet",
		}, http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, reqID, agent.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}
	var req testRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorJSON(w, reqID, agent.NewInvalidRequestError("request body must be JSON"), http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeErrorJSON(w, reqID, &agent.Error{
			Type:    agent.ErrInvalidRequest,
			Message: "message is required",
			Param:   "message",
		}, http.StatusBadRequest)
		return
	}

	reply, err := h.Tester.Chat(r.Context(), sessionID, req.Message, sess.Fields())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("test chat", "request_id", reqID, "session_id", sessionID, "error", err)
		}
		writeErr(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"response":   reply,
	})
}

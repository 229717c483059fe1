package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/mw"
	"github.com/voiceforge/forge/pkg/store"
)

// AgentsHandler lists the tenant's deployed agents ("My Agents").
type AgentsHandler struct {
	Store  store.AgentStore
	Logger *slog.Logger
}

func (h AgentsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	tenantID, _ := mw.TenantFrom(r.Context())

	agents, err := h.Store.List(r.Context(), tenantID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list agents", "request_id", reqID, "error", err)
		}
		writeErr(w, reqID, err)
		return
	}
	if agents == nil {
		agents = []agent.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// AgentHandler fetches one deployed agent by id.
type AgentHandler struct {
	Store  store.AgentStore
	Logger *slog.Logger
}

func (h AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	tenantID, _ := mw.TenantFrom(r.Context())
	agentID := r.PathValue("agent_id")

	rec, err := h.Store.Get(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeNotFound(w, reqID)
			return
		}
		if h.Logger != nil {
			h.Logger.Error("get agent", "request_id", reqID, "agent_id", agentID, "error", err)
		}
		writeErr(w, reqID, err)
		return
	}
	// A tenant-tagged request cannot see another tenant's agent; answer as if
	// it did not exist.
	if tenantID != "" && rec.TenantID != "" && rec.TenantID != tenantID {
		h.writeNotFound(w, reqID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h AgentHandler) writeNotFound(w http.ResponseWriter, reqID string) {
	writeErrorJSON(w, reqID, &agent.Error{
		Type:    agent.ErrNotFound,
		Message: "no agent found",
		Param:   "agent_id",
	}, http.StatusNotFound)
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/apierror"
	"github.com/voiceforge/forge/pkg/gateway/mw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, reqID string, err error) {
	agentErr, status := apierror.FromError(err, reqID)
	writeJSON(w, status, apierror.Envelope{Error: agentErr})
}

func writeErrorJSON(w http.ResponseWriter, reqID string, agentErr *agent.Error, status int) {
	if agentErr != nil && agentErr.RequestID == "" {
		agentErr.RequestID = reqID
	}
	writeJSON(w, status, apierror.Envelope{Error: agentErr})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeErrorJSON(w, reqID, &agent.Error{
		Type:    agent.ErrNotFound,
		Message: "not found",
	}, http.StatusNotFound)
}

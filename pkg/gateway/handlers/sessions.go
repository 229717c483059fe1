package handlers

import (
	"net/http"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/build"
	"github.com/voiceforge/forge/pkg/gateway/mw"
	"github.com/voiceforge/forge/pkg/gateway/session"
)

// SessionHandler serves the synchronous state fetch reconnecting clients use
// to catch up before re-opening the websocket.
type SessionHandler struct {
	Registry   *session.Registry
	Supervisor *build.Supervisor
}

type sessionResponse struct {
	SessionID       string              `json:"session_id"`
	IsComplete      bool                `json:"is_complete"`
	ExtractedFields agent.Fields        `json:"extracted_fields,omitempty"`
	SelectedVoiceID string              `json:"selected_voice_id,omitempty"`
	BuildStatus     agent.BuildStatus   `json:"build_status"`
	Phases          []build.PhaseStatus `json:"phases,omitempty"`
	History         []agent.Message     `json:"history,omitempty"`
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := r.PathValue("session_id")

	sess, ok := h.Registry.Get(sessionID)
	if !ok {
		writeErrorJSON(w, reqID, &agent.Error{
			Type:    agent.ErrNotFound,
			Message: "no session found",
			Param:   "session_id",
		}, http.StatusNotFound)
		return
	}

	resp := sessionResponse{
		SessionID:       sessionID,
		ExtractedFields: sess.Fields(),
		SelectedVoiceID: sess.SelectedVoice(),
		BuildStatus:     sess.BuildStatus(),
		History:         sess.History(),
	}
	if last := sess.LastExtraction(); last != nil {
		resp.IsComplete = last.IsComplete
	}
	if h.Supervisor != nil {
		if phases, ok := h.Supervisor.PhaseStatuses(sessionID); ok {
			resp.Phases = phases[:]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

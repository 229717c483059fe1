package handlers

import (
	"log/slog"
	"net/http"

	"github.com/voiceforge/forge/pkg/gateway/build"
	"github.com/voiceforge/forge/pkg/gateway/mw"
)

// BuildHandler is the REST fallback for starting a build when the websocket
// is not up. The build itself still streams over the relay.
type BuildHandler struct {
	Supervisor *build.Supervisor
	Logger     *slog.Logger
}

func (h BuildHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := r.PathValue("session_id")

	if err := h.Supervisor.Start(sessionID); err != nil {
		writeErr(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"status":     "build_started",
	})
}

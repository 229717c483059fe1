package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/mw"
	"github.com/voiceforge/forge/pkg/gateway/relay"
	"github.com/voiceforge/forge/pkg/gateway/sse"
)

// EventsHandler streams a session's relay envelopes as server-sent events.
// It exists for clients behind proxies that strip websocket upgrades; the
// websocket remains the primary transport and the only one that accepts
// commands.
type EventsHandler struct {
	Hub          *relay.Hub
	PingInterval time.Duration
	Logger       *slog.Logger
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeErrorJSON(w, reqID, &agent.Error{
			Type:    agent.ErrInvalidRequest,
			Message: "session id is required",
			Param:   "session_id",
		}, http.StatusBadRequest)
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		writeErrorJSON(w, reqID, agent.NewAPIError("streaming unsupported"), http.StatusInternalServerError)
		return
	}

	events, stop := h.Hub.Watch(sessionID)
	defer stop()

	interval := h.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env := <-events:
			if err := sw.Send(env.Type, env); err != nil {
				return
			}
		case <-ticker.C:
			if err := sw.Ping(); err != nil {
				return
			}
		}
	}
}

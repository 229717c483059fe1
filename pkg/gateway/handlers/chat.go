package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/config"
	"github.com/voiceforge/forge/pkg/gateway/metrics"
	"github.com/voiceforge/forge/pkg/gateway/mw"
	"github.com/voiceforge/forge/pkg/gateway/relay"
	"github.com/voiceforge/forge/pkg/gateway/session"
	"github.com/voiceforge/forge/pkg/worker"
)

// Extractor is the one extraction round against the worker process. The
// concrete implementation never fails; worker trouble comes back as the
// fallback result.
type Extractor interface {
	Invoke(ctx context.Context, payload worker.ExtractionPayload) *agent.ExtractionResult
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID         string                 `json:"session_id"`
	IsComplete        bool                   `json:"is_complete"`
	Clarification     string                 `json:"clarification,omitempty"`
	NextQuestion      string                 `json:"next_question,omitempty"`
	Suggestions       []string               `json:"suggestions,omitempty"`
	ExtractedFields   agent.Fields           `json:"extracted_fields,omitempty"`
	MissingFields     []string               `json:"missing_fields,omitempty"`
	VoiceCandidates   []agent.VoiceCandidate `json:"voice_candidates,omitempty"`
	SelectedVoiceID   string                 `json:"selected_voice_id,omitempty"`
	CompletenessScore int                    `json:"completeness_score"`
}

// ChatHandler runs one human-in-the-loop extraction round.
type ChatHandler struct {
	Config    config.Config
	Registry  *session.Registry
	Extractor Extractor
	Hub       *relay.Hub
	Logger    *slog.Logger
	Metrics   *metrics.Set
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, reqID, agent.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}

	var req chatRequest
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

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tenantID, _ := mw.TenantFrom(r.Context())
	sess := h.Registry.GetOrCreate(sessionID, tenantID)
	h.Metrics.SetSessionCount(h.Registry.Len())

	history := sess.AppendUser(req.Message)

	ctx := r.Context()
	if h.Config.ExtractionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.ExtractionTimeout)
		defer cancel()
	}

	res := h.Extractor.Invoke(ctx, worker.ExtractionPayload{
		Message: req.Message,
		History: history,
	})
	sess.ApplyExtraction(res)

	// Mirror the round onto the relay so an open builder view updates live.
	if h.Hub != nil && h.Hub.Subscribed(sessionID) {
		h.Hub.PublishLog(sessionID, relay.LogData{
			Phase:           string(worker.TagSystem),
			Message:         replyOf(res),
			ExtractedFields: sess.Fields(),
			VoiceCandidates: res.VoiceCandidates,
			ReadyToBuild:    res.IsComplete,
		})
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:         sessionID,
		IsComplete:        res.IsComplete,
		Clarification:     res.Clarification,
		NextQuestion:      res.NextQuestion,
		Suggestions:       res.Suggestions,
		ExtractedFields:   sess.Fields(),
		MissingFields:     res.MissingFields,
		VoiceCandidates:   res.VoiceCandidates,
		SelectedVoiceID:   sess.SelectedVoice(),
		CompletenessScore: res.CompletenessScore,
	})
}

func replyOf(res *agent.ExtractionResult) string {
	if res.Clarification != "" {
		return res.Clarification
	}
	return res.NextQuestion
}

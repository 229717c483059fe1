// Package session owns the gateway's only shared mutable state: the map from
// session id to conversation/build state. Creation is a single synchronous
// check-and-insert so near-simultaneous first messages for the same id cannot
// produce two session objects.
package session

import (
	"sync"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
)

// Session is the server-side state for one conversation/build lifecycle.
type Session struct {
	ID       string
	TenantID string

	mu              sync.Mutex
	history         []agent.Message
	fields          agent.Fields
	lastExtraction  *agent.ExtractionResult
	buildStatus     agent.BuildStatus
	selectedVoiceID string
	lastActive      time.Time
	createdAt       time.Time
}

// AppendUser records one user turn and returns the history snapshot to send
// to the extraction worker (the new message included).
func (s *Session) AppendUser(content string) []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, agent.Message{Role: agent.RoleUser, Content: content})
	s.lastActive = time.Now()
	return append([]agent.Message(nil), s.history...)
}

// ApplyExtraction stores the worker's result: merges extracted fields with
// non-empty precedence, remembers the full result as the current state, and
// appends the assistant turn (clarification or next question) to history.
func (s *Session) ApplyExtraction(res *agent.ExtractionResult) {
	if res == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fields = s.fields.Merge(res.ExtractedFields)
	s.lastExtraction = res
	if res.SelectedVoiceID != "" {
		s.selectedVoiceID = res.SelectedVoiceID
	}

	reply := res.Clarification
	if reply == "" {
		reply = res.NextQuestion
	}
	if reply != "" {
		s.history = append(s.history, agent.Message{Role: agent.RoleAssistant, Content: reply})
	}
	s.lastActive = time.Now()
}

// SelectVoice records the client's voice choice.
func (s *Session) SelectVoice(voiceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedVoiceID = voiceID
	s.lastActive = time.Now()
}

// SelectedVoice returns the chosen voice id, if any.
func (s *Session) SelectedVoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedVoiceID
}

// Fields returns a copy of the merged extracted fields.
func (s *Session) Fields() agent.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fields.Clone()
}

// History returns a copy of the conversation so far.
func (s *Session) History() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Message(nil), s.history...)
}

// BuildStatus returns the session's build lifecycle state.
func (s *Session) BuildStatus() agent.BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildStatus
}

// TryStartBuild flips the build status to running. It reports false when a
// run is already in flight; a second start request is rejected, not queued.
func (s *Session) TryStartBuild() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buildStatus == agent.BuildRunning {
		return false
	}
	s.buildStatus = agent.BuildRunning
	s.lastActive = time.Now()
	return true
}

// FinishBuild records the terminal status of a build run.
func (s *Session) FinishBuild(status agent.BuildStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildStatus = status
	s.lastActive = time.Now()
}

// BuildPayload assembles the full session state written to the build
// worker's stdin.
func (s *Session) BuildPayload() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := map[string]any{
		"session_id":       s.ID,
		"tenant_id":        s.TenantID,
		"extracted_fields": s.fields.Clone(),
	}
	if s.selectedVoiceID != "" {
		payload["selected_voice_id"] = s.selectedVoiceID
	}
	if s.lastExtraction != nil {
		payload["identity"] = s.lastExtraction.Identity
		payload["knowledge"] = s.lastExtraction.Knowledge
	}
	return payload
}

// LastExtraction returns the most recent extraction result, or nil.
func (s *Session) LastExtraction() *agent.ExtractionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExtraction
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Package agent defines the data model shared by the gateway: the fields
// extracted during the onboarding conversation, the extraction worker's result
// shape, and the registry record for a deployed agent.
package agent

import (
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the onboarding conversation. History is append-only
// and replayed verbatim to the extraction worker on every call.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Identity is the persona half of an agent configuration.
type Identity struct {
	Name            string   `json:"name,omitempty"`
	IntroGreeting   string   `json:"introGreeting,omitempty"`
	SystemPrompt    string   `json:"systemPrompt,omitempty"`
	VoiceStability  *float64 `json:"voiceStability,omitempty"`
	VoiceSimilarity *float64 `json:"voiceSimilarity,omitempty"`
	VoiceID         string   `json:"voiceId,omitempty"`
}

// Knowledge is the organization/knowledge half of an agent configuration.
type Knowledge struct {
	OrgName          string `json:"orgName,omitempty"`
	KnowledgeContent string `json:"knowledgeContent,omitempty"`
	ResponseStyle    string `json:"responseStyle,omitempty"`
}

// VoiceCandidate is one selectable voice surfaced to the client.
type VoiceCandidate struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ExtractionResult is the extraction worker's answer for one chat round.
// The worker emits either the identity/knowledge shape or the clarification
// variant; both decode into this struct.
type ExtractionResult struct {
	Identity          Identity  `json:"identity"`
	Knowledge         Knowledge `json:"knowledge"`
	MissingFields     []string  `json:"missing_fields"`
	NextQuestion      string    `json:"next_question"`
	CompletenessScore int       `json:"completeness_score"`

	Clarification   string           `json:"clarification,omitempty"`
	ExtractedFields Fields           `json:"extracted_fields,omitempty"`
	VoiceCandidates []VoiceCandidate `json:"voice_candidates,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
	IsComplete      bool             `json:"is_complete,omitempty"`
	SelectedVoiceID string           `json:"selected_voice_id,omitempty"`
}

// FallbackExtraction is the deterministic response returned when the
// extraction worker fails, exits non-zero, or produces no parseable result.
// The chat loop must always receive a structured answer.
func FallbackExtraction() *ExtractionResult {
	return &ExtractionResult{
		Identity:          Identity{Name: "Agent"},
		Knowledge:         Knowledge{OrgName: "Organization"},
		MissingFields:     []string{},
		NextQuestion:      "DONE",
		CompletenessScore: 100,
	}
}

// Fields maps extracted field names to values: strings, or structured objects
// such as voice parameters.
type Fields map[string]any

// Merge applies incoming over f with shallow key overwrite, except that an
// incoming empty value never replaces a previously non-empty one.
func (f Fields) Merge(incoming Fields) Fields {
	if f == nil {
		f = make(Fields, len(incoming))
	}
	for k, v := range incoming {
		if isEmptyValue(v) {
			if _, ok := f[k]; ok {
				continue
			}
		}
		f[k] = v
	}
	return f
}

// Clone returns a shallow copy. Callers hand copies to the relay so that
// later merges do not race with JSON encoding.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// BuildStatus tracks a session's build lifecycle.
type BuildStatus string

const (
	BuildNotStarted BuildStatus = "not_started"
	BuildRunning    BuildStatus = "running"
	BuildComplete   BuildStatus = "complete"
	BuildError      BuildStatus = "error"
)

// Record is one deployed agent as stored in the registry ("My Agents").
type Record struct {
	AgentID       string    `json:"agent_id"`
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	DeploymentURL string    `json:"deployment_url,omitempty"`
	VoiceID       string    `json:"voice_id,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Package relay delivers build and chat events over a websocket to the one
// client subscribed to a session, and routes inbound client commands to the
// build supervisor and session registry.
package relay

import (
	"encoding/json"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
)

// Envelope is the wire frame for every outbound event.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Outbound envelope types.
const (
	TypeLog                = "LOG"
	TypeBuildComplete      = "BUILD_COMPLETE"
	TypeDeploymentComplete = "DEPLOYMENT_COMPLETE"
	TypePhaseBuilding      = "PHASE_BUILDING"
	TypeStatusUpdate       = "STATUS_UPDATE"
	TypeError              = "ERROR"
)

// Inbound command types.
const (
	CommandStartBuild    = "START_BUILD"
	CommandVoiceSelected = "VOICE_SELECTED"
)

// LogData is the payload of a LOG envelope.
type LogData struct {
	Phase           string                 `json:"phase"`
	Message         string                 `json:"message"`
	ExtractedFields agent.Fields           `json:"extracted_fields,omitempty"`
	VoiceCandidates []agent.VoiceCandidate `json:"voice_candidates,omitempty"`
	ReadyToBuild    bool                   `json:"ready_to_build,omitempty"`
}

// StatusData is the payload of a STATUS_UPDATE envelope.
type StatusData struct {
	Message         string       `json:"message"`
	Progress        int          `json:"progress"`
	Status          string       `json:"status"`
	ExtractedFields agent.Fields `json:"extracted_fields,omitempty"`
}

// PhaseData is the payload of a PHASE_BUILDING envelope.
type PhaseData struct {
	PhaseIndex int    `json:"phase_index"`
	Phase      string `json:"phase"`
	Message    string `json:"message"`
}

// CompleteData is the payload of a BUILD_COMPLETE envelope.
type CompleteData struct {
	SessionID     string `json:"session_id"`
	DeploymentURL string `json:"deployment_url,omitempty"`
}

// DeployedData is the payload of a DEPLOYMENT_COMPLETE envelope.
type DeployedData struct {
	AgentID       string `json:"agent_id"`
	DeploymentURL string `json:"deployment_url"`
}

// ErrorData is the payload of an ERROR envelope.
type ErrorData struct {
	Message string `json:"message"`
}

// Command is an inbound client frame.
type Command struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id,omitempty"`
}

// newEnvelope stamps an envelope with the current UTC time.
func newEnvelope(envelopeType string, data any) Envelope {
	return Envelope{
		Type:      envelopeType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// ParseCommand decodes one inbound text frame.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

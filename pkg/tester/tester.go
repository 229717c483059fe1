// Package tester simulates a built voice agent over plain text so that a
// client can try the persona before talking to the deployed endpoint.
package tester

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/voiceforge/forge/pkg/agent"
)

const historyWindow = 10

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Harness holds one simulated conversation per session.
type Harness struct {
	model    string
	logger   *slog.Logger
	generate func(ctx context.Context, prompt string) (string, error)

	mu        sync.Mutex
	histories map[string][]turn
}

// New dials the Gemini API. The key comes from the gateway config, the same
// one handed to the build workers.
func New(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Harness, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	h := &Harness{
		model:     model,
		logger:    logger,
		histories: make(map[string][]turn),
	}
	h.generate = func(ctx context.Context, prompt string) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, h.model, genai.Text(prompt), &genai.GenerateContentConfig{
			Temperature: genai.Ptr(float32(0.7)),
		})
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return h, nil
}

// Chat appends the user turn, asks the model to answer in persona, and
// returns the agent's reply.
func (h *Harness) Chat(ctx context.Context, sessionID, message string, fields agent.Fields) (string, error) {
	h.mu.Lock()
	history := append(h.histories[sessionID], turn{Role: "user", Content: message})
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	h.histories[sessionID] = history
	h.mu.Unlock()

	prompt, err := buildPrompt(fields, history)
	if err != nil {
		return "", err
	}

	reply, err := h.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("simulate agent: %w", err)
	}
	reply = strings.TrimSpace(reply)

	h.mu.Lock()
	h.histories[sessionID] = append(h.histories[sessionID], turn{Role: "assistant", Content: reply})
	h.mu.Unlock()

	return reply, nil
}

// Reset drops the simulated conversation for a session.
func (h *Harness) Reset(sessionID string) {
	h.mu.Lock()
	delete(h.histories, sessionID)
	h.mu.Unlock()
}

func buildPrompt(fields agent.Fields, history []turn) (string, error) {
	persona, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode persona: %w", err)
	}
	transcript, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	var b strings.Builder
	b.WriteString("PERSONA_CONFIG:\n")
	b.Write(persona)
	b.WriteString("\n\nCONVERSATION_HISTORY:\n")
	b.Write(transcript)
	b.WriteString("\n\nRespond as the agent defined by the persona above. Stay in character and keep replies short enough to speak aloud.\n")
	return b.String(), nil
}

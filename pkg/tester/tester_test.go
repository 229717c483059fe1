package tester

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/voiceforge/forge/pkg/agent"
)

func newStubHarness(generate func(ctx context.Context, prompt string) (string, error)) *Harness {
	return &Harness{
		model:     "stub",
		logger:    slog.Default(),
		generate:  generate,
		histories: make(map[string][]turn),
	}
}

func TestChat_PromptCarriesPersonaAndHistory(t *testing.T) {
	var gotPrompt string
	h := newStubHarness(func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "Hello, I am the Acme assistant.", nil
	})

	fields := agent.Fields{"org_name": "Acme", "agent_name": "Emma"}
	reply, err := h.Chat(context.Background(), "s1", "Who are you?", fields)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "Hello, I am the Acme assistant." {
		t.Fatalf("reply=%q", reply)
	}
	for _, want := range []string{"PERSONA_CONFIG", "Acme", "Emma", "CONVERSATION_HISTORY", "Who are you?"} {
		if !strings.Contains(gotPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}

	// Second round must carry the assistant turn from the first.
	if _, err := h.Chat(context.Background(), "s1", "What can you do?", fields); err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if !strings.Contains(gotPrompt, "Hello, I am the Acme assistant.") {
		t.Fatalf("expected assistant turn in history:\n%s", gotPrompt)
	}
}

func TestChat_HistoryWindowBounded(t *testing.T) {
	var gotPrompt string
	h := newStubHarness(func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "ok", nil
	})

	for i := 0; i < 20; i++ {
		if _, err := h.Chat(context.Background(), "s1", "turn"+strings.Repeat("x", i), nil); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	if strings.Contains(gotPrompt, `"turn"`) {
		t.Fatalf("oldest turn should have been dropped:\n%s", gotPrompt)
	}
}

func TestChat_GenerateErrorSurfacesAndKeepsUserTurn(t *testing.T) {
	boom := errors.New("quota exceeded")
	h := newStubHarness(func(context.Context, string) (string, error) {
		return "", boom
	})

	_, err := h.Chat(context.Background(), "s1", "hi", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped quota error", err)
	}
}

func TestChat_SessionsIsolated(t *testing.T) {
	var gotPrompt string
	h := newStubHarness(func(_ context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "ok", nil
	})

	if _, err := h.Chat(context.Background(), "s1", "alpha-only", nil); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := h.Chat(context.Background(), "s2", "beta", nil); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if strings.Contains(gotPrompt, "alpha-only") {
		t.Fatalf("s2 prompt leaked s1 history:\n%s", gotPrompt)
	}

	h.Reset("s1")
	if _, err := h.Chat(context.Background(), "s1", "fresh", nil); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if strings.Contains(gotPrompt, "alpha-only") {
		t.Fatalf("reset should have dropped s1 history:\n%s", gotPrompt)
	}
}

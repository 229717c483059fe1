package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiceforge/forge/pkg/gateway/build"
	"github.com/voiceforge/forge/pkg/gateway/session"
	"github.com/voiceforge/forge/pkg/worker"
)

type scriptedProcess struct {
	stdout io.Reader
}

func (p *scriptedProcess) Stdout() io.Reader { return p.stdout }
func (p *scriptedProcess) Wait() error       { return nil }
func (p *scriptedProcess) Kill() error       { return nil }

type scriptedLauncher struct {
	mu      sync.Mutex
	script  string
	started int
}

func (l *scriptedLauncher) Start(_ context.Context, _ any) (worker.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	return &scriptedProcess{stdout: strings.NewReader(l.script)}, nil
}

func (l *scriptedLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

type rxEnvelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func newTestHub(script string) (*Hub, *session.Registry, *scriptedLauncher) {
	reg := session.NewRegistry(0, nil)
	hub := NewHub(reg, nil, nil)
	launcher := &scriptedLauncher{script: script}
	hub.Supervisor = &build.Supervisor{
		Registry: reg,
		Launcher: launcher,
		Sink:     hub,
	}
	return hub, reg, launcher
}

func newRelayServer(t *testing.T, hub *Hub) (*httptest.Server, func(sessionID string) *websocket.Conn) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session_id}", hub.Handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dial := func(sessionID string) *websocket.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", url, err)
		}
		t.Cleanup(func() { ws.Close() })
		return ws
	}
	return srv, dial
}

func readEnvelope(t *testing.T, ws *websocket.Conn) rxEnvelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env rxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", raw, err)
	}
	return env
}

func waitSubscribed(t *testing.T, hub *Hub, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !hub.Subscribed(sessionID) {
		if time.Now().After(deadline) {
			t.Fatalf("never subscribed: %s", sessionID)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub, _, _ := newTestHub("")
	_, dial := newRelayServer(t, hub)

	ws := dial("s1")
	waitSubscribed(t, hub, "s1")

	hub.PublishLog("s1", LogData{Phase: "planning", Message: "warming up"})

	env := readEnvelope(t, ws)
	if env.Type != TypeLog {
		t.Fatalf("type = %q, want LOG", env.Type)
	}
	if env.Timestamp == "" {
		t.Fatalf("missing timestamp")
	}
	var data LogData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Phase != "planning" || data.Message != "warming up" {
		t.Fatalf("data = %+v", data)
	}
}

func TestHub_PublishWithoutSubscriberIsDropped(t *testing.T) {
	hub, _, _ := newTestHub("")
	hub.PublishLog("nobody", LogData{Message: "lost"})
}

func TestHub_LastWriterWins(t *testing.T) {
	hub, _, _ := newTestHub("")
	_, dial := newRelayServer(t, hub)

	first := dial("s1")
	waitSubscribed(t, hub, "s1")
	second := dial("s1")

	// The first connection is cut when the second registers.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("first connection still readable after replacement")
	}

	waitSubscribed(t, hub, "s1")
	hub.PublishLog("s1", LogData{Message: "for the second"})

	env := readEnvelope(t, second)
	var data LogData
	json.Unmarshal(env.Data, &data)
	if data.Message != "for the second" {
		t.Fatalf("data = %+v", data)
	}
}

func TestHub_StartBuildCommandStreamsEvents(t *testing.T) {
	script := "[PLANNING] step1\n[PROGRESS] 10\n[EXECUTING] step2\n[PROGRESS] 100\n"
	hub, reg, _ := newTestHub(script)
	reg.GetOrCreate("s1", "t")
	_, dial := newRelayServer(t, hub)

	ws := dial("s1")
	waitSubscribed(t, hub, "s1")

	if err := ws.WriteJSON(Command{Type: CommandStartBuild}); err != nil {
		t.Fatalf("send START_BUILD: %v", err)
	}

	type step struct {
		envType  string
		message  string
		progress int
	}
	want := []step{
		{envType: TypeLog, message: "step1"},
		{envType: TypeStatusUpdate, progress: 10},
		{envType: TypeLog, message: "step2"},
		{envType: TypeStatusUpdate, progress: 100},
		{envType: TypeStatusUpdate, progress: 100},
		{envType: TypeBuildComplete},
	}
	for i, w := range want {
		env := readEnvelope(t, ws)
		if env.Type != w.envType {
			t.Fatalf("envelope %d type = %q, want %q", i, env.Type, w.envType)
		}
		switch w.envType {
		case TypeLog:
			var data LogData
			json.Unmarshal(env.Data, &data)
			if data.Message != w.message {
				t.Fatalf("envelope %d message = %q, want %q", i, data.Message, w.message)
			}
		case TypeStatusUpdate:
			var data StatusData
			json.Unmarshal(env.Data, &data)
			if data.Progress != w.progress {
				t.Fatalf("envelope %d progress = %d, want %d", i, data.Progress, w.progress)
			}
		}
	}
}

func TestHub_StartBuildUnknownSession(t *testing.T) {
	hub, _, launcher := newTestHub("")
	_, dial := newRelayServer(t, hub)

	ws := dial("ghost")
	waitSubscribed(t, hub, "ghost")

	if err := ws.WriteJSON(Command{Type: CommandStartBuild}); err != nil {
		t.Fatalf("send START_BUILD: %v", err)
	}

	env := readEnvelope(t, ws)
	if env.Type != TypeError {
		t.Fatalf("type = %q, want ERROR", env.Type)
	}
	var data ErrorData
	json.Unmarshal(env.Data, &data)
	if !strings.Contains(data.Message, "no session found") {
		t.Fatalf("message = %q", data.Message)
	}
	if launcher.startCount() != 0 {
		t.Fatalf("worker spawned for unknown session")
	}
}

func TestHub_VoiceSelected(t *testing.T) {
	hub, reg, _ := newTestHub("")
	sess := reg.GetOrCreate("s1", "t")
	_, dial := newRelayServer(t, hub)

	ws := dial("s1")
	waitSubscribed(t, hub, "s1")

	if err := ws.WriteJSON(Command{Type: CommandVoiceSelected, VoiceID: "v42"}); err != nil {
		t.Fatalf("send VOICE_SELECTED: %v", err)
	}

	env := readEnvelope(t, ws)
	if env.Type != TypeLog {
		t.Fatalf("type = %q, want LOG ack", env.Type)
	}
	var data LogData
	json.Unmarshal(env.Data, &data)
	if !strings.Contains(data.Message, "v42") {
		t.Fatalf("ack = %+v", data)
	}
	if sess.SelectedVoice() != "v42" {
		t.Fatalf("selected voice = %q", sess.SelectedVoice())
	}
}

func TestHub_MalformedCommandIgnored(t *testing.T) {
	hub, _, _ := newTestHub("")
	_, dial := newRelayServer(t, hub)

	ws := dial("s1")
	waitSubscribed(t, hub, "s1")

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("send garbage: %v", err)
	}

	// The connection survives and still delivers events.
	hub.PublishLog("s1", LogData{Message: "still here"})
	env := readEnvelope(t, ws)
	if env.Type != TypeLog {
		t.Fatalf("type = %q", env.Type)
	}
}

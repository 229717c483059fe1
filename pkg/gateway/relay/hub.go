package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiceforge/forge/pkg/gateway/build"
	"github.com/voiceforge/forge/pkg/gateway/metrics"
	"github.com/voiceforge/forge/pkg/gateway/session"
	"github.com/voiceforge/forge/pkg/worker"
)

const outboundBuffer = 64

var _ build.Sink = (*Hub)(nil)

// Hub maps session ids to at most one live websocket connection each and
// implements the supervisor's sink. A second subscriber for the same session
// replaces the first; delivery is never fanned out.
type Hub struct {
	Registry *session.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Set

	// Supervisor is set after construction; the supervisor's sink points
	// back at this hub.
	Supervisor *build.Supervisor

	PingInterval time.Duration
	WriteTimeout time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*conn
	watchers map[string]map[chan Envelope]struct{}
}

type conn struct {
	sessionID string
	ws        *websocket.Conn
	outbound  chan Envelope
	closed    chan struct{}
	once      sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// NewHub returns a hub ready to accept subscribers.
func NewHub(registry *session.Registry, logger *slog.Logger, m *metrics.Set) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Registry: registry,
		Logger:   logger,
		Metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client connects cross-origin from the SPA host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:    make(map[string]*conn),
		watchers: make(map[string]map[chan Envelope]struct{}),
	}
}

func (h *Hub) pingInterval() time.Duration {
	if h.PingInterval > 0 {
		return h.PingInterval
	}
	return 20 * time.Second
}

func (h *Hub) writeTimeout() time.Duration {
	if h.WriteTimeout > 0 {
		return h.WriteTimeout
	}
	return 5 * time.Second
}

// Handle upgrades the request and subscribes it to the session id in the
// path. The session does not need to exist yet; a client may connect before
// its first chat round.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	c := &conn{
		sessionID: sessionID,
		ws:        ws,
		outbound:  make(chan Envelope, outboundBuffer),
		closed:    make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conns[sessionID]
	h.conns[sessionID] = c
	h.mu.Unlock()
	if old != nil {
		// Last writer wins: the replaced subscriber is cut off.
		old.close()
	}

	h.Metrics.RecordRelayConnect()
	h.Logger.Info("relay subscribed", "session_id", sessionID, "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if h.conns[c.sessionID] == c {
		delete(h.conns, c.sessionID)
	}
	h.mu.Unlock()
	c.close()
}

// writeLoop serializes all writes to one connection and keeps it alive with
// pings.
func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			deadline := time.Now().Add(h.writeTimeout())
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case env := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
			if err := c.ws.WriteJSON(env); err != nil {
				h.Logger.Warn("relay write failed", "session_id", c.sessionID, "error", err)
				h.unregister(c)
				return
			}
			h.Metrics.RecordRelayEvent(env.Type)
		case <-ticker.C:
			deadline := time.Now().Add(h.writeTimeout())
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readLoop consumes inbound command frames until the connection drops.
func (h *Hub) readLoop(c *conn) {
	defer func() {
		h.unregister(c)
		h.Metrics.RecordRelayDisconnect()
		h.Logger.Info("relay unsubscribed", "session_id", c.sessionID)
		if h.Supervisor != nil {
			h.Supervisor.Cancel(c.sessionID)
		}
	}()

	c.ws.SetReadLimit(1 << 16)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := ParseCommand(raw)
		if err != nil {
			h.Logger.Warn("relay command parse failed", "session_id", c.sessionID, "error", err)
			continue
		}
		h.dispatch(c.sessionID, cmd)
	}
}

func (h *Hub) dispatch(sessionID string, cmd Command) {
	switch cmd.Type {
	case CommandStartBuild:
		if h.Supervisor == nil {
			h.Error(sessionID, "build supervisor unavailable")
			return
		}
		// Rejections surface through the sink; nothing more to send here.
		if err := h.Supervisor.Start(sessionID); err != nil {
			h.Logger.Warn("start build rejected", "session_id", sessionID, "error", err)
		}
	case CommandVoiceSelected:
		sess, ok := h.Registry.Get(sessionID)
		if !ok {
			h.Error(sessionID, "no session found: "+sessionID)
			return
		}
		sess.SelectVoice(cmd.VoiceID)
		h.PublishLog(sessionID, LogData{
			Phase:   string(worker.TagVoice),
			Message: "Voice locked: " + cmd.VoiceID,
		})
	default:
		h.Logger.Debug("unknown relay command", "session_id", sessionID, "type", cmd.Type)
	}
}

// Publish queues one envelope for the session's subscriber. With no
// subscriber, or a stalled one whose buffer is full, the envelope is dropped;
// there is no replay.
func (h *Hub) Publish(sessionID string, env Envelope) {
	h.mu.Lock()
	c := h.conns[sessionID]
	var watching []chan Envelope
	for ch := range h.watchers[sessionID] {
		watching = append(watching, ch)
	}
	h.mu.Unlock()

	for _, ch := range watching {
		select {
		case ch <- env:
		default:
			h.Logger.Warn("watcher buffer full, dropping event",
				"session_id", sessionID, "type", env.Type)
		}
	}

	if c == nil {
		return
	}

	select {
	case c.outbound <- env:
	case <-c.closed:
	default:
		h.Logger.Warn("relay buffer full, dropping event",
			"session_id", sessionID, "type", env.Type)
	}
}

// Watch registers an in-process subscriber for the session's envelopes. The
// event-stream fallback uses it. Call stop to unsubscribe; the channel is
// not closed.
func (h *Hub) Watch(sessionID string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, outboundBuffer)

	h.mu.Lock()
	set := h.watchers[sessionID]
	if set == nil {
		set = make(map[chan Envelope]struct{})
		h.watchers[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	stop := func() {
		h.mu.Lock()
		if set, ok := h.watchers[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.watchers, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, stop
}

// Subscribed reports whether a connection or watcher is registered for the
// session.
func (h *Hub) Subscribed(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[sessionID] != nil || len(h.watchers[sessionID]) > 0
}

// CloseAll disconnects every subscriber. Called on server drain.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// PublishLog sends a LOG envelope. Used by the chat path to push extraction
// side effects (fields, voice candidates, ready-to-build) to a subscriber.
func (h *Hub) PublishLog(sessionID string, data LogData) {
	h.Publish(sessionID, newEnvelope(TypeLog, data))
}

// PublishStatus sends a STATUS_UPDATE envelope.
func (h *Hub) PublishStatus(sessionID string, data StatusData) {
	h.Publish(sessionID, newEnvelope(TypeStatusUpdate, data))
}

// Log implements build.Sink.
func (h *Hub) Log(sessionID string, ev worker.Event) {
	h.PublishLog(sessionID, LogData{Phase: string(ev.Tag), Message: ev.Message})
}

// Progress implements build.Sink.
func (h *Hub) Progress(sessionID string, ev worker.Event) {
	status := "running"
	if ev.Progress >= 100 {
		status = "complete"
	}
	h.PublishStatus(sessionID, StatusData{
		Message:  fmt.Sprintf("Build progress %d%%", ev.Progress),
		Progress: ev.Progress,
		Status:   status,
	})
}

// Phase implements build.Sink.
func (h *Hub) Phase(sessionID string, index int, name string) {
	h.Publish(sessionID, newEnvelope(TypePhaseBuilding, PhaseData{
		PhaseIndex: index,
		Phase:      name,
		Message:    name,
	}))
}

// Complete implements build.Sink.
func (h *Hub) Complete(sessionID string) {
	h.Publish(sessionID, newEnvelope(TypeBuildComplete, CompleteData{SessionID: sessionID}))
}

// Deployed implements build.Sink.
func (h *Hub) Deployed(sessionID string, d build.Deployment) {
	h.Publish(sessionID, newEnvelope(TypeDeploymentComplete, DeployedData{
		AgentID:       d.AgentID,
		DeploymentURL: d.URL,
	}))
}

// Error implements build.Sink.
func (h *Hub) Error(sessionID string, message string) {
	h.Publish(sessionID, newEnvelope(TypeError, ErrorData{Message: message}))
}

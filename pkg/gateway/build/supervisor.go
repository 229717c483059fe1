package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/metrics"
	"github.com/voiceforge/forge/pkg/gateway/session"
	"github.com/voiceforge/forge/pkg/worker"
)

// State is the lifecycle state of one build run.
type State string

const (
	StateIdle       State = "idle"
	StateSpawning   State = "spawning"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateComplete   State = "complete"
	StateError      State = "error"
)

var (
	// ErrSessionNotFound rejects a build start for an unknown session id.
	ErrSessionNotFound = errors.New("no session found")

	// ErrBuildRunning rejects a second start while a run is in flight.
	ErrBuildRunning = errors.New("build already running")
)

// Deployment is the structured result a build worker may emit as its final
// JSON line.
type Deployment struct {
	AgentID string `json:"agent_id"`
	URL     string `json:"url"`
}

// Sink receives the normalized event sequence of a build run. Implementations
// must not block; the relay queues writes behind its own goroutine.
type Sink interface {
	// Log delivers one worker log event for the session.
	Log(sessionID string, ev worker.Event)
	// Progress delivers a monotonic progress value in [0,100].
	Progress(sessionID string, ev worker.Event)
	// Phase announces that a phase became active.
	Phase(sessionID string, index int, name string)
	// Complete announces the terminal complete state.
	Complete(sessionID string)
	// Deployed announces a parsed deployment result.
	Deployed(sessionID string, d Deployment)
	// Error announces a build-fatal error.
	Error(sessionID string, message string)
}

// Supervisor owns at most one build run per session and drives the worker's
// stdout through the scanner into the sink.
type Supervisor struct {
	Registry *session.Registry
	Launcher worker.Launcher
	Sink     Sink
	Logger   *slog.Logger
	Metrics  *metrics.Set

	// FailOnWorkerError turns a non-zero worker exit during streaming into
	// an error terminal state. Off, any exit finalizes as complete, which
	// matches the legacy relay.
	FailOnWorkerError bool

	// KillOnCancel makes Cancel terminate the worker process. Off, Cancel
	// only detaches and the worker runs to completion unobserved.
	KillOnCancel bool

	// now overrides the clock for synthesized terminal events.
	now func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// run is the mutable state of one in-flight build.
type run struct {
	sessionID string
	sess      *session.Session
	proc      worker.Process
	started   time.Time

	mu         sync.Mutex
	state      State
	tracker    *PhaseTracker
	progress   int
	deployment *Deployment
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Start begins a build run for sessionID. The rejection paths each emit
// exactly one error event through the sink and return a typed error; callers
// must not publish a second one.
func (s *Supervisor) Start(sessionID string) error {
	sess, ok := s.Registry.Get(sessionID)
	if !ok {
		s.Sink.Error(sessionID, "no session found: "+sessionID)
		return fmt.Errorf("start build %s: %w", sessionID, ErrSessionNotFound)
	}
	if !sess.TryStartBuild() {
		s.Sink.Error(sessionID, "build already running")
		return fmt.Errorf("start build %s: %w", sessionID, ErrBuildRunning)
	}

	r := &run{
		sessionID: sessionID,
		sess:      sess,
		started:   s.clock(),
		state:     StateSpawning,
		tracker:   NewPhaseTracker(),
	}

	s.mu.Lock()
	if s.runs == nil {
		s.runs = make(map[string]*run)
	}
	s.runs[sessionID] = r
	s.mu.Unlock()

	// The run outlives the request that started it: a client disconnect
	// must not tear down the worker unless Cancel is invoked.
	go s.execute(context.Background(), r)
	return nil
}

func (s *Supervisor) execute(ctx context.Context, r *run) {
	defer func() {
		s.mu.Lock()
		delete(s.runs, r.sessionID)
		s.mu.Unlock()
	}()

	proc, err := s.Launcher.Start(ctx, r.sess.BuildPayload())
	if err != nil {
		s.logger().Error("build worker spawn failed", "session_id", r.sessionID, "error", err)
		s.finishError(r, "build worker failed to start")
		return
	}

	r.mu.Lock()
	r.proc = proc
	r.state = StateStreaming
	r.mu.Unlock()
	s.Metrics.RecordBuildStart()

	scanner := worker.NewScanner()
	scanner.OnJSONLine = func(line string) { s.captureResult(r, line) }

	buf := make([]byte, 4096)
	stdout := proc.Stdout()
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			for _, ev := range scanner.Feed(string(buf[:n])) {
				s.dispatch(r, ev)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				s.logger().Warn("build worker stdout read", "session_id", r.sessionID, "error", readErr)
			}
			break
		}
	}
	for _, ev := range scanner.Flush() {
		s.dispatch(r, ev)
	}

	r.mu.Lock()
	r.state = StateFinalizing
	r.mu.Unlock()

	waitErr := proc.Wait()
	if waitErr != nil && s.FailOnWorkerError {
		s.logger().Error("build worker exited nonzero", "session_id", r.sessionID, "error", waitErr)
		s.Metrics.RecordBuildEnd(string(agent.BuildError), s.clock().Sub(r.started))
		s.finishError(r, "build worker failed")
		return
	}
	if waitErr != nil {
		s.logger().Warn("build worker exited nonzero, finalizing as complete",
			"session_id", r.sessionID, "error", waitErr)
	}
	s.finishComplete(r)
}

// dispatch routes one scanner event: progress events go through the
// monotonic clamp, everything else is phase-detected and logged.
func (s *Supervisor) dispatch(r *run, ev worker.Event) {
	if ev.Tag == worker.TagProgress {
		s.applyProgress(r, ev)
		return
	}

	if idx, ok := DetectPhase(ev.Message); ok {
		s.advanceTo(r, idx)
	} else if IsImplicitAdvance(ev.Message) {
		r.mu.Lock()
		next := r.tracker.Current() + 1
		r.mu.Unlock()
		s.advanceTo(r, next)
	}

	s.Sink.Log(r.sessionID, ev)
}

// applyProgress clamps the run's progress to be non-decreasing before
// forwarding it.
func (s *Supervisor) applyProgress(r *run, ev worker.Event) {
	r.mu.Lock()
	if ev.Progress < r.progress {
		ev.Progress = r.progress
	} else {
		r.progress = ev.Progress
	}
	r.mu.Unlock()

	s.Sink.Progress(r.sessionID, ev)
}

func (s *Supervisor) advanceTo(r *run, index int) {
	r.mu.Lock()
	advanced := r.tracker.Advance(index)
	current := r.tracker.Current()
	r.mu.Unlock()

	if advanced {
		s.Sink.Phase(r.sessionID, current, PhaseName(current))
	}
}

// captureResult parses a suppressed JSON stdout line carrying the build
// worker's structured deployment result.
func (s *Supervisor) captureResult(r *run, line string) {
	if !strings.Contains(line, "deployment") {
		return
	}
	var payload struct {
		Deployment *Deployment `json:"deployment"`
	}
	if err := json.Unmarshal([]byte(line), &payload); err != nil || payload.Deployment == nil {
		s.logger().Warn("unparseable worker result line", "session_id", r.sessionID, "error", err)
		return
	}
	r.mu.Lock()
	r.deployment = payload.Deployment
	r.mu.Unlock()
}

func (s *Supervisor) finishComplete(r *run) {
	r.mu.Lock()
	r.state = StateComplete
	r.tracker.Finish()
	r.progress = 100
	dep := r.deployment
	r.mu.Unlock()

	r.sess.FinishBuild(agent.BuildComplete)
	s.Metrics.RecordBuildEnd(string(agent.BuildComplete), s.clock().Sub(r.started))

	s.Sink.Progress(r.sessionID, worker.Event{
		Tag:       worker.TagProgress,
		Timestamp: s.clock().Format("15:04:05"),
		Progress:  100,
	})
	s.Sink.Complete(r.sessionID)
	if dep != nil {
		s.Sink.Deployed(r.sessionID, *dep)
	}
}

func (s *Supervisor) finishError(r *run, message string) {
	r.mu.Lock()
	r.state = StateError
	r.tracker.Fail()
	r.mu.Unlock()

	r.sess.FinishBuild(agent.BuildError)
	s.Sink.Error(r.sessionID, message)
}

// Running reports whether a build run is in flight for sessionID.
func (s *Supervisor) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[sessionID]
	return ok
}

// RunState returns the current state of the session's run, or StateIdle when
// none is in flight.
func (s *Supervisor) RunState(sessionID string) State {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return StateIdle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PhaseStatuses returns the per-phase statuses of the session's run.
func (s *Supervisor) PhaseStatuses(sessionID string) ([PhaseCount]PhaseStatus, bool) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return [PhaseCount]PhaseStatus{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Statuses(), true
}

// SupplyPhase force-advances the session's run to the given phase index.
func (s *Supervisor) SupplyPhase(sessionID string, index int) bool {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.advanceTo(r, index)
	return true
}

// SupplyProgress injects a progress value into the session's run, subject to
// the same monotonic clamp as worker-reported progress.
func (s *Supervisor) SupplyProgress(sessionID string, value int) bool {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	s.applyProgress(r, worker.Event{
		Tag:       worker.TagProgress,
		Timestamp: s.clock().Format("15:04:05"),
		Progress:  value,
	})
	return true
}

// Cancel detaches the caller from the session's run. The worker process is
// terminated only when KillOnCancel is set; otherwise the run continues
// server-side with no one listening.
func (s *Supervisor) Cancel(sessionID string) {
	if !s.KillOnCancel {
		return
	}
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.logger().Warn("kill build worker", "session_id", sessionID, "error", err)
		}
	}
}

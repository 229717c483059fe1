// Package build orchestrates one build run per session: it spawns the build
// worker, drives the stream scanner over its stdout, tracks phase and
// progress state, and emits a normalized event sequence to a sink.
package build

import "strings"

// PhaseCount is the fixed number of build phases.
const PhaseCount = 7

// PhaseStatus is the lifecycle state of one build phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseError     PhaseStatus = "error"
)

// phaseDef binds a display name to the log substring that announces the
// phase. Triggers are matched case-sensitively in table order, first match
// wins.
type phaseDef struct {
	Name    string
	Trigger string
}

var phaseTable = [PhaseCount]phaseDef{
	{Name: "Infrastructure Bootstrap", Trigger: "Provisioning isolated namespace"},
	{Name: "Redis Cluster", Trigger: "Deploying Redis Cluster"},
	{Name: "MMAR Engine", Trigger: "Initializing MMAR Logic Engine"},
	{Name: "Voice Pipeline", Trigger: "Calibrating TTS Voice"},
	{Name: "Multi-Agent Orchestrator", Trigger: "Deploying Multi-Agent Orchestrator"},
	{Name: "Ingress Gateway", Trigger: "Applying Helm values"},
	{Name: "Health Verification", Trigger: "Verifying pod health"},
}

// PhaseName returns the display name for a phase index.
func PhaseName(index int) string {
	if index < 0 || index >= PhaseCount {
		return ""
	}
	return phaseTable[index].Name
}

// DetectPhase scans a log line for a phase trigger and reports the matched
// index.
func DetectPhase(line string) (int, bool) {
	for i, def := range phaseTable {
		if strings.Contains(line, def.Trigger) {
			return i, true
		}
	}
	return -1, false
}

// IsImplicitAdvance reports whether a line carries the checkmark-plus-ready
// signal that advances the phase sequence without naming a phase.
func IsImplicitAdvance(line string) bool {
	return strings.Contains(line, "✓") && strings.Contains(line, "ready")
}

// PhaseTracker holds the derived phase state for one build run.
//
// At most one phase is active at a time. Phases advance only forward; when
// the active index moves, every earlier phase is forced to completed even if
// no explicit completion signal arrived for it.
type PhaseTracker struct {
	current int
	states  [PhaseCount]PhaseStatus
}

// NewPhaseTracker returns a tracker with every phase pending and no phase
// active.
func NewPhaseTracker() *PhaseTracker {
	t := &PhaseTracker{current: -1}
	for i := range t.states {
		t.states[i] = PhasePending
	}
	return t
}

// Current returns the active phase index, or -1 before the first advance.
func (t *PhaseTracker) Current() int {
	return t.current
}

// Statuses returns a copy of the per-phase status array.
func (t *PhaseTracker) Statuses() [PhaseCount]PhaseStatus {
	return t.states
}

// Advance moves the active phase to index. Indexes at or behind the current
// phase are ignored, so duplicate or out-of-order trigger lines cannot move
// the sequence backward. Returns true when the active phase changed.
func (t *PhaseTracker) Advance(index int) bool {
	if index < 0 || index >= PhaseCount || index <= t.current {
		return false
	}
	for i := 0; i < index; i++ {
		t.states[i] = PhaseCompleted
	}
	t.states[index] = PhaseActive
	t.current = index
	return true
}

// AdvanceNext moves to the phase after the current one. At index
// PhaseCount-1 it is a no-op: the last phase completes only via Finish.
func (t *PhaseTracker) AdvanceNext() bool {
	return t.Advance(t.current + 1)
}

// Finish marks every phase completed. Called when the run reaches its
// terminal complete state.
func (t *PhaseTracker) Finish() {
	for i := range t.states {
		t.states[i] = PhaseCompleted
	}
	t.current = PhaseCount - 1
}

// Fail marks the active phase as errored. With no active phase the first
// phase takes the error so the failure is visible.
func (t *PhaseTracker) Fail() {
	i := t.current
	if i < 0 {
		i = 0
	}
	t.states[i] = PhaseError
}

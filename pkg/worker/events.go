// Package worker spawns and supervises the external reasoning and build
// processes, and turns their line-oriented stdout into typed build events.
//
// The worker contract is deliberately narrow: one JSON request on stdin
// followed by EOF, free-form lines on stdout. Build workers additionally emit
// bracketed markers ([PLANNING], [EXECUTING], [VERIFYING], [PROGRESS] <int>);
// extraction workers emit exactly one JSON line carrying the result.
package worker

import "time"

// Tag classifies a build event.
type Tag string

const (
	TagPlanning  Tag = "planning"
	TagExecuting Tag = "executing"
	TagVerifying Tag = "verifying"
	TagProgress  Tag = "progress"
	TagSystem    Tag = "system"
	TagError     Tag = "error"
	TagReady     Tag = "ready"
	TagVoice     Tag = "voice"
	TagDeployed  Tag = "deployed"
)

// Event is one normalized unit of progress or log information derived from
// worker output. Progress is meaningful only when Tag == TagProgress.
type Event struct {
	Tag       Tag    `json:"tag"`
	Timestamp string `json:"ts"`
	Message   string `json:"msg,omitempty"`
	Progress  int    `json:"progress,omitempty"`
}

// stamp formats a wall-clock timestamp the way the build console renders it.
func stamp(t time.Time) string {
	return t.Format("15:04:05")
}

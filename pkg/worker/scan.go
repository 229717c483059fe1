package worker

import (
	"strings"
	"time"
)

const (
	markerPlanning  = "[PLANNING]"
	markerExecuting = "[EXECUTING]"
	markerVerifying = "[VERIFYING]"
	markerProgress  = "[PROGRESS]"
)

// Scanner incrementally parses a build worker's stdout stream into events.
// It keeps only the minimal state needed to stitch a line split across chunk
// boundaries, so feeding a stream byte-by-byte or all at once yields the same
// event sequence.
//
// Lines beginning with "{" are never emitted as events; they are reserved for
// structured result parsing and handed to OnJSONLine when set.
type Scanner struct {
	remainder strings.Builder

	// OnJSONLine receives every complete line that starts with "{".
	OnJSONLine func(line string)

	// Now overrides the event clock. Nil means time.Now.
	Now func() time.Time
}

// NewScanner returns a Scanner ready to receive chunks.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed consumes one chunk of stdout text and returns the events produced by
// every complete line it contained. A trailing partial line is retained for
// the next call.
func (s *Scanner) Feed(chunk string) []Event {
	s.remainder.WriteString(chunk)
	buffered := s.remainder.String()

	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		return nil
	}
	complete := buffered[:idx]
	s.remainder.Reset()
	s.remainder.WriteString(buffered[idx+1:])

	var events []Event
	for _, line := range strings.Split(complete, "\n") {
		if ev, ok := s.classify(strings.TrimSuffix(line, "\r")); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush drains any retained partial line as if it had been newline-terminated.
// Call once after the stream closes.
func (s *Scanner) Flush() []Event {
	if s.remainder.Len() == 0 {
		return nil
	}
	line := s.remainder.String()
	s.remainder.Reset()
	if ev, ok := s.classify(strings.TrimSuffix(line, "\r")); ok {
		return []Event{ev}
	}
	return nil
}

func (s *Scanner) classify(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Event{}, false
	}

	switch {
	case strings.Contains(line, markerPlanning):
		return s.event(TagPlanning, stripMarker(line, markerPlanning)), true
	case strings.Contains(line, markerExecuting):
		return s.event(TagExecuting, stripMarker(line, markerExecuting)), true
	case strings.Contains(line, markerVerifying):
		return s.event(TagVerifying, stripMarker(line, markerVerifying)), true
	case strings.Contains(line, markerProgress):
		n, ok := progressValue(line)
		if !ok {
			// Marker without a parseable integer is noise, not an error.
			return Event{}, false
		}
		ev := s.event(TagProgress, "")
		ev.Progress = n
		return ev, true
	case strings.HasPrefix(trimmed, "{"):
		if s.OnJSONLine != nil {
			s.OnJSONLine(trimmed)
		}
		return Event{}, false
	default:
		return s.event(TagExecuting, trimmed), true
	}
}

func (s *Scanner) event(tag Tag, msg string) Event {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Event{Tag: tag, Timestamp: stamp(now()), Message: msg}
}

// stripMarker removes the first occurrence of marker and trims the rest,
// matching the legacy relay's replace-then-trim behavior.
func stripMarker(line, marker string) string {
	return strings.TrimSpace(strings.Replace(line, marker, "", 1))
}

// progressValue extracts the integer following [PROGRESS], clamped to [0,100].
func progressValue(line string) (int, bool) {
	rest := line[strings.Index(line, markerProgress)+len(markerProgress):]
	rest = strings.TrimLeft(rest, " \t")

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}

	n := 0
	for _, c := range rest[:end] {
		n = n*10 + int(c-'0')
		if n > 100 {
			return 100, true
		}
	}
	return n, true
}

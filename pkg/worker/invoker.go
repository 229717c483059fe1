package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/metrics"
)

// extractionMarker is the key the extraction worker's result line must
// contain. Lines before and after it are incidental logging.
const extractionMarker = "identity"

// ExtractionPayload is the stdin request for one extraction round.
type ExtractionPayload struct {
	Message string          `json:"message"`
	History []agent.Message `json:"history"`
}

// Command describes how to launch one kind of worker.
type Command struct {
	Path string
	Args []string
	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	// Credentials travel here, never on the command line.
	Env []string
}

// Process is a running build worker. Stdout must be drained before Wait.
type Process interface {
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Launcher starts a streaming build worker. The supervisor depends on this
// rather than on Invoker so tests can script worker output.
type Launcher interface {
	Start(ctx context.Context, payload any) (Process, error)
}

// Invoker spawns one external process per logical operation: a buffered
// extraction call or a streaming build run.
type Invoker struct {
	Extraction Command
	Build      Command
	Logger     *slog.Logger
	Metrics    *metrics.Set
}

func (iv *Invoker) logger() *slog.Logger {
	if iv.Logger != nil {
		return iv.Logger
	}
	return slog.Default()
}

// Invoke runs one extraction worker to completion and returns its parsed
// result. The contract is never-fail: any worker failure (spawn error,
// non-zero exit, no qualifying output line, bad JSON) yields the documented
// fallback so a stalled worker cannot break the chat loop. Failure detail is
// logged, not surfaced.
func (iv *Invoker) Invoke(ctx context.Context, payload ExtractionPayload) *agent.ExtractionResult {
	stdout, stderr, err := iv.run(ctx, iv.Extraction, payload)
	if err != nil {
		iv.logger().Error("extraction worker failed",
			"error", err,
			"stderr", truncate(stderr, 2048),
		)
		iv.Metrics.RecordWorkerInvocation("extraction", "fallback")
		return agent.FallbackExtraction()
	}

	line, ok := findResultLine(stdout, extractionMarker)
	if !ok {
		iv.logger().Error("extraction worker produced no result line",
			"stdout", truncate(stdout, 2048),
		)
		iv.Metrics.RecordWorkerInvocation("extraction", "fallback")
		return agent.FallbackExtraction()
	}

	var result agent.ExtractionResult
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		iv.logger().Error("extraction result unmarshal failed", "error", err)
		iv.Metrics.RecordWorkerInvocation("extraction", "fallback")
		return agent.FallbackExtraction()
	}
	iv.Metrics.RecordWorkerInvocation("extraction", "ok")
	return &result
}

// run spawns the command, writes the JSON payload to stdin, closes it, and
// collects stdout/stderr until exit.
func (iv *Invoker) run(ctx context.Context, cmd Command, payload any) (stdout, stderr string, err error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = strings.NewReader(string(input) + "\n")

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	if err := c.Run(); err != nil {
		return outBuf.String(), errBuf.String(), fmt.Errorf("run %s: %w", cmd.Path, err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// Start launches the build worker, writes the session state to its stdin,
// closes it, and returns a handle streaming stdout. Stderr is drained to the
// log in the background.
func (iv *Invoker) Start(ctx context.Context, payload any) (Process, error) {
	proc, err := iv.start(ctx, payload)
	if err != nil {
		iv.Metrics.RecordWorkerInvocation("build", "spawn_error")
		return nil, err
	}
	iv.Metrics.RecordWorkerInvocation("build", "started")
	return proc, nil
}

func (iv *Invoker) start(ctx context.Context, payload any) (Process, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	c := exec.CommandContext(ctx, iv.Build.Path, iv.Build.Args...)
	c.Env = append(os.Environ(), iv.Build.Env...)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", iv.Build.Path, err)
	}

	go func() {
		defer stdin.Close()
		if _, err := io.WriteString(stdin, string(input)+"\n"); err != nil {
			iv.logger().Warn("write build worker stdin", "error", err)
		}
	}()

	go func() {
		data, _ := io.ReadAll(stderr)
		if len(data) > 0 {
			iv.logger().Warn("build worker stderr", "stderr", truncate(string(data), 4096))
		}
	}()

	return &osProcess{cmd: c, stdout: stdout}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }

func (p *osProcess) Wait() error { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// findResultLine scans output for the first line that both begins with "{"
// and contains the marker key.
func findResultLine(output, marker string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") && strings.Contains(line, marker) {
			return line, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

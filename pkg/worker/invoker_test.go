package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/metrics"
)

func shCommand(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestInvoke_ParsesResultLine(t *testing.T) {
	iv := &Invoker{Extraction: shCommand(
		`echo "booting model"; echo '{"identity":{"name":"Tara"},"knowledge":{"orgName":"Acme"},"missing_fields":[],"next_question":"DONE","completeness_score":100}'; echo "shutting down"`,
	)}

	res := iv.Invoke(context.Background(), ExtractionPayload{Message: "hi"})
	if res.Identity.Name != "Tara" {
		t.Fatalf("identity.name = %q, want Tara", res.Identity.Name)
	}
	if res.Knowledge.OrgName != "Acme" {
		t.Fatalf("knowledge.orgName = %q, want Acme", res.Knowledge.OrgName)
	}
	if res.NextQuestion != "DONE" || res.CompletenessScore != 100 {
		t.Fatalf("next=%q score=%d", res.NextQuestion, res.CompletenessScore)
	}
}

func TestInvoke_NonZeroExitReturnsFallback(t *testing.T) {
	iv := &Invoker{Extraction: shCommand(`echo "oops" >&2; exit 3`)}

	res := iv.Invoke(context.Background(), ExtractionPayload{Message: "hi"})
	want := agent.FallbackExtraction()
	if res.Identity.Name != want.Identity.Name || res.NextQuestion != want.NextQuestion || res.CompletenessScore != want.CompletenessScore {
		t.Fatalf("fallback = %+v, want %+v", res, want)
	}
}

func TestInvoke_NoResultLineReturnsFallback(t *testing.T) {
	iv := &Invoker{Extraction: shCommand(`echo "just logs, no json"`)}

	res := iv.Invoke(context.Background(), ExtractionPayload{Message: "hi"})
	if res.NextQuestion != "DONE" || res.CompletenessScore != 100 {
		t.Fatalf("expected fallback, got %+v", res)
	}
}

func TestInvoke_BadJSONResultReturnsFallback(t *testing.T) {
	iv := &Invoker{Extraction: shCommand(`echo '{"identity": not json'`)}

	res := iv.Invoke(context.Background(), ExtractionPayload{Message: "hi"})
	if res.NextQuestion != "DONE" {
		t.Fatalf("expected fallback, got %+v", res)
	}
}

func TestInvoke_PayloadReachesWorkerStdin(t *testing.T) {
	// The worker echoes the payload back (quotes stripped) inside a result
	// line; the echoed message proves stdin carried the JSON request.
	iv := &Invoker{Extraction: shCommand(
		`read line; stripped=$(printf %s "$line" | tr -d '"'); printf '{"identity":{"name":"echo"},"next_question":"%s"}\n' "$stripped"`,
	)}

	res := iv.Invoke(context.Background(), ExtractionPayload{Message: "ping"})
	if !strings.Contains(res.NextQuestion, "message:ping") {
		t.Fatalf("stdin payload not echoed back: %q", res.NextQuestion)
	}
}

func TestStart_StreamsStdoutAndWaits(t *testing.T) {
	iv := &Invoker{Build: shCommand(
		`echo "[PLANNING] step1"; echo "[PROGRESS] 10"; echo "[EXECUTING] step2"; echo "[PROGRESS] 100"`,
	)}

	proc, err := iv.Start(context.Background(), map[string]any{"session_id": "s1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	want := "[PLANNING] step1\n[PROGRESS] 10\n[EXECUTING] step2\n[PROGRESS] 100\n"
	if string(out) != want {
		t.Fatalf("stdout = %q, want %q", out, want)
	}
}

func TestStart_KillTerminatesWorker(t *testing.T) {
	iv := &Invoker{Build: shCommand(`sleep 60`)}

	proc, err := iv.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		io.Copy(io.Discard, proc.Stdout())
		done <- proc.Wait()
	}()

	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Wait() = nil after kill, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit after kill")
	}
}

func TestInvoker_RecordsInvocationOutcomes(t *testing.T) {
	m := metrics.New("workertest")
	iv := &Invoker{Metrics: m}

	iv.Extraction = shCommand(`exit 1`)
	iv.Invoke(context.Background(), ExtractionPayload{Message: "hi"})

	iv.Extraction = shCommand(`echo '{"identity":{"name":"T"}}'`)
	iv.Invoke(context.Background(), ExtractionPayload{Message: "hi"})

	iv.Build = shCommand(`echo done`)
	proc, err := iv.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	io.Copy(io.Discard, proc.Stdout())
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`workertest_worker_invocations_total{kind="extraction",outcome="fallback"} 1`,
		`workertest_worker_invocations_total{kind="extraction",outcome="ok"} 1`,
		`workertest_worker_invocations_total{kind="build",outcome="started"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q in:\n%s", want, body)
		}
	}
}

func TestFindResultLine(t *testing.T) {
	out := "noise\n{\"other\":1}\n  {\"identity\":{\"name\":\"A\"}}\ntrailer\n"
	line, ok := findResultLine(out, "identity")
	if !ok {
		t.Fatalf("findResultLine() not found")
	}
	if line != `{"identity":{"name":"A"}}` {
		t.Fatalf("line = %q", line)
	}

	if _, ok := findResultLine("no json here\n", "identity"); ok {
		t.Fatalf("found result in plain text")
	}
}

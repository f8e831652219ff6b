package backend

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func shBackend(pm *ProcessManager, breakers *BreakerRegistry) *CLI {
	return NewCLI("sh", ProviderConfig{Type: "cli", Command: "sh", PreArgs: []string{"-c"}}, pm, breakers, log.New(io.Discard, "", 0))
}

func startScript(t *testing.T, ctx context.Context, b *CLI, script string, timeout time.Duration) *Session {
	t.Helper()
	sess, err := b.StartSession(ctx, SessionConfig{WorkerID: "w1", TaskID: "t1", Prompt: script, Timeout: timeout})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return sess
}

func TestSession_Completed(t *testing.T) {
	sess := startScript(t, context.Background(), shBackend(nil, nil), "echo hello; echo oops 1>&2; echo world", 10*time.Second)

	res, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusCompleted || res.ExitCode != 0 {
		t.Errorf("status = %s exit = %d", res.Status, res.ExitCode)
	}
	if res.Stdout != "hello\nworld" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Stderr != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.Lines != 3 {
		t.Errorf("lines = %d", res.Lines)
	}
	if !strings.Contains(res.Output(), "oops") {
		t.Errorf("Output() missing stderr: %q", res.Output())
	}
}

func TestSession_FailedExitCode(t *testing.T) {
	sess := startScript(t, context.Background(), shBackend(nil, nil), "echo nope; exit 3", 0)

	res, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusFailed || res.ExitCode != 3 {
		t.Errorf("status = %s exit = %d, want FAILED 3", res.Status, res.ExitCode)
	}
}

func TestSession_TimeoutDuringStreaming(t *testing.T) {
	sess := startScript(t, context.Background(), shBackend(nil, nil), "echo start; sleep 30; echo never", 300*time.Millisecond)

	// Consume the stream the way a monitor would; the deadline must end it.
	start := time.Now()
	var got []string
	for l := range sess.StreamOutput(context.Background()) {
		got = append(got, l.Text)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stream ran %v past the deadline", elapsed)
	}

	res, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Errorf("status = %s, want TIMEOUT", res.Status)
	}
	if !errors.Is(res.Err, ErrSessionTimeout) {
		t.Errorf("err = %v, want ErrSessionTimeout", res.Err)
	}
	if len(got) != 1 || got[0] != "start" {
		t.Errorf("streamed %q", got)
	}
}

func TestSession_Cancelled(t *testing.T) {
	pm := NewProcessManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := startScript(t, ctx, shBackend(pm, nil), "echo ready; sleep 30", 0)

	for l := range sess.StreamOutput(context.Background()) {
		if l.Text == "ready" {
			cancel()
		}
	}

	res, err := sess.Wait()
	if !errors.Is(err, ErrSessionCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want ErrSessionCancelled wrapping context.Canceled", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", res.Status)
	}
	if pm.Count() != 0 {
		t.Errorf("process still tracked after cancel")
	}
}

func TestSession_CancelMethod(t *testing.T) {
	sess := startScript(t, context.Background(), shBackend(nil, nil), "sleep 30", 0)
	sess.Cancel()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after Cancel")
	}
	if _, err := sess.Wait(); !errors.Is(err, ErrSessionCancelled) {
		t.Errorf("Wait err = %v", err)
	}
}

func TestSession_StartWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := shBackend(nil, nil).StartSession(ctx, SessionConfig{Prompt: "true"}); !errors.Is(err, ErrSessionCancelled) {
		t.Errorf("err = %v, want ErrSessionCancelled", err)
	}
}

func TestSession_StreamOutputRestartsAndEndsAfterExit(t *testing.T) {
	sess := startScript(t, context.Background(), shBackend(nil, nil), "echo a; echo b; sleep 0.2; echo c", 10*time.Second)

	var first, second []string
	for l := range sess.StreamOutput(context.Background()) {
		first = append(first, l.Text)
		if l.Text == "a" {
			// A second iterator started mid-run still sees every line.
			for l2 := range sess.StreamOutput(context.Background()) {
				second = append(second, l2.Text)
			}
		}
	}
	if strings.Join(first, ",") != "a,b,c" || strings.Join(second, ",") != "a,b,c" {
		t.Errorf("first = %q second = %q", first, second)
	}

	if _, err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for l := range sess.StreamOutput(context.Background()) {
		t.Errorf("stream after exit yielded %q", l.Text)
	}
}

func TestSession_StreamOutputEarlyBreak(t *testing.T) {
	sess := startScript(t, context.Background(), shBackend(nil, nil), "for i in 1 2 3 4 5; do echo $i; done", 10*time.Second)
	n := 0
	for range sess.StreamOutput(context.Background()) {
		n++
		if n == 2 {
			break
		}
	}
	res, err := sess.Wait()
	if err != nil || res.Lines != 5 {
		t.Errorf("Wait = %d lines, %v", res.Lines, err)
	}
}

func TestSession_LargeOutputDoesNotDeadlock(t *testing.T) {
	script := `i=0; while [ $i -lt 20000 ]; do echo "line $i of a reasonably long output stream"; i=$((i+1)); done; echo done 1>&2`
	sess := startScript(t, context.Background(), shBackend(nil, nil), script, 30*time.Second)

	res, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusCompleted || res.Lines != 20001 {
		t.Errorf("status = %s lines = %d", res.Status, res.Lines)
	}
}

func TestSession_EnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	b := NewCLI("sh", ProviderConfig{Command: "sh", PreArgs: []string{"-c"}, Env: map[string]string{"PROVIDER_VAR": "p"}}, nil, nil, nil)
	sess, err := b.StartSession(context.Background(), SessionConfig{
		Prompt:  `echo "$PROVIDER_VAR-$SESSION_VAR"; ls`,
		WorkDir: dir,
		Env:     map[string]string{"SESSION_VAR": "s"},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	res, _ := sess.Wait()
	if res.Stdout != "p-s" {
		t.Errorf("stdout = %q, want env vars and an empty directory listing", res.Stdout)
	}
}

func TestSession_SpawnFailure(t *testing.T) {
	b := NewCLI("ghost", ProviderConfig{Command: "beadwork-no-such-tool"}, nil, nil, log.New(io.Discard, "", 0))
	sess, err := b.StartSession(context.Background(), SessionConfig{Prompt: "x"})
	if err != nil {
		t.Fatalf("spawn failure must not be an error: %v", err)
	}
	res, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusFailed || res.ExitCode != SpawnFailure {
		t.Errorf("status = %s exit = %d", res.Status, res.ExitCode)
	}
	if !errors.Is(res.Err, ErrNotInstalled) {
		t.Errorf("err = %v, want ErrNotInstalled", res.Err)
	}
	for range sess.StreamOutput(context.Background()) {
		t.Error("failed session yielded output")
	}
}

func TestSession_ProcessTracking(t *testing.T) {
	pm := NewProcessManager()
	sess := startScript(t, context.Background(), shBackend(pm, nil), "sleep 30", 0)
	if pm.Count() != 1 {
		t.Errorf("tracked = %d, want 1", pm.Count())
	}
	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	res, err := sess.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("externally killed session status = %s, want FAILED", res.Status)
	}
	if pm.Count() != 0 {
		t.Errorf("tracked = %d after exit", pm.Count())
	}
}

func TestBreaker_TripsOnRepeatedSpawnFailures(t *testing.T) {
	breakers := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Hour}, log.New(io.Discard, "", 0))
	b := NewCLI("ghost", ProviderConfig{Command: "beadwork-no-such-tool"}, nil, breakers, log.New(io.Discard, "", 0))

	for i := 0; i < 2; i++ {
		sess, _ := b.StartSession(context.Background(), SessionConfig{})
		if res, _ := sess.Wait(); !errors.Is(res.Err, ErrNotInstalled) {
			t.Fatalf("attempt %d: err = %v", i, res.Err)
		}
	}
	if breakers.State("ghost") != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", breakers.State("ghost"))
	}

	sess, _ := b.StartSession(context.Background(), SessionConfig{})
	res, _ := sess.Wait()
	if !errors.Is(res.Err, gobreaker.ErrOpenState) || res.ExitCode != SpawnFailure {
		t.Errorf("open breaker result = %+v", res)
	}

	// Other providers are unaffected.
	if breakers.State("sh") != gobreaker.StateClosed {
		t.Error("unrelated breaker not closed")
	}
}

func TestBreaker_IgnoresSuccessfulSpawns(t *testing.T) {
	breakers := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 1}, log.New(io.Discard, "", 0))
	b := shBackend(nil, breakers)
	for i := 0; i < 3; i++ {
		sess := startScript(t, context.Background(), b, "exit 1", 0)
		sess.Wait()
	}
	// A non-zero exit is a task failure, not a spawn failure.
	if breakers.State("sh") != gobreaker.StateClosed {
		t.Errorf("breaker state = %s", breakers.State("sh"))
	}
}

package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionCancelled is returned by Wait when the session's context was
	// cancelled. It wraps the context error.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrSessionTimeout is recorded in SessionResult.Err when the overall
	// deadline expired.
	ErrSessionTimeout = errors.New("session timed out")
)

type killReason int

const (
	notKilled killReason = iota
	killedTimeout
	killedCancelled
)

// Session is one running worker process. Output is read from both pipes
// into a single line channel; a pump goroutine accumulates every line and
// wakes StreamOutput iterators.
type Session struct {
	id        string
	cfg       SessionConfig
	cmd       *exec.Cmd
	pm        *ProcessManager
	logger    *log.Logger
	startedAt time.Time

	mu         sync.Mutex
	lines      []Line
	changed    chan struct{} // closed and replaced on every append
	outputDone bool
	reaped     bool
	reason     killReason
	cause      error

	done   chan struct{}
	result SessionResult
}

// startSession spawns command and starts the lifecycle goroutines.
func startSession(ctx context.Context, cfg SessionConfig, command string, args, env []string, pm *ProcessManager, logger *log.Logger) (*Session, error) {
	cmd := newCommand(command, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotInstalled, command)
		}
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	pm.Track(cmd)

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		cmd:       cmd,
		pm:        pm,
		logger:    logger,
		startedAt: time.Now(),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	// The deadline covers streaming and the final wait alike.
	var timer *time.Timer
	if cfg.Timeout > 0 {
		timer = time.AfterFunc(cfg.Timeout, func() { s.kill(killedTimeout, ErrSessionTimeout) })
	}
	stopWatch := context.AfterFunc(ctx, func() { s.kill(killedCancelled, context.Cause(ctx)) })

	go s.run(stdout, stderr, timer, stopWatch)
	return s, nil
}

// failedSession returns an already-finished session describing a spawn
// failure, so it can be classified like any other failed run.
func failedSession(cfg SessionConfig, err error) *Session {
	now := time.Now()
	s := &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		startedAt:  now,
		changed:    make(chan struct{}),
		outputDone: true,
		done:       make(chan struct{}),
	}
	s.result = SessionResult{
		SessionID:  s.id,
		Status:     StatusFailed,
		ExitCode:   SpawnFailure,
		Stderr:     err.Error(),
		StartedAt:  now,
		FinishedAt: now,
		Err:        err,
	}
	close(s.done)
	return s
}

func (s *Session) run(stdout, stderr io.Reader, timer *time.Timer, stopWatch func() bool) {
	lineCh := make(chan Line, 64)
	pumpDone := make(chan struct{})

	go func() {
		defer close(pumpDone)
		for l := range lineCh {
			s.mu.Lock()
			s.lines = append(s.lines, l)
			close(s.changed)
			s.changed = make(chan struct{})
			s.mu.Unlock()
		}
	}()

	// Both pipes must be drained before cmd.Wait.
	var g errgroup.Group
	g.Go(func() error { return readLines(stdout, Stdout, lineCh) })
	g.Go(func() error { return readLines(stderr, Stderr, lineCh) })
	readErr := g.Wait()
	close(lineCh)
	<-pumpDone

	waitErr := s.cmd.Wait()
	s.pm.Untrack(s.cmd)
	if timer != nil {
		timer.Stop()
	}
	stopWatch()

	s.mu.Lock()
	s.reaped = true
	s.outputDone = true
	close(s.changed)
	s.changed = make(chan struct{})
	reason, cause := s.reason, s.cause
	lines := s.lines
	s.mu.Unlock()

	res := SessionResult{
		SessionID:  s.id,
		ExitCode:   s.cmd.ProcessState.ExitCode(),
		Lines:      len(lines),
		StartedAt:  s.startedAt,
		FinishedAt: time.Now(),
	}
	res.Stdout, res.Stderr = joinLines(lines)

	switch reason {
	case killedTimeout:
		res.Status = StatusTimeout
		res.Err = ErrSessionTimeout
	case killedCancelled:
		res.Status = StatusCancelled
		res.Err = fmt.Errorf("%w: %w", ErrSessionCancelled, cause)
	default:
		if res.ExitCode == 0 {
			res.Status = StatusCompleted
		} else {
			res.Status = StatusFailed
			if waitErr != nil {
				res.Err = waitErr
			}
		}
	}
	if readErr != nil && s.logger != nil {
		s.logger.Printf("WARNING: [backend] session %s: reading output: %v", s.id, readErr)
	}

	s.result = res
	close(s.done)
}

// readLines decodes r line by line into out. Lines of any length are kept.
func readLines(r io.Reader, stream Stream, out chan<- Line) error {
	br := bufio.NewReader(r)
	for {
		text, err := br.ReadString('\n')
		if text != "" {
			text = strings.TrimRight(text, "\r\n")
			out <- Line{Text: strings.ToValidUTF8(text, "\uFFFD"), Stream: stream, At: time.Now()}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func joinLines(lines []Line) (stdout, stderr string) {
	var out, errb strings.Builder
	for _, l := range lines {
		b := &out
		if l.Stream == Stderr {
			b = &errb
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
	}
	return out.String(), errb.String()
}

// kill terminates the process group. The first reason wins; once the
// process has been reaped its group id may be reused, so nothing is sent.
func (s *Session) kill(reason killReason, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reaped {
		return
	}
	if s.reason == notKilled {
		s.reason, s.cause = reason, cause
	}
	if err := killProcessGroup(s.cmd); err != nil && s.logger != nil {
		s.logger.Printf("WARNING: [backend] session %s: %v", s.id, err)
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was started with.
func (s *Session) Config() SessionConfig { return s.cfg }

// StartedAt returns when the process was spawned.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once the session has finished and its result is final.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel kills the process and classifies the session as cancelled.
func (s *Session) Cancel() {
	if s.cmd == nil {
		return
	}
	s.kill(killedCancelled, context.Canceled)
}

// StreamOutput returns the session's output lines. Every call yields from
// the first line and follows new output until the pipes close; a call made
// after the process has exited yields nothing. Iteration also stops when
// ctx is done.
func (s *Session) StreamOutput(ctx context.Context) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		s.mu.Lock()
		finished := s.outputDone
		s.mu.Unlock()
		if finished {
			return
		}

		for i := 0; ; {
			s.mu.Lock()
			if i < len(s.lines) {
				l := s.lines[i]
				s.mu.Unlock()
				i++
				if !yield(l) {
					return
				}
				continue
			}
			if s.outputDone {
				s.mu.Unlock()
				return
			}
			changed := s.changed
			s.mu.Unlock()

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Wait blocks until the process exits and returns its result. If the
// session was cancelled the error wraps ErrSessionCancelled; callers must
// clean up task and worker state. A timeout is reported only through the
// result's status.
func (s *Session) Wait() (SessionResult, error) {
	<-s.done
	if s.result.Status == StatusCancelled {
		return s.result, s.result.Err
	}
	return s.result, nil
}

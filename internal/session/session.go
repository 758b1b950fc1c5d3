// Package session holds the authoritative recording session and its guarded
// state transitions. A Session is created once per core process and reset to
// idle instead of being discarded, so repeated start/stop cycles reuse it.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiroq/recbridge/internal/artifact"
)

// Command is a request issued by the observer side.
type Command string

const (
	CmdStart     Command = "start"
	CmdPause     Command = "pause"
	CmdResume    Command = "resume"
	CmdStop      Command = "stop"
	CmdForceStop Command = "force-stop"
)

// Reader is the read-only view the bridge gets. Only the engine mutates a Session.
type Reader interface {
	Snapshot() Snapshot
	Check(cmd Command) error
	VerifiedOutput() string
	AttemptID() string
}

// Session is the single-writer recording record. Every mutator validates its
// guard and applies the transition under one lock, so a rejected transition
// leaves no trace.
type Session struct {
	mu sync.RWMutex

	state      State
	outputPath string // raw filesystem path
	elapsed    int64
	lastError  string
	finalizing bool

	attemptID string
	startedAt time.Time
	version   uint64
	epoch     string
}

// New returns an idle session with a fresh process epoch.
func New() *Session {
	return &Session{
		state: StateIdle,
		epoch: uuid.NewString(),
	}
}

// Check validates cmd against the current state without mutating anything.
func (s *Session) Check(cmd Command) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(cmd)
}

func (s *Session) check(cmd Command) error {
	switch cmd {
	case CmdStart:
		if s.state == StateIdle || s.state.Terminal() {
			return nil
		}
	case CmdPause:
		if s.state == StateRecording && !s.finalizing {
			return nil
		}
	case CmdResume:
		if s.state == StatePaused && !s.finalizing {
			return nil
		}
	case CmdStop:
		if (s.state == StateRecording || s.state == StatePaused) && !s.finalizing {
			return nil
		}
	case CmdForceStop:
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidState, cmd)
	}
	if s.finalizing {
		return fmt.Errorf("%w: cannot %s while stop is finalizing", ErrInvalidState, cmd)
	}
	return fmt.Errorf("%w: cannot %s from %s", ErrInvalidState, cmd, s.state)
}

// Begin moves to recording for a new attempt writing to outputPath.
// elapsedBefore seeds the elapsed counter.
func (s *Session) Begin(outputPath string, elapsedBefore int64, now time.Time) (Snapshot, error) {
	if outputPath == "" {
		return Snapshot{}, fmt.Errorf("%w: empty output path", ErrStartFailed)
	}
	if elapsedBefore < 0 {
		elapsedBefore = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(CmdStart); err != nil {
		return Snapshot{}, err
	}
	s.state = StateRecording
	s.outputPath = outputPath
	s.elapsed = elapsedBefore
	s.lastError = ""
	s.finalizing = false
	s.attemptID = uuid.NewString()
	s.startedAt = now
	return s.commit(), nil
}

// Pause freezes elapsed at the given value.
func (s *Session) Pause(elapsed int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(CmdPause); err != nil {
		return Snapshot{}, err
	}
	s.advance(elapsed)
	s.state = StatePaused
	return s.commit(), nil
}

// Resume moves back to recording.
func (s *Session) Resume() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(CmdResume); err != nil {
		return Snapshot{}, err
	}
	s.state = StateRecording
	return s.commit(), nil
}

// RequestStop marks the attempt as finalizing. The state only becomes
// Completed or Error once the artifact has been checked.
func (s *Session) RequestStop(elapsed int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(CmdStop); err != nil {
		return Snapshot{}, err
	}
	if s.state == StateRecording {
		s.advance(elapsed)
	}
	s.finalizing = true
	return s.commit(), nil
}

// Tick records elapsed progress while recording. It reports false when the
// tick was ignored (not recording, finalizing, or elapsed would decrease).
func (s *Session) Tick(elapsed int64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording || s.finalizing || elapsed <= s.elapsed {
		return s.snapshot(), false
	}
	s.elapsed = elapsed
	return s.commit(), true
}

// Complete finishes the attempt identified by attemptID with a verified
// artifact at path.
func (s *Session) Complete(attemptID, path string, elapsed int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalizing || s.attemptID != attemptID {
		return Snapshot{}, fmt.Errorf("%w: no finalizing attempt %s", ErrInvalidState, attemptID)
	}
	if path == "" {
		return Snapshot{}, fmt.Errorf("%w: empty artifact path", ErrArtifactVerificationFailed)
	}
	s.advance(elapsed)
	s.outputPath = path
	s.state = StateCompleted
	s.finalizing = false
	return s.commit(), nil
}

// Fail moves the session to Error. Completed sessions cannot fail. An empty
// attemptID applies to whatever attempt is current.
func (s *Session) Fail(attemptID string, cause error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCompleted {
		return Snapshot{}, fmt.Errorf("%w: cannot fail a completed session", ErrInvalidState)
	}
	if attemptID != "" && s.attemptID != attemptID {
		return Snapshot{}, fmt.Errorf("%w: attempt %s is no longer current", ErrInvalidState, attemptID)
	}
	s.state = StateError
	s.finalizing = false
	if cause != nil {
		s.lastError = cause.Error()
	} else {
		s.lastError = "unknown error"
	}
	return s.commit(), nil
}

// Reset forces the session back to idle from any state, discarding the
// in-flight artifact reference. It never fails.
func (s *Session) Reset() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.outputPath = ""
	s.elapsed = 0
	s.lastError = ""
	s.finalizing = false
	s.attemptID = ""
	s.startedAt = time.Time{}
	return s.commit()
}

// Snapshot returns the current snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// VerifiedOutput returns the raw artifact path once the session is
// Completed, and "" otherwise.
func (s *Session) VerifiedOutput() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateCompleted {
		return ""
	}
	return s.outputPath
}

// OutputPath returns the raw path of the current attempt.
func (s *Session) OutputPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outputPath
}

// AttemptID identifies the current recording attempt ("" when idle).
func (s *Session) AttemptID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attemptID
}

// StartedAt returns when the current attempt began.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Finalizing reports whether a stop is waiting for verification.
func (s *Session) Finalizing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalizing
}

func (s *Session) advance(elapsed int64) {
	if elapsed > s.elapsed {
		s.elapsed = elapsed
	}
}

func (s *Session) commit() Snapshot {
	s.version++
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		State:         s.state,
		OutputFile:    artifact.URI(s.outputPath),
		ElapsedMillis: s.elapsed,
		LastError:     s.lastError,
		Version:       s.version,
		Epoch:         s.epoch,
	}
}

package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

var errFakeNotRunning = errors.New("fake backend: not running")

// FakeBackend is an in-memory capture backend. Start creates an empty output
// file; Stop fills it with Payload unless EmptyOutput or NoOutput is set.
type FakeBackend struct {
	mu sync.Mutex

	StartErr    error
	PauseErr    error
	StopErr     error
	Payload     []byte
	EmptyOutput bool
	NoOutput    bool

	// StopGate, when set, blocks Stop until it is closed or receives.
	StopGate chan struct{}

	running  bool
	paused   bool
	output   string
	calls    []string
	failures chan error
}

// NewFakeBackend returns a backend that writes a small non-empty artifact.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Payload:  []byte("fake-audio-payload"),
		failures: make(chan error, 1),
	}
}

func (f *FakeBackend) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns the backend methods invoked so far, in order.
func (f *FakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Output returns the path of the last started capture.
func (f *FakeBackend) Output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output
}

// Running reports whether a capture is active.
func (f *FakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Name implements recorder.Backend.
func (f *FakeBackend) Name() string { return "fake" }

// Failures implements recorder.Backend.
func (f *FakeBackend) Failures() <-chan error { return f.failures }

// Fail injects a runtime failure.
func (f *FakeBackend) Fail(err error) {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.failures <- err
}

// Start implements recorder.Backend.
func (f *FakeBackend) Start(_ context.Context, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.StartErr != nil {
		return f.StartErr
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, nil, 0o600); err != nil {
		return err
	}
	f.running = true
	f.paused = false
	f.output = outputPath
	return nil
}

// Pause implements recorder.Backend.
func (f *FakeBackend) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	if !f.running {
		return errFakeNotRunning
	}
	if f.PauseErr != nil {
		return f.PauseErr
	}
	f.paused = true
	return nil
}

// Resume implements recorder.Backend.
func (f *FakeBackend) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	if !f.running {
		return errFakeNotRunning
	}
	f.paused = false
	return nil
}

// Stop implements recorder.Backend.
func (f *FakeBackend) Stop(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.record("stop")
	gate := f.StopGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return f.output, errFakeNotRunning
	}
	f.running = false
	switch {
	case f.NoOutput:
		_ = os.Remove(f.output)
	case f.EmptyOutput:
	default:
		if err := os.WriteFile(f.output, f.Payload, 0o600); err != nil {
			return f.output, err
		}
	}
	return f.output, f.StopErr
}

// Abort implements recorder.Backend.
func (f *FakeBackend) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("abort")
	if f.running && f.output != "" {
		_ = os.Remove(f.output)
	}
	f.running = false
	f.paused = false
	return nil
}

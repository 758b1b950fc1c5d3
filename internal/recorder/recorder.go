// Package recorder abstracts capture backends behind a common interface.
// A backend owns audio acquisition and encoding; the engine drives it and
// never looks inside.
package recorder

import (
	"context"
	"errors"
)

var (
	// ErrBusy is returned by Start while a capture is already running.
	ErrBusy = errors.New("recorder: capture already running")
	// ErrNotRunning is returned by Pause, Resume and Stop without a capture.
	ErrNotRunning = errors.New("recorder: no capture running")
	// ErrPauseUnsupported is returned where the platform cannot suspend the encoder.
	ErrPauseUnsupported = errors.New("recorder: pause not supported on this platform")
)

// Backend is the interface capture backends must implement.
//
// Start must return only after the encoder is running and writing to
// outputPath. Stop asks the encoder to flush and close the file and returns
// the path it actually wrote. Abort tears the capture down without
// finalising and removes the partial file. Failures reports runtime
// failures that happen outside of Stop (device lost, encoder crash).
type Backend interface {
	Name() string
	Start(ctx context.Context, outputPath string) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) (string, error)
	Abort() error
	Failures() <-chan error
}

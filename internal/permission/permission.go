// Package permission checks the preconditions a capture needs before it is
// started. Every failure wraps session.ErrPermissionDenied.
package permission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tiroq/recbridge/internal/session"
)

// Checker decides whether a capture may start.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Allow is a Checker that always passes.
var Allow = CheckerFunc(func(context.Context) error { return nil })

// DirChecker verifies that recordings can be written to Dir and, when
// Device is set, that the capture device node can be opened for reading.
type DirChecker struct {
	Dir    string
	Device string
}

// Check implements Checker.
func (c DirChecker) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Dir == "" {
		return denied("no recordings directory configured", nil)
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return denied("cannot create recordings directory "+c.Dir, err)
	}

	probe, err := os.CreateTemp(c.Dir, ".recbridge-probe-*")
	if err != nil {
		return denied("recordings directory is not writable: "+c.Dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	if c.Device != "" {
		f, err := os.Open(filepath.Clean(c.Device))
		if err != nil {
			return denied("capture device is not readable: "+c.Device, err)
		}
		_ = f.Close()
	}
	return nil
}

func denied(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", session.ErrPermissionDenied, msg, cause)
	}
	return fmt.Errorf("%w: %s", session.ErrPermissionDenied, msg)
}

package artifact

import (
	"context"
	"os"
	"time"
)

// IsStableCtx checks if a file's size is unchanged over the given window.
// It returns false (and no error) when the file is missing or a stat fails,
// and ctx.Err() when the context ends first.
func IsStableCtx(ctx context.Context, path string, window time.Duration) (bool, error) {
	stat1, err := os.Stat(path)
	if err != nil {
		return false, nil
	}

	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	stat2, err := os.Stat(path)
	if err != nil {
		return false, nil
	}
	return stat1.Size() == stat2.Size(), nil
}

// WaitStable blocks until the encoder has stopped growing the file, giving
// up after maxWindows windows. A non-positive window returns immediately.
// A file that never settles is left to Verify to judge.
func WaitStable(ctx context.Context, path string, window time.Duration, maxWindows int) error {
	if window <= 0 {
		return nil
	}
	if maxWindows < 1 {
		maxWindows = 1
	}
	for i := 0; i < maxWindows; i++ {
		stable, err := IsStableCtx(ctx, path, window)
		if err != nil {
			return err
		}
		if stable {
			return nil
		}
	}
	return nil
}

package recorder

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func newShellBackend(script string) *ExecBackend {
	return NewExecBackend(ExecConfig{
		Command:     "sh",
		Args:        []string{"-c", script},
		StopTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
	})
}

func TestBuildArgs(t *testing.T) {
	got := BuildArgs([]string{"-i", "default", "-y", "{output}", "--meta={output}.txt"}, "/tmp/a.m4a")
	want := []string{"-i", "default", "-y", "/tmp/a.m4a", "--meta=/tmp/a.m4a.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestExecBackend_StartStop(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "nested", "rec.m4a")
	b := newShellBackend("printf audio > {output}; exec sleep 30")

	if err := b.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(context.Background(), out); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, err := os.Stat(out); err == nil && st.Size() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("encoder never wrote output")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := b.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	path, err := b.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if path != out {
		t.Errorf("path = %q, want %q", path, out)
	}

	select {
	case err := <-b.Failures():
		t.Fatalf("unexpected failure after Stop: %v", err)
	default:
	}

	if _, err := b.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop after stop err = %v, want ErrNotRunning", err)
	}
}

func TestExecBackend_UnexpectedExit(t *testing.T) {
	requireShell(t)
	b := newShellBackend("exit 3")

	if err := b.Start(context.Background(), filepath.Join(t.TempDir(), "rec.m4a")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-b.Failures():
		if err == nil {
			t.Fatal("nil failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}

	if err := b.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Pause after crash err = %v, want ErrNotRunning", err)
	}
}

func TestExecBackend_AbortRemovesOutput(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "rec.m4a")
	b := newShellBackend("printf x > {output}; exec sleep 30")

	if err := b.Start(context.Background(), out); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(out); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("encoder never wrote output")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := b.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output still exists after Abort: %v", err)
	}
	if err := b.Abort(); err != nil {
		t.Errorf("second Abort: %v", err)
	}
}

func TestExecBackend_AbortDuringStopKeepsNextRun(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	b := newShellBackend("trap '' INT; exec sleep 30")

	for i := 0; i < 5; i++ {
		if err := b.Start(context.Background(), filepath.Join(dir, "first.m4a")); err != nil {
			t.Fatalf("Start: %v", err)
		}
		stopped := make(chan error, 1)
		go func() {
			_, err := b.Stop(context.Background())
			stopped <- err
		}()
		deadline := time.Now().Add(2 * time.Second)
		for {
			b.mu.Lock()
			stopping := b.stopping
			b.mu.Unlock()
			if stopping {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("Stop never began")
			}
			time.Sleep(time.Millisecond)
		}

		if err := b.Abort(); err != nil {
			t.Fatalf("Abort: %v", err)
		}
		next := filepath.Join(dir, "next.m4a")
		if err := b.Start(context.Background(), next); err != nil {
			t.Fatalf("Start after Abort: %v", err)
		}
		if err := <-stopped; err != nil {
			t.Fatalf("interrupted Stop: %v", err)
		}

		if err := b.Pause(); err != nil {
			t.Fatalf("run %d: new encoder lost after the old Stop returned: %v", i, err)
		}
		if err := b.Abort(); err != nil {
			t.Fatalf("Abort next: %v", err)
		}
	}
}

func TestExecBackend_NoCommand(t *testing.T) {
	b := NewExecBackend(ExecConfig{Logger: zerolog.Nop()})
	if err := b.Start(context.Background(), filepath.Join(t.TempDir(), "x.m4a")); err == nil {
		t.Fatal("expected error without command")
	}
}

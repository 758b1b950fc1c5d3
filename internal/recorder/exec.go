package recorder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OutputPlaceholder is replaced by the output path in ExecConfig.Args.
const OutputPlaceholder = "{output}"

// ExecConfig configures an external encoder process such as ffmpeg.
type ExecConfig struct {
	Command     string
	Args        []string
	StopTimeout time.Duration
	Logger      zerolog.Logger
}

// ExecBackend records by running an external encoder. Pause and resume
// suspend the process; stop sends an interrupt so the encoder can write its
// trailer, falling back to kill after StopTimeout.
type ExecBackend struct {
	cfg ExecConfig
	log zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	output   string
	paused   bool
	stopping bool
	run      *encoderRun
	lastLine string

	failures chan error
}

// encoderRun is one encoder process. err is set before done is closed.
type encoderRun struct {
	done chan struct{}
	err  error
}

// NewExecBackend creates a backend for the given encoder command.
func NewExecBackend(cfg ExecConfig) *ExecBackend {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &ExecBackend{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("backend", "exec").Logger(),
		failures: make(chan error, 1),
	}
}

// Name implements Backend.
func (b *ExecBackend) Name() string { return "exec" }

// Failures implements Backend.
func (b *ExecBackend) Failures() <-chan error { return b.failures }

// BuildArgs substitutes the output path into the configured arguments.
func BuildArgs(args []string, outputPath string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, OutputPlaceholder, outputPath)
	}
	return out
}

// Start launches the encoder writing to outputPath.
func (b *ExecBackend) Start(ctx context.Context, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil {
		return ErrBusy
	}
	if b.cfg.Command == "" {
		return errors.New("recorder: no encoder command configured")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := BuildArgs(b.cfg.Args, outputPath)
	// Not CommandContext: the capture outlives the request that started it.
	cmd := exec.Command(b.cfg.Command, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	b.log.Info().Str("command", b.cfg.Command).Strs("args", args).Msg("starting encoder")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", b.cfg.Command, err)
	}

	b.cmd = cmd
	b.output = outputPath
	b.paused = false
	b.stopping = false
	b.lastLine = ""
	b.run = &encoderRun{done: make(chan struct{})}

	go b.readStderr(stderr)
	go b.wait(cmd, b.run)
	return nil
}

func (b *ExecBackend) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		b.log.Debug().Str("line", line).Msg("encoder output")
		b.mu.Lock()
		b.lastLine = line
		b.mu.Unlock()
	}
}

func (b *ExecBackend) wait(cmd *exec.Cmd, run *encoderRun) {
	err := cmd.Wait()

	b.mu.Lock()
	run.err = err
	expected := b.stopping
	last := b.lastLine
	if !expected && b.cmd == cmd {
		b.cmd = nil
	}
	b.mu.Unlock()
	close(run.done)

	if expected {
		return
	}
	failure := fmt.Errorf("encoder exited unexpectedly: %v", err)
	if err == nil {
		failure = errors.New("encoder exited unexpectedly")
	}
	if last != "" {
		failure = fmt.Errorf("%w (%s)", failure, last)
	}
	b.log.Error().Err(failure).Msg("capture failed")
	select {
	case b.failures <- failure:
	default:
	}
}

// Pause suspends the encoder process.
func (b *ExecBackend) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return ErrNotRunning
	}
	if b.paused {
		return nil
	}
	if err := suspend(b.cmd.Process); err != nil {
		return fmt.Errorf("pause encoder: %w", err)
	}
	b.paused = true
	return nil
}

// Resume continues a suspended encoder process.
func (b *ExecBackend) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return ErrNotRunning
	}
	if !b.paused {
		return nil
	}
	if err := resume(b.cmd.Process); err != nil {
		return fmt.Errorf("resume encoder: %w", err)
	}
	b.paused = false
	return nil
}

// Stop interrupts the encoder and waits for it to exit. The returned path
// is the one passed to Start; whether it holds a usable file is for the
// caller to verify.
func (b *ExecBackend) Stop(ctx context.Context) (string, error) {
	b.mu.Lock()
	cmd, run, output := b.cmd, b.run, b.output
	if cmd == nil || cmd.Process == nil {
		b.mu.Unlock()
		return "", ErrNotRunning
	}
	b.stopping = true
	if b.paused {
		_ = resume(cmd.Process)
		b.paused = false
	}
	b.mu.Unlock()

	b.log.Debug().Msg("sending interrupt to encoder")
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		b.log.Debug().Err(err).Msg("interrupt failed, killing encoder")
		_ = cmd.Process.Kill()
	}

	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-run.done:
	case <-timer.C:
		b.log.Warn().Dur("timeout", b.cfg.StopTimeout).Msg("encoder did not exit in time, killing")
		_ = cmd.Process.Kill()
		<-run.done
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-run.done
	}

	// An Abort may have raced this stop and a new Start taken its place.
	b.mu.Lock()
	if b.cmd == cmd {
		b.cmd = nil
		b.stopping = false
	}
	b.mu.Unlock()
	waitErr := run.err

	if waitErr != nil && !interruptedExit(waitErr) {
		return output, fmt.Errorf("encoder failed: %w", waitErr)
	}
	return output, nil
}

// Abort kills the encoder and removes the partial output.
func (b *ExecBackend) Abort() error {
	b.mu.Lock()
	cmd, run, output := b.cmd, b.run, b.output
	if cmd == nil || cmd.Process == nil {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	b.mu.Unlock()

	_ = cmd.Process.Kill()
	<-run.done

	b.mu.Lock()
	if b.cmd == cmd {
		b.cmd = nil
		b.stopping = false
		b.paused = false
	}
	b.mu.Unlock()

	if output != "" {
		if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove partial output: %w", err)
		}
	}
	return nil
}

// interruptedExit reports whether err is the encoder reacting to our own
// interrupt or kill. ffmpeg exits 255 after SIGINT.
func interruptedExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		switch exitErr.ProcessState.String() {
		case "signal: interrupt", "signal: killed", "signal: terminated":
			return true
		}
	}
	return false
}

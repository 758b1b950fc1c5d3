// Package engine is the capture execution context. It owns the recording
// session, drives the backend, ticks elapsed time and finalises stopped
// recordings. All session mutations happen on the goroutine running Run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiroq/recbridge/internal/artifact"
	"github.com/tiroq/recbridge/internal/diaglog"
	"github.com/tiroq/recbridge/internal/metrics"
	"github.com/tiroq/recbridge/internal/permission"
	"github.com/tiroq/recbridge/internal/recorder"
	"github.com/tiroq/recbridge/internal/session"
)

var (
	// ErrDebounced rejects a command that follows the previous accepted
	// command too closely.
	ErrDebounced = fmt.Errorf("%w: too soon after previous command", session.ErrInvalidState)
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("engine: closed")
)

// Options configures an Engine.
type Options struct {
	RecordingsDir   string
	FileExt         string
	TickInterval    time.Duration
	StabilityWindow time.Duration
	StabilityChecks int
	Debounce        time.Duration
	WriteMetadata   bool
	Version         string

	Permission permission.Checker
	Now        func() time.Time
	Logger     zerolog.Logger
	Diag       *diaglog.Logger
}

type request struct {
	ctx           context.Context
	cmd           session.Command
	elapsedBefore int64
	reply         chan error
}

type finalizeResult struct {
	attemptID string
	elapsed   int64
	startedAt time.Time
	stoppedAt time.Time
	info      artifact.Info
	err       error
}

// Engine serialises commands, ticks and backend results onto one goroutine.
type Engine struct {
	backend recorder.Backend
	opts    Options
	log     zerolog.Logger
	sess    *session.Session

	cmds      chan request
	results   chan finalizeResult
	statusReq chan struct{}
	events    chan Event

	quit     chan struct{}
	done     chan struct{}
	runOnce  sync.Once
	finalize sync.WaitGroup

	// owned by the Run goroutine
	runCtx       context.Context
	segmentStart time.Time // zero while not capturing
	accumulated  int64
	lastAccepted time.Time
}

// New creates an engine driving backend. Call Run to start it.
func New(backend recorder.Backend, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.StabilityChecks <= 0 {
		opts.StabilityChecks = 4
	}
	if opts.Permission == nil {
		opts.Permission = permission.Allow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Diag == nil {
		opts.Diag = diaglog.NewNoOp()
	}
	return &Engine{
		backend:   backend,
		opts:      opts,
		log:       opts.Logger,
		sess:      session.New(),
		cmds:      make(chan request),
		results:   make(chan finalizeResult),
		statusReq: make(chan struct{}, 1),
		events:    make(chan Event, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
	}
}

// Events returns the engine's event stream. It is closed when Run exits.
func (e *Engine) Events() <-chan Event { return e.events }

// Session returns a read-only view of the authoritative session.
func (e *Engine) Session() session.Reader { return e.sess }

// Snapshot returns the current session snapshot.
func (e *Engine) Snapshot() session.Snapshot { return e.sess.Snapshot() }

// Start begins a new recording. elapsedBefore seeds the elapsed counter
// when an earlier segment is being continued.
//
// Besides ErrPermissionDenied and ErrStartFailed, Start returns an
// ErrInvalidState error when the session cannot start from its current
// state, when a stop is still finalizing, or as ErrDebounced when it
// follows the previous accepted command within the debounce window.
func (e *Engine) Start(ctx context.Context, elapsedBefore int64) error {
	return e.submit(ctx, request{cmd: session.CmdStart, elapsedBefore: elapsedBefore})
}

// Pause suspends the running capture.
func (e *Engine) Pause(ctx context.Context) error {
	return e.submit(ctx, request{cmd: session.CmdPause})
}

// Resume continues a paused capture.
func (e *Engine) Resume(ctx context.Context) error {
	return e.submit(ctx, request{cmd: session.CmdResume})
}

// Stop requests finalisation. It returns once the request is accepted; the
// Completed or Error outcome arrives later as events.
func (e *Engine) Stop(ctx context.Context) error {
	return e.submit(ctx, request{cmd: session.CmdStop})
}

// ForceStop aborts whatever is in flight and resets the session to idle.
func (e *Engine) ForceStop(ctx context.Context) error {
	return e.submit(ctx, request{cmd: session.CmdForceStop})
}

// RequestStatus asks the engine to re-broadcast the current snapshot.
// Multiple requests before the engine gets to them collapse into one.
func (e *Engine) RequestStatus() {
	select {
	case e.statusReq <- struct{}{}:
	default:
	}
}

// Done is closed after Run has returned and the event stream is closed.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) submit(ctx context.Context, req request) error {
	req.ctx = ctx
	req.reply = make(chan error, 1)
	select {
	case e.cmds <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrClosed
	}
	// Once accepted the actor always answers; waiting here keeps the
	// caller's view of success or failure exact.
	return <-req.reply
}

// Run processes commands until ctx is cancelled. A capture still running at
// that point is stopped so the encoder can close its file.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("engine: Run called twice")
	}
	e.runCtx = ctx

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	metrics.SetSessionState(string(session.StateIdle))
	e.log.Info().Str("backend", e.backend.Name()).Str("epoch", e.sess.Snapshot().Epoch).Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case req := <-e.cmds:
			req.reply <- e.handle(req)
		case res := <-e.results:
			e.finish(res)
		case <-e.statusReq:
			e.resync()
		case err := <-e.backend.Failures():
			e.backendFailed(err)
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) shutdown() {
	close(e.quit)
	snap := e.sess.Snapshot()
	if snap.IsRecording() && !e.sess.Finalizing() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		path, err := e.backend.Stop(stopCtx)
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Msg("stop capture on shutdown")
		} else {
			e.log.Info().Str("output", path).Msg("capture stopped on shutdown")
		}
	}
	e.finalize.Wait()
	close(e.events)
	close(e.done)
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) handle(req request) error {
	err := e.apply(req)
	code := session.Code(err)
	metrics.IncCommand(string(req.cmd), code)

	entry := diaglog.LogEntry{
		Component: diaglog.ComponentEngine,
		Event:     diaglog.EventCommandAccepted,
		SessionID: e.sess.AttemptID(),
		Reason:    string(req.cmd),
	}
	if err != nil {
		entry.Event = diaglog.EventCommandRejected
		entry.Payload = map[string]interface{}{"code": code, "error": err.Error()}
		e.log.Info().Str("command", string(req.cmd)).Str("code", code).Err(err).Msg("command rejected")
	} else {
		e.log.Info().Str("command", string(req.cmd)).Msg("command accepted")
	}
	e.opts.Diag.Log(entry)
	return err
}

func (e *Engine) apply(req request) error {
	if req.cmd == session.CmdForceStop {
		e.forceStop()
		return nil
	}

	now := e.opts.Now()
	if e.opts.Debounce > 0 && !e.lastAccepted.IsZero() && now.Sub(e.lastAccepted) < e.opts.Debounce {
		return ErrDebounced
	}
	if err := e.sess.Check(req.cmd); err != nil {
		return err
	}

	var err error
	switch req.cmd {
	case session.CmdStart:
		err = e.start(req.ctx, req.elapsedBefore, now)
	case session.CmdPause:
		err = e.pause(now)
	case session.CmdResume:
		err = e.resume(now)
	case session.CmdStop:
		err = e.stop(now)
	default:
		err = fmt.Errorf("%w: unknown command %q", session.ErrInvalidState, req.cmd)
	}
	if err == nil {
		e.lastAccepted = now
	}
	return err
}

func (e *Engine) start(ctx context.Context, elapsedBefore int64, now time.Time) error {
	if err := e.opts.Permission.Check(ctx); err != nil {
		if !errors.Is(err, session.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %v", session.ErrPermissionDenied, err)
		}
		return err
	}

	path := artifact.NewOutputPath(e.opts.RecordingsDir, now, e.opts.FileExt)
	if err := e.backend.Start(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", session.ErrStartFailed, err)
	}

	snap, err := e.sess.Begin(path, elapsedBefore, now)
	if err != nil {
		_ = e.backend.Abort()
		return err
	}
	e.accumulated = snap.ElapsedMillis
	e.segmentStart = now
	e.emit(Event{Kind: KindStatus, Snapshot: snap})
	return nil
}

func (e *Engine) pause(now time.Time) error {
	if err := e.backend.Pause(); err != nil {
		return fmt.Errorf("pause capture: %w", err)
	}
	elapsed := e.elapsedAt(now)
	snap, err := e.sess.Pause(elapsed)
	if err != nil {
		_ = e.backend.Resume()
		return err
	}
	e.accumulated = snap.ElapsedMillis
	e.segmentStart = time.Time{}
	e.emit(Event{Kind: KindStatus, Snapshot: snap})
	return nil
}

func (e *Engine) resume(now time.Time) error {
	if err := e.backend.Resume(); err != nil {
		return fmt.Errorf("resume capture: %w", err)
	}
	snap, err := e.sess.Resume()
	if err != nil {
		_ = e.backend.Pause()
		return err
	}
	e.segmentStart = now
	e.emit(Event{Kind: KindStatus, Snapshot: snap})
	return nil
}

func (e *Engine) stop(now time.Time) error {
	snap, err := e.sess.RequestStop(e.elapsedAt(now))
	if err != nil {
		return err
	}
	e.accumulated = snap.ElapsedMillis
	e.segmentStart = time.Time{}
	e.emit(Event{Kind: KindStatus, Snapshot: snap})

	attempt := e.sess.AttemptID()
	expected := e.sess.OutputPath()
	startedAt := e.sess.StartedAt()
	e.finalize.Add(1)
	go e.finalizeAttempt(attempt, expected, snap.ElapsedMillis, startedAt)
	return nil
}

// finalizeAttempt runs off the actor goroutine: it waits for the encoder,
// checks the artifact and reports back.
func (e *Engine) finalizeAttempt(attemptID, expected string, elapsed int64, startedAt time.Time) {
	defer e.finalize.Done()

	res := finalizeResult{attemptID: attemptID, elapsed: elapsed, startedAt: startedAt}

	path, stopErr := e.backend.Stop(e.runCtx)
	if path == "" {
		path = expected
	}
	if stopErr != nil {
		e.log.Warn().Err(stopErr).Str("output", path).Msg("backend stop reported an error")
	}

	if err := artifact.WaitStable(e.runCtx, path, e.opts.StabilityWindow, e.opts.StabilityChecks); err != nil {
		e.log.Debug().Err(err).Msg("stability wait interrupted")
	}

	info, err := artifact.Verify(path)
	switch {
	case err != nil:
		removeEmpty(path)
		res.err = err
	default:
		res.info = info
	}
	res.stoppedAt = e.opts.Now()

	select {
	case e.results <- res:
	case <-e.quit:
		e.log.Warn().Str("attempt", attemptID).Msg("engine stopped before finalisation result was applied")
	}
}

func (e *Engine) finish(res finalizeResult) {
	if res.attemptID != e.sess.AttemptID() || !e.sess.Finalizing() {
		e.log.Info().Str("attempt", res.attemptID).Msg("discarding result of superseded attempt")
		e.opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentEngine,
			Event:     diaglog.EventStaleResult,
			SessionID: res.attemptID,
		})
		return
	}

	if res.err != nil {
		metrics.IncVerification(false)
		e.opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentEngine,
			Event:     diaglog.EventVerifyFailed,
			SessionID: res.attemptID,
			Reason:    res.err.Error(),
		})
		e.fail(res.attemptID, res.err)
		return
	}

	snap, err := e.sess.Complete(res.attemptID, res.info.Path, res.elapsed)
	if err != nil {
		e.log.Error().Err(err).Msg("complete attempt")
		return
	}
	metrics.IncVerification(true)
	e.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentEngine,
		Event:     diaglog.EventVerifySucceeded,
		SessionID: res.attemptID,
		Payload:   map[string]interface{}{"output": res.info.URI, "size": res.info.Size},
	})
	e.log.Info().Str("output", res.info.URI).Int64("size", res.info.Size).Int64("duration_ms", snap.ElapsedMillis).Msg("recording completed")

	if e.opts.WriteMetadata {
		e.writeMetadata(res, snap)
	}

	e.emit(Event{Kind: KindStatus, Snapshot: snap})
	e.emit(Event{Kind: KindCompleted, Snapshot: snap, DurationMillis: snap.ElapsedMillis})
}

func (e *Engine) writeMetadata(res finalizeResult, snap session.Snapshot) {
	d := time.Duration(snap.ElapsedMillis) * time.Millisecond
	meta := &artifact.Metadata{
		Version:    e.opts.Version,
		AttemptID:  res.attemptID,
		StartedAt:  res.startedAt,
		StoppedAt:  res.stoppedAt,
		Duration:   d.String(),
		DurationMs: snap.ElapsedMillis,
		Backend:    e.backend.Name(),
		OutputFile: snap.OutputFile,
		SizeBytes:  res.info.Size,
	}
	if err := artifact.WriteMetadata(res.info.Path, meta); err != nil {
		e.log.Warn().Err(err).Str("output", res.info.Path).Msg("write metadata")
	}
}

func (e *Engine) fail(attemptID string, cause error) {
	snap, err := e.sess.Fail(attemptID, cause)
	if err != nil {
		e.log.Warn().Err(err).Msg("fail attempt")
		return
	}
	e.accumulated = 0
	e.segmentStart = time.Time{}
	e.log.Error().Err(cause).Str("attempt", attemptID).Msg("recording failed")
	e.emit(Event{Kind: KindStatus, Snapshot: snap})
	e.emit(Event{Kind: KindError, Snapshot: snap, Message: snap.LastError})
}

func (e *Engine) forceStop() {
	snap := e.sess.Snapshot()
	if snap.IsRecording() || e.sess.Finalizing() {
		if err := e.backend.Abort(); err != nil {
			e.log.Warn().Err(err).Msg("abort capture")
		}
	}
	reset := e.sess.Reset()
	e.accumulated = 0
	e.segmentStart = time.Time{}
	e.emit(Event{Kind: KindStatus, Snapshot: reset})
}

func (e *Engine) backendFailed(err error) {
	e.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentEngine,
		Event:     diaglog.EventBackendFailure,
		SessionID: e.sess.AttemptID(),
		Reason:    err.Error(),
	})
	snap := e.sess.Snapshot()
	if !snap.IsRecording() || e.sess.Finalizing() {
		e.log.Debug().Err(err).Msg("backend failure outside of an active capture")
		return
	}
	e.fail(e.sess.AttemptID(), fmt.Errorf("capture failed: %w", err))
}

func (e *Engine) tick() {
	if e.segmentStart.IsZero() {
		return
	}
	if snap, ok := e.sess.Tick(e.elapsedAt(e.opts.Now())); ok {
		e.emit(Event{Kind: KindTick, Snapshot: snap})
	}
}

func (e *Engine) resync() {
	e.opts.Diag.Log(diaglog.LogEntry{Component: diaglog.ComponentEngine, Event: diaglog.EventRequestStatus})
	e.emit(Event{Kind: KindStatus, Snapshot: e.sess.Snapshot(), Resync: true})
}

func (e *Engine) elapsedAt(now time.Time) int64 {
	if e.segmentStart.IsZero() {
		return e.accumulated
	}
	d := now.Sub(e.segmentStart).Milliseconds()
	if d < 0 {
		d = 0
	}
	return e.accumulated + d
}

func (e *Engine) emit(ev Event) {
	if ev.Kind == KindStatus {
		metrics.SetSessionState(string(ev.Snapshot.State))
	}
	e.events <- ev
}

// removeEmpty deletes a zero-byte artifact left by a failed capture.
func removeEmpty(path string) {
	if path == "" {
		return
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() || st.Size() != 0 {
		return
	}
	_ = os.Remove(path)
}

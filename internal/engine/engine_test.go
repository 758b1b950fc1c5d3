package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiroq/recbridge/internal/artifact"
	"github.com/tiroq/recbridge/internal/permission"
	"github.com/tiroq/recbridge/internal/recorder"
	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/testutil"
)

var _ recorder.Backend = (*testutil.FakeBackend)(nil)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) count(kind EventKind) int {
	n := 0
	for _, ev := range c.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (c *collector) last(kind EventKind) (Event, bool) {
	evs := c.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == kind {
			return evs[i], true
		}
	}
	return Event{}, false
}

func startEngine(t *testing.T, fb *testutil.FakeBackend, mutate func(*Options)) (*Engine, *collector) {
	t.Helper()
	opts := Options{
		RecordingsDir: t.TempDir(),
		FileExt:       "m4a",
		TickInterval:  10 * time.Millisecond,
		WriteMetadata: true,
		Version:       "test",
		Logger:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(fb, opts)

	c := &collector{}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range e.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
		<-drained
	})
	return e, c
}

func waitState(t *testing.T, e *Engine, want session.State) session.Snapshot {
	t.Helper()
	testutil.Eventually(t, 3*time.Second, func() bool {
		return e.Snapshot().State == want
	}, "waiting for state "+string(want))
	return e.Snapshot()
}

func TestStartPauseResumeStop_Completes(t *testing.T) {
	fb := testutil.NewFakeBackend()
	e, c := startEngine(t, fb, nil)
	ctx := context.Background()

	testutil.AssertNoError(t, e.Start(ctx, 0), "start")
	if got := e.Snapshot().State; got != session.StateRecording {
		t.Fatalf("state after start = %s", got)
	}
	time.Sleep(30 * time.Millisecond)
	testutil.AssertNoError(t, e.Pause(ctx), "pause")
	paused := e.Snapshot()
	time.Sleep(30 * time.Millisecond)
	if e.Snapshot().ElapsedMillis != paused.ElapsedMillis {
		t.Fatal("elapsed moved while paused")
	}
	testutil.AssertNoError(t, e.Resume(ctx), "resume")
	testutil.AssertNoError(t, e.Stop(ctx), "stop")

	final := waitState(t, e, session.StateCompleted)
	wantURI := artifact.URI(fb.Output())
	if final.OutputFile != wantURI {
		t.Errorf("output = %q, want %q", final.OutputFile, wantURI)
	}
	if final.ElapsedMillis < paused.ElapsedMillis {
		t.Errorf("elapsed decreased: %d < %d", final.ElapsedMillis, paused.ElapsedMillis)
	}

	testutil.Eventually(t, time.Second, func() bool { return c.count(KindCompleted) == 1 }, "completed event")
	done, _ := c.last(KindCompleted)
	if done.DurationMillis != final.ElapsedMillis {
		t.Errorf("duration = %d, want %d", done.DurationMillis, final.ElapsedMillis)
	}
	if c.count(KindError) != 0 {
		t.Error("unexpected error event")
	}
	if e.Session().VerifiedOutput() != fb.Output() {
		t.Errorf("verified output = %q", e.Session().VerifiedOutput())
	}

	st, err := os.Stat(fb.Output())
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm()&0o444 != 0o444 {
		t.Errorf("artifact not world-readable: %v", st.Mode().Perm())
	}
	if _, err := os.Stat(artifact.MetadataPath(fb.Output())); err != nil {
		t.Errorf("metadata sidecar missing: %v", err)
	}
}

func TestStop_ZeroByteArtifactFails(t *testing.T) {
	fb := testutil.NewFakeBackend()
	fb.EmptyOutput = true
	e, c := startEngine(t, fb, nil)
	ctx := context.Background()

	testutil.AssertNoError(t, e.Start(ctx, 0), "start")
	testutil.AssertNoError(t, e.Stop(ctx), "stop")

	snap := waitState(t, e, session.StateError)
	if snap.LastError == "" {
		t.Error("last error not recorded")
	}
	testutil.Eventually(t, time.Second, func() bool { return c.count(KindError) == 1 }, "error event")
	if c.count(KindCompleted) != 0 {
		t.Error("completed emitted for an empty artifact")
	}
	if _, err := os.Stat(fb.Output()); !os.IsNotExist(err) {
		t.Errorf("empty artifact not removed: %v", err)
	}
	if e.Session().VerifiedOutput() != "" {
		t.Error("verified output reported after failure")
	}

	// a fresh start is always accepted after an error
	testutil.AssertNoError(t, e.Start(ctx, 0), "restart")
	if got := e.Snapshot(); got.State != session.StateRecording || got.LastError != "" {
		t.Errorf("after restart: %+v", got)
	}
}

func TestPauseFromIdle_Rejected(t *testing.T) {
	fb := testutil.NewFakeBackend()
	e, c := startEngine(t, fb, nil)

	before := e.Snapshot()
	err := e.Pause(context.Background())
	testutil.AssertErrorIs(t, err, session.ErrInvalidState, "pause from idle")
	if after := e.Snapshot(); after != before {
		t.Errorf("session mutated: %+v -> %+v", before, after)
	}
	if len(c.all()) != 0 {
		t.Errorf("events emitted for a rejected command: %v", c.all())
	}
	if len(fb.Calls()) != 0 {
		t.Errorf("backend touched: %v", fb.Calls())
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	fb := testutil.NewFakeBackend()
	e, _ := startEngine(t, fb, func(o *Options) {
		o.Permission = permission.CheckerFunc(func(context.Context) error {
			return errors.New("microphone blocked")
		})
	})

	err := e.Start(context.Background(), 0)
	testutil.AssertErrorIs(t, err, session.ErrPermissionDenied, "start without permission")
	if e.Snapshot().State != session.StateIdle {
		t.Error("state changed")
	}
	if len(fb.Calls()) != 0 {
		t.Errorf("backend started: %v", fb.Calls())
	}
}

func TestStart_BackendFailure(t *testing.T) {
	fb := testutil.NewFakeBackend()
	fb.StartErr = errors.New("device busy")
	e, _ := startEngine(t, fb, nil)

	err := e.Start(context.Background(), 0)
	testutil.AssertErrorIs(t, err, session.ErrStartFailed, "start")
	if session.Code(err) != session.CodeStartFailed {
		t.Errorf("code = %s", session.Code(err))
	}
	if e.Snapshot().State != session.StateIdle {
		t.Error("state changed")
	}
}

func TestStart_SeedsElapsed(t *testing.T) {
	e, _ := startEngine(t, testutil.NewFakeBackend(), func(o *Options) { o.TickInterval = time.Hour })
	testutil.AssertNoError(t, e.Start(context.Background(), 42000), "start")
	if got := e.Snapshot().ElapsedMillis; got != 42000 {
		t.Errorf("elapsed = %d, want 42000", got)
	}
}

func TestDebounce(t *testing.T) {
	e, _ := startEngine(t, testutil.NewFakeBackend(), func(o *Options) { o.Debounce = time.Hour })
	ctx := context.Background()

	testutil.AssertNoError(t, e.Start(ctx, 0), "start")
	err := e.Pause(ctx)
	testutil.AssertErrorIs(t, err, ErrDebounced, "pause right after start")
	testutil.AssertErrorIs(t, err, session.ErrInvalidState, "debounce is an invalid-state rejection")
	if e.Snapshot().State != session.StateRecording {
		t.Error("debounced command mutated state")
	}

	// force-stop is never debounced
	testutil.AssertNoError(t, e.ForceStop(ctx), "force-stop")
	if e.Snapshot().State != session.StateIdle {
		t.Error("force-stop did not reset")
	}
}

func TestDebounce_StartIsInvalidState(t *testing.T) {
	e, _ := startEngine(t, testutil.NewFakeBackend(), func(o *Options) { o.Debounce = time.Hour })
	ctx := context.Background()

	testutil.AssertNoError(t, e.Start(ctx, 0), "start")
	testutil.AssertNoError(t, e.ForceStop(ctx), "force-stop")

	err := e.Start(ctx, 0)
	testutil.AssertErrorIs(t, err, ErrDebounced, "start right after the previous start")
	if got := session.Code(err); got != session.CodeInvalidState {
		t.Errorf("code = %s, want %s", got, session.CodeInvalidState)
	}
	if e.Snapshot().State != session.StateIdle {
		t.Error("debounced start mutated state")
	}
}

func TestForceStop_FromEveryState(t *testing.T) {
	setups := map[string]func(t *testing.T, e *Engine, fb *testutil.FakeBackend){
		"idle":      func(*testing.T, *Engine, *testutil.FakeBackend) {},
		"recording": func(t *testing.T, e *Engine, _ *testutil.FakeBackend) { testutil.AssertNoError(t, e.Start(context.Background(), 0), "start") },
		"paused": func(t *testing.T, e *Engine, _ *testutil.FakeBackend) {
			testutil.AssertNoError(t, e.Start(context.Background(), 0), "start")
			testutil.AssertNoError(t, e.Pause(context.Background()), "pause")
		},
		"completed": func(t *testing.T, e *Engine, _ *testutil.FakeBackend) {
			testutil.AssertNoError(t, e.Start(context.Background(), 0), "start")
			testutil.AssertNoError(t, e.Stop(context.Background()), "stop")
			waitState(t, e, session.StateCompleted)
		},
		"error": func(t *testing.T, e *Engine, fb *testutil.FakeBackend) {
			fb.EmptyOutput = true
			testutil.AssertNoError(t, e.Start(context.Background(), 0), "start")
			testutil.AssertNoError(t, e.Stop(context.Background()), "stop")
			waitState(t, e, session.StateError)
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			fb := testutil.NewFakeBackend()
			e, c := startEngine(t, fb, nil)
			setup(t, e, fb)

			testutil.AssertNoError(t, e.ForceStop(context.Background()), "force-stop")
			snap := e.Snapshot()
			if snap.State != session.StateIdle || snap.OutputFile != "" || snap.ElapsedMillis != 0 {
				t.Errorf("after force-stop: %+v", snap)
			}
			testutil.Eventually(t, time.Second, func() bool {
				last, ok := c.last(KindStatus)
				return ok && last.Snapshot.State == session.StateIdle
			}, "reset snapshot emitted")
		})
	}
}

func TestForceStop_DiscardsInFlightFinalization(t *testing.T) {
	fb := testutil.NewFakeBackend()
	fb.StopGate = make(chan struct{})
	e, c := startEngine(t, fb, nil)
	ctx := context.Background()

	testutil.AssertNoError(t, e.Start(ctx, 0), "start")
	testutil.AssertNoError(t, e.Stop(ctx), "stop")

	err := e.Stop(ctx)
	testutil.AssertErrorIs(t, err, session.ErrInvalidState, "stop while finalizing")
	testutil.AssertErrorIs(t, e.Pause(ctx), session.ErrInvalidState, "pause while finalizing")

	testutil.AssertNoError(t, e.ForceStop(ctx), "force-stop")
	close(fb.StopGate)

	testutil.Never(t, 150*time.Millisecond, func() bool {
		return c.count(KindCompleted) > 0 || c.count(KindError) > 0
	}, "stale finalization surfaced")
	if e.Snapshot().State != session.StateIdle {
		t.Errorf("state = %s, want idle", e.Snapshot().State)
	}
}

func TestBackendFailure_MovesToError(t *testing.T) {
	fb := testutil.NewFakeBackend()
	e, c := startEngine(t, fb, nil)

	testutil.AssertNoError(t, e.Start(context.Background(), 0), "start")
	fb.Fail(errors.New("device unplugged"))

	snap := waitState(t, e, session.StateError)
	if snap.LastError == "" {
		t.Error("missing last error")
	}
	testutil.Eventually(t, time.Second, func() bool { return c.count(KindError) == 1 }, "error event")
	ev, _ := c.last(KindError)
	if ev.Message != snap.LastError {
		t.Errorf("message = %q, want %q", ev.Message, snap.LastError)
	}
}

func TestTicks_Monotonic(t *testing.T) {
	e, c := startEngine(t, testutil.NewFakeBackend(), nil)
	testutil.AssertNoError(t, e.Start(context.Background(), 0), "start")

	testutil.Eventually(t, 2*time.Second, func() bool { return c.count(KindTick) >= 3 }, "ticks")

	var prev int64
	for _, ev := range c.all() {
		if ev.Kind != KindTick {
			continue
		}
		if ev.Snapshot.ElapsedMillis <= prev {
			t.Fatalf("tick elapsed not increasing: %d after %d", ev.Snapshot.ElapsedMillis, prev)
		}
		prev = ev.Snapshot.ElapsedMillis
	}
}

func TestRequestStatus_Resync(t *testing.T) {
	e, c := startEngine(t, testutil.NewFakeBackend(), nil)
	e.RequestStatus()

	testutil.Eventually(t, time.Second, func() bool {
		ev, ok := c.last(KindStatus)
		return ok && ev.Resync
	}, "resync event")
	ev, _ := c.last(KindStatus)
	if ev.Snapshot.State != session.StateIdle || ev.Snapshot.Epoch == "" {
		t.Errorf("resync snapshot = %+v", ev.Snapshot)
	}
}

func TestOutputPathsAreUnique(t *testing.T) {
	fb := testutil.NewFakeBackend()
	e, _ := startEngine(t, fb, nil)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		testutil.AssertNoError(t, e.Start(ctx, 0), "start")
		out := fb.Output()
		if seen[out] {
			t.Fatalf("output path reused: %s", out)
		}
		seen[out] = true
		if filepath.Ext(out) != ".m4a" {
			t.Errorf("ext = %s", filepath.Ext(out))
		}
		testutil.AssertNoError(t, e.Stop(ctx), "stop")
		waitState(t, e, session.StateCompleted)
	}
}

func TestRun_ClosesEventsOnShutdown(t *testing.T) {
	e := New(testutil.NewFakeBackend(), Options{RecordingsDir: t.TempDir(), Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	cancel()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	if _, ok := <-e.Events(); ok {
		t.Error("events channel still open")
	}
	if err := e.Start(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after shutdown err = %v, want ErrClosed", err)
	}
}

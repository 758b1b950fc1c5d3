package bridge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/tiroq/recbridge/internal/artifact"
	"github.com/tiroq/recbridge/internal/engine"
	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
	"github.com/tiroq/recbridge/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubEngine applies commands straight to a real session.
type stubEngine struct {
	sess *session.Session

	mu             sync.Mutex
	calls          []string
	statusRequests int
}

func (e *stubEngine) record(c string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, c)
}

func (e *stubEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *stubEngine) StatusRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusRequests
}

func (e *stubEngine) Start(_ context.Context, elapsed int64) error {
	e.record("start")
	_, err := e.sess.Begin("/data/rec1.m4a", elapsed, time.Now())
	return err
}

func (e *stubEngine) Pause(context.Context) error {
	e.record("pause")
	_, err := e.sess.Pause(0)
	return err
}

func (e *stubEngine) Resume(context.Context) error {
	e.record("resume")
	_, err := e.sess.Resume()
	return err
}

func (e *stubEngine) Stop(context.Context) error {
	e.record("stop")
	_, err := e.sess.RequestStop(0)
	return err
}

func (e *stubEngine) ForceStop(context.Context) error {
	e.record("force-stop")
	e.sess.Reset()
	return nil
}

func (e *stubEngine) RequestStatus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusRequests++
}

func (e *stubEngine) Session() session.Reader { return e.sess }

func newBridge(t *testing.T, delays ...time.Duration) (*Bridge, *stubEngine) {
	t.Helper()
	eng := &stubEngine{sess: session.New()}
	b := New(eng, Options{RetryDelays: delays, Logger: zerolog.Nop()})
	t.Cleanup(b.Close)
	return b, eng
}

func statusVersions(obs *testutil.RecordingObserver) []uint64 {
	var out []uint64
	for _, n := range obs.Of(wire.KindStatusChange) {
		out = append(out, n.Version)
	}
	return out
}

func completedSnapshot(t *testing.T, sess *session.Session, path string) session.Snapshot {
	t.Helper()
	if _, err := sess.Begin(path, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.RequestStop(1500); err != nil {
		t.Fatal(err)
	}
	snap, err := sess.Complete(sess.AttemptID(), path, 1500)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestPublish_BurstCoversLateAttach(t *testing.T) {
	b, eng := newBridge(t, 0, 40*time.Millisecond, 120*time.Millisecond)

	snap, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(snap)
	if got := b.PendingRetries(); got != 2 {
		t.Fatalf("pending retries = %d, want 2", got)
	}

	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	testutil.Eventually(t, time.Second, func() bool {
		return obs.Count(wire.KindStatusChange) == 3
	}, "attach push plus two retries")
	for _, n := range obs.Of(wire.KindStatusChange) {
		if diff := cmp.Diff(snap, *n.Status); diff != "" {
			t.Errorf("retry carried a different value (-want +got):\n%s", diff)
		}
	}
	if b.PendingRetries() != 0 {
		t.Error("retries left after burst")
	}
}

func TestPublish_SuppressesDuplicates(t *testing.T) {
	b, eng := newBridge(t, 0)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)
	base := obs.Count(wire.KindStatusChange)

	snap, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(snap)
	b.Publish(snap)
	b.Publish(snap)
	if got := obs.Count(wire.KindStatusChange) - base; got != 1 {
		t.Fatalf("identical snapshot delivered %d times, want 1", got)
	}

	b.RelayEvent(engine.Event{Kind: engine.KindStatus, Snapshot: snap, Resync: true})
	if got := obs.Count(wire.KindStatusChange) - base; got != 2 {
		t.Fatalf("resync not delivered: %d", got)
	}
}

func TestPublish_DropsStaleVersion(t *testing.T) {
	b, eng := newBridge(t, 0)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	s1, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	s2, _ := eng.sess.Pause(500)
	b.Publish(s2)
	b.Publish(s1)

	cached, ok := b.Cached()
	if !ok || cached.Version != s2.Version {
		t.Fatalf("cache = %+v, want version %d", cached, s2.Version)
	}
	last, _ := obs.Last(wire.KindStatusChange)
	if last.Status.State != session.StatePaused {
		t.Errorf("last delivered state = %s", last.Status.State)
	}
}

func TestRetries_NeverSendOlderVersion(t *testing.T) {
	b, eng := newBridge(t, 0, 30*time.Millisecond)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	s1, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(s1)
	s2, _ := eng.sess.Pause(200)
	b.Publish(s2)

	// attach push, two transitions and the v2 retry; the v1 retry is skipped
	testutil.Eventually(t, time.Second, func() bool {
		return obs.Count(wire.KindStatusChange) == 4
	}, "retries delivered")

	versions := statusVersions(obs)
	for i := 1; i < len(versions); i++ {
		if versions[i] < versions[i-1] {
			t.Fatalf("observer saw version %d after %d: %v", versions[i], versions[i-1], versions)
		}
	}
	if versions[len(versions)-1] != s2.Version {
		t.Errorf("last version = %d, want %d", versions[len(versions)-1], s2.Version)
	}
}

func TestOnDetach_CancelsRetries(t *testing.T) {
	b, eng := newBridge(t, 0, 50*time.Millisecond, 100*time.Millisecond)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	snap, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(snap)
	if b.PendingRetries() != 2 {
		t.Fatalf("pending = %d", b.PendingRetries())
	}

	b.OnDetach(obs)
	if b.PendingRetries() != 0 {
		t.Fatalf("pending after detach = %d", b.PendingRetries())
	}
	if b.Attached() {
		t.Fatal("still attached")
	}
	seen := len(obs.Notifications())
	testutil.Never(t, 150*time.Millisecond, func() bool {
		return len(obs.Notifications()) != seen
	}, "delivery after detach")

	cached, _ := b.Cached()
	if cached.Version != snap.Version {
		t.Error("cache dropped on detach")
	}
}

func TestOnDetach_IgnoresStaleObserver(t *testing.T) {
	b, _ := newBridge(t, 0)
	first := &testutil.RecordingObserver{}
	second := &testutil.RecordingObserver{}
	b.OnAttach(first)
	b.OnAttach(second)

	b.OnDetach(first)
	if !b.Attached() {
		t.Fatal("detaching a replaced observer removed the current one")
	}
}

func TestOnAttach_PushesCacheAndRequestsStatus(t *testing.T) {
	b, eng := newBridge(t, 0)
	snap, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(snap)

	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	got := obs.Notifications()
	if len(got) != 1 || got[0].Kind != wire.KindStatusChange {
		t.Fatalf("notifications on attach = %+v", got)
	}
	if diff := cmp.Diff(snap, *got[0].Status); diff != "" {
		t.Errorf("pushed snapshot mismatch (-want +got):\n%s", diff)
	}
	if eng.StatusRequests() != 1 {
		t.Errorf("status requests = %d, want 1", eng.StatusRequests())
	}
}

func TestOnAttach_WithoutCacheUsesSession(t *testing.T) {
	b, eng := newBridge(t, 0)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	last, ok := obs.Last(wire.KindStatusChange)
	if !ok || last.Status.State != session.StateIdle || last.Epoch != eng.sess.Snapshot().Epoch {
		t.Fatalf("initial push = %+v", last)
	}
}

func TestCompletion_DeliveredExactlyOnceAfterLateAttach(t *testing.T) {
	b, eng := newBridge(t, 0, 20*time.Millisecond)
	snap := completedSnapshot(t, eng.sess, "/data/rec1.m4a")

	b.RelayEvent(engine.Event{Kind: engine.KindStatus, Snapshot: snap})
	b.RelayEvent(engine.Event{Kind: engine.KindCompleted, Snapshot: snap, DurationMillis: 1500})
	testutil.Eventually(t, time.Second, func() bool { return b.PendingRetries() == 0 }, "burst expired")

	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	if got := obs.Count(wire.KindComplete); got != 1 {
		t.Fatalf("complete delivered %d times, want 1", got)
	}
	done, _ := obs.Last(wire.KindComplete)
	want := wire.Complete{OutputFile: "file:///data/rec1.m4a", DurationMillis: 1500}
	if diff := cmp.Diff(want, *done.Complete); diff != "" {
		t.Errorf("complete payload (-want +got):\n%s", diff)
	}
	status, _ := obs.Last(wire.KindStatusChange)
	if status.Status.State != session.StateCompleted || status.Status.ElapsedMillis != 1500 {
		t.Errorf("reconciled status = %+v", status.Status)
	}

	again := &testutil.RecordingObserver{}
	b.OnAttach(again)
	if again.Count(wire.KindComplete) != 0 {
		t.Error("completion re-delivered to a later observer")
	}
	if last, _ := again.Last(wire.KindStatusChange); last.Status.State != session.StateCompleted {
		t.Errorf("later observer state = %s", last.Status.State)
	}
}

func TestTerminal_RetriesUntilFirstDelivery(t *testing.T) {
	b, eng := newBridge(t, 0, 20*time.Millisecond, 40*time.Millisecond)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)
	snap, _ := eng.sess.Fail("", os.ErrNotExist)

	obs.FailNext(1)
	b.RelayEvent(engine.Event{Kind: engine.KindError, Snapshot: snap, Message: "file doesn't exist"})

	testutil.Eventually(t, time.Second, func() bool { return obs.Count(wire.KindError) == 1 }, "error delivered")
	testutil.Never(t, 80*time.Millisecond, func() bool { return obs.Count(wire.KindError) > 1 }, "error delivered twice")
	last, _ := obs.Last(wire.KindError)
	if last.Error.Message != "file doesn't exist" {
		t.Errorf("message = %q", last.Error.Message)
	}
}

func TestTick_SendsSingleTimeUpdate(t *testing.T) {
	b, eng := newBridge(t, 0, 20*time.Millisecond)
	idle := eng.sess.Snapshot()
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	s1, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(s1)
	s2, ok := eng.sess.Tick(1000)
	if !ok {
		t.Fatal("tick ignored")
	}
	b.RelayEvent(engine.Event{Kind: engine.KindTick, Snapshot: s2})

	testutil.Eventually(t, time.Second, func() bool { return b.PendingRetries() == 0 }, "retries drained")
	updates := obs.Of(wire.KindTimeUpdate)
	if len(updates) != 1 {
		t.Fatalf("time updates = %d, want 1", len(updates))
	}
	if updates[0].Time.ElapsedMillis != 1000 || updates[0].Time.OutputFile != "file:///data/rec1.m4a" {
		t.Errorf("time update = %+v", updates[0].Time)
	}
	// the v1 status retry must not follow the newer tick
	if diff := cmp.Diff([]uint64{idle.Version, s1.Version}, statusVersions(obs)); diff != "" {
		t.Errorf("status versions (-want +got):\n%s", diff)
	}
	if cached, _ := b.Cached(); cached.ElapsedMillis != 1000 {
		t.Errorf("cache elapsed = %d", cached.ElapsedMillis)
	}
}

func TestCommands_GuardBeforeForwarding(t *testing.T) {
	b, eng := newBridge(t, 0)
	ctx := context.Background()

	err := b.Pause(ctx)
	testutil.AssertErrorIs(t, err, session.ErrInvalidState, "pause from idle")
	testutil.AssertErrorIs(t, b.Resume(ctx), session.ErrInvalidState, "resume from idle")
	testutil.AssertErrorIs(t, b.Stop(ctx), session.ErrInvalidState, "stop from idle")
	if calls := eng.Calls(); len(calls) != 0 {
		t.Fatalf("rejected commands were forwarded: %v", calls)
	}

	testutil.AssertNoError(t, b.Start(ctx, 0), "start")
	testutil.AssertNoError(t, b.Pause(ctx), "pause")
	testutil.AssertNoError(t, b.ForceStop(ctx), "force-stop")
	if diff := cmp.Diff([]string{"start", "pause", "force-stop"}, eng.Calls()); diff != "" {
		t.Errorf("forwarded calls (-want +got):\n%s", diff)
	}
	if b.GetStatus().State != session.StateIdle {
		t.Errorf("state = %s", b.GetStatus().State)
	}
}

func TestGetOutputFilePath(t *testing.T) {
	b, eng := newBridge(t, 0)
	if got := b.GetOutputFilePath(); got != "" {
		t.Fatalf("idle output = %q", got)
	}

	path := filepath.Join(t.TempDir(), "rec1.m4a")
	if err := os.WriteFile(path, []byte("audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	completedSnapshot(t, eng.sess, path)

	if got, want := b.GetOutputFilePath(), artifact.URI(path); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if got := b.GetOutputFilePath(); got != "" {
		t.Errorf("output after removal = %q, want empty", got)
	}
}

type mirrorFunc func(session.Snapshot) error

func (f mirrorFunc) Mirror(s session.Snapshot) error { return f(s) }

func TestMirrors_ReceiveEveryNewSnapshot(t *testing.T) {
	var (
		mu       sync.Mutex
		mirrored []uint64
	)
	eng := &stubEngine{sess: session.New()}
	b := New(eng, Options{
		RetryDelays: []time.Duration{0},
		Logger:      zerolog.Nop(),
		Mirrors: []Mirror{mirrorFunc(func(s session.Snapshot) error {
			mu.Lock()
			defer mu.Unlock()
			mirrored = append(mirrored, s.Version)
			return nil
		})},
	})
	defer b.Close()

	s1, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	b.Publish(s1)
	b.Publish(s1)
	s2, _ := eng.sess.Tick(1000)
	b.RelayEvent(engine.Event{Kind: engine.KindTick, Snapshot: s2})

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]uint64{s1.Version, s2.Version}, mirrored); diff != "" {
		t.Errorf("mirrored versions (-want +got):\n%s", diff)
	}
}

func TestRun_StopsWhenEventsClose(t *testing.T) {
	b, eng := newBridge(t, 0)
	obs := &testutil.RecordingObserver{}
	b.OnAttach(obs)

	events := make(chan engine.Event, 2)
	snap, _ := eng.sess.Begin("/data/rec1.m4a", 0, time.Now())
	events <- engine.Event{Kind: engine.KindStatus, Snapshot: snap}
	close(events)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), events) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if last, _ := obs.Last(wire.KindStatusChange); last.Version != snap.Version {
		t.Errorf("event not relayed before close: %+v", last)
	}
	if b.Attached() {
		t.Error("observer still attached after Run returned")
	}
}

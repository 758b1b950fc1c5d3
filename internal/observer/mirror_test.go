package observer

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
)

type handlerLog struct {
	statuses  []session.Snapshot
	times     []wire.TimeUpdate
	completes []wire.Complete
	errors    []wire.ErrorInfo
}

func (l *handlerLog) handlers() Handlers {
	return Handlers{
		Status:   func(s session.Snapshot) { l.statuses = append(l.statuses, s) },
		Time:     func(t wire.TimeUpdate) { l.times = append(l.times, t) },
		Complete: func(c wire.Complete) { l.completes = append(l.completes, c) },
		Error:    func(e wire.ErrorInfo) { l.errors = append(l.errors, e) },
	}
}

func snap(state session.State, version uint64, elapsed int64) session.Snapshot {
	s := session.Snapshot{State: state, ElapsedMillis: elapsed, Version: version, Epoch: "epoch-1"}
	if state != session.StateIdle {
		s.OutputFile = "file:///data/rec1.m4a"
	}
	return s
}

func TestMirror_IdenticalStatusAppliesOnce(t *testing.T) {
	var log handlerLog
	m := NewMirror(log.handlers())
	s := snap(session.StateRecording, 1, 0)

	for i := 0; i < 5; i++ {
		m.Apply(wire.StatusChange(s))
	}
	if len(log.statuses) != 1 {
		t.Fatalf("status handler ran %d times, want 1", len(log.statuses))
	}
	got, ok := m.Snapshot()
	if !ok {
		t.Fatal("no snapshot")
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("mirrored snapshot (-want +got):\n%s", diff)
	}
}

func TestMirror_IgnoresStaleStatus(t *testing.T) {
	var log handlerLog
	m := NewMirror(log.handlers())

	m.Apply(wire.StatusChange(snap(session.StatePaused, 5, 800)))
	if m.Apply(wire.StatusChange(snap(session.StateRecording, 3, 500))) {
		t.Error("stale status reported as a change")
	}
	got, _ := m.Snapshot()
	if got.State != session.StatePaused {
		t.Errorf("state = %s, want paused", got.State)
	}
}

func TestMirror_TimeUpdates(t *testing.T) {
	var log handlerLog
	m := NewMirror(log.handlers())
	m.Apply(wire.StatusChange(snap(session.StateRecording, 1, 0)))

	m.Apply(wire.TimeUpdateOf(snap(session.StateRecording, 2, 1000)))
	m.Apply(wire.TimeUpdateOf(snap(session.StateRecording, 2, 1000)))
	m.Apply(wire.TimeUpdateOf(snap(session.StateRecording, 3, 2000)))

	if len(log.times) != 2 {
		t.Fatalf("time handler ran %d times, want 2", len(log.times))
	}
	got, _ := m.Snapshot()
	if got.ElapsedMillis != 2000 || got.Version != 3 {
		t.Errorf("mirrored = %+v", got)
	}

	// a status retry older than the tick must not roll elapsed back
	m.Apply(wire.StatusChange(snap(session.StateRecording, 1, 0)))
	if got, _ := m.Snapshot(); got.ElapsedMillis != 2000 {
		t.Errorf("elapsed rolled back to %d", got.ElapsedMillis)
	}
}

func TestMirror_CompletionAppliedOnce(t *testing.T) {
	var log handlerLog
	m := NewMirror(log.handlers())
	final := snap(session.StateCompleted, 4, 1500)

	for i := 0; i < 3; i++ {
		m.Apply(wire.StatusChange(final))
		m.Apply(wire.CompleteOf(final, 1500))
	}
	want := []wire.Complete{{OutputFile: "file:///data/rec1.m4a", DurationMillis: 1500}}
	if diff := cmp.Diff(want, log.completes); diff != "" {
		t.Errorf("completions (-want +got):\n%s", diff)
	}
	if len(log.statuses) != 1 {
		t.Errorf("status handler ran %d times", len(log.statuses))
	}
}

func TestMirror_ErrorThenNewAttempt(t *testing.T) {
	var log handlerLog
	m := NewMirror(log.handlers())

	failed := snap(session.StateError, 3, 900)
	m.Apply(wire.ErrorOf(failed, "file is empty"))
	m.Apply(wire.ErrorOf(failed, "file is empty"))

	done := snap(session.StateCompleted, 7, 400)
	m.Apply(wire.CompleteOf(done, 400))

	if len(log.errors) != 1 || len(log.completes) != 1 {
		t.Fatalf("errors=%d completes=%d, want 1 and 1", len(log.errors), len(log.completes))
	}
}

func TestMirror_NewEpochResets(t *testing.T) {
	var log handlerLog
	m := NewMirror(log.handlers())
	m.Apply(wire.StatusChange(snap(session.StatePaused, 40, 5000)))
	m.Apply(wire.CompleteOf(snap(session.StateCompleted, 41, 5000), 5000))

	restarted := session.Snapshot{State: session.StateIdle, Version: 0, Epoch: "epoch-2"}
	if !m.Apply(wire.StatusChange(restarted)) {
		t.Fatal("status from a new core epoch ignored")
	}
	got, _ := m.Snapshot()
	if got.State != session.StateIdle || got.Epoch != "epoch-2" {
		t.Errorf("mirrored = %+v", got)
	}

	again := session.Snapshot{State: session.StateCompleted, OutputFile: "file:///data/rec2.m4a", Version: 3, Epoch: "epoch-2"}
	m.Apply(wire.CompleteOf(again, 10))
	if len(log.completes) != 2 {
		t.Errorf("completion after restart dropped: %d", len(log.completes))
	}
}

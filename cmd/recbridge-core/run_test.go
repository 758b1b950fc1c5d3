package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tiroq/recbridge/internal/ipc"
	"github.com/tiroq/recbridge/internal/session"
)

type fakeCommander struct {
	calls []string
	err   error
}

func (f *fakeCommander) record(call string) error {
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeCommander) Start(_ context.Context, elapsed int64) error {
	if elapsed > 0 {
		return f.record("start+elapsed")
	}
	return f.record("start")
}
func (f *fakeCommander) Pause(context.Context) error     { return f.record("pause") }
func (f *fakeCommander) Resume(context.Context) error    { return f.record("resume") }
func (f *fakeCommander) Stop(context.Context) error      { return f.record("stop") }
func (f *fakeCommander) ForceStop(context.Context) error { return f.record("force-stop") }

func TestDispatch_MapsEveryCommand(t *testing.T) {
	fc := &fakeCommander{}
	ctx := context.Background()
	for _, line := range []string{"start", "start 900", "pause", "resume", "stop", "force-stop"} {
		req, err := ipc.ParseRequest(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if err := dispatch(ctx, fc, req); err != nil {
			t.Fatalf("dispatch %q: %v", line, err)
		}
	}
	want := []string{"start", "start+elapsed", "pause", "resume", "stop", "force-stop"}
	if diff := cmp.Diff(want, fc.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestDispatch_PassesRejection(t *testing.T) {
	fc := &fakeCommander{err: session.ErrInvalidState}
	err := dispatch(context.Background(), fc, ipc.Request{Command: ipc.CmdPause})
	if !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	fc := &fakeCommander{}
	err := dispatch(context.Background(), fc, ipc.Request{Command: "rewind"})
	if !errors.Is(err, ipc.ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	if len(fc.calls) != 0 {
		t.Errorf("unexpected calls %v", fc.calls)
	}
}

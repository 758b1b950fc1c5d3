package testutil

import (
	"errors"
	"sync"

	"github.com/tiroq/recbridge/internal/wire"
)

// ErrObserverGone is returned by a RecordingObserver set to fail.
var ErrObserverGone = errors.New("observer gone")

// RecordingObserver records every notification handed to it.
type RecordingObserver struct {
	mu       sync.Mutex
	got      []wire.Notification
	failNext int
}

// Notify implements bridge.Observer.
func (r *RecordingObserver) Notify(n wire.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return ErrObserverGone
	}
	r.got = append(r.got, n)
	return nil
}

// FailNext makes the next n Notify calls fail.
func (r *RecordingObserver) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

// Notifications returns everything received so far.
func (r *RecordingObserver) Notifications() []wire.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Notification(nil), r.got...)
}

// Of returns the received notifications of one kind.
func (r *RecordingObserver) Of(kind wire.Kind) []wire.Notification {
	var out []wire.Notification
	for _, n := range r.Notifications() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Count returns how many notifications of kind were received.
func (r *RecordingObserver) Count(kind wire.Kind) int {
	return len(r.Of(kind))
}

// Last returns the most recent notification of kind.
func (r *RecordingObserver) Last(kind wire.Kind) (wire.Notification, bool) {
	of := r.Of(kind)
	if len(of) == 0 {
		return wire.Notification{}, false
	}
	return of[len(of)-1], true
}

// Package bridge relays the engine's session snapshots and lifecycle events
// to a transient observer. It never owns session state: it keeps a
// last-value cache, re-sends transitions on a short burst of delays to cover
// an observer attaching mid-publish, and reconciles on every attach by
// pushing the cache and asking the engine for a fresh broadcast.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiroq/recbridge/internal/artifact"
	"github.com/tiroq/recbridge/internal/diaglog"
	"github.com/tiroq/recbridge/internal/engine"
	"github.com/tiroq/recbridge/internal/metrics"
	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
)

// DefaultRetryDelays are the offsets at which a transition is (re)sent.
var DefaultRetryDelays = []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond}

// Observer receives notifications. Notify must not retain n's pointers
// beyond the call.
type Observer interface {
	Notify(n wire.Notification) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n wire.Notification) error

// Notify implements Observer.
func (f ObserverFunc) Notify(n wire.Notification) error { return f(n) }

// Mirror is an always-on sink that receives every new snapshot regardless
// of whether an observer is attached.
type Mirror interface {
	Mirror(s session.Snapshot) error
}

// Engine is the part of the capture engine the bridge drives.
type Engine interface {
	Start(ctx context.Context, elapsedBefore int64) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	ForceStop(ctx context.Context) error
	RequestStatus()
	Session() session.Reader
}

// Options configures a Bridge.
type Options struct {
	RetryDelays []time.Duration
	Mirrors     []Mirror
	Logger      zerolog.Logger
	Diag        *diaglog.Logger
}

// Bridge mediates between the engine and at most one observer.
type Bridge struct {
	engine Engine
	opts   Options
	log    zerolog.Logger

	// sendMu serialises deliveries so the observer sees versions in order.
	sendMu sync.Mutex

	mu       sync.Mutex
	observer Observer
	gen      uint64
	lastSent uint64
	cache    session.Snapshot
	hasCache bool
	pending  *terminal
	timers   map[*time.Timer]struct{}
	closed   bool
}

// terminal is a completion or error notification that has not reached an
// observer yet.
type terminal struct {
	n wire.Notification
}

// New creates a bridge for eng.
func New(eng Engine, opts Options) *Bridge {
	if len(opts.RetryDelays) == 0 {
		opts.RetryDelays = DefaultRetryDelays
	}
	if opts.Diag == nil {
		opts.Diag = diaglog.NewNoOp()
	}
	return &Bridge{
		engine: eng,
		opts:   opts,
		log:    opts.Logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Run relays engine events until events is closed or ctx is done.
func (b *Bridge) Run(ctx context.Context, events <-chan engine.Event) error {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.RelayEvent(ev)
		}
	}
}

// RelayEvent maps one engine event onto the cache and the observer channel.
func (b *Bridge) RelayEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.KindStatus:
		b.publish(ev.Snapshot, ev.Resync)
	case engine.KindTick:
		b.tick(ev.Snapshot)
	case engine.KindCompleted:
		b.publishTerminal(wire.CompleteOf(ev.Snapshot, ev.DurationMillis))
	case engine.KindError:
		b.publishTerminal(wire.ErrorOf(ev.Snapshot, ev.Message))
	default:
		b.log.Warn().Str("kind", ev.Kind.String()).Msg("unknown engine event")
	}
}

// Publish sends snapshot to the observer. Identical snapshots are
// suppressed; transitions, and anything published while nobody is
// attached, go out as a burst on the retry delays.
func (b *Bridge) Publish(s session.Snapshot) {
	b.publish(s, false)
}

func (b *Bridge) publish(s session.Snapshot, resync bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.hasCache && s.Epoch == b.cache.Epoch && s.Version < b.cache.Version {
		b.mu.Unlock()
		b.trace(diaglog.EventPublishSkipped, "stale", s)
		return
	}
	duplicate := b.hasCache && s.Epoch == b.cache.Epoch && s.Equal(b.cache)
	transition := !b.hasCache || s.Epoch != b.cache.Epoch || s.State != b.cache.State
	attached := b.observer != nil
	b.cache = s
	b.hasCache = true
	if !s.State.Terminal() && b.pending != nil {
		b.pending = nil
	}
	b.mu.Unlock()

	if !duplicate {
		b.mirror(s)
	}
	if duplicate && !resync {
		b.trace(diaglog.EventPublishSkipped, "duplicate", s)
		return
	}

	n := wire.StatusChange(s)
	b.trace(diaglog.EventPublish, string(s.State), s)
	if transition || !attached {
		b.burst(n, nil)
		return
	}
	b.deliver(n, b.generation())
}

func (b *Bridge) tick(s session.Snapshot) {
	b.mu.Lock()
	if b.closed || (b.hasCache && s.Epoch == b.cache.Epoch && s.Version <= b.cache.Version) {
		b.mu.Unlock()
		return
	}
	b.cache = s
	b.hasCache = true
	attached := b.observer != nil
	gen := b.gen
	b.mu.Unlock()

	b.mirror(s)
	if attached {
		b.deliver(wire.TimeUpdateOf(s), gen)
	}
}

// publishTerminal sends a completion or error notification on the retry
// burst until it is delivered once.
func (b *Bridge) publishTerminal(n wire.Notification) {
	t := &terminal{n: n}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = t
	b.mu.Unlock()

	b.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventPublish,
		Reason:    string(n.Kind),
		Payload:   map[string]interface{}{"version": n.Version},
	})
	b.burst(n, t)
}

// burst delivers n now and again at each retry delay. For terminal
// notifications t is set and the burst ends at the first delivery.
func (b *Bridge) burst(n wire.Notification, t *terminal) {
	gen := b.generation()
	for i, d := range b.opts.RetryDelays {
		if i == 0 && d <= 0 {
			if b.attempt(n, gen, t, false) && t != nil {
				return
			}
			continue
		}
		b.schedule(d, func() {
			metrics.IncRetry()
			b.attempt(n, gen, t, true)
		})
	}
}

// attempt delivers one copy of n. It reports whether the burst is finished.
func (b *Bridge) attempt(n wire.Notification, gen uint64, t *terminal, retry bool) bool {
	if t == nil {
		ok := b.deliver(n, gen)
		if retry {
			b.trace(diaglog.EventRetrySent, string(n.Kind), session.Snapshot{Version: n.Version})
		}
		return ok
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	current := b.pending == t
	b.mu.Unlock()
	if !current {
		return true
	}
	if !b.deliverLocked(n, gen) {
		return false
	}
	b.mu.Lock()
	if b.pending == t {
		b.pending = nil
	}
	b.mu.Unlock()
	return true
}

func (b *Bridge) schedule(d time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		_, live := b.timers[timer]
		delete(b.timers, timer)
		b.mu.Unlock()
		if live {
			fn()
		}
	})
	b.timers[timer] = struct{}{}
	b.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventRetryScheduled,
		Payload:   map[string]interface{}{"delay_ms": d.Milliseconds()},
	})
}

// cancelTimersLocked stops every pending retry. b.mu must be held.
func (b *Bridge) cancelTimersLocked() int {
	n := 0
	for t := range b.timers {
		if t.Stop() {
			n++
		}
		delete(b.timers, t)
	}
	return n
}

func (b *Bridge) deliver(n wire.Notification, gen uint64) bool {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return b.deliverLocked(n, gen)
}

// deliverLocked hands n to the current observer. gen 0 targets whoever is
// attached; any other value only the observer of that generation. A
// notification older than what the observer already has is not sent.
// b.sendMu must be held.
func (b *Bridge) deliverLocked(n wire.Notification, gen uint64) bool {
	b.mu.Lock()
	o := b.observer
	switch {
	case o == nil:
		b.mu.Unlock()
		metrics.IncDelivery(string(n.Kind), metrics.ResultNoObserver)
		return false
	case gen != 0 && gen != b.gen:
		b.mu.Unlock()
		return false
	case n.Version < b.lastSent:
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()

	if err := o.Notify(n); err != nil {
		err = fmt.Errorf("%w: %v", session.ErrDeliveryFailure, err)
		metrics.IncDelivery(string(n.Kind), metrics.ResultFailed)
		b.log.Debug().Err(err).Str("kind", string(n.Kind)).Uint64("version", n.Version).Msg("delivery failed")
		b.opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentBridge,
			Event:     diaglog.EventDeliveryFailed,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"kind": string(n.Kind), "version": n.Version},
		})
		return false
	}

	metrics.IncDelivery(string(n.Kind), metrics.ResultOK)
	b.mu.Lock()
	if b.observer == o && n.Version > b.lastSent {
		b.lastSent = n.Version
	}
	b.mu.Unlock()
	return true
}

// OnAttach makes o the observer, replacing any previous one. The cached
// snapshot is pushed right away, any undelivered completion or error
// follows, and the engine is asked to re-broadcast ground truth.
func (b *Bridge) OnAttach(o Observer) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	dropped := 0
	if b.observer != nil {
		dropped = b.cancelTimersLocked()
	}
	b.observer = o
	b.gen++
	b.lastSent = 0
	gen := b.gen
	snap := b.cache
	if !b.hasCache {
		snap = b.engine.Session().Snapshot()
	}
	pending := b.pending
	b.mu.Unlock()

	metrics.IncRetryDropped(dropped)
	metrics.SetObserverAttached(true)
	b.log.Info().Str("state", string(snap.State)).Uint64("version", snap.Version).Msg("observer attached")
	b.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventObserverAttach,
		Payload:   map[string]interface{}{"state": string(snap.State), "version": snap.Version},
	})

	b.deliver(wire.StatusChange(snap), gen)
	if pending != nil {
		b.attempt(pending.n, gen, pending, false)
	}
	b.engine.RequestStatus()
}

// OnDetach forgets o if it is still the observer and cancels its pending
// retries. The cache is kept for the next attach.
func (b *Bridge) OnDetach(o Observer) {
	b.mu.Lock()
	if b.observer == nil || (o != nil && b.observer != o) {
		b.mu.Unlock()
		return
	}
	b.observer = nil
	b.gen++
	b.lastSent = 0
	dropped := b.cancelTimersLocked()
	b.mu.Unlock()

	metrics.IncRetryDropped(dropped)
	metrics.SetObserverAttached(false)
	b.log.Info().Int("dropped_retries", dropped).Msg("observer detached")
	b.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     diaglog.EventObserverDetach,
		Payload:   map[string]interface{}{"dropped_retries": dropped},
	})
}

// Attached reports whether an observer is attached.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observer != nil
}

// Cached returns the last snapshot seen by the bridge.
func (b *Bridge) Cached() (session.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache, b.hasCache
}

// PendingRetries returns the number of scheduled re-deliveries.
func (b *Bridge) PendingRetries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// Close cancels all pending work and detaches the observer.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.observer = nil
	dropped := b.cancelTimersLocked()
	b.mu.Unlock()
	metrics.IncRetryDropped(dropped)
	metrics.SetObserverAttached(false)
}

func (b *Bridge) generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.observer == nil {
		return 0
	}
	return b.gen
}

func (b *Bridge) mirror(s session.Snapshot) {
	for _, m := range b.opts.Mirrors {
		if err := m.Mirror(s); err != nil {
			b.log.Warn().Err(err).Msg("mirror snapshot")
		}
	}
}

func (b *Bridge) trace(event, reason string, s session.Snapshot) {
	b.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentBridge,
		Event:     event,
		Reason:    reason,
		Payload:   map[string]interface{}{"version": s.Version},
	})
}

// GetStatus returns the authoritative snapshot.
func (b *Bridge) GetStatus() session.Snapshot {
	return b.engine.Session().Snapshot()
}

// GetOutputFilePath re-verifies the completed artifact and returns its
// canonical form, or "" while no verified artifact exists.
func (b *Bridge) GetOutputFilePath() string {
	path := b.engine.Session().VerifiedOutput()
	if path == "" {
		return ""
	}
	info, err := artifact.Verify(path)
	if err != nil {
		b.log.Warn().Err(err).Msg("completed artifact no longer verifies")
		return ""
	}
	return info.URI
}

// Start forwards a start command once the session guard allows it. See
// engine.Engine.Start for the errors it can return, including a debounced
// InvalidState.
func (b *Bridge) Start(ctx context.Context, elapsedBefore int64) error {
	return b.command(session.CmdStart, func() error { return b.engine.Start(ctx, elapsedBefore) })
}

// Pause forwards a pause command once the session guard allows it.
func (b *Bridge) Pause(ctx context.Context) error {
	return b.command(session.CmdPause, func() error { return b.engine.Pause(ctx) })
}

// Resume forwards a resume command once the session guard allows it.
func (b *Bridge) Resume(ctx context.Context) error {
	return b.command(session.CmdResume, func() error { return b.engine.Resume(ctx) })
}

// Stop forwards a stop command once the session guard allows it. Success
// means the stop was accepted; the outcome arrives as a notification.
func (b *Bridge) Stop(ctx context.Context) error {
	return b.command(session.CmdStop, func() error { return b.engine.Stop(ctx) })
}

// ForceStop resets the session unconditionally.
func (b *Bridge) ForceStop(ctx context.Context) error {
	return b.command(session.CmdForceStop, func() error { return b.engine.ForceStop(ctx) })
}

func (b *Bridge) command(cmd session.Command, forward func() error) error {
	if err := b.engine.Session().Check(cmd); err != nil {
		metrics.IncCommand(string(cmd), session.Code(err))
		return err
	}
	err := forward()
	if err != nil && !isCommandError(err) {
		b.log.Warn().Err(err).Str("command", string(cmd)).Msg("command failed")
	}
	return err
}

func isCommandError(err error) bool {
	return errors.Is(err, session.ErrInvalidState) ||
		errors.Is(err, session.ErrPermissionDenied) ||
		errors.Is(err, session.ErrStartFailed)
}

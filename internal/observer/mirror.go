package observer

import (
	"sync"

	"github.com/tiroq/recbridge/internal/session"
	"github.com/tiroq/recbridge/internal/wire"
)

// Handlers are called by a Mirror for notifications that change what the
// observer should show. Any of them may be nil.
type Handlers struct {
	Status   func(session.Snapshot)
	Time     func(wire.TimeUpdate)
	Complete func(wire.Complete)
	Error    func(wire.ErrorInfo)
}

// Mirror folds notifications into the observer's local view of the session.
// Applying the same notification any number of times has the effect of
// applying it once; stale versions are ignored; a new core epoch resets it.
type Mirror struct {
	h Handlers

	mu           sync.Mutex
	epoch        string
	status       session.Snapshot
	hasStatus    bool
	lastVersion  uint64
	lastTerminal uint64
}

// NewMirror returns an empty mirror.
func NewMirror(h Handlers) *Mirror {
	return &Mirror{h: h}
}

// Apply folds n into the mirror and reports whether it changed anything.
// Handlers run after the mirror is updated, outside its lock.
func (m *Mirror) Apply(n wire.Notification) bool {
	m.mu.Lock()
	if n.Epoch != "" && n.Epoch != m.epoch {
		m.epoch = n.Epoch
		m.hasStatus = false
		m.lastVersion = 0
		m.lastTerminal = 0
	}

	var (
		changed bool
		fire    func()
	)
	switch n.Kind {
	case wire.KindStatusChange:
		if n.Status == nil || n.Version < m.lastVersion {
			break
		}
		m.lastVersion = n.Version
		if m.hasStatus && m.status.Equal(*n.Status) {
			m.status.Version = n.Version
			break
		}
		m.status = *n.Status
		m.hasStatus = true
		changed = true
		if h := m.h.Status; h != nil {
			s := m.status
			fire = func() { h(s) }
		}
	case wire.KindTimeUpdate:
		if n.Time == nil || n.Version <= m.lastVersion {
			break
		}
		m.lastVersion = n.Version
		m.status.ElapsedMillis = n.Time.ElapsedMillis
		m.status.Version = n.Version
		if n.Time.OutputFile != "" {
			m.status.OutputFile = n.Time.OutputFile
		}
		changed = true
		if h := m.h.Time; h != nil {
			tu := *n.Time
			fire = func() { h(tu) }
		}
	case wire.KindComplete:
		if n.Complete == nil || n.Version <= m.lastTerminal {
			break
		}
		m.lastTerminal = n.Version
		changed = true
		if h := m.h.Complete; h != nil {
			c := *n.Complete
			fire = func() { h(c) }
		}
	case wire.KindError:
		if n.Error == nil || n.Version <= m.lastTerminal {
			break
		}
		m.lastTerminal = n.Version
		changed = true
		if h := m.h.Error; h != nil {
			e := *n.Error
			fire = func() { h(e) }
		}
	}
	m.mu.Unlock()

	if fire != nil {
		fire()
	}
	return changed
}

// Snapshot returns the mirrored status and whether one has been received.
func (m *Mirror) Snapshot() (session.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.hasStatus
}

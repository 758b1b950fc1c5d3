package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tiroq/recbridge/internal/session"
)

// Kind names a notification pushed to the observer.
type Kind string

const (
	KindStatusChange Kind = "onRecordingStatusChange"
	KindTimeUpdate   Kind = "onRecordingTimeUpdate"
	KindComplete     Kind = "onRecordingComplete"
	KindError        Kind = "onRecordingError"
)

// Terminal reports whether k ends a recording attempt.
func (k Kind) Terminal() bool { return k == KindComplete || k == KindError }

// TimeUpdate is the payload of onRecordingTimeUpdate.
type TimeUpdate struct {
	ElapsedMillis int64  `json:"elapsedMillis"`
	OutputFile    string `json:"outputFile,omitempty"`
}

// Complete is the payload of onRecordingComplete.
type Complete struct {
	OutputFile     string `json:"outputFile"`
	DurationMillis int64  `json:"durationMillis"`
}

// ErrorInfo is the payload of onRecordingError.
type ErrorInfo struct {
	Message string `json:"message"`
}

// Notification is a tagged union: exactly one payload field matching Kind
// is set. Version and Epoch identify the snapshot it was derived from so a
// receiver can drop duplicates and stale values.
type Notification struct {
	Kind    Kind
	Version uint64
	Epoch   string

	Status   *session.Snapshot
	Time     *TimeUpdate
	Complete *Complete
	Error    *ErrorInfo
}

// StatusChange builds an onRecordingStatusChange notification.
func StatusChange(s session.Snapshot) Notification {
	return Notification{Kind: KindStatusChange, Version: s.Version, Epoch: s.Epoch, Status: &s}
}

// TimeUpdateOf builds an onRecordingTimeUpdate notification.
func TimeUpdateOf(s session.Snapshot) Notification {
	return Notification{
		Kind:    KindTimeUpdate,
		Version: s.Version,
		Epoch:   s.Epoch,
		Time:    &TimeUpdate{ElapsedMillis: s.ElapsedMillis, OutputFile: s.OutputFile},
	}
}

// CompleteOf builds an onRecordingComplete notification.
func CompleteOf(s session.Snapshot, durationMillis int64) Notification {
	return Notification{
		Kind:     KindComplete,
		Version:  s.Version,
		Epoch:    s.Epoch,
		Complete: &Complete{OutputFile: s.OutputFile, DurationMillis: durationMillis},
	}
}

// ErrorOf builds an onRecordingError notification.
func ErrorOf(s session.Snapshot, message string) Notification {
	return Notification{Kind: KindError, Version: s.Version, Epoch: s.Epoch, Error: &ErrorInfo{Message: message}}
}

type eventEnvelope struct {
	Version uint64          `json:"version"`
	Epoch   string          `json:"epoch"`
	Data    json.RawMessage `json:"data"`
}

// EncodeEvent frames n as an OpEvent message.
func EncodeEvent(n Notification) (Message, error) {
	var payload interface{}
	switch n.Kind {
	case KindStatusChange:
		payload = n.Status
	case KindTimeUpdate:
		payload = n.Time
	case KindComplete:
		payload = n.Complete
	case KindError:
		payload = n.Error
	default:
		return Message{}, fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	env, err := json.Marshal(eventEnvelope{Version: n.Version, Epoch: n.Epoch, Data: data})
	if err != nil {
		return Message{}, err
	}
	return Encode(OpEvent, Event{EventType: string(n.Kind), EventData: env})
}

// DecodeEvent turns a received Event back into a Notification.
func DecodeEvent(ev Event) (Notification, error) {
	var env eventEnvelope
	if err := json.Unmarshal(ev.EventData, &env); err != nil {
		return Notification{}, fmt.Errorf("decode %s: %w", ev.EventType, err)
	}
	n := Notification{Kind: Kind(ev.EventType), Version: env.Version, Epoch: env.Epoch}

	var target interface{}
	switch n.Kind {
	case KindStatusChange:
		n.Status = &session.Snapshot{}
		target = n.Status
	case KindTimeUpdate:
		n.Time = &TimeUpdate{}
		target = n.Time
	case KindComplete:
		n.Complete = &Complete{}
		target = n.Complete
	case KindError:
		n.Error = &ErrorInfo{}
		target = n.Error
	default:
		return Notification{}, fmt.Errorf("unknown event type %q", ev.EventType)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return Notification{}, fmt.Errorf("decode %s payload: %w", ev.EventType, err)
	}
	if n.Status != nil && !n.Status.State.Valid() {
		return Notification{}, fmt.Errorf("decode %s payload: unknown state %q", ev.EventType, n.Status.State)
	}
	return n, nil
}

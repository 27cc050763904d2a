package ble

import (
	"fmt"
	"time"

	"github.com/chaz8081/vson-monitor/internal/ble/protocol"
)

// State is a Session's position in the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateAuthenticating
	StateStarting
	StateSyncingTime
	StateStreaming
	StateClosing
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateConnecting:     "connecting",
	StateSubscribing:    "subscribing",
	StateAuthenticating: "authenticating",
	StateStarting:       "starting",
	StateSyncingTime:    "syncing_time",
	StateStreaming:      "streaming",
	StateClosing:        "closing",
	StateFailed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Sink receives everything a Session emits. Publish is called from the
// session's event loop and must not block; with several devices running,
// it is called concurrently.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Event is one of BatteryUpdate, ReadingEvent, TimeConfirmed, ShortResponse,
// UnknownNotification, PacketDropped or StateChanged.
type Event interface {
	// Source returns the device and arrival time of the event.
	Source() EventSource
}

// EventSource is embedded in every event.
type EventSource struct {
	Device   protocol.Identity
	Received time.Time
}

func (s EventSource) Source() EventSource { return s }

// BatteryUpdate carries a STATUS notification.
type BatteryUpdate struct {
	EventSource
	Percent uint8
}

// ReadingEvent carries a decoded DATA frame. Missed counts records skipped
// since the previous reading of this session, by record counter.
type ReadingEvent struct {
	EventSource
	Reading       protocol.Reading
	ParticleCount float64
	Missed        int
}

// Historical reports whether the reading was replayed from device memory.
func (e ReadingEvent) Historical() bool {
	return e.Reading.Kind == protocol.KindHistorical
}

// TimeConfirmed is the device echoing the synced time on META.
type TimeConfirmed struct {
	EventSource
	Timestamp protocol.Timestamp
	Mode      uint8
}

// ShortResponse is a 2-byte META reply with an undocumented code.
type ShortResponse struct {
	EventSource
	Code uint8
}

// UnknownNotification carries a payload we do not decode (the SHORT
// characteristic).
type UnknownNotification struct {
	EventSource
	Characteristic string
	Data           []byte
}

// PacketDropped reports a notification that failed to decode. Err wraps
// protocol.ErrMalformedPacket or protocol.ErrUnknownVariant.
type PacketDropped struct {
	EventSource
	Characteristic string
	Data           []byte
	Err            error
}

// StateChanged reports a session state transition. Err is the failure when
// entering StateFailed, and the stop reason (if any) when entering
// StateClosing.
type StateChanged struct {
	EventSource
	SessionID string
	State     State
	Err       error
}

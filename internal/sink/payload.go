package sink

import (
	"encoding/hex"
	"time"

	"github.com/chaz8081/vson-monitor/internal/ble"
)

// Event type names, used as the "type" field of JSON documents and as the
// last NATS subject token.
const (
	TypeReading       = "reading"
	TypeBattery       = "battery"
	TypeTimeConfirmed = "time_confirmed"
	TypeShortResponse = "short_response"
	TypeUnknown       = "unknown"
	TypeDropped       = "dropped"
	TypeState         = "state"
)

// Header is common to every document.
type Header struct {
	Type     string    `json:"type"`
	Device   string    `json:"device"`
	Serial   string    `json:"serial"`
	Received time.Time `json:"received"`
}

// ReadingDoc is a decoded DATA frame. Battery is null until the device
// has reported one.
type ReadingDoc struct {
	Header
	Timestamp string  `json:"timestamp"`
	PM1       uint16  `json:"pm1"`
	PM25      uint16  `json:"pm25"`
	PM10      uint16  `json:"pm10"`
	Particles float64 `json:"particles"`
	Battery   *uint8  `json:"battery"`
	Kind      string  `json:"kind"`
	Counter   uint8   `json:"counter"`
	Missed    int     `json:"missed,omitempty"`
}

type BatteryDoc struct {
	Header
	Battery uint8 `json:"battery"`
}

type TimeConfirmedDoc struct {
	Header
	Timestamp string `json:"timestamp"`
	Mode      uint8  `json:"mode"`
}

type RawDoc struct {
	Header
	Characteristic string `json:"characteristic,omitempty"`
	Data           string `json:"data"`
	Code           *uint8 `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}

type StateDoc struct {
	Header
	Session string `json:"session"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// Document maps an event to its JSON document. battery supplies the last
// known battery level for readings.
func Document(ev ble.Event, battery func(mac string) *uint8) any {
	src := ev.Source()
	h := func(typ string) Header {
		return Header{Type: typ, Device: src.Device.MAC, Serial: src.Device.Serial, Received: src.Received}
	}

	switch e := ev.(type) {
	case ble.ReadingEvent:
		doc := ReadingDoc{
			Header:    h(TypeReading),
			Timestamp: e.Reading.Timestamp.String(),
			PM1:       e.Reading.PM1,
			PM25:      e.Reading.PM25,
			PM10:      e.Reading.PM10,
			Particles: round2(e.ParticleCount),
			Kind:      e.Reading.Kind.String(),
			Counter:   e.Reading.Counter,
			Missed:    e.Missed,
		}
		if battery != nil {
			doc.Battery = battery(src.Device.MAC)
		}
		return doc
	case ble.BatteryUpdate:
		return BatteryDoc{Header: h(TypeBattery), Battery: e.Percent}
	case ble.TimeConfirmed:
		return TimeConfirmedDoc{Header: h(TypeTimeConfirmed), Timestamp: e.Timestamp.String(), Mode: e.Mode}
	case ble.ShortResponse:
		code := e.Code
		return RawDoc{Header: h(TypeShortResponse), Characteristic: "META", Data: hex.EncodeToString([]byte{0x02, code}), Code: &code}
	case ble.UnknownNotification:
		return RawDoc{Header: h(TypeUnknown), Characteristic: e.Characteristic, Data: hex.EncodeToString(e.Data)}
	case ble.PacketDropped:
		return RawDoc{Header: h(TypeDropped), Characteristic: e.Characteristic, Data: hex.EncodeToString(e.Data), Error: errString(e.Err)}
	case ble.StateChanged:
		return StateDoc{Header: h(TypeState), Session: e.SessionID, State: e.State.String(), Error: errString(e.Err)}
	default:
		return nil
	}
}

// TypeOf returns the document type name of ev, or "" for unknown events.
func TypeOf(ev ble.Event) string {
	switch ev.(type) {
	case ble.ReadingEvent:
		return TypeReading
	case ble.BatteryUpdate:
		return TypeBattery
	case ble.TimeConfirmed:
		return TypeTimeConfirmed
	case ble.ShortResponse:
		return TypeShortResponse
	case ble.UnknownNotification:
		return TypeUnknown
	case ble.PacketDropped:
		return TypeDropped
	case ble.StateChanged:
		return TypeState
	default:
		return ""
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

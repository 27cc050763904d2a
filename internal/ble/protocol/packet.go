// Package protocol implements the wire format of the VSON WP6810 air-quality
// sensor's BLE protocol. Everything here is pure: no I/O and no state.
//
// All multi-byte integers are little-endian. The layout was reconstructed from
// packet captures, so several fields are carried opaquely.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
)

var (
	// ErrMalformedPacket is returned when a payload's length does not match
	// the fixed size of the packet type expected on its characteristic.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrUnknownVariant is returned for a recognised packet whose flag or
	// sub-type byte is not one we know how to decode.
	ErrUnknownVariant = errors.New("protocol: unknown packet variant")
	// ErrOutOfRange is returned by encoders given a value the wire format
	// cannot represent.
	ErrOutOfRange = errors.New("protocol: value out of range")
)

// Packet sizes.
const (
	AuthKeyLen          = 18
	TimeSyncLen         = 11
	BatteryStatusLen    = 1
	ReadingLen          = 20
	TimeConfirmationLen = 8
	ShortResponseLen    = 2
	TimestampLen        = 6
)

// CmdStart is written to the CMD characteristic to start streaming.
const CmdStart byte = 0x03

// META frame flags (first byte).
const (
	MetaFlagTimeConfirmation byte = 0x01
	MetaFlagShortResponse    byte = 0x02
)

var (
	authKeyMagic    = [2]byte{0x00, 0x01}
	timeSyncTrailer = [5]byte{0x00, 0x06, 0x40, 0x00, 0x1e}
)

// Particle count formula constants. The device computes particles with
// these exact factors; keep them separate so evaluation order matches.
const (
	particleMSBMultiplier = 256
	particleLSBMultiplier = 6250
	particleCorrection    = 3.53
	particleDivisor       = 1000.0
)

// NewAuthToken returns a random 6-digit decimal token, zero padded.
// A nil r uses the global source.
func NewAuthToken(r *rand.Rand) string {
	var n int
	if r == nil {
		n = rand.IntN(1_000_000)
	} else {
		n = r.IntN(1_000_000)
	}
	return fmt.Sprintf("%06d", n)
}

// EncodeAuthKey builds the 18-byte KEY packet:
//
//	00 01 | 6 ASCII digits | 10 zero bytes
func EncodeAuthKey(token string) ([]byte, error) {
	if len(token) != 6 {
		return nil, fmt.Errorf("%w: auth token must be 6 digits, got %q", ErrOutOfRange, token)
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return nil, fmt.Errorf("%w: auth token must be ASCII digits, got %q", ErrOutOfRange, token)
		}
	}
	buf := make([]byte, AuthKeyLen)
	copy(buf[0:2], authKeyMagic[:])
	copy(buf[2:8], token)
	return buf, nil
}

// EncodeStartCommand returns the CMD_START packet.
func EncodeStartCommand() []byte {
	return []byte{CmdStart}
}

// BatteryStatus is the battery charge in percent as reported on STATUS.
// It carries no timestamp; consumers stamp arrival time.
type BatteryStatus uint8

// DecodeBatteryStatus decodes a STATUS notification.
func DecodeBatteryStatus(data []byte) (BatteryStatus, error) {
	if len(data) != BatteryStatusLen {
		return 0, fmt.Errorf("%w: battery status: want %d bytes, got %d", ErrMalformedPacket, BatteryStatusLen, len(data))
	}
	return BatteryStatus(data[0]), nil
}

// ReadingKind tells live readings apart from records replayed from the
// device's history buffer.
type ReadingKind uint8

const (
	KindHistorical ReadingKind = 0x00
	KindCurrent    ReadingKind = 0x01
)

func (k ReadingKind) String() string {
	switch k {
	case KindCurrent:
		return "current"
	case KindHistorical:
		return "history"
	default:
		return fmt.Sprintf("ReadingKind(0x%02x)", uint8(k))
	}
}

// Reading is one decoded DATA frame.
//
//	[0..5]   timestamp
//	[6..7]   PM2.5 (µg/m³)
//	[8..9]   PM1.0
//	[10..11] PM10
//	[12..13] unknown
//	[14..17] reserved
//	[18]     record counter
//	[19]     kind flag (0 = history, 1 = current)
type Reading struct {
	Timestamp Timestamp
	PM25      uint16
	PM1       uint16
	PM10      uint16
	Unknown   uint16
	Reserved  [4]byte
	Counter   uint8
	Kind      ReadingKind
}

// ParticleCount derives the particle count from the reading's PM2.5 value.
func (r Reading) ParticleCount() float64 {
	return ParticleCount(r.PM25)
}

// DecodeReading decodes a DATA notification. An unrecognised kind flag
// yields ErrUnknownVariant; the caller should drop the packet and carry on.
func DecodeReading(data []byte) (Reading, error) {
	if len(data) != ReadingLen {
		return Reading{}, fmt.Errorf("%w: reading: want %d bytes, got %d", ErrMalformedPacket, ReadingLen, len(data))
	}
	flag := data[19]
	if flag != byte(KindHistorical) && flag != byte(KindCurrent) {
		return Reading{}, fmt.Errorf("%w: reading flag 0x%02x", ErrUnknownVariant, flag)
	}
	r := Reading{
		Timestamp: decodeTimestamp(data[0:6]),
		PM25:      binary.LittleEndian.Uint16(data[6:8]),
		PM1:       binary.LittleEndian.Uint16(data[8:10]),
		PM10:      binary.LittleEndian.Uint16(data[10:12]),
		Unknown:   binary.LittleEndian.Uint16(data[12:14]),
		Counter:   data[18],
		Kind:      ReadingKind(flag),
	}
	copy(r.Reserved[:], data[14:18])
	return r, nil
}

// ParticleCount applies the device's empirical formula:
//
//	msb*256 + (lsb*6250*3.53)/1000.0
//
// Do not simplify the expression; the output must match the vendor app.
func ParticleCount(pm25 uint16) float64 {
	msb := float64(pm25 >> 8)
	lsb := float64(pm25 & 0xFF)
	// Explicit conversions keep each product rounded on its own (no FMA).
	return float64(msb*particleMSBMultiplier) + float64(lsb*particleLSBMultiplier*particleCorrection)/particleDivisor
}

// Meta is a decoded META notification: a TimeConfirmation or a ShortResponse.
type Meta interface {
	metaFlag() byte
}

// TimeConfirmation is the device echoing the time it was synced to.
// Mode's values are not documented.
type TimeConfirmation struct {
	Timestamp Timestamp
	Mode      uint8
}

func (TimeConfirmation) metaFlag() byte { return MetaFlagTimeConfirmation }

// ShortResponse is a 2-byte META reply whose code has no known meaning.
type ShortResponse struct {
	Code uint8
}

func (ShortResponse) metaFlag() byte { return MetaFlagShortResponse }

// DecodeMeta dispatches a META notification on its first byte.
func DecodeMeta(data []byte) (Meta, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: meta: empty frame", ErrMalformedPacket)
	}
	switch data[0] {
	case MetaFlagTimeConfirmation:
		if len(data) != TimeConfirmationLen {
			return nil, fmt.Errorf("%w: meta flag 0x01: want %d bytes, got %d", ErrUnknownVariant, TimeConfirmationLen, len(data))
		}
		return TimeConfirmation{
			Timestamp: decodeTimestamp(data[1:7]),
			Mode:      data[7],
		}, nil
	case MetaFlagShortResponse:
		if len(data) != ShortResponseLen {
			return nil, fmt.Errorf("%w: meta flag 0x02: want %d bytes, got %d", ErrUnknownVariant, ShortResponseLen, len(data))
		}
		return ShortResponse{Code: data[1]}, nil
	default:
		return nil, fmt.Errorf("%w: meta flag 0x%02x", ErrUnknownVariant, data[0])
	}
}

package protocol

import (
	"fmt"
	"time"
)

// Timestamp is the device's compact 6-byte date-time:
//
//	[0] year - 2000
//	[1] month
//	[2] day
//	[3] hour (24h)
//	[4] minute
//	[5] second
//
// Fields are carried exactly as received; garbled captures with impossible
// values have been seen, so decoding never validates them.
type Timestamp struct {
	Year   int
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

// TimestampFromTime converts t to the compact form. Years outside
// [2000, 2255] do not fit the one-byte offset.
func TimestampFromTime(t time.Time) (Timestamp, error) {
	year := t.Year()
	if year < 2000 || year > 2255 {
		return Timestamp{}, fmt.Errorf("%w: year %d not in [2000, 2255]", ErrOutOfRange, year)
	}
	return Timestamp{
		Year:   year,
		Month:  uint8(t.Month()),
		Day:    uint8(t.Day()),
		Hour:   uint8(t.Hour()),
		Minute: uint8(t.Minute()),
		Second: uint8(t.Second()),
	}, nil
}

// DecodeTimestamp decodes a 6-byte compact timestamp.
func DecodeTimestamp(data []byte) (Timestamp, error) {
	if len(data) != TimestampLen {
		return Timestamp{}, fmt.Errorf("%w: timestamp: want %d bytes, got %d", ErrMalformedPacket, TimestampLen, len(data))
	}
	return decodeTimestamp(data), nil
}

// decodeTimestamp assumes len(data) >= 6.
func decodeTimestamp(data []byte) Timestamp {
	return Timestamp{
		Year:   2000 + int(data[0]),
		Month:  data[1],
		Day:    data[2],
		Hour:   data[3],
		Minute: data[4],
		Second: data[5],
	}
}

func (t Timestamp) appendTo(buf []byte) []byte {
	return append(buf, byte(t.Year-2000), t.Month, t.Day, t.Hour, t.Minute, t.Second)
}

// Valid reports whether every field is within its calendar range.
func (t Timestamp) Valid() bool {
	_, ok := t.Time(time.UTC)
	return ok
}

// Time returns the timestamp as a time.Time in loc. ok is false when a
// field is out of range; the value is not normalised in that case.
func (t Timestamp) Time(loc *time.Location) (time.Time, bool) {
	if t.Month < 1 || t.Month > 12 || t.Day < 1 || t.Hour > 23 || t.Minute > 59 || t.Second > 59 {
		return time.Time{}, false
	}
	tt := time.Date(t.Year, time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), int(t.Second), 0, loc)
	if tt.Day() != int(t.Day) {
		return time.Time{}, false
	}
	return tt, true
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second)
}

// EncodeTimeSync builds the 11-byte time synchronisation packet written to
// the KEY characteristic after CMD_START:
//
//	[0..5]  timestamp
//	[6..10] 00 06 40 00 1e
func EncodeTimeSync(t time.Time) ([]byte, error) {
	ts, err := TimestampFromTime(t)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, TimeSyncLen)
	buf = ts.appendTo(buf)
	buf = append(buf, timeSyncTrailer[:]...)
	return buf, nil
}

// DecodeTimeSync is the inverse of EncodeTimeSync.
func DecodeTimeSync(data []byte) (Timestamp, error) {
	if len(data) != TimeSyncLen {
		return Timestamp{}, fmt.Errorf("%w: time sync: want %d bytes, got %d", ErrMalformedPacket, TimeSyncLen, len(data))
	}
	if [5]byte(data[6:11]) != timeSyncTrailer {
		return Timestamp{}, fmt.Errorf("%w: time sync: bad trailer % x", ErrMalformedPacket, data[6:11])
	}
	return decodeTimestamp(data[0:6]), nil
}

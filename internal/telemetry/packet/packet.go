// Package packet defines the fixed binary layout of a supervision telemetry
// packet and converts between that layout and the in-memory record.
//
// Wire layout (packed, no padding, little-endian):
//
//	offset  size  field
//	     0     4  PacketID     int32
//	     4     8  Pump1Value   float64 (IEEE 754)
//	    12     8  Pump2Value   float64 (IEEE 754)
//	    20     4  AlarmState   int32
//	    24     8  Input1Value  float64 (IEEE 754)
//
// Decoders accept datagrams longer than Size and ignore the trailing bytes,
// so fields appended by newer senders do not break older listeners.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Size is the encoded length of a Packet in bytes.
const Size = 4 + 8 + 8 + 4 + 8

// Field offsets within an encoded packet.
const (
	offPacketID    = 0
	offPump1Value  = 4
	offPump2Value  = 12
	offAlarmState  = 20
	offInput1Value = 24
)

// ErrMalformedPacket is returned by Decode when a buffer is too short to
// hold a packet.
var ErrMalformedPacket = errors.New("malformed telemetry packet")

// AlarmState is the alarm level carried in a packet. The codec does not
// range-check it.
type AlarmState int32

const (
	AlarmNone    AlarmState = 0
	AlarmWarning AlarmState = 1
	AlarmError   AlarmState = 2
)

func (a AlarmState) String() string {
	switch a {
	case AlarmNone:
		return "none"
	case AlarmWarning:
		return "warning"
	case AlarmError:
		return "error"
	default:
		return fmt.Sprintf("alarm(%d)", int32(a))
	}
}

// Packet is one telemetry record as exchanged over UDP.
type Packet struct {
	PacketID    int32      `json:"packet_id"`
	Pump1Value  float64    `json:"pump1_value"`
	Pump2Value  float64    `json:"pump2_value"`
	AlarmState  AlarmState `json:"alarm_state"`
	Input1Value float64    `json:"input1_value"`
}

// Encode returns the Size-byte wire encoding of p.
func Encode(p Packet) []byte {
	return AppendEncode(make([]byte, 0, Size), p)
}

// AppendEncode appends the wire encoding of p to dst and returns the
// extended slice.
func AppendEncode(dst []byte, p Packet) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.PacketID))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(p.Pump1Value))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(p.Pump2Value))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.AlarmState))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(p.Input1Value))
	return dst
}

// Decode parses the first Size bytes of data. Bytes beyond Size are ignored.
func Decode(data []byte) (Packet, error) {
	if len(data) < Size {
		return Packet{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformedPacket, len(data), Size)
	}
	return Packet{
		PacketID:    int32(binary.LittleEndian.Uint32(data[offPacketID:])),
		Pump1Value:  math.Float64frombits(binary.LittleEndian.Uint64(data[offPump1Value:])),
		Pump2Value:  math.Float64frombits(binary.LittleEndian.Uint64(data[offPump2Value:])),
		AlarmState:  AlarmState(int32(binary.LittleEndian.Uint32(data[offAlarmState:]))),
		Input1Value: math.Float64frombits(binary.LittleEndian.Uint64(data[offInput1Value:])),
	}, nil
}

package packet

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bitwiseFloats compares float64 fields by bit pattern so NaN payloads
// round-trip exactly.
var bitwiseFloats = cmp.Comparer(func(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
})

func TestEncodeDecodeRoundTrip(t *testing.T) {
	quietNaN := math.Float64frombits(0x7ff8000000000001)
	negNaN := math.Float64frombits(0xfff0000000000abc)

	testCases := []struct {
		name string
		pkt  Packet
	}{
		{name: "zero value", pkt: Packet{}},
		{
			name: "typical values",
			pkt:  Packet{PacketID: 42, Pump1Value: 12.5, Pump2Value: 0.25, AlarmState: AlarmWarning, Input1Value: 50},
		},
		{
			name: "negative values",
			pkt:  Packet{PacketID: -7, Pump1Value: -1.5, Pump2Value: -1e300, AlarmState: -1, Input1Value: math.Copysign(0, -1)},
		},
		{
			name: "integer extremes",
			pkt:  Packet{PacketID: math.MaxInt32, AlarmState: math.MinInt32},
		},
		{
			name: "integer extremes swapped",
			pkt:  Packet{PacketID: math.MinInt32, AlarmState: math.MaxInt32},
		},
		{
			name: "infinities",
			pkt:  Packet{Pump1Value: math.Inf(1), Pump2Value: math.Inf(-1), Input1Value: math.MaxFloat64},
		},
		{
			name: "NaN payloads",
			pkt:  Packet{Pump1Value: math.NaN(), Pump2Value: quietNaN, Input1Value: negNaN},
		},
		{
			name: "denormals",
			pkt:  Packet{Pump1Value: math.SmallestNonzeroFloat64, Pump2Value: -math.SmallestNonzeroFloat64},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.pkt)
			require.Len(t, encoded, Size)

			decoded, err := Decode(encoded)
			require.NoError(t, err)

			if diff := cmp.Diff(tc.pkt, decoded, bitwiseFloats); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSizeIsPacked(t *testing.T) {
	assert.Equal(t, 32, Size)
	assert.Len(t, Encode(Packet{PacketID: 1, Pump1Value: 2, Pump2Value: 3, AlarmState: 2, Input1Value: 4}), 32)
}

func TestEncodeLayout(t *testing.T) {
	buf := Encode(Packet{PacketID: 0x01020304, Pump1Value: 1.0, Pump2Value: 2.0, AlarmState: AlarmError, Input1Value: -3.5})

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, buf[0:4], "packet id is little-endian")
	assert.Equal(t, math.Float64bits(1.0), binary.LittleEndian.Uint64(buf[4:12]))
	assert.Equal(t, math.Float64bits(2.0), binary.LittleEndian.Uint64(buf[12:20]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[20:24]))
	assert.Equal(t, math.Float64bits(-3.5), binary.LittleEndian.Uint64(buf[24:32]))
}

func TestAppendEncodeReusesBuffer(t *testing.T) {
	prefix := []byte{0xAA, 0xBB}
	out := AppendEncode(prefix, Packet{PacketID: 9})
	require.Len(t, out, 2+Size)
	assert.Equal(t, []byte{0xAA, 0xBB}, out[:2])

	decoded, err := Decode(out[2:])
	require.NoError(t, err)
	assert.Equal(t, int32(9), decoded.PacketID)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	want := Packet{PacketID: 11000, Pump1Value: 3.14, Pump2Value: 2.71, AlarmState: AlarmWarning, Input1Value: 99.9}
	buf := append(Encode(want), 0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE)
	require.Len(t, buf, 40)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeRejectsShortBuffers(t *testing.T) {
	valid := Encode(Packet{PacketID: 1})
	for _, n := range []int{0, 1, 4, 16, Size - 1} {
		_, err := Decode(valid[:n])
		require.Error(t, err, "length %d", n)
		assert.True(t, errors.Is(err, ErrMalformedPacket), "length %d: %v", n, err)
	}
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestAlarmStateString(t *testing.T) {
	assert.Equal(t, "none", AlarmNone.String())
	assert.Equal(t, "warning", AlarmWarning.String())
	assert.Equal(t, "error", AlarmError.String())
	assert.Equal(t, "alarm(7)", AlarmState(7).String())
}

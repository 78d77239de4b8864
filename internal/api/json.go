package api

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

// Float is a float64 whose JSON form carries NaN and infinities as the
// strings "NaN", "+Inf" and "-Inf", since telemetry values may hold them
// and JSON numbers cannot.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "+Inf", "Inf":
			*f = Float(math.Inf(1))
		case "-Inf":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("invalid float %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// PacketJSON is the JSON form of a telemetry packet.
type PacketJSON struct {
	PacketID    int32  `json:"packet_id"`
	Pump1Value  Float  `json:"pump1_value"`
	Pump2Value  Float  `json:"pump2_value"`
	AlarmState  int32  `json:"alarm_state"`
	Alarm       string `json:"alarm,omitempty"`
	Input1Value Float  `json:"input1_value"`
}

// NewPacketJSON converts p for encoding.
func NewPacketJSON(p packet.Packet) PacketJSON {
	return PacketJSON{
		PacketID:    p.PacketID,
		Pump1Value:  Float(p.Pump1Value),
		Pump2Value:  Float(p.Pump2Value),
		AlarmState:  int32(p.AlarmState),
		Alarm:       p.AlarmState.String(),
		Input1Value: Float(p.Input1Value),
	}
}

// Packet converts back to a packet. The Alarm label is ignored.
func (pj PacketJSON) Packet() packet.Packet {
	return packet.Packet{
		PacketID:    pj.PacketID,
		Pump1Value:  float64(pj.Pump1Value),
		Pump2Value:  float64(pj.Pump2Value),
		AlarmState:  packet.AlarmState(pj.AlarmState),
		Input1Value: float64(pj.Input1Value),
	}
}

// StreamMessage is one frame of the websocket stream.
type StreamMessage struct {
	Type     string      `json:"type"` // "packet" or "comm_loss"
	Time     time.Time   `json:"time"`
	Packet   *PacketJSON `json:"packet,omitempty"`
	CommLoss *bool       `json:"comm_loss,omitempty"`
}

const (
	MessagePacket   = "packet"
	MessageCommLoss = "comm_loss"
)

package telemetry

import "time"

// ChannelID identifies a logical telemetry stream.
type ChannelID string

const (
	ChannelBatteryVoltage ChannelID = "battery_voltage"
	ChannelBatterySOC     ChannelID = "battery_soc"
	ChannelPositionLocal  ChannelID = "position_local"
	ChannelAttitudeEuler  ChannelID = "attitude_euler"
	ChannelGPSFix         ChannelID = "gps_fix"
	ChannelAirborne       ChannelID = "airborne"
)

// Channel is the immutable definition of a telemetry stream. A zero
// FrameType means the channel is not carried on the serial link.
type Channel struct {
	ID        ChannelID
	Topic     string
	FrameType uint8
	Units     string
	Schema    Schema
}

// Record is one decoded sample. Records are never modified after the
// decoder hands them out. LocalSeq marks a Seq numbered by the transport
// because the payload carried none.
type Record struct {
	Channel   ChannelID
	Seq       uint64
	LocalSeq  bool
	Timestamp time.Time // source wall clock, falls back to Received
	Received  time.Time // local clock, carries a monotonic reading
	Source    string
	Value     Value
}

// SeqDomain names the counter Seq was drawn from. Sequence numbers are
// only comparable within one domain.
func (r *Record) SeqDomain() string {
	if r.LocalSeq {
		return r.Source + "/local"
	}
	return r.Source
}

// Encoding tells the decoder how to read a RawMessage payload.
type Encoding uint8

const (
	EncodingJSON Encoding = iota + 1
	EncodingFrame
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// RawMessage is what a transport yields before decoding. Topic is set for
// JSON messages, FrameType for frames. Seq is the transport's sequence for
// the message; payload-level sequence numbers take precedence. LocalSeq is
// set when the transport numbered the message itself. Err is set
// when the transport could not extract a well-formed message from its
// byte stream.
type RawMessage struct {
	Transport string
	Encoding  Encoding
	Topic     string
	FrameType uint8
	Seq       uint64
	LocalSeq  bool
	Payload   []byte
	Received  time.Time
	Err       error
}

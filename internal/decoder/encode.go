package decoder

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/telemetry"
)

// EncodeJSON renders v as the MQTT payload for ch. A zero ts omits the
// timestamp; seq is always written.
func EncodeJSON(ch telemetry.Channel, v telemetry.Value, seq uint64, ts time.Time) ([]byte, error) {
	if err := checkShape(ch, v); err != nil {
		return nil, err
	}

	obj := make(map[string]any, len(ch.Schema.Fields)+2)
	switch v.Kind {
	case telemetry.KindScalar:
		obj[ch.Schema.Fields[0].Name] = v.Scalar
	case telemetry.KindBool:
		obj[ch.Schema.Fields[0].Name] = v.Bool
	case telemetry.KindVector:
		for i, f := range ch.Schema.Fields {
			obj[f.Name] = v.Vector[i]
		}
	case telemetry.KindStruct:
		for _, f := range ch.Schema.Fields {
			obj[f.Name] = v.Fields[f.Name]
		}
	}
	obj["seq"] = seq
	if !ts.IsZero() {
		obj["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.New().Wrap(ErrEncode, err)
	}
	return data, nil
}

// EncodeValue renders v as a binary frame payload for ch.
func EncodeValue(ch telemetry.Channel, v telemetry.Value) ([]byte, error) {
	if err := checkShape(ch, v); err != nil {
		return nil, err
	}

	if v.Kind == telemetry.KindBool {
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}

	out := make([]byte, binarySize(ch.Schema))
	for i, f := range ch.Schema.Fields {
		var x float64
		switch v.Kind {
		case telemetry.KindScalar:
			x = v.Scalar
		case telemetry.KindVector:
			x = v.Vector[i]
		case telemetry.KindStruct:
			x = v.Fields[f.Name]
		}
		binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(x))
	}
	return out, nil
}

// EncodeTelemetryFrame renders a complete serial frame for ch.
func EncodeTelemetryFrame(ch telemetry.Channel, v telemetry.Value, seq uint32) ([]byte, error) {
	if ch.FrameType == 0 {
		return nil, errors.New().WithData(ErrEncode, string(ch.ID)+" has no frame type")
	}
	payload, err := EncodeValue(ch, v)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(Frame{Type: ch.FrameType, Seq: seq, Payload: payload}), nil
}

// EncodeCommandFrame renders cmd as a serial frame carrying its JSON
// parameters.
func EncodeCommandFrame(cmd *telemetry.Command, seq uint32) ([]byte, error) {
	if cmd.FrameType < telemetry.CommandFrameBase {
		return nil, errors.New().WithData(ErrEncode, cmd.Name+" has no command frame type")
	}
	payload, err := cmd.Payload()
	if err != nil {
		return nil, errors.New().Wrap(ErrEncode, err)
	}
	return EncodeFrame(Frame{Type: cmd.FrameType, Seq: seq, Payload: payload}), nil
}

func checkShape(ch telemetry.Channel, v telemetry.Value) error {
	errFactory := errors.New()

	if v.Kind != ch.Schema.Kind {
		return errFactory.WithData(ErrEncode, string(ch.ID)+": value is "+v.Kind.String()+", channel is "+ch.Schema.Kind.String())
	}
	switch v.Kind {
	case telemetry.KindVector:
		if len(v.Vector) != len(ch.Schema.Fields) {
			return errFactory.WithData(ErrEncode, string(ch.ID)+": vector length does not match schema")
		}
	case telemetry.KindStruct:
		for _, f := range ch.Schema.Fields {
			if _, ok := v.Fields[f.Name]; !ok {
				return errFactory.WithData(ErrEncode, string(ch.ID)+": missing field "+f.Name)
			}
		}
	}
	return nil
}

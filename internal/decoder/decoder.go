package decoder

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/telemetry"
)

// Decoder turns raw transport messages into records. It holds no mutable
// state and is safe for concurrent use.
type Decoder struct {
	catalog *telemetry.Catalog
}

func New(catalog *telemetry.Catalog) *Decoder {
	return &Decoder{catalog: catalog}
}

// Catalog returns the channel catalog the decoder validates against.
func (d *Decoder) Catalog() *telemetry.Catalog {
	return d.catalog
}

// Decode validates raw against its channel schema and builds a record.
// Every failure is either a schema mismatch or a truncation.
func (d *Decoder) Decode(raw telemetry.RawMessage) (*telemetry.Record, error) {
	if raw.Err != nil {
		if IsTruncated(raw.Err) || IsSchemaMismatch(raw.Err) {
			return nil, raw.Err
		}
		return nil, errors.New().Wrap(ErrSchemaMismatch, raw.Err)
	}

	var (
		ch telemetry.Channel
		ok bool
	)
	switch raw.Encoding {
	case telemetry.EncodingJSON:
		ch, ok = d.catalog.ByTopic(raw.Topic)
		if !ok {
			return nil, mismatch("unknown topic %q", raw.Topic)
		}
	case telemetry.EncodingFrame:
		ch, ok = d.catalog.ByFrameType(raw.FrameType)
		if !ok {
			return nil, mismatch("unknown frame type 0x%02x", raw.FrameType)
		}
	default:
		return nil, mismatch("unsupported encoding %s", raw.Encoding)
	}

	if len(raw.Payload) == 0 {
		return nil, truncated("%s: empty payload", ch.ID)
	}

	received := raw.Received
	if received.IsZero() {
		received = time.Now()
	}

	rec := &telemetry.Record{
		Channel:  ch.ID,
		Seq:      raw.Seq,
		LocalSeq: raw.LocalSeq,
		Received: received,
		Source:   raw.Transport,
	}

	var err error
	if raw.Encoding == telemetry.EncodingJSON {
		err = decodeJSON(ch, raw.Payload, rec)
	} else {
		rec.Value, err = decodeBinary(ch, raw.Payload)
	}
	if err != nil {
		return nil, err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = received
	}

	return rec, nil
}

func decodeJSON(ch telemetry.Channel, payload []byte, rec *telemetry.Record) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.New().Wrap(ErrTruncated, err)
		}
		return errors.New().Wrap(ErrSchemaMismatch, err)
	}
	if obj == nil {
		return mismatch("%s: payload is not an object", ch.ID)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return mismatch("%s: trailing data after payload object", ch.ID)
	}

	if raw, present := obj["seq"]; present {
		seq, err := parseSeq(raw)
		if err != nil {
			return mismatch("%s: %v", ch.ID, err)
		}
		rec.Seq = seq
		rec.LocalSeq = false
	}
	if raw, present := obj["timestamp"]; present {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return mismatch("%s: %v", ch.ID, err)
		}
		rec.Timestamp = ts
	}

	schema := ch.Schema
	if schema.Kind == telemetry.KindBool {
		f := schema.Fields[0]
		b, ok := obj[f.Name].(bool)
		if !ok {
			return fieldError(ch, f.Name, obj[f.Name], "boolean")
		}
		rec.Value = telemetry.BoolValue(b)
		return nil
	}

	nums := make([]float64, len(schema.Fields))
	for i, f := range schema.Fields {
		n, ok := obj[f.Name].(json.Number)
		if !ok {
			return fieldError(ch, f.Name, obj[f.Name], "number")
		}
		v, err := n.Float64()
		if err != nil {
			return mismatch("%s.%s: %v", ch.ID, f.Name, err)
		}
		if err := checkRange(ch, f, v); err != nil {
			return err
		}
		nums[i] = v
	}
	rec.Value = buildValue(schema, nums)

	return nil
}

func fieldError(ch telemetry.Channel, field string, got any, want string) error {
	if got == nil {
		return mismatch("%s: missing field %q", ch.ID, field)
	}
	return mismatch("%s.%s: expected %s, got %T", ch.ID, field, want, got)
}

func parseSeq(v any) (uint64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, errors.New().WithData(ErrSchemaMismatch, "seq must be a number")
	}
	return strconv.ParseUint(n.String(), 10, 64)
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case json.Number:
		secs, err := t.Float64()
		if err != nil || secs < 0 {
			return time.Time{}, errors.New().WithData(ErrSchemaMismatch, "invalid timestamp "+t.String())
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	default:
		return time.Time{}, errors.New().WithData(ErrSchemaMismatch, "timestamp must be a number or RFC 3339 string")
	}
}

func checkRange(ch telemetry.Channel, f telemetry.Field, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return mismatch("%s.%s: not a finite number", ch.ID, f.Name)
	}
	if !f.InRange(v) {
		return mismatch("%s.%s: %g outside [%g, %g]", ch.ID, f.Name, v, f.Min, f.Max)
	}
	return nil
}

func buildValue(schema telemetry.Schema, nums []float64) telemetry.Value {
	switch schema.Kind {
	case telemetry.KindScalar:
		return telemetry.ScalarValue(nums[0])
	case telemetry.KindVector:
		return telemetry.Value{Kind: telemetry.KindVector, Vector: nums}
	default:
		fields := make(map[string]float64, len(nums))
		for i, f := range schema.Fields {
			fields[f.Name] = nums[i]
		}
		return telemetry.Value{Kind: telemetry.KindStruct, Fields: fields}
	}
}

// binarySize is the exact payload length a channel's frames must carry.
func binarySize(schema telemetry.Schema) int {
	if schema.Kind == telemetry.KindBool {
		return 1
	}
	return 8 * len(schema.Fields)
}

func decodeBinary(ch telemetry.Channel, payload []byte) (telemetry.Value, error) {
	schema := ch.Schema
	want := binarySize(schema)
	switch {
	case len(payload) < want:
		return telemetry.Value{}, truncated("%s: payload %d bytes, want %d", ch.ID, len(payload), want)
	case len(payload) > want:
		return telemetry.Value{}, mismatch("%s: payload %d bytes, want %d", ch.ID, len(payload), want)
	}

	if schema.Kind == telemetry.KindBool {
		switch payload[0] {
		case 0:
			return telemetry.BoolValue(false), nil
		case 1:
			return telemetry.BoolValue(true), nil
		default:
			return telemetry.Value{}, mismatch("%s: invalid boolean byte 0x%02x", ch.ID, payload[0])
		}
	}

	nums := make([]float64, len(schema.Fields))
	for i, f := range schema.Fields {
		v := math.Float64frombits(binary.BigEndian.Uint64(payload[i*8:]))
		if err := checkRange(ch, f, v); err != nil {
			return telemetry.Value{}, err
		}
		nums[i] = v
	}

	return buildValue(schema, nums), nil
}

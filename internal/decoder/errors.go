package decoder

import (
	"fmt"

	"codeberg.org/mutker/avrlink/internal/errors"
)

const (
	// ErrSchemaMismatch covers payloads that are complete but do not match
	// the channel: unknown channel, wrong type, missing field, out of range,
	// bad checksum.
	ErrSchemaMismatch = errors.ErrorCode("decode_schema_mismatch")
	// ErrTruncated covers empty or cut-off payloads.
	ErrTruncated = errors.ErrorCode("decode_truncated")
	// ErrEncode is returned by the encoders when value and schema disagree.
	ErrEncode = errors.ErrorCode("decode_encode_failed")
)

// IsTruncated reports whether err is a truncated-payload decode error.
func IsTruncated(err error) bool {
	return errors.HasCode(err, ErrTruncated)
}

// IsSchemaMismatch reports whether err is a schema-mismatch decode error.
func IsSchemaMismatch(err error) bool {
	return errors.HasCode(err, ErrSchemaMismatch)
}

// Reason returns a short label for err, suitable for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTruncated(err):
		return "truncated"
	case IsSchemaMismatch(err):
		return "schema_mismatch"
	default:
		return "unknown"
	}
}

func mismatch(format string, args ...any) error {
	return errors.New().WithData(ErrSchemaMismatch, fmt.Sprintf(format, args...))
}

func truncated(format string, args ...any) error {
	return errors.New().WithData(ErrTruncated, fmt.Sprintf(format, args...))
}

package transport

import "codeberg.org/mutker/avrlink/internal/errors"

const (
	// ErrTransient is a connection failure worth retrying.
	ErrTransient = errors.ErrorCode("transport_connection_transient")
	// ErrFatal is a connection failure no retry can fix, such as bad
	// configuration or credentials.
	ErrFatal = errors.ErrorCode("transport_connection_fatal")

	ErrNotConnected = errors.ErrorCode("transport_not_connected")
	ErrRejected     = errors.ErrorCode("transport_send_rejected")
	// ErrOverflow means the command queue is full.
	ErrOverflow = errors.ErrorCode("transport_overflow")
)

func transient(err error) error {
	return errors.New().Wrap(ErrTransient, err)
}

func fatal(err error) error {
	return errors.New().Wrap(ErrFatal, err)
}

func fatalf(msg string) error {
	return errors.New().WithData(ErrFatal, msg)
}

// IsTransient reports whether err is a retryable connection error.
func IsTransient(err error) bool { return errors.HasCode(err, ErrTransient) }

// IsFatal reports whether err is a non-retryable connection error.
func IsFatal(err error) bool { return errors.HasCode(err, ErrFatal) }

func IsNotConnected(err error) bool { return errors.HasCode(err, ErrNotConnected) }

func IsRejected(err error) bool { return errors.HasCode(err, ErrRejected) }

func IsOverflow(err error) bool { return errors.HasCode(err, ErrOverflow) }

// NotConnected builds the error a command fails with when no session can
// carry it.
func NotConnected(name string) error {
	return errors.New().WithData(ErrNotConnected, name)
}

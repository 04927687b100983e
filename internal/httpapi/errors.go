package httpapi

import "codeberg.org/mutker/avrlink/internal/errors"

const (
	ErrBadRequest     = errors.ErrorCode("httpapi_bad_request")
	ErrUnknownChannel = errors.ErrorCode("httpapi_unknown_channel")
	ErrServeHTTP      = errors.ErrServeHTTP
	ErrShutdown       = errors.ErrShutdownFailed
)

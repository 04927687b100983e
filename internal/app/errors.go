package app

import "codeberg.org/mutker/avrlink/internal/errors"

const (
	ErrInitApp        = errors.ErrInitApp
	ErrAlreadyRunning = errors.ErrAlreadyRunning
	ErrMainLoop       = errors.ErrMainLoop
	ErrNoCommandLink  = errors.ErrorCode("app_no_command_transport")
	ErrShutdown       = errors.ErrShutdownFailed
)

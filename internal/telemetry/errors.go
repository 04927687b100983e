package telemetry

import "codeberg.org/mutker/avrlink/internal/errors"

const (
	// Catalog Errors
	ErrInvalidCatalog = errors.ErrorCode("telemetry_invalid_catalog")
	ErrCatalogRead    = errors.ErrorCode("telemetry_catalog_read_failed")
	ErrInvalidSchema  = errors.ErrorCode("telemetry_invalid_schema")

	// Command Errors
	ErrUnknownCommand = errors.ErrorCode("telemetry_unknown_command")
	ErrInvalidCommand = errors.ErrorCode("telemetry_invalid_command")
	ErrCommandEncode  = errors.ErrorCode("telemetry_command_encode_failed")
)

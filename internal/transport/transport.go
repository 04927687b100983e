package transport

import (
	"context"
	"time"

	"codeberg.org/mutker/avrlink/internal/telemetry"
)

const (
	// DefaultCloseGrace bounds how long Close waits for a session to wind down.
	DefaultCloseGrace = 2 * time.Second

	messageBuffer = 256
)

// Transport dials sessions to the vehicle. Every Dial subscribes to the
// whole channel catalog; a new session after a failure picks the stream up
// again.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live session.
//
// Messages is closed when the session ends, either through Close or a link
// failure; Err then tells the two apart. Close unblocks any receive within
// the transport's grace period and may be called more than once.
type Conn interface {
	Messages() <-chan telemetry.RawMessage
	Err() error
	Send(ctx context.Context, cmd *telemetry.Command) error
	Close() error
}

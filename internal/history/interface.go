package history

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/avrlink/internal/telemetry"
)

// Recorder persists accepted telemetry records.
type Recorder interface {
	// Record buffers rec for the next batch. It never blocks on storage.
	Record(rec *telemetry.Record)
	// Recent returns up to limit stored samples for a channel, newest first.
	Recent(ctx context.Context, channel telemetry.ChannelID, limit int) ([]Entry, error)
	// Dropped counts records discarded because the buffer was full.
	Dropped() uint64
	Close() error
}

// Entry is one stored sample.
type Entry struct {
	Channel   telemetry.ChannelID `json:"channel"`
	Seq       uint64              `json:"seq"`
	Timestamp time.Time           `json:"timestamp"`
	Received  time.Time           `json:"received"`
	Source    string              `json:"source"`
	Value     json.RawMessage     `json:"value"`
}

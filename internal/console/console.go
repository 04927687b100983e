// Package console is a headless operator view. It runs on the UI goroutine
// and logs telemetry and link changes as they are delivered.
package console

import (
	"maps"
	"time"

	"codeberg.org/mutker/avrlink/internal/dispatch"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/transport"
)

// DefaultSummaryEvery is how often a one-line status summary is logged.
const DefaultSummaryEvery = 10 * time.Second

// Console must only be used from the dispatcher's UI goroutine, except
// for ConnectionListener which hops onto it.
type Console struct {
	log          logger.Logger
	dispatcher   *dispatch.Dispatcher
	summaryEvery time.Duration
	now          func() time.Time

	last        *state.Snapshot
	lastSummary time.Time
	renders     uint64
	links       map[string]transport.ConnectionInfo
}

// New attaches a console to d.
func New(d *dispatch.Dispatcher, log logger.Logger) *Console {
	c := &Console{
		log:          log,
		dispatcher:   d,
		summaryEvery: DefaultSummaryEvery,
		now:          time.Now,
		links:        make(map[string]transport.ConnectionInfo),
	}
	d.OnSnapshot(c.render)
	return c
}

// ConnectionListener returns a transport.Listener that forwards status
// transitions to the UI goroutine.
func (c *Console) ConnectionListener() transport.Listener {
	return func(prev, next transport.ConnectionInfo) {
		if !c.dispatcher.Post(func() { c.connection(prev, next) }) {
			c.log.Debug().
				Str("transport", next.Transport).
				Str("state", next.State.String()).
				Msg("UI queue full, dropped connection update")
		}
	}
}

func (c *Console) render(snap *state.Snapshot) {
	changed := snap.Changed(c.last)
	c.last = snap
	c.renders++

	for _, id := range changed {
		rec, ok := snap.Get(id)
		if !ok {
			c.log.Debug().Str("channel", string(id)).Msg("Channel cleared")
			continue
		}
		c.log.Debug().
			Str("channel", string(id)).
			Uint64("seq", rec.Seq).
			Str("source", rec.Source).
			Str("value", rec.Value.String()).
			Msg("Telemetry")
	}

	if now := c.now(); now.Sub(c.lastSummary) >= c.summaryEvery {
		c.lastSummary = now
		c.summary(snap)
	}
}

func (c *Console) summary(snap *state.Snapshot) {
	ev := c.log.Info().
		Uint64("version", snap.Version()).
		Int("channels", snap.Len())
	for _, id := range snap.Channels() {
		if rec, ok := snap.Get(id); ok {
			ev = ev.Str(string(id), rec.Value.String())
		}
	}
	ev.Msg("Vehicle state")
}

func (c *Console) connection(prev, next transport.ConnectionInfo) {
	c.links[next.Transport] = next

	ev := c.log.Info()
	switch next.State {
	case transport.Failed, transport.Degraded:
		ev = c.log.Warn()
	}
	e := ev.
		Str("transport", next.Transport).
		Str("from", prev.State.String()).
		Str("to", next.State.String()).
		Int("retries", next.Retries)
	if next.LastError != nil && next.State != transport.Connected {
		e = e.Str("last_error", next.LastError.Error())
	}
	e.Msg("Link state changed")
}

// Last returns the most recently rendered snapshot.
func (c *Console) Last() *state.Snapshot {
	return c.last
}

// Renders counts snapshot deliveries.
func (c *Console) Renders() uint64 {
	return c.renders
}

// Links returns the last known state of every transport.
func (c *Console) Links() map[string]transport.ConnectionInfo {
	return maps.Clone(c.links)
}

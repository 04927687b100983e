package console

import (
	"bytes"
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/avrlink/internal/dispatch"
	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id telemetry.ChannelID, seq uint64, v telemetry.Value) *telemetry.Record {
	return &telemetry.Record{Channel: id, Seq: seq, Source: "mqtt", Value: v}
}

func TestRenderLogsChangedChannels(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	store := state.New()
	d := dispatch.New(0)
	store.OnApply(d.Notify)
	c := New(d, logger.New("console"))

	store.Apply(record(telemetry.ChannelBatteryVoltage, 1, telemetry.ScalarValue(11.8)))
	store.Apply(record(telemetry.ChannelAirborne, 1, telemetry.BoolValue(false)))
	require.True(t, d.Poll())

	out := buf.String()
	assert.Contains(t, out, "channel=battery_voltage")
	assert.Contains(t, out, "value=11.8")
	assert.Contains(t, out, "channel=airborne")
	assert.Contains(t, out, "Vehicle state")
	assert.Equal(t, uint64(1), c.Renders())
	assert.Equal(t, uint64(2), c.Last().Version())

	buf.Reset()
	store.Apply(record(telemetry.ChannelBatteryVoltage, 2, telemetry.ScalarValue(12.1)))
	require.True(t, d.Poll())

	out = buf.String()
	assert.Contains(t, out, "value=12.1")
	assert.NotContains(t, out, "channel=airborne", "unchanged channels are not logged")
	assert.NotContains(t, out, "Vehicle state", "summary is rate limited")
}

func TestRenderAfterReset(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	store := state.New()
	d := dispatch.New(0)
	store.OnApply(d.Notify)
	c := New(d, logger.New("console"))

	store.Apply(record(telemetry.ChannelBatterySOC, 4, telemetry.ScalarValue(80)))
	d.Poll()

	buf.Reset()
	store.Reset()
	require.True(t, d.Poll())
	assert.Contains(t, buf.String(), "Channel cleared")
	assert.Zero(t, c.Last().Len())
}

func TestConnectionListenerRunsOnUIGoroutine(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.DebugLevel, true)

	d := dispatch.New(0)
	c := New(d, logger.New("console"))

	status := transport.NewStatus("serial")
	status.OnChange(c.ConnectionListener())
	status.Set(transport.Connecting, nil, 0)
	status.Set(transport.Failed, errors.New().WithMessage(transport.ErrFatal, "permission denied"), 0)

	assert.Empty(t, c.Links(), "nothing applied until the UI goroutine runs")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	links := c.Links()
	require.Contains(t, links, "serial")
	assert.Equal(t, transport.Failed, links["serial"].State)

	out := buf.String()
	assert.Contains(t, out, "to=connecting")
	assert.Contains(t, out, "to=failed")
	assert.Contains(t, out, "last_error=")
}

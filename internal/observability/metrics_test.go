package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	appErrors "codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/dispatch"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSamples(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveApply(telemetry.ChannelBatteryVoltage, "mqtt", state.Applied)
	m.ObserveApply(telemetry.ChannelBatteryVoltage, "mqtt", state.Applied)
	m.ObserveApply(telemetry.ChannelBatteryVoltage, "mqtt", state.Stale)
	m.ObserveDecodeError("serial", "truncated")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.samples.WithLabelValues("battery_voltage", "mqtt", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.samples.WithLabelValues("battery_voltage", "mqtt", "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("serial", "truncated")))
}

func TestObserveConnection(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	status := transport.NewStatus("mqtt")
	status.OnChange(m.ObserveConnection)

	status.Set(transport.Connecting, nil, 0)
	status.Set(transport.Connected, nil, 0)
	status.Set(transport.Disconnected, io.EOF, 0)
	status.Set(transport.Connecting, nil, 1)
	status.Set(transport.Disconnected, io.EOF, 2)
	status.Set(transport.Connecting, nil, 2)

	assert.Equal(t, float64(transport.Connecting), testutil.ToFloat64(m.connState.WithLabelValues("mqtt")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("mqtt")))
}

func TestObserveCommand(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	arm := telemetry.Arm()

	m.ObserveCommand("mqtt", arm, nil)
	m.ObserveCommand("mqtt", arm, transport.NotConnected("mqtt"))
	m.ObserveCommand("mqtt", arm, appErrors.New().New(transport.ErrOverflow))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("mqtt", "arm", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("mqtt", "arm", "not_connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("mqtt", "arm", "overflow")))
	assert.Equal(t, "error", CommandResult(errors.New("boom")))
	assert.Equal(t, "rejected", CommandResult(appErrors.New().New(transport.ErrRejected)))
}

func TestWatchersAndHandler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	store := state.New()
	d := dispatch.New(0)
	store.OnApply(d.Notify)
	m.WatchStore(store)
	m.WatchDispatcher(d)
	m.WatchOutbox("serial", func() int { return 3 })

	store.Apply(&telemetry.Record{Channel: telemetry.ChannelAirborne, Seq: 1})
	store.Apply(&telemetry.Record{Channel: telemetry.ChannelAirborne, Seq: 2})
	d.Poll()

	handler := m.WrapHandler("metrics", m.Handler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		"avrlink_snapshot_version 2",
		"avrlink_snapshot_channels 1",
		"avrlink_dispatch_delivered_total 1",
		"avrlink_dispatch_coalesced_total 1",
		`avrlink_outbox_pending{transport="serial"} 3`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("metrics", "200")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveApply(telemetry.ChannelAirborne, "mqtt", state.Applied)
	m.ObserveDecodeError("mqtt", "truncated")
	m.ObserveConnection(transport.ConnectionInfo{}, transport.ConnectionInfo{})
	m.ObserveCommand("mqtt", telemetry.Arm(), nil)
	m.WatchStore(state.New())

	rec := httptest.NewRecorder()
	m.WrapHandler("x", m.Handler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

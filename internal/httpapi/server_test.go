package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/history"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/observability"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	store     *state.Store
	conns     []transport.ConnectionInfo
	submitErr error
	// complete, if set, settles every submitted command.
	complete func(cmd *telemetry.Command)
	entries  []history.Entry
	histErr  error
	submits  []*telemetry.Command
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		store: state.New(),
		conns: []transport.ConnectionInfo{{Transport: "mqtt", State: transport.Connected}},
	}
}

func (b *fakeBackend) Catalog() *telemetry.Catalog             { return telemetry.DefaultCatalog() }
func (b *fakeBackend) Snapshot() *state.Snapshot               { return b.store.Current() }
func (b *fakeBackend) Connections() []transport.ConnectionInfo { return b.conns }
func (b *fakeBackend) Reset() *state.Snapshot                  { return b.store.Reset() }

func (b *fakeBackend) SubmitCommand(name string, params map[string]any) (*telemetry.Command, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	cmd, err := telemetry.NewCommand(name, params)
	if err != nil {
		return nil, err
	}
	b.submits = append(b.submits, cmd)
	if b.complete != nil {
		b.complete(cmd)
	}
	return cmd, nil
}

func (b *fakeBackend) History(_ context.Context, _ telemetry.ChannelID, _ int) ([]history.Entry, error) {
	return b.entries, b.histErr
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestSnapshotAndHealth(t *testing.T) {
	b := newFakeBackend()
	b.store.Apply(&telemetry.Record{
		Channel: telemetry.ChannelBatteryVoltage,
		Seq:     3,
		Source:  "mqtt",
		Value:   telemetry.ScalarValue(12.1),
	})
	h := New(b, nil, logger.Nop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["version"])
	channels := body["channels"].(map[string]any)
	voltage := channels["battery_voltage"].(map[string]any)
	assert.InDelta(t, 12.1, voltage["value"], 1e-9)

	rec, body = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	b.conns[0].State = transport.Connecting
	_, body = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, "degraded", body["status"])
}

func TestConnectionsAndChannels(t *testing.T) {
	b := newFakeBackend()
	b.conns = append(b.conns, transport.ConnectionInfo{
		Transport: "serial",
		State:     transport.Failed,
		LastError: errors.New().WithMessage(transport.ErrFatal, "permission denied"),
	})
	h := New(b, nil, logger.Nop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/v1/connections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	conns := body["connections"].([]any)
	require.Len(t, conns, 2)
	serial := conns[1].(map[string]any)
	assert.Equal(t, "failed", serial["state"])
	assert.Equal(t, "permission denied", serial["last_error"])

	rec, body = do(t, h, http.MethodGet, "/api/v1/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["channels"], 6)
	assert.Contains(t, body["commands"], "takeoff")
}

func TestCommandSent(t *testing.T) {
	b := newFakeBackend()
	b.complete = func(cmd *telemetry.Command) { cmd.Complete(nil) }
	h := New(b, nil, logger.Nop()).Handler()

	rec, body := do(t, h, http.MethodPost, "/api/v1/commands/takeoff", `{"rel_alt": 2.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, "takeoff", body["name"])

	require.Len(t, b.submits, 1)
	payload, err := b.submits[0].Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"rel_alt": 2.5}`, string(payload))

	rec, _ = do(t, h, http.MethodPost, "/api/v1/commands/arm", "")
	assert.Equal(t, http.StatusOK, rec.Code, "empty body means no parameters")
}

func TestCommandQueuedAndPending(t *testing.T) {
	b := newFakeBackend()
	srv := New(b, nil, logger.Nop())
	srv.commandWait = 20 * time.Millisecond
	h := srv.Handler()

	rec, body := do(t, h, http.MethodPost, "/api/v1/commands/land?wait=0s", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", body["status"])

	rec, body = do(t, h, http.MethodPost, "/api/v1/commands/land", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", body["status"])

	rec, _ = do(t, h, http.MethodPost, "/api/v1/commands/land?wait=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandErrors(t *testing.T) {
	errFactory := errors.New()

	tests := []struct {
		name      string
		path      string
		body      string
		submitErr error
		complete  error
		want      int
	}{
		{name: "unknown command", path: "/api/v1/commands/loop", want: http.StatusNotFound},
		{name: "missing param", path: "/api/v1/commands/takeoff", body: `{}`, want: http.StatusBadRequest},
		{name: "bad json", path: "/api/v1/commands/arm", body: `{"x":`, want: http.StatusBadRequest},
		{
			name:      "not connected",
			path:      "/api/v1/commands/takeoff",
			body:      `{"rel_alt": 1}`,
			submitErr: transport.NotConnected("mqtt"),
			want:      http.StatusServiceUnavailable,
		},
		{
			name:      "outbox full",
			path:      "/api/v1/commands/arm",
			submitErr: errFactory.WithData(transport.ErrOverflow, "arm"),
			want:      http.StatusTooManyRequests,
		},
		{
			name:     "rejected by broker",
			path:     "/api/v1/commands/arm",
			complete: errFactory.New(transport.ErrRejected),
			want:     http.StatusBadGateway,
		},
		{
			name:     "failed on disconnect",
			path:     "/api/v1/commands/disarm",
			complete: transport.NotConnected("serial"),
			want:     http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			b.submitErr = tt.submitErr
			b.complete = func(cmd *telemetry.Command) { cmd.Complete(tt.complete) }
			h := New(b, nil, logger.Nop()).Handler()

			rec, body := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestReset(t *testing.T) {
	b := newFakeBackend()
	b.store.Apply(&telemetry.Record{Channel: telemetry.ChannelAirborne, Seq: 1, Value: telemetry.BoolValue(true)})
	h := New(b, nil, logger.Nop()).Handler()

	rec, body := do(t, h, http.MethodPost, "/api/v1/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["version"])
	assert.Zero(t, b.store.Current().Len())

	rec, _ = do(t, h, http.MethodGet, "/api/v1/reset", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHistory(t *testing.T) {
	b := newFakeBackend()
	b.entries = []history.Entry{{Channel: telemetry.ChannelBatterySOC, Seq: 7, Value: json.RawMessage("81")}}
	h := New(b, nil, logger.Nop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/v1/history/battery_soc?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.EqualValues(t, 81, entries[0].(map[string]any)["value"])

	rec, _ = do(t, h, http.MethodGet, "/api/v1/history/fuel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/v1/history/battery_soc?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	b.histErr = errors.New().New(history.ErrDisabled)
	rec, body = do(t, h, http.MethodGet, "/api/v1/history/battery_soc", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(history.ErrDisabled), body["code"])
}

func TestMetricsRoute(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	h := New(newFakeBackend(), m, logger.Nop()).Handler()

	rec, _ := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `avrlink_http_requests_total{route="healthz",status="200"} 1`)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(newFakeBackend(), nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

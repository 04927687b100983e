// Package httpapi serves connection status, the latest snapshot and the
// command surface over HTTP for front ends outside the process.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/history"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/observability"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const (
	DefaultCommandWait = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
	maxBodyBytes       = 64 << 10
)

// Backend is what the API reads and drives.
type Backend interface {
	Catalog() *telemetry.Catalog
	Snapshot() *state.Snapshot
	Connections() []transport.ConnectionInfo
	SubmitCommand(name string, params map[string]any) (*telemetry.Command, error)
	Reset() *state.Snapshot
	History(ctx context.Context, channel telemetry.ChannelID, limit int) ([]history.Entry, error)
}

type Server struct {
	backend     Backend
	metrics     *observability.Metrics
	log         logger.Logger
	commandWait time.Duration
	handler     http.Handler
}

// New builds the API. metrics may be nil.
func New(backend Backend, metrics *observability.Metrics, log logger.Logger) *Server {
	s := &Server{
		backend:     backend,
		metrics:     metrics,
		log:         log,
		commandWait: DefaultCommandWait,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.Handle("/healthz", s.wrap("healthz", s.health)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.WrapHandler("metrics", s.metrics.Handler())).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/snapshot", s.wrap("snapshot", s.snapshot)).Methods(http.MethodGet)
	api.Handle("/channels", s.wrap("channels", s.channels)).Methods(http.MethodGet)
	api.Handle("/connections", s.wrap("connections", s.connections)).Methods(http.MethodGet)
	api.Handle("/history/{channel}", s.wrap("history", s.history)).Methods(http.MethodGet)
	api.Handle("/commands/{name}", s.wrap("commands", s.command)).Methods(http.MethodPost)
	api.Handle("/reset", s.wrap("reset", s.reset)).Methods(http.MethodPost)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log: s.log}),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(handlers.LoggingHandler(logger.Writer(), r))
}

func (s *Server) wrap(route string, fn http.HandlerFunc) http.Handler {
	return s.metrics.WrapHandler(route, fn)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("HTTP API listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return errFactory.Wrap(ErrServeHTTP, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdown, err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errFactory.Wrap(ErrServeHTTP, err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	conns := s.backend.Connections()
	live := 0
	for _, c := range conns {
		if c.State.Live() {
			live++
		}
	}

	status := "ok"
	if live == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"connections": conns,
		"version":     s.backend.Snapshot().Version(),
	})
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Snapshot())
}

type channelView struct {
	ID        telemetry.ChannelID `json:"id"`
	Topic     string              `json:"topic,omitempty"`
	FrameType uint8               `json:"frame_type,omitempty"`
	Units     string              `json:"units,omitempty"`
	Kind      string              `json:"kind"`
	Fields    []string            `json:"fields"`
}

func (s *Server) channels(w http.ResponseWriter, _ *http.Request) {
	channels := s.backend.Catalog().Channels()
	out := make([]channelView, len(channels))
	for i, ch := range channels {
		out[i] = channelView{
			ID:        ch.ID,
			Topic:     ch.Topic,
			FrameType: ch.FrameType,
			Units:     ch.Units,
			Kind:      ch.Schema.Kind.String(),
			Fields:    ch.Schema.FieldNames(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": out,
		"commands": telemetry.CommandNames(),
	})
}

func (s *Server) connections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.backend.Connections()})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id := telemetry.ChannelID(mux.Vars(r)["channel"])
	if _, ok := s.backend.Catalog().Channel(id); !ok {
		writeError(w, http.StatusNotFound, errors.New().WithData(ErrUnknownChannel, string(id)))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New().WithData(ErrBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	entries, err := s.backend.History(r.Context(), id, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if history.IsDisabled(err) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": id, "entries": entries})
}

type commandResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	wait := s.commandWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, errors.New().WithData(ErrBadRequest, "wait must be a non-negative duration"))
			return
		}
		wait = d
	}

	params, err := decodeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cmd, err := s.backend.SubmitCommand(name, params)
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}

	resp := commandResponse{ID: cmd.ID.String(), Name: cmd.Name}
	if wait == 0 {
		resp.Status = "queued"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	select {
	case <-cmd.Done():
	case <-ctx.Done():
		resp.Status = "pending"
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	if err := cmd.Err(); err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		writeJSON(w, commandStatus(err), resp)
		return
	}
	resp.Status = "sent"
	writeJSON(w, http.StatusOK, resp)
}

func decodeParams(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()

	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.New().Wrap(ErrBadRequest, err)
	}
	return params, nil
}

func commandStatus(err error) int {
	switch {
	case errors.HasCode(err, telemetry.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.HasCode(err, telemetry.ErrInvalidCommand):
		return http.StatusBadRequest
	case transport.IsOverflow(err):
		return http.StatusTooManyRequests
	case transport.IsNotConnected(err):
		return http.StatusServiceUnavailable
	case transport.IsRejected(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) reset(w http.ResponseWriter, _ *http.Request) {
	snap := s.backend.Reset()
	s.log.Info().Uint64("version", snap.Version()).Msg("Snapshot reset by operator")
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version()})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	if code, ok := errors.CodeOf(err); ok {
		body.Code = string(code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response")
	}
}

type recoveryLogger struct {
	log logger.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

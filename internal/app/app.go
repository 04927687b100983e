// Package app owns every long-lived component and wires them together.
// There is no package-level state: everything hangs off an App.
package app

import (
	"context"
	"sync/atomic"

	"codeberg.org/mutker/avrlink/internal/config"
	"codeberg.org/mutker/avrlink/internal/decoder"
	"codeberg.org/mutker/avrlink/internal/dispatch"
	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/history"
	"codeberg.org/mutker/avrlink/internal/httpapi"
	"codeberg.org/mutker/avrlink/internal/ingest"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/observability"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/supervisor"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type Option func(*options)

type options struct {
	transports []transport.Transport
	registry   *prometheus.Registry
}

// WithTransports replaces the configured MQTT and serial transports.
func WithTransports(ts ...transport.Transport) Option {
	return func(o *options) {
		o.transports = ts
	}
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

type App struct {
	cfg *config.Config
	log logger.Logger

	catalog     *telemetry.Catalog
	store       *state.Store
	dispatcher  *dispatch.Dispatcher
	pipeline    *ingest.Pipeline
	history     history.Recorder
	metrics     *observability.Metrics
	supervisors []*supervisor.Supervisor
	commands    *supervisor.Supervisor
	api         *httpapi.Server

	running atomic.Bool
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	errFactory := errors.New()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	a := &App{
		cfg:        cfg,
		log:        logger.New("app"),
		store:      state.New(),
		dispatcher: dispatch.New(dispatch.DefaultTaskQueue),
		metrics:    observability.NewMetrics(o.registry),
	}

	catalog := telemetry.DefaultCatalog()
	if cfg.Catalog != "" {
		loaded, err := telemetry.LoadCatalog(cfg.Catalog)
		if err != nil {
			return nil, errFactory.Wrap(ErrInitApp, err)
		}
		catalog = loaded
	}
	a.catalog = catalog

	a.store.OnApply(a.dispatcher.Notify)
	a.metrics.WatchStore(a.store)
	a.metrics.WatchDispatcher(a.dispatcher)

	rec, err := history.New(historySettings(cfg.History), logger.New("history"))
	if err != nil {
		return nil, errFactory.Wrap(ErrInitApp, err)
	}
	a.history = rec

	a.pipeline = ingest.New(decoder.New(catalog), a.store, a.history, a.metrics, logger.New("ingest"))

	transports := o.transports
	if transports == nil {
		transports, err = a.buildTransports()
		if err != nil {
			a.history.Close()
			return nil, errFactory.Wrap(ErrInitApp, err)
		}
	}

	supCfg := supervisorSettings(cfg)
	for _, t := range transports {
		sup, err := supervisor.New(t, a.pipeline.Handle, supCfg, logger.New("supervisor"))
		if err != nil {
			a.history.Close()
			return nil, errFactory.Wrap(ErrInitApp, err)
		}
		sup.Status().OnChange(a.metrics.ObserveConnection)
		a.metrics.WatchOutbox(sup.Name(), sup.Pending)
		a.supervisors = append(a.supervisors, sup)

		if sup.Name() == cfg.Commands.Transport {
			a.commands = sup
		}
	}
	if a.commands == nil && len(a.supervisors) > 0 {
		a.log.Warn().
			Str("commands_transport", cfg.Commands.Transport).
			Msg("Command transport not available, commands will be rejected")
	}

	if cfg.HTTP.Enabled {
		a.api = httpapi.New(a, a.metrics, logger.New("http"))
	}

	a.log.Debug().
		Int("channels", len(catalog.Channels())).
		Int("transports", len(a.supervisors)).
		Bool("history", cfg.History.Enabled).
		Bool("http", cfg.HTTP.Enabled).
		Msg("Application initialized")

	return a, nil
}

func (a *App) buildTransports() ([]transport.Transport, error) {
	var ts []transport.Transport

	if a.cfg.MQTT.Enabled {
		t, err := transport.NewMQTT(mqttSettings(a.cfg.MQTT, a.cfg.Supervisor), a.catalog, logger.New("mqtt"))
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	if a.cfg.Serial.Enabled {
		t, err := transport.NewSerial(serialSettings(a.cfg.Serial, a.cfg.Supervisor), logger.New("serial"))
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}

	return ts, nil
}

// Run supervises every transport and serves the HTTP API until ctx ends.
// A transport that fails fatally stays Failed; the others keep running.
// The UI goroutine is not started here: the caller drives Dispatcher().
func (a *App) Run(ctx context.Context) error {
	errFactory := errors.New()

	if !a.running.CompareAndSwap(false, true) {
		return errFactory.New(ErrAlreadyRunning)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, sup := range a.supervisors {
		g.Go(func() error {
			if err := sup.Run(gctx); err != nil {
				a.log.Error().Err(err).Str("transport", sup.Name()).Msg("Transport stopped")
			}
			return nil
		})
	}

	if a.api != nil {
		g.Go(func() error {
			return a.api.ListenAndServe(gctx, a.cfg.HTTP.Addr)
		})
	}

	if err := g.Wait(); err != nil {
		return errFactory.Wrap(ErrMainLoop, err)
	}
	return nil
}

// Close releases storage. Call it after Run has returned.
func (a *App) Close() error {
	if err := a.history.Close(); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}
	return nil
}

// Dispatcher is the UI-bound side of the core. The UI goroutine calls its
// Run or Poll.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// OnSnapshot registers a UI observer.
func (a *App) OnSnapshot(cb dispatch.Callback) {
	a.dispatcher.OnSnapshot(cb)
}

// OnConnectionChange registers l on every transport.
func (a *App) OnConnectionChange(l transport.Listener) {
	for _, sup := range a.supervisors {
		sup.Status().OnChange(l)
	}
}

func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

func (a *App) API() *httpapi.Server {
	return a.api
}

func (a *App) Catalog() *telemetry.Catalog {
	return a.catalog
}

func (a *App) Snapshot() *state.Snapshot {
	return a.store.Current()
}

func (a *App) Connections() []transport.ConnectionInfo {
	infos := make([]transport.ConnectionInfo, len(a.supervisors))
	for i, sup := range a.supervisors {
		infos[i] = sup.Status().Get()
	}
	return infos
}

// SubmitCommand validates and queues a command on the command transport.
// The returned command completes once it is sent or failed.
func (a *App) SubmitCommand(name string, params map[string]any) (*telemetry.Command, error) {
	cmd, err := telemetry.NewCommand(name, params)
	if err != nil {
		return nil, err
	}
	if a.commands == nil {
		err := errors.New().WithData(ErrNoCommandLink, a.cfg.Commands.Transport)
		cmd.Complete(err)
		return nil, err
	}

	link := a.commands.Name()
	go func() {
		<-cmd.Done()
		a.metrics.ObserveCommand(link, cmd, cmd.Err())
	}()

	if err := a.commands.Submit(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Reset clears the snapshot, for use after a vehicle reboot restarts its
// sequence numbers.
func (a *App) Reset() *state.Snapshot {
	return a.store.Reset()
}

func (a *App) History(ctx context.Context, channel telemetry.ChannelID, limit int) ([]history.Entry, error) {
	return a.history.Recent(ctx, channel, limit)
}

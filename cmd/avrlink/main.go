package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/avrlink/internal/app"
	"codeberg.org/mutker/avrlink/internal/config"
	"codeberg.org/mutker/avrlink/internal/console"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/pid"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return 1
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Printf("invalid log level: %v\n", err)
		return 1
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	pidFile := pid.New(cfg.PIDFile)
	if err := pidFile.Write(); err != nil {
		logger.Error().Err(err).Str("pid_file", pidFile.Path()).Msg("failed to write PID file")
		return 1
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	a, err := app.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close history")
		}
	}()

	c := console.New(a.Dispatcher(), logger.New("console"))
	a.OnConnectionChange(c.ConnectionListener())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	runErr := make(chan error, 1)
	go func() {
		err := a.Run(ctx)
		cancel()
		runErr <- err
	}()

	// the console renders on this goroutine until shutdown
	if err := a.Dispatcher().Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("dispatcher stopped")
	}

	code := 0
	if err := <-runErr; err != nil {
		logger.Error().Err(err).Msg("error in main loop")
		code = 1
	}
	logger.Info().Msg("Exiting...")
	return code
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

package supervisor

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"codeberg.org/mutker/avrlink/internal/transport"
)

// Handler consumes one raw message. A non-nil error counts as a decode
// failure towards the degraded threshold.
type Handler func(raw telemetry.RawMessage) error

// Supervisor keeps one transport connected. It dials, pumps messages into
// the handler and commands out of the outbox, and redials with backoff
// until a fatal error or cancellation.
type Supervisor struct {
	transport transport.Transport
	handle    Handler
	cfg       Config
	log       logger.Logger
	status    *transport.Status
	outbox    *transport.Outbox
	backoff   Backoff

	mu      sync.Mutex
	live    bool
	stopped bool
	failed  error
}

func New(t transport.Transport, handle Handler, cfg Config, log logger.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		transport: t,
		handle:    handle,
		cfg:       cfg,
		log:       log.With("transport", t.Name()),
		status:    transport.NewStatus(t.Name()),
		outbox:    transport.NewOutbox(cfg.OutboxSize),
		backoff:   NewBackoff(cfg.Backoff),
	}, nil
}

func (s *Supervisor) Name() string {
	return s.transport.Name()
}

func (s *Supervisor) Status() *transport.Status {
	return s.status
}

// Pending returns the number of queued commands.
func (s *Supervisor) Pending() int {
	return s.outbox.Len()
}

// Submit queues cmd for the transport. While no session is up only
// idempotent commands are queued; the rest fail at once. On error cmd is
// also completed with it.
func (s *Supervisor) Submit(cmd *telemetry.Command) error {
	err := s.submit(cmd)
	if err != nil {
		cmd.Complete(err)
	}
	return err
}

func (s *Supervisor) submit(cmd *telemetry.Command) error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.failed != nil:
		return errFactory.Wrap(transport.ErrNotConnected, s.failed)
	case s.stopped:
		return transport.NotConnected(s.Name())
	case !s.live && !cmd.Idempotent:
		return transport.NotConnected(s.Name())
	}

	return s.outbox.Push(cmd)
}

// Run supervises the transport until ctx ends or a fatal error occurs. It
// returns nil on cancellation and the fatal error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.stop()

	attempt := 0
	for {
		s.status.Set(transport.Connecting, nil, attempt)
		s.log.Debug().Int("attempt", attempt).Msg("Connecting")

		conn, err := s.transport.Dial(ctx)
		if err == nil {
			attempt = 0
			err = s.serve(ctx, conn)
		} else if ctx.Err() == nil && !transport.IsFatal(err) {
			s.status.Set(transport.Disconnected, err, attempt+1)
		}

		if ctx.Err() != nil {
			return nil
		}
		if transport.IsFatal(err) {
			s.fail(err)
			return err
		}

		delay := s.backoff.Delay(attempt)
		attempt++
		s.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("Connection down")

		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// serve runs one session and returns why it ended. By the time it
// returns the receive loop has stopped and the state is Disconnected.
func (s *Supervisor) serve(ctx context.Context, conn transport.Conn) error {
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.status.Set(transport.Connected, nil, 0)
	s.log.Info().Msg("Connected")

	sessCtx, cancel := context.WithCancel(ctx)
	sendDone := make(chan struct{})
	var sendErr error
	go func() {
		defer close(sendDone)
		if sendErr = s.sendLoop(sessCtx, conn); sendErr != nil {
			cancel()
		}
	}()

	err := s.receive(sessCtx, conn)

	cancel()
	s.closeConn(conn)
	<-sendDone
	if err == nil && ctx.Err() == nil {
		err = sendErr
	}

	s.settle()
	s.status.Set(transport.Disconnected, err, 0)

	return err
}

func (s *Supervisor) receive(ctx context.Context, conn transport.Conn) error {
	streak := 0
	degraded := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-conn.Messages():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New().WithData(transport.ErrTransient, "session closed by transport")
			}

			if err := s.handle(raw); err != nil {
				streak++
				if !degraded && s.cfg.DegradedAfter > 0 && streak >= s.cfg.DegradedAfter {
					degraded = true
					s.status.Set(transport.Degraded, err, 0)
					s.log.Warn().Int("failures", streak).Msg("Telemetry degraded")
				}
				continue
			}

			streak = 0
			if degraded {
				degraded = false
				s.status.Set(transport.Connected, nil, 0)
				s.log.Info().Msg("Telemetry recovered")
			}
		}
	}
}

// sendLoop sends queued commands until the session ends. A send that
// finds the link gone ends the session and returns why, so the supervisor
// redials. Any other send error goes back to the command's originator.
func (s *Supervisor) sendLoop(ctx context.Context, conn transport.Conn) error {
	for {
		cmd, err := s.outbox.Next(ctx)
		if err != nil {
			return nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err = conn.Send(sendCtx, cmd)
		cancel()

		if err != nil && transport.IsNotConnected(err) {
			s.mu.Lock()
			s.settleCommand(cmd, err)
			s.mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Str("command", cmd.Name).Msg("Link lost while sending")
			return err
		}

		cmd.Complete(err)
		s.log.Debug().Str("command", cmd.Name).Str("id", cmd.ID.String()).Err(err).Msg("Command sent")
	}
}

// settle runs once a session is over: queued commands that are not safe to
// repeat are failed, the rest stay queued for the next session.
func (s *Supervisor) settle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live = false
	for _, cmd := range s.outbox.Sweep(func(c *telemetry.Command) bool { return c.Idempotent }) {
		cmd.Complete(transport.NotConnected(s.Name()))
	}
}

// settleCommand requeues or fails a command whose send was cut off. The
// caller holds s.mu.
func (s *Supervisor) settleCommand(cmd *telemetry.Command, cause error) {
	if cmd.Idempotent {
		err := s.outbox.PushFront(cmd)
		if err == nil {
			return
		}
		cause = err
	}
	cmd.Complete(cause)
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.live = false
	s.failed = err
	for _, cmd := range s.outbox.Sweep(func(*telemetry.Command) bool { return false }) {
		cmd.Complete(errors.New().Wrap(transport.ErrNotConnected, err))
	}
	s.mu.Unlock()

	s.status.Set(transport.Failed, err, s.status.Get().Retries)
	s.log.Error().Err(err).Msg("Transport failed, not retrying")
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	s.live = false
	s.stopped = true
	for _, cmd := range s.outbox.Sweep(func(*telemetry.Command) bool { return false }) {
		cmd.Complete(transport.NotConnected(s.Name()))
	}
	failed := s.failed != nil
	s.mu.Unlock()

	if !failed {
		s.status.Set(transport.Disconnected, nil, 0)
	}
}

// closeConn closes conn, giving up on waiting after the grace period.
func (s *Supervisor) closeConn(conn transport.Conn) {
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()

	timer := time.NewTimer(s.cfg.CloseGrace)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn().Err(err).Msg("Error closing connection")
		}
	case <-timer.C:
		s.log.Warn().Dur("grace", s.cfg.CloseGrace).Msg("Connection did not close in time")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

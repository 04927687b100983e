package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"codeberg.org/mutker/avrlink/internal/decoder"
	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"go.bug.st/serial"
)

const SerialName = "serial"

type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	MaxPayload  int
	CloseGrace  time.Duration
}

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Port:        "/dev/ttyUSB0",
		BaudRate:    115200,
		ReadTimeout: 100 * time.Millisecond,
		MaxPayload:  decoder.DefaultMaxPayload,
		CloseGrace:  DefaultCloseGrace,
	}
}

func (c SerialConfig) Validate() error {
	switch {
	case c.Port == "":
		return fatalf("serial port not set")
	case c.BaudRate <= 0:
		return fatalf("serial baud rate must be positive")
	case c.ReadTimeout <= 0:
		return fatalf("serial read timeout must be positive")
	}
	return nil
}

type portOpener func(cfg SerialConfig) (io.ReadWriteCloser, error)

// Serial reads framed telemetry from a serial radio or USB link.
type Serial struct {
	cfg  SerialConfig
	log  logger.Logger
	open portOpener

	mu    sync.Mutex
	txSeq uint32
}

func NewSerial(cfg SerialConfig, log logger.Logger) (*Serial, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	return &Serial{cfg: cfg, log: log, open: openPort}, nil
}

func (t *Serial) Name() string {
	return SerialName
}

func (t *Serial) nextTx() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txSeq++
	return t.txSeq
}

func openPort(cfg SerialConfig) (io.ReadWriteCloser, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, classifyPortError(err)
	}
	// a finite read timeout lets the reader notice Close promptly
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, classifyPortError(err)
	}
	return port, nil
}

func classifyPortError(err error) error {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return transient(err)
	}
	switch portErr.Code() {
	case serial.InvalidSerialPort, serial.PermissionDenied, serial.InvalidSpeed,
		serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits,
		serial.InvalidTimeoutValue, serial.FunctionNotImplemented:
		return fatal(err)
	default:
		return transient(err)
	}
}

func (t *Serial) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, transient(err)
	}

	port, err := t.open(t.cfg)
	if err != nil {
		if IsFatal(err) || IsTransient(err) {
			return nil, err
		}
		return nil, transient(err)
	}

	c := &serialConn{
		t:      t,
		port:   port,
		msgs:   make(chan telemetry.RawMessage, messageBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.read()

	t.log.Info().Str("port", t.cfg.Port).Int("baud", t.cfg.BaudRate).Msg("Serial port opened")

	return c, nil
}

type serialConn struct {
	t      *Serial
	port   io.ReadWriteCloser
	msgs   chan telemetry.RawMessage
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	wmu       sync.Mutex

	mu  sync.Mutex
	err error
}

func (c *serialConn) read() {
	defer close(c.msgs)
	defer close(c.exited)

	framer := decoder.NewFramer(c.t.cfg.MaxPayload)
	buf := make([]byte, 512)

	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			received := time.Now()
			framer.Push(buf[:n])
			for {
				frame, ok, ferr := framer.Next()
				if ferr == nil && !ok {
					break
				}
				raw := telemetry.RawMessage{
					Transport: SerialName,
					Encoding:  telemetry.EncodingFrame,
					Received:  received,
					Err:       ferr,
				}
				if ferr == nil {
					raw.FrameType = frame.Type
					raw.Seq = uint64(frame.Seq)
					raw.Payload = frame.Payload
				}
				select {
				case c.msgs <- raw:
				case <-c.done:
					return
				}
			}
		}

		select {
		case <-c.done:
			return
		default:
		}

		if err != nil {
			c.mu.Lock()
			c.err = transient(err)
			c.mu.Unlock()
			return
		}
	}
}

func (c *serialConn) Messages() <-chan telemetry.RawMessage {
	return c.msgs
}

func (c *serialConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *serialConn) Send(ctx context.Context, cmd *telemetry.Command) error {
	errFactory := errors.New()

	select {
	case <-c.done:
		return NotConnected(SerialName)
	case <-c.exited:
		return NotConnected(SerialName)
	default:
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrNotConnected, err)
	}

	frame, err := decoder.EncodeCommandFrame(cmd, c.t.nextTx())
	if err != nil {
		return errFactory.Wrap(ErrRejected, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.port.Write(frame); err != nil {
		return errFactory.Wrap(ErrNotConnected, err)
	}
	return nil
}

func (c *serialConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.port.Close()
	})

	select {
	case <-c.exited:
	case <-time.After(c.t.cfg.CloseGrace):
		c.t.log.Warn().Dur("grace", c.t.cfg.CloseGrace).Msg("Serial reader did not stop in time")
	}

	if err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const MQTTName = "mqtt"

type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	CloseGrace     time.Duration
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "tcp://localhost:18830",
		ClientID:       "avrlink",
		QoS:            0,
		ConnectTimeout: 5 * time.Second,
		KeepAlive:      30 * time.Second,
		CloseGrace:     DefaultCloseGrace,
	}
}

// Validate reports configuration problems as fatal connection errors.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fatalf("mqtt broker not set")
	}
	u, err := url.Parse(c.Broker)
	if err != nil {
		return fatal(err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fatalf(fmt.Sprintf("mqtt broker %q: unsupported scheme %q", c.Broker, u.Scheme))
	}
	if c.ClientID == "" {
		return fatalf("mqtt client id not set")
	}
	if c.QoS > 2 {
		return fatalf(fmt.Sprintf("mqtt qos %d out of range", c.QoS))
	}
	if c.ConnectTimeout <= 0 {
		return fatalf("mqtt connect timeout must be positive")
	}
	return nil
}

// mqttClient is the part of mqtt.Client the adapter uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token
}

// MQTT subscribes to every catalog topic on the vehicle's broker and
// publishes commands to their action topics.
type MQTT struct {
	cfg       MQTTConfig
	catalog   *telemetry.Catalog
	log       logger.Logger
	newClient func(*mqtt.ClientOptions) mqttClient

	mu   sync.Mutex
	seqs map[string]uint64
}

func NewMQTT(cfg MQTTConfig, catalog *telemetry.Catalog, log logger.Logger) (*MQTT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(catalog.Topics()) == 0 {
		return nil, fatalf("catalog has no mqtt topics")
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	return &MQTT{
		cfg:     cfg,
		catalog: catalog,
		log:     log,
		newClient: func(opts *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(opts)
		},
		seqs: make(map[string]uint64),
	}, nil
}

func (t *MQTT) Name() string {
	return MQTTName
}

// nextSeq numbers messages per topic. Counters live on the transport so
// they keep rising across sessions.
func (t *MQTT) nextSeq(topic string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seqs[topic]++
	return t.seqs[topic]
}

func (t *MQTT) Dial(ctx context.Context) (Conn, error) {
	c := &mqttConn{
		t:    t,
		msgs: make(chan telemetry.RawMessage, messageBuffer),
		done: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetKeepAlive(t.cfg.KeepAlive).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Warn().Err(err).Msg("MQTT connection lost")
			c.shutdown(transient(err))
		})

	client := t.newClient(opts)
	c.client = client

	if err := waitToken(ctx, client.Connect(), t.cfg.ConnectTimeout); err != nil {
		// a connect that completes late must not linger under our client id
		client.Disconnect(0)
		return nil, classifyConnect(err)
	}

	filters := make(map[string]byte)
	for _, topic := range t.catalog.Topics() {
		filters[topic] = t.cfg.QoS
	}
	if err := waitToken(ctx, client.SubscribeMultiple(filters, c.handle), t.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, transient(err)
	}

	t.log.Info().Str("broker", t.cfg.Broker).Int("topics", len(filters)).Msg("MQTT session established")

	return c, nil
}

type mqttConn struct {
	t      *MQTT
	client mqttClient
	msgs   chan telemetry.RawMessage
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	err       error
}

func (c *mqttConn) handle(_ mqtt.Client, m mqtt.Message) {
	raw := telemetry.RawMessage{
		Transport: MQTTName,
		Encoding:  telemetry.EncodingJSON,
		Topic:     m.Topic(),
		Seq:       c.t.nextSeq(m.Topic()),
		LocalSeq:  true,
		Payload:   bytes.Clone(m.Payload()),
		Received:  time.Now(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- raw:
	case <-c.done:
	}
}

func (c *mqttConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		c.err = err
		close(c.msgs)
		c.mu.Unlock()
	})
}

func (c *mqttConn) Messages() <-chan telemetry.RawMessage {
	return c.msgs
}

func (c *mqttConn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *mqttConn) Send(ctx context.Context, cmd *telemetry.Command) error {
	errFactory := errors.New()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed || !c.client.IsConnectionOpen() {
		return NotConnected(MQTTName)
	}

	payload, err := cmd.Payload()
	if err != nil {
		return errFactory.Wrap(ErrRejected, err)
	}

	err = waitToken(ctx, c.client.Publish(cmd.Topic, c.t.cfg.QoS, false, payload), c.t.cfg.ConnectTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mqtt.ErrNotConnected), errors.Is(err, context.Canceled):
		return errFactory.Wrap(ErrNotConnected, err)
	case errors.Is(err, context.DeadlineExceeded), errors.HasCode(err, errors.ErrTimeout):
		// a slow ack on a live link fails the command, not the session
		if c.client.IsConnectionOpen() {
			return errFactory.Wrap(ErrRejected, err)
		}
		return errFactory.Wrap(ErrNotConnected, err)
	default:
		return errFactory.Wrap(ErrRejected, err)
	}
}

func (c *mqttConn) Close() error {
	c.shutdown(nil)
	c.client.Disconnect(uint(c.t.cfg.CloseGrace / time.Millisecond))
	return nil
}

// waitToken waits for tok without outliving ctx or timeout.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New().WithData(errors.ErrTimeout, fmt.Sprintf("no broker response after %s", timeout))
	}
}

func classifyConnect(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return fatal(err)
	default:
		return transient(err)
	}
}

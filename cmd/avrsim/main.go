// Command avrsim publishes synthetic vehicle telemetry to an MQTT broker
// and reacts to the commands avrlink sends back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/sim"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

const publishTimeout = 5 * time.Second

type mqttPublisher struct {
	client mqtt.Client
}

func (p mqttPublisher) Publish(topic string, payload []byte) error {
	tok := p.client.Publish(topic, 0, false, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return tok.Error()
}

func main() {
	broker := pflag.String("broker", "tcp://localhost:18830", "MQTT broker URL")
	interval := pflag.Duration("interval", 200*time.Millisecond, "telemetry publish interval")
	seed := pflag.Uint64("seed", uint64(time.Now().UnixNano()), "noise seed")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := logger.InfoLevel
	if *debug {
		level = logger.DebugLevel
	}
	logger.Init(level, logger.IsService())
	log := logger.New("avrsim")

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID("avrsim").
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		fmt.Printf("failed to connect to %s: %v\n", *broker, tok.Error())
		os.Exit(1)
	}
	defer client.Disconnect(250)

	s := sim.NewSimulator(sim.NewVehicle(*seed, time.Now()), telemetry.DefaultCatalog(), mqttPublisher{client}, log)

	filters := make(map[string]byte)
	for _, topic := range sim.CommandTopics() {
		filters[topic] = 1
	}
	tok := client.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		s.HandleCommand(m.Topic(), m.Payload())
	})
	if tok.Wait() && tok.Error() != nil {
		log.Error().Err(tok.Error()).Msg("Command subscription failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	log.Info().Str("broker", *broker).Dur("interval", *interval).Msg("Simulating vehicle")
	if err := s.Run(ctx, *interval); err != nil {
		log.Error().Err(err).Msg("Simulator stopped")
	}
}

func handleSignals(cancel context.CancelFunc, log logger.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Received termination signal.")
	cancel()
}

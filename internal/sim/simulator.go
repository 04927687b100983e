package sim

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/avrlink/internal/decoder"
	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
)

const ErrPublish = errors.ErrorCode("sim_publish_failed")

// Publisher delivers one encoded message.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Simulator publishes a Vehicle's telemetry as JSON on each tick.
type Simulator struct {
	vehicle *Vehicle
	catalog *telemetry.Catalog
	pub     Publisher
	log     logger.Logger
	seq     uint64
}

func NewSimulator(v *Vehicle, catalog *telemetry.Catalog, pub Publisher, log logger.Logger) *Simulator {
	return &Simulator{vehicle: v, catalog: catalog, pub: pub, log: log}
}

// Tick publishes one sample of every channel the catalog carries over
// MQTT. All samples of a tick share one sequence number.
func (s *Simulator) Tick(now time.Time) error {
	errFactory := errors.New()
	s.seq++

	for _, sample := range s.vehicle.Sample(now) {
		ch, ok := s.catalog.Channel(sample.Channel)
		if !ok || ch.Topic == "" {
			continue
		}
		payload, err := decoder.EncodeJSON(ch, sample.Value, s.seq, now)
		if err != nil {
			return err
		}
		if err := s.pub.Publish(ch.Topic, payload); err != nil {
			return errFactory.Wrap(ErrPublish, err)
		}
	}
	return nil
}

// Run ticks every interval until ctx ends. Publish failures are logged and
// do not stop the run.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.Tick(now); err != nil {
				s.log.Warn().Err(err).Msg("Publish failed")
			}
		}
	}
}

// HandleCommand applies a command received on topic. Unknown topics are
// ignored.
func (s *Simulator) HandleCommand(topic string, payload []byte) bool {
	name, ok := telemetry.CommandByTopic(topic)
	if !ok {
		return false
	}

	var params map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			s.log.Warn().Err(err).Str("command", name).Msg("Malformed command payload")
			return false
		}
	}

	accepted := s.vehicle.Apply(name, params)
	s.log.Info().
		Str("command", name).
		Bool("accepted", accepted).
		Bool("armed", s.vehicle.Armed()).
		Bool("airborne", s.vehicle.Airborne()).
		Msg("Command received")
	return accepted
}

// CommandTopics lists the topics HandleCommand understands.
func CommandTopics() []string {
	names := telemetry.CommandNames()
	topics := make([]string, 0, len(names))
	for _, name := range names {
		if topic, ok := telemetry.CommandTopic(name); ok {
			topics = append(topics, topic)
		}
	}
	return topics
}

package telemetry

import (
	"fmt"
	"os"

	"codeberg.org/mutker/avrlink/internal/errors"
	"gopkg.in/yaml.v3"
)

// Catalog is the immutable set of channels the ground station understands.
// It is safe for concurrent use.
type Catalog struct {
	channels []Channel
	byID     map[ChannelID]Channel
	byTopic  map[string]Channel
	byFrame  map[uint8]Channel
}

// NewCatalog validates channels and indexes them.
func NewCatalog(channels ...Channel) (*Catalog, error) {
	errFactory := errors.New()

	if len(channels) == 0 {
		return nil, errFactory.WithData(ErrInvalidCatalog, "no channels defined")
	}

	c := &Catalog{
		channels: make([]Channel, 0, len(channels)),
		byID:     make(map[ChannelID]Channel, len(channels)),
		byTopic:  make(map[string]Channel, len(channels)),
		byFrame:  make(map[uint8]Channel, len(channels)),
	}

	for _, ch := range channels {
		if ch.ID == "" {
			return nil, errFactory.WithData(ErrInvalidCatalog, "channel without id")
		}
		if ch.Topic == "" && ch.FrameType == 0 {
			return nil, errFactory.WithData(ErrInvalidCatalog,
				fmt.Sprintf("channel %s has neither topic nor frame type", ch.ID))
		}
		if ch.FrameType >= CommandFrameBase {
			return nil, errFactory.WithData(ErrInvalidCatalog,
				fmt.Sprintf("channel %s: frame type 0x%02x is reserved for commands", ch.ID, ch.FrameType))
		}
		if err := ch.Schema.Validate(); err != nil {
			return nil, errFactory.Wrap(ErrInvalidCatalog, fmt.Errorf("channel %s: %w", ch.ID, err))
		}
		if _, dup := c.byID[ch.ID]; dup {
			return nil, errFactory.WithData(ErrInvalidCatalog, "duplicate channel "+string(ch.ID))
		}
		if ch.Topic != "" {
			if _, dup := c.byTopic[ch.Topic]; dup {
				return nil, errFactory.WithData(ErrInvalidCatalog, "duplicate topic "+ch.Topic)
			}
			c.byTopic[ch.Topic] = ch
		}
		if ch.FrameType != 0 {
			if _, dup := c.byFrame[ch.FrameType]; dup {
				return nil, errFactory.WithData(ErrInvalidCatalog,
					fmt.Sprintf("duplicate frame type 0x%02x", ch.FrameType))
			}
			c.byFrame[ch.FrameType] = ch
		}
		c.byID[ch.ID] = ch
		c.channels = append(c.channels, ch)
	}

	return c, nil
}

func ranged(name string, lo, hi float64) Field {
	return Field{Name: name, Min: lo, Max: hi, Ranged: true}
}

// DefaultCatalog returns the AVR flight controller telemetry layout.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Channel{
			ID: ChannelBatteryVoltage, Topic: "avr/fcm/battery/voltage", FrameType: 0x01, Units: "V",
			Schema: Schema{Kind: KindScalar, Fields: []Field{ranged("voltage", 0, 60)}},
		},
		Channel{
			ID: ChannelBatterySOC, Topic: "avr/fcm/battery/soc", FrameType: 0x02, Units: "%",
			Schema: Schema{Kind: KindScalar, Fields: []Field{ranged("soc", 0, 100)}},
		},
		Channel{
			ID: ChannelPositionLocal, Topic: "avr/fcm/position/local", FrameType: 0x03, Units: "m",
			Schema: Schema{Kind: KindVector, Fields: []Field{{Name: "n"}, {Name: "e"}, {Name: "d"}}},
		},
		Channel{
			ID: ChannelAttitudeEuler, Topic: "avr/fcm/attitude/euler/degrees", FrameType: 0x04, Units: "deg",
			Schema: Schema{Kind: KindStruct, Fields: []Field{
				ranged("roll", -180, 180),
				ranged("pitch", -90, 90),
				ranged("yaw", -180, 360),
			}},
		},
		Channel{
			ID: ChannelGPSFix, Topic: "avr/fcm/gps/info", FrameType: 0x05,
			Schema: Schema{Kind: KindStruct, Fields: []Field{
				ranged("num_satellites", 0, 64),
				ranged("fix_type", 0, 6),
			}},
		},
		Channel{
			ID: ChannelAirborne, Topic: "avr/fcm/airborne", FrameType: 0x06,
			Schema: Schema{Kind: KindBool, Fields: []Field{{Name: "airborne"}}},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Channel looks a channel up by id.
func (c *Catalog) Channel(id ChannelID) (Channel, bool) {
	ch, ok := c.byID[id]
	return ch, ok
}

// ByTopic looks a channel up by its MQTT topic.
func (c *Catalog) ByTopic(topic string) (Channel, bool) {
	ch, ok := c.byTopic[topic]
	return ch, ok
}

// ByFrameType looks a channel up by its serial frame type.
func (c *Catalog) ByFrameType(t uint8) (Channel, bool) {
	if t == 0 {
		return Channel{}, false
	}
	ch, ok := c.byFrame[t]
	return ch, ok
}

// Channels returns the channels in declaration order.
func (c *Catalog) Channels() []Channel {
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Topics returns every MQTT topic in the catalog.
func (c *Catalog) Topics() []string {
	topics := make([]string, 0, len(c.byTopic))
	for _, ch := range c.channels {
		if ch.Topic != "" {
			topics = append(topics, ch.Topic)
		}
	}
	return topics
}

type catalogFile struct {
	Channels []channelEntry `yaml:"channels"`
}

type channelEntry struct {
	ID        string       `yaml:"id"`
	Topic     string       `yaml:"topic"`
	FrameType uint8        `yaml:"frame_type"`
	Units     string       `yaml:"units"`
	Kind      string       `yaml:"kind"`
	Fields    []fieldEntry `yaml:"fields"`
}

type fieldEntry struct {
	Name string   `yaml:"name"`
	Min  *float64 `yaml:"min"`
	Max  *float64 `yaml:"max"`
}

// LoadCatalog reads a YAML catalog from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(ErrCatalogRead, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from its YAML representation.
func ParseCatalog(data []byte) (*Catalog, error) {
	errFactory := errors.New()

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errFactory.Wrap(ErrCatalogRead, err)
	}

	channels := make([]Channel, 0, len(file.Channels))
	for _, entry := range file.Channels {
		kind, err := ParseKind(entry.Kind)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidCatalog, fmt.Errorf("channel %s: %w", entry.ID, err))
		}

		fields := make([]Field, 0, len(entry.Fields))
		for _, fe := range entry.Fields {
			f := Field{Name: fe.Name}
			if fe.Min != nil || fe.Max != nil {
				if fe.Min == nil || fe.Max == nil {
					return nil, errFactory.WithData(ErrInvalidCatalog,
						fmt.Sprintf("channel %s field %s: min and max must be set together", entry.ID, fe.Name))
				}
				f.Min, f.Max, f.Ranged = *fe.Min, *fe.Max, true
			}
			fields = append(fields, f)
		}

		channels = append(channels, Channel{
			ID:        ChannelID(entry.ID),
			Topic:     entry.Topic,
			FrameType: entry.FrameType,
			Units:     entry.Units,
			Schema:    Schema{Kind: kind, Fields: fields},
		})
	}

	return NewCatalog(channels...)
}

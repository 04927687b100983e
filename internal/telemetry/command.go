package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"github.com/google/uuid"
)

// CommandFrameBase is the first serial frame type used for commands.
const CommandFrameBase uint8 = 0x80

const (
	CommandArm       = "arm"
	CommandDisarm    = "disarm"
	CommandTakeoff   = "takeoff"
	CommandLand      = "land"
	CommandGotoLocal = "goto_local"
)

type paramKind uint8

const (
	paramNumber paramKind = iota + 1
	paramBool
)

type paramSpec struct {
	kind     paramKind
	required bool
}

type commandSpec struct {
	topic      string
	frameType  uint8
	idempotent bool
	params     map[string]paramSpec
}

var commandSpecs = map[string]commandSpec{
	CommandArm: {
		topic: "avr/fcm/action/arm", frameType: CommandFrameBase + 1, idempotent: true,
	},
	CommandDisarm: {
		topic: "avr/fcm/action/disarm", frameType: CommandFrameBase + 2, idempotent: true,
	},
	CommandTakeoff: {
		topic: "avr/fcm/action/takeoff", frameType: CommandFrameBase + 3,
		params: map[string]paramSpec{"rel_alt": {kind: paramNumber, required: true}},
	},
	CommandLand: {
		topic: "avr/fcm/action/land", frameType: CommandFrameBase + 4, idempotent: true,
	},
	CommandGotoLocal: {
		topic: "avr/fcm/action/goto/local", frameType: CommandFrameBase + 5, idempotent: true,
		params: map[string]paramSpec{
			"n":        {kind: paramNumber, required: true},
			"e":        {kind: paramNumber, required: true},
			"d":        {kind: paramNumber},
			"hdg":      {kind: paramNumber},
			"relative": {kind: paramBool},
		},
	},
}

// CommandNames lists the supported commands, sorted.
func CommandNames() []string {
	names := make([]string, 0, len(commandSpecs))
	for name := range commandSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandTopic returns the MQTT topic a command is published on.
func CommandTopic(name string) (string, bool) {
	spec, ok := commandSpecs[name]
	return spec.topic, ok
}

// CommandByTopic maps an MQTT command topic back to its command name.
func CommandByTopic(topic string) (string, bool) {
	for name, spec := range commandSpecs {
		if spec.topic == topic {
			return name, true
		}
	}
	return "", false
}

// CommandByFrameType maps a serial command frame type back to its name.
func CommandByFrameType(t uint8) (string, bool) {
	for name, spec := range commandSpecs {
		if spec.frameType == t {
			return name, true
		}
	}
	return "", false
}

// Command is an operator instruction bound for the vehicle. It is completed
// exactly once, either by the transport that delivered it or by the
// supervisor failing it back.
type Command struct {
	ID         uuid.UUID
	Name       string
	Topic      string
	FrameType  uint8
	Params     map[string]any
	Idempotent bool
	Created    time.Time

	once sync.Once
	done chan struct{}
	err  error
}

// NewCommand validates params against the named command.
func NewCommand(name string, params map[string]any) (*Command, error) {
	errFactory := errors.New()

	spec, ok := commandSpecs[name]
	if !ok {
		return nil, errFactory.WithData(ErrUnknownCommand, name)
	}

	for key, value := range params {
		ps, known := spec.params[key]
		if !known {
			return nil, errFactory.WithData(ErrInvalidCommand, fmt.Sprintf("%s: unexpected parameter %q", name, key))
		}
		if value == nil {
			continue
		}
		switch ps.kind {
		case paramNumber:
			if _, ok := toFloat(value); !ok {
				return nil, errFactory.WithData(ErrInvalidCommand, fmt.Sprintf("%s: %s must be a number", name, key))
			}
		case paramBool:
			if _, ok := value.(bool); !ok {
				return nil, errFactory.WithData(ErrInvalidCommand, fmt.Sprintf("%s: %s must be a boolean", name, key))
			}
		}
	}
	for key, ps := range spec.params {
		if ps.required && params[key] == nil {
			return nil, errFactory.WithData(ErrInvalidCommand, fmt.Sprintf("%s: missing parameter %q", name, key))
		}
	}

	idempotent := spec.idempotent
	if name == CommandGotoLocal {
		if rel, _ := params["relative"].(bool); rel {
			// a relative move repeated is a second move
			idempotent = false
		}
	}

	return &Command{
		ID:         uuid.New(),
		Name:       name,
		Topic:      spec.topic,
		FrameType:  spec.frameType,
		Params:     maps.Clone(params),
		Idempotent: idempotent,
		Created:    time.Now(),
		done:       make(chan struct{}),
	}, nil
}

func mustCommand(name string, params map[string]any) *Command {
	cmd, err := NewCommand(name, params)
	if err != nil {
		panic(err)
	}
	return cmd
}

func Arm() *Command    { return mustCommand(CommandArm, nil) }
func Disarm() *Command { return mustCommand(CommandDisarm, nil) }
func Land() *Command   { return mustCommand(CommandLand, nil) }

// Takeoff climbs to relAlt metres above the current position.
func Takeoff(relAlt float64) *Command {
	return mustCommand(CommandTakeoff, map[string]any{"rel_alt": relAlt})
}

// GotoLocal flies to a point in the local NED frame. A nil d keeps the
// current altitude and a nil hdg keeps the current heading.
func GotoLocal(n, e float64, d, hdg *float64, relative bool) *Command {
	params := map[string]any{"n": n, "e": e, "relative": relative}
	if d != nil {
		params["d"] = *d
	}
	if hdg != nil {
		params["hdg"] = *hdg
	}
	return mustCommand(CommandGotoLocal, params)
}

// Payload encodes the parameters as a JSON object.
func (c *Command) Payload() ([]byte, error) {
	params := c.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, errors.New().Wrap(ErrCommandEncode, err)
	}
	return data, nil
}

// Complete records the command's outcome. Only the first call has any
// effect; it reports whether this call was that one.
func (c *Command) Complete(err error) bool {
	completed := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		completed = true
	})
	return completed
}

// Done is closed once the command has completed.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Err returns the outcome. It is only meaningful after Done is closed.
func (c *Command) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the command completes or ctx ends.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

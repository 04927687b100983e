// Package sim generates synthetic AVR telemetry for bench testing the
// ground station without a vehicle.
package sim

import (
	"math"
	"math/rand/v2"
	"time"

	"codeberg.org/mutker/avrlink/internal/telemetry"
)

const (
	fullVoltage  = 12.6
	emptyVoltage = 10.5
	drainPerSec  = 0.0005
	orbitRadius  = 10.0
	orbitPeriod  = 60 * time.Second
)

// Sample is one generated reading.
type Sample struct {
	Channel telemetry.ChannelID
	Value   telemetry.Value
}

// Vehicle is a crude flight model: a battery that drains, and an orbit
// flown at the commanded altitude while airborne. It is not safe for
// concurrent use.
type Vehicle struct {
	rng   *rand.Rand
	start time.Time

	armed    bool
	airborne bool
	altitude float64
	hold     *[2]float64
}

func NewVehicle(seed uint64, start time.Time) *Vehicle {
	return &Vehicle{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start: start,
	}
}

func (v *Vehicle) Armed() bool    { return v.armed }
func (v *Vehicle) Airborne() bool { return v.airborne }

// Sample returns one reading per built-in channel at now.
func (v *Vehicle) Sample(now time.Time) []Sample {
	elapsed := now.Sub(v.start)
	if elapsed < 0 {
		elapsed = 0
	}

	voltage := max(emptyVoltage, fullVoltage-drainPerSec*elapsed.Seconds())
	voltage += v.noise(0.02)
	voltage = clamp(voltage, 0, 60)
	soc := clamp((voltage-emptyVoltage)/(fullVoltage-emptyVoltage)*100, 0, 100)

	n, e, d := 0.0, 0.0, 0.0
	heading := 0.0
	if v.airborne {
		d = -v.altitude
		if v.hold != nil {
			n, e = v.hold[0], v.hold[1]
		} else {
			phase := 2 * math.Pi * math.Mod(elapsed.Seconds(), orbitPeriod.Seconds()) / orbitPeriod.Seconds()
			n, e = orbitRadius*math.Cos(phase), orbitRadius*math.Sin(phase)
			heading = math.Mod(phase*180/math.Pi+90, 360)
		}
	}

	return []Sample{
		{telemetry.ChannelBatteryVoltage, telemetry.ScalarValue(voltage)},
		{telemetry.ChannelBatterySOC, telemetry.ScalarValue(soc)},
		{telemetry.ChannelPositionLocal, telemetry.VectorValue(n, e, d)},
		{telemetry.ChannelAttitudeEuler, telemetry.StructValue(map[string]float64{
			"roll":  clamp(v.noise(2), -180, 180),
			"pitch": clamp(v.noise(2), -90, 90),
			"yaw":   heading,
		})},
		{telemetry.ChannelGPSFix, telemetry.StructValue(map[string]float64{
			"num_satellites": float64(10 + v.rng.IntN(6)),
			"fix_type":       3,
		})},
		{telemetry.ChannelAirborne, telemetry.BoolValue(v.airborne)},
	}
}

// Apply carries out a command. It reports whether the vehicle accepted it.
func (v *Vehicle) Apply(name string, params map[string]any) bool {
	switch name {
	case telemetry.CommandArm:
		v.armed = true
	case telemetry.CommandDisarm:
		if v.airborne {
			return false
		}
		v.armed = false
	case telemetry.CommandTakeoff:
		alt, ok := params["rel_alt"].(float64)
		if !v.armed || !ok || alt <= 0 {
			return false
		}
		v.airborne = true
		v.altitude += alt
		v.hold = nil
	case telemetry.CommandLand:
		v.airborne = false
		v.altitude = 0
		v.hold = nil
	case telemetry.CommandGotoLocal:
		if !v.airborne {
			return false
		}
		north, okN := params["n"].(float64)
		east, okE := params["e"].(float64)
		if !okN || !okE {
			return false
		}
		if rel, _ := params["relative"].(bool); rel && v.hold != nil {
			north += v.hold[0]
			east += v.hold[1]
		}
		v.hold = &[2]float64{north, east}
		if d, ok := params["d"].(float64); ok {
			v.altitude = -d
		}
	default:
		return false
	}
	return true
}

func (v *Vehicle) noise(scale float64) float64 {
	return (v.rng.Float64()*2 - 1) * scale
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}

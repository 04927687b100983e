package telemetry_test

import (
	"encoding/json"
	"testing"

	"codeberg.org/mutker/avrlink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqual(t *testing.T) {
	assert.True(t, telemetry.ScalarValue(1.5).Equal(telemetry.ScalarValue(1.5)))
	assert.False(t, telemetry.ScalarValue(1.5).Equal(telemetry.ScalarValue(2)))
	assert.False(t, telemetry.ScalarValue(1).Equal(telemetry.BoolValue(true)))
	assert.True(t, telemetry.VectorValue(1, 2, 3).Equal(telemetry.VectorValue(1, 2, 3)))
	assert.False(t, telemetry.VectorValue(1, 2).Equal(telemetry.VectorValue(1, 2, 3)))
	assert.True(t, telemetry.StructValue(map[string]float64{"a": 1}).Equal(
		telemetry.StructValue(map[string]float64{"a": 1})))
}

func TestValueCopiesInput(t *testing.T) {
	vec := []float64{1, 2, 3}
	v := telemetry.VectorValue(vec...)
	vec[0] = 99
	assert.Equal(t, 1.0, v.Vector[0])

	fields := map[string]float64{"roll": 1}
	s := telemetry.StructValue(fields)
	fields["roll"] = 42
	assert.Equal(t, 1.0, s.Fields["roll"])
}

func TestValueStringAndJSON(t *testing.T) {
	s := telemetry.StructValue(map[string]float64{"yaw": 3, "pitch": 2})
	assert.Equal(t, "{pitch=2 yaw=3}", s.String())
	assert.Equal(t, "[1 2]", telemetry.VectorValue(1, 2).String())

	out, err := json.Marshal(map[string]telemetry.Value{
		"a": telemetry.ScalarValue(12.1),
		"b": telemetry.BoolValue(true),
		"c": telemetry.VectorValue(1, 2),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":12.1,"b":true,"c":[1,2]}`, string(out))
}

package transport

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/avrlink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxFIFO(t *testing.T) {
	o := NewOutbox(3)
	arm, takeoff, land := telemetry.Arm(), telemetry.Takeoff(3), telemetry.Land()

	require.NoError(t, o.Push(arm))
	require.NoError(t, o.Push(takeoff))
	require.NoError(t, o.PushFront(land))
	assert.Equal(t, 3, o.Len())

	err := o.Push(telemetry.Disarm())
	require.Error(t, err)
	assert.True(t, IsOverflow(err))

	ctx := context.Background()
	for _, want := range []*telemetry.Command{land, arm, takeoff} {
		got, err := o.Next(ctx)
		require.NoError(t, err)
		assert.Same(t, want, got)
	}
	assert.Zero(t, o.Len())
}

func TestOutboxNextBlocks(t *testing.T) {
	o := NewOutbox(0)
	arm := telemetry.Arm()

	got := make(chan *telemetry.Command)
	go func() {
		cmd, _ := o.Next(context.Background())
		got <- cmd
	}()

	select {
	case <-got:
		t.Fatal("Next returned on an empty outbox")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, o.Push(arm))
	select {
	case cmd := <-got:
		assert.Same(t, arm, cmd)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestOutboxNextCancelled(t *testing.T) {
	o := NewOutbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutboxSkipsCompleted(t *testing.T) {
	o := NewOutbox(4)
	abandoned, arm := telemetry.Land(), telemetry.Arm()
	require.NoError(t, o.Push(abandoned))
	require.NoError(t, o.Push(arm))
	abandoned.Complete(context.Canceled)

	got, err := o.Next(context.Background())
	require.NoError(t, err)
	assert.Same(t, arm, got)
}

func TestOutboxSweep(t *testing.T) {
	o := NewOutbox(4)
	arm, takeoff, land := telemetry.Arm(), telemetry.Takeoff(3), telemetry.Land()
	for _, cmd := range []*telemetry.Command{arm, takeoff, land} {
		require.NoError(t, o.Push(cmd))
	}

	removed := o.Sweep(func(cmd *telemetry.Command) bool { return cmd.Idempotent })
	assert.Equal(t, []*telemetry.Command{takeoff}, removed)
	assert.Equal(t, 2, o.Len())

	got, _ := o.Next(context.Background())
	assert.Same(t, arm, got)
	got, _ = o.Next(context.Background())
	assert.Same(t, land, got)
}

package transport

import (
	"context"
	"sync"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/telemetry"
)

const DefaultOutboxSize = 32

// Outbox is the bounded command queue between the UI and a transport's
// send loop.
type Outbox struct {
	mu     sync.Mutex
	items  []*telemetry.Command
	size   int
	signal chan struct{}
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		items:  make([]*telemetry.Command, 0, size),
		size:   size,
		signal: make(chan struct{}, 1),
	}
}

// Push appends cmd, or returns an overflow error when the queue is full.
func (o *Outbox) Push(cmd *telemetry.Command) error {
	return o.insert(cmd, false)
}

// PushFront puts cmd back at the head of the queue.
func (o *Outbox) PushFront(cmd *telemetry.Command) error {
	return o.insert(cmd, true)
}

func (o *Outbox) insert(cmd *telemetry.Command, front bool) error {
	o.mu.Lock()
	if len(o.items) >= o.size {
		o.mu.Unlock()
		return errors.New().WithData(ErrOverflow, cmd.Name)
	}
	if front {
		o.items = append(o.items, nil)
		copy(o.items[1:], o.items)
		o.items[0] = cmd
	} else {
		o.items = append(o.items, cmd)
	}
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest pending command, blocking until one
// is available or ctx ends. Commands completed while queued are skipped.
func (o *Outbox) Next(ctx context.Context) (*telemetry.Command, error) {
	for {
		o.mu.Lock()
		for len(o.items) > 0 {
			cmd := o.items[0]
			o.items[0] = nil
			o.items = o.items[1:]
			if !isDone(cmd) {
				o.mu.Unlock()
				return cmd, nil
			}
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.signal:
		}
	}
}

// Sweep removes every queued command for which keep returns false and
// returns them in queue order.
func (o *Outbox) Sweep(keep func(*telemetry.Command) bool) []*telemetry.Command {
	o.mu.Lock()
	defer o.mu.Unlock()

	var removed []*telemetry.Command
	kept := o.items[:0]
	for _, cmd := range o.items {
		if keep(cmd) {
			kept = append(kept, cmd)
		} else {
			removed = append(removed, cmd)
		}
	}
	clear(o.items[len(kept):])
	o.items = kept

	return removed
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func isDone(cmd *telemetry.Command) bool {
	select {
	case <-cmd.Done():
		return true
	default:
		return false
	}
}

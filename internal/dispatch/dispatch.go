package dispatch

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/avrlink/internal/state"
)

const DefaultTaskQueue = 64

// Callback receives snapshots on the UI goroutine.
type Callback func(*state.Snapshot)

type Stats struct {
	Delivered uint64
	Coalesced uint64
	Dropped   uint64
}

// Dispatcher hands snapshots from ingest goroutines to the single UI
// goroutine. It keeps only the newest undelivered snapshot: a UI that
// falls behind gets one delivery of the latest state instead of a backlog.
// Deliveries are strictly increasing by version.
type Dispatcher struct {
	mu        sync.Mutex
	pending   *state.Snapshot
	queued    uint64
	observers []Callback

	signal chan struct{}
	tasks  chan func()

	delivered atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a Dispatcher whose Post queue holds up to taskQueue entries.
func New(taskQueue int) *Dispatcher {
	if taskQueue <= 0 {
		taskQueue = DefaultTaskQueue
	}
	return &Dispatcher{
		signal: make(chan struct{}, 1),
		tasks:  make(chan func(), taskQueue),
	}
}

// OnSnapshot registers cb. Callbacks run on the goroutine calling Run or
// Poll, in registration order.
func (d *Dispatcher) OnSnapshot(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, cb)
}

// Notify offers snap for delivery. It never blocks. Snapshots not newer
// than one already queued or delivered are ignored.
func (d *Dispatcher) Notify(snap *state.Snapshot) {
	d.mu.Lock()
	if snap == nil || snap.Version() <= d.queued {
		d.mu.Unlock()
		return
	}
	if d.pending != nil {
		d.coalesced.Add(1)
	}
	d.pending = snap
	d.queued = snap.Version()
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the UI goroutine. It reports false when the
// queue is full and fn was dropped.
func (d *Dispatcher) Post(fn func()) bool {
	select {
	case d.tasks <- fn:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Ready fires when a snapshot is waiting. Frame-driven UIs select on it
// and then call Poll.
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.signal
}

// Poll delivers the pending snapshot, if any, on the calling goroutine.
func (d *Dispatcher) Poll() bool {
	d.mu.Lock()
	snap := d.pending
	d.pending = nil
	observers := slices.Clone(d.observers)
	d.mu.Unlock()

	if snap == nil {
		return false
	}

	for _, cb := range observers {
		cb(snap)
	}
	d.delivered.Add(1)

	return true
}

// Run makes the calling goroutine the UI context until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.signal:
			d.Poll()
		case fn := <-d.tasks:
			fn()
		}
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Coalesced: d.coalesced.Load(),
		Dropped:   d.dropped.Load(),
	}
}

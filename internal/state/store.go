package state

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/avrlink/internal/telemetry"
)

// Outcome is what Apply did with a record.
type Outcome uint8

const (
	Applied Outcome = iota + 1
	// Stale records carry a lower sequence than the channel has already
	// seen from the same sequence domain, or arrived before a record from
	// another domain that is already held.
	Stale
	// Duplicate records carry a sequence already seen and change nothing.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Notifier is called with every newly published snapshot, in version
// order, while the store's writer lock is held. It must not block and must
// not call back into the store's write methods.
type Notifier func(*Snapshot)

type Stats struct {
	Applied   uint64
	Stale     uint64
	Duplicate uint64
	Version   uint64
}

// Store holds the current snapshot. Writers are serialized; readers never
// take a lock.
type Store struct {
	mu        sync.Mutex
	current   atomic.Pointer[Snapshot]
	notifiers []Notifier
	now       func() time.Time

	// highest sequence seen per channel and sequence domain, guarded by mu
	marks map[telemetry.ChannelID]map[string]uint64

	applied   atomic.Uint64
	stale     atomic.Uint64
	duplicate atomic.Uint64
}

func New() *Store {
	s := &Store{
		now:   time.Now,
		marks: make(map[telemetry.ChannelID]map[string]uint64),
	}
	s.current.Store(emptySnapshot)
	return s
}

// OnApply registers n for every future snapshot.
func (s *Store) OnApply(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

// Current returns the latest snapshot without blocking.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Apply stores rec unless its channel has already seen an equal or higher
// sequence from the same sequence domain. Sequences from different domains
// are not comparable, so against a held record from another domain the
// later arrival wins. It returns the snapshot current after the call. rec
// must not be modified afterwards.
func (s *Store) Apply(rec *telemetry.Record) (*Snapshot, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	domain := rec.SeqDomain()
	marks := s.marks[rec.Channel]
	if mark, seen := marks[domain]; seen {
		switch {
		case rec.Seq < mark:
			s.stale.Add(1)
			return prev, Stale
		case rec.Seq == mark:
			s.duplicate.Add(1)
			return prev, Duplicate
		}
	}
	if held, ok := prev.records[rec.Channel]; ok && held.SeqDomain() != domain &&
		rec.Received.Before(held.Received) {
		s.stale.Add(1)
		return prev, Stale
	}

	if marks == nil {
		marks = make(map[string]uint64, 1)
		s.marks[rec.Channel] = marks
	}
	marks[domain] = rec.Seq

	// records are immutable, so the new map shares every other entry
	records := make(map[telemetry.ChannelID]*telemetry.Record, len(prev.records)+1)
	maps.Copy(records, prev.records)
	records[rec.Channel] = rec

	next := &Snapshot{
		version: prev.version + 1,
		created: s.now(),
		records: records,
	}
	s.publish(next)
	s.applied.Add(1)

	return next, Applied
}

// Reset publishes an empty snapshot. Sequence tracking starts over, which
// is needed after the vehicle restarts its counters.
func (s *Store) Reset() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.marks)
	next := &Snapshot{
		version: s.current.Load().version + 1,
		created: s.now(),
		records: map[telemetry.ChannelID]*telemetry.Record{},
	}
	s.publish(next)

	return next
}

func (s *Store) publish(next *Snapshot) {
	s.current.Store(next)
	for _, n := range s.notifiers {
		n(next)
	}
}

func (s *Store) Stats() Stats {
	return Stats{
		Applied:   s.applied.Load(),
		Stale:     s.stale.Load(),
		Duplicate: s.duplicate.Load(),
		Version:   s.current.Load().version,
	}
}

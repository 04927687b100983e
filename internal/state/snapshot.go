package state

import (
	"encoding/json"
	"sort"
	"time"

	"codeberg.org/mutker/avrlink/internal/telemetry"
)

// Snapshot is an immutable view of the latest record on every channel.
// Snapshots are never modified after the store publishes them, so they can
// be shared freely between goroutines.
type Snapshot struct {
	version uint64
	created time.Time
	records map[telemetry.ChannelID]*telemetry.Record
}

var emptySnapshot = &Snapshot{records: map[telemetry.ChannelID]*telemetry.Record{}}

func (s *Snapshot) Version() uint64 {
	return s.version
}

// Created is when the store published the snapshot.
func (s *Snapshot) Created() time.Time {
	return s.created
}

// Get returns the latest record for a channel.
func (s *Snapshot) Get(id telemetry.ChannelID) (*telemetry.Record, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Snapshot) Len() int {
	return len(s.records)
}

// Channels lists the channels with a record, sorted.
func (s *Snapshot) Channels() []telemetry.ChannelID {
	ids := make([]telemetry.ChannelID, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Changed lists the channels whose record differs from prev, including
// channels prev had and s lacks, sorted. A nil prev reports every channel.
func (s *Snapshot) Changed(prev *Snapshot) []telemetry.ChannelID {
	var ids []telemetry.ChannelID
	for _, id := range s.Channels() {
		if prev == nil || prev.records[id] != s.records[id] {
			ids = append(ids, id)
		}
	}
	if prev == nil {
		return ids
	}
	removed := false
	for id := range prev.records {
		if _, ok := s.records[id]; !ok {
			ids = append(ids, id)
			removed = true
		}
	}
	if removed {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return ids
}

type recordJSON struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Received  time.Time       `json:"received"`
	Source    string          `json:"source,omitempty"`
	Value     telemetry.Value `json:"value"`
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	channels := make(map[telemetry.ChannelID]recordJSON, len(s.records))
	for id, rec := range s.records {
		channels[id] = recordJSON{
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			Received:  rec.Received,
			Source:    rec.Source,
			Value:     rec.Value,
		}
	}
	return json.Marshal(struct {
		Version  uint64                             `json:"version"`
		Channels map[telemetry.ChannelID]recordJSON `json:"channels"`
	}{s.version, channels})
}

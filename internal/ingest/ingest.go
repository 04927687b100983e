package ingest

import (
	"sync/atomic"

	"codeberg.org/mutker/avrlink/internal/decoder"
	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/state"
	"codeberg.org/mutker/avrlink/internal/telemetry"
)

// warnEvery limits decode-failure warnings; the rest go to debug.
const warnEvery = 100

// Store is the part of the state store the pipeline writes to.
type Store interface {
	Apply(rec *telemetry.Record) (*state.Snapshot, state.Outcome)
}

// Recorder receives every accepted record.
type Recorder interface {
	Record(rec *telemetry.Record)
}

// Observer is told about every message outcome.
type Observer interface {
	ObserveDecodeError(transport, reason string)
	ObserveApply(channel telemetry.ChannelID, transport string, outcome state.Outcome)
}

type nopRecorder struct{}

func (nopRecorder) Record(*telemetry.Record) {}

type nopObserver struct{}

func (nopObserver) ObserveDecodeError(string, string)                       {}
func (nopObserver) ObserveApply(telemetry.ChannelID, string, state.Outcome) {}

// Pipeline decodes raw messages and applies them to the store. A message
// that fails to decode is dropped; it never reaches the store and never
// stops the stream.
type Pipeline struct {
	decoder  *decoder.Decoder
	store    Store
	recorder Recorder
	observer Observer
	log      logger.Logger

	dropped atomic.Uint64
}

// New builds a pipeline. recorder and observer may be nil.
func New(dec *decoder.Decoder, store Store, recorder Recorder, observer Observer, log logger.Logger) *Pipeline {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Pipeline{
		decoder:  dec,
		store:    store,
		recorder: recorder,
		observer: observer,
		log:      log,
	}
}

// Handle processes one message. The returned error is the decode failure,
// if any; stale and duplicate records are not errors.
func (p *Pipeline) Handle(raw telemetry.RawMessage) error {
	rec, err := p.decoder.Decode(raw)
	if err != nil {
		p.drop(raw, err)
		return err
	}

	_, outcome := p.store.Apply(rec)
	p.observer.ObserveApply(rec.Channel, raw.Transport, outcome)
	if outcome == state.Applied {
		p.recorder.Record(rec)
	}

	return nil
}

func (p *Pipeline) drop(raw telemetry.RawMessage, err error) {
	n := p.dropped.Add(1)
	reason := decoder.Reason(err)
	p.observer.ObserveDecodeError(raw.Transport, reason)

	le := p.log.Debug()
	if n%warnEvery == 1 {
		le = p.log.Warn()
	}
	ev := le.Str("transport", raw.Transport).
		Str("reason", reason).
		Uint64("dropped_total", n)
	if raw.Topic != "" {
		ev = ev.Str("topic", raw.Topic)
	} else {
		ev = ev.Uint8("frame_type", raw.FrameType)
	}
	if code, ok := errors.CodeOf(err); ok {
		ev = ev.Str("error_code", string(code))
	}
	ev.Err(err).Msg("Dropped undecodable telemetry")
}

// Dropped returns how many messages failed to decode.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

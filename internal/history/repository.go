package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

type repository struct {
	db  *sql.DB
	log logger.Logger
	cfg Config

	mu      sync.Mutex
	buffer  []*telemetry.Record
	closed  bool
	flushMu sync.Mutex
	dropped atomic.Uint64

	flushChan     chan struct{}
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

// NewRepository opens (or creates) the history database and starts the
// background flusher.
func NewRepository(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	db.SetMaxOpenConns(1)

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}
	if err := ValidateAndUpdateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		log:           log,
		cfg:           cfg,
		buffer:        make([]*telemetry.Record, 0, cfg.BatchSize),
		flushChan:     make(chan struct{}, 1),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	go repo.flusher()

	return repo, nil
}

func (r *repository) Record(rec *telemetry.Record) {
	if rec == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.buffer) >= r.cfg.maxBuffered() {
		r.mu.Unlock()
		if n := r.dropped.Add(1); n == 1 || n%uint64(r.cfg.BatchSize) == 0 {
			r.log.Warn().
				Uint64("dropped_total", n).
				Msg("History buffer full, dropping records")
		}
		return
	}
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.cfg.BatchSize
	r.mu.Unlock()

	if full {
		select {
		case r.flushChan <- struct{}{}:
		default:
		}
	}
}

func (r *repository) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *repository) Recent(ctx context.Context, channel telemetry.ChannelID, limit int) ([]Entry, error) {
	errFactory := errors.New()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errFactory.New(ErrClosed)
	}

	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	if err := r.flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, recentRecordsSQL, string(channel), limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			ch, value         string
			seq, ts, received int64
		)
		if err := rows.Scan(&ch, &seq, &ts, &received, &e.Source, &value); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		e.Channel = telemetry.ChannelID(ch)
		e.Seq = uint64(seq)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Received = time.Unix(0, received).UTC()
		e.Value = json.RawMessage(value)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return entries, nil
}

func (r *repository) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		// Signal the flusher goroutine to stop and wait for its final flush
		close(r.shutdownChan)
		<-r.flushDoneChan

		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			r.closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
			r.db.Close()
			return
		}

		if err := r.db.Close(); err != nil {
			r.closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "close_database",
				Error: err.Error(),
			})
			return
		}

		r.log.Info().Msg("History repository closed")
	})
	return r.closeErr
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	ticker := time.NewTicker(r.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.flush()
		case <-r.flushChan:
			_ = r.flush()
		case <-r.shutdownChan:
			_ = r.flush()
			return
		}
	}
}

// flush writes the buffered records in one transaction. A batch that
// fails to commit is logged and discarded.
func (r *repository) flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.buffer
	if len(batch) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.buffer = make([]*telemetry.Record, 0, r.cfg.BatchSize)
	r.mu.Unlock()

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.log.Error().Err(err).Int("records", len(batch)).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertRecordSQL)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.log.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		value, err := json.Marshal(rec.Value)
		if err != nil {
			r.log.Warn().Err(err).Str("channel", string(rec.Channel)).Msg("Skipping unencodable record")
			continue
		}
		if _, err := stmt.Exec(
			string(rec.Channel),
			int64(rec.Seq),
			rec.Timestamp.UnixNano(),
			rec.Received.UnixNano(),
			rec.Source,
			string(value),
		); err != nil {
			r.log.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.log.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.log.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.log.Debug().Int("records", len(batch)).Msg("Flushed telemetry history")

	return nil
}

package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/avrlink/internal/logger"
	"codeberg.org/mutker/avrlink/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Enabled:      true,
		DBPath:       filepath.Join(dir, "history.db"),
		BackupDir:    filepath.Join(dir, "backups"),
		BatchSize:    100,
		BatchTimeout: time.Hour,
	}
}

func voltage(seq uint64, v float64) *telemetry.Record {
	ts := time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC)
	return &telemetry.Record{
		Channel:   telemetry.ChannelBatteryVoltage,
		Seq:       seq,
		Timestamp: ts,
		Received:  ts.Add(5 * time.Millisecond),
		Source:    "mqtt",
		Value:     telemetry.ScalarValue(v),
	}
}

func TestRecentNewestFirst(t *testing.T) {
	rec, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	rec.Record(voltage(1, 11.8))
	rec.Record(voltage(2, 12.1))
	rec.Record(&telemetry.Record{
		Channel:   telemetry.ChannelAirborne,
		Seq:       1,
		Timestamp: time.Unix(1, 0),
		Received:  time.Unix(1, 0),
		Source:    "serial",
		Value:     telemetry.BoolValue(true),
	})

	entries, err := rec.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.JSONEq(t, "12.1", string(entries[0].Value))
	assert.Equal(t, "mqtt", entries[0].Source)
	assert.True(t, entries[0].Timestamp.Equal(voltage(2, 0).Timestamp))
	assert.Equal(t, uint64(1), entries[1].Seq)

	entries, err = rec.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)

	entries, err = rec.Recent(context.Background(), telemetry.ChannelAirborne, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, "true", string(entries[0].Value))
}

func TestCloseFlushesAndPersists(t *testing.T) {
	cfg := testConfig(t)

	rec, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		rec.Record(voltage(i, 11+float64(i)/10))
	}
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close(), "second close is a no-op")

	rec.Record(voltage(6, 12))

	_, err = rec.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 10)
	assert.Error(t, err)

	reopened, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestFullBatchFlushesInBackground(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 3

	rec, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	for i := uint64(1); i <= 3; i++ {
		rec.Record(voltage(i, 12))
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	assert.Eventually(t, func() bool {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM telemetry").Scan(&n); err != nil {
			return false
		}
		return n == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBufferFullDrops(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBuffered = 2

	rec, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	for i := uint64(1); i <= 4; i++ {
		rec.Record(voltage(i, 12))
	}
	assert.Equal(t, uint64(2), rec.Dropped())

	entries, err := rec.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// flushing made room again
	rec.Record(voltage(5, 12))
	assert.Equal(t, uint64(2), rec.Dropped())
}

func TestSchemaVersionChangeBacksUp(t *testing.T) {
	cfg := testConfig(t)

	rec, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	rec.Record(voltage(1, 12))
	require.NoError(t, rec.Close())

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_versions SET version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	rec, err = New(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	backups, err := filepath.Glob(filepath.Join(cfg.BackupDir, "history_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	entries, err := rec.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDisabledIsNoop(t *testing.T) {
	rec, err := New(Config{}, logger.Nop())
	require.NoError(t, err)

	rec.Record(voltage(1, 12))
	_, err = rec.Recent(context.Background(), telemetry.ChannelBatteryVoltage, 10)
	assert.True(t, IsDisabled(err))
	assert.Zero(t, rec.Dropped())
	assert.NoError(t, rec.Close())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults disabled", mutate: func(*Config) {}},
		{name: "enabled", mutate: func(c *Config) { c.Enabled = true }},
		{name: "no path", mutate: func(c *Config) { c.Enabled = true; c.DBPath = "" }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.Enabled = true; c.BatchSize = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Enabled = true; c.BatchTimeout = 0 }, wantErr: true},
		{name: "disabled ignores path", mutate: func(c *Config) { c.DBPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

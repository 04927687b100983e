package app

import (
	"codeberg.org/mutker/avrlink/internal/config"
	"codeberg.org/mutker/avrlink/internal/history"
	"codeberg.org/mutker/avrlink/internal/supervisor"
	"codeberg.org/mutker/avrlink/internal/transport"
)

func mqttSettings(c config.MQTTConfig, sup config.SupervisorConfig) transport.MQTTConfig {
	return transport.MQTTConfig{
		Broker:         c.Broker,
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		QoS:            byte(c.QoS),
		ConnectTimeout: c.ConnectTimeout,
		KeepAlive:      c.KeepAlive,
		CloseGrace:     sup.CloseGrace,
	}
}

func serialSettings(c config.SerialConfig, sup config.SupervisorConfig) transport.SerialConfig {
	return transport.SerialConfig{
		Port:        c.Port,
		BaudRate:    c.BaudRate,
		ReadTimeout: c.ReadTimeout,
		MaxPayload:  c.MaxPayload,
		CloseGrace:  sup.CloseGrace,
	}
}

func supervisorSettings(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		Backoff: supervisor.BackoffConfig{
			Initial:    cfg.Backoff.Initial,
			Max:        cfg.Backoff.Max,
			Multiplier: cfg.Backoff.Multiplier,
			Jitter:     cfg.Backoff.Jitter,
		},
		OutboxSize:    cfg.Supervisor.OutboxSize,
		DegradedAfter: cfg.Supervisor.DegradedAfter,
		CloseGrace:    cfg.Supervisor.CloseGrace,
		SendTimeout:   cfg.Supervisor.SendTimeout,
	}
}

func historySettings(c config.HistoryConfig) history.Config {
	return history.Config{
		Enabled:      c.Enabled,
		DBPath:       c.DBPath,
		BackupDir:    c.BackupDir,
		BatchSize:    c.BatchSize,
		BatchTimeout: c.BatchTimeout,
	}
}

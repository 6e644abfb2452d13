// Package config loads the deskrelay configuration from a TOML file with
// defaults suitable for local development.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultUploadsRoot  = "uploads"
	DefaultUploadsPath  = "/uploads"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "deskrelay"
	DefaultPGSSLMode    = "disable"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Telegram TelegramConfig `toml:"telegram"`
	Uploads  UploadsConfig  `toml:"uploads"`
	Events   EventsConfig   `toml:"events"`
	Ingest   IngestConfig   `toml:"ingest"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// URL renders the pgx / golang-migrate connection string.
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// TelegramConfig controls bot transport behavior. PublicURL is the externally
// reachable base used to derive webhook callback URLs; when empty, bots run in
// polling mode regardless of their configured mode.
type TelegramConfig struct {
	PublicURL      string `toml:"public_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type UploadsConfig struct {
	Root string `toml:"root"`
	Path string `toml:"path"`
}

// EventsConfig configures the real-time notifier. AMQP mirroring is enabled
// only when AMQPURL is set.
type EventsConfig struct {
	AMQPURL      string `toml:"amqp_url"`
	AMQPExchange string `toml:"amqp_exchange"`
}

type IngestConfig struct {
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
	DedupMaxEntries    int    `toml:"dedup_max_entries"`
	AckText            string `toml:"ack_text"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Telegram: TelegramConfig{
			TimeoutSeconds: 30,
		},
		Uploads: UploadsConfig{
			Root: DefaultUploadsRoot,
			Path: DefaultUploadsPath,
		},
		Events: EventsConfig{
			AMQPExchange: "deskrelay.events",
		},
		Ingest: IngestConfig{
			DedupWindowSeconds: 300,
			DedupMaxEntries:    4096,
			AckText:            "Thanks for reaching out! An agent will be with you shortly.",
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	// Secrets may come from the environment instead of the config file.
	if v := os.Getenv("DESKRELAY_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("DESKRELAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Viewer         string  `toml:"viewer"`
	LogLevel       string  `toml:"log_level"`
	Backend        Backend `toml:"backend"`
	Sync           Sync    `toml:"sync"`
	Debug          Debug   `toml:"debug"`
}

// Backend locates the REST API and the realtime channel.
type Backend struct {
	BaseURL   string   `toml:"base_url"`
	StreamURL string   `toml:"stream_url"`
	Token     string   `toml:"token"`
	Timeout   Duration `toml:"timeout"`
	RPS       float64  `toml:"rps"`
	Burst     int      `toml:"burst"`
}

// Sync tunes the engine.
type Sync struct {
	HistoryLimit      int      `toml:"history_limit"`
	PollInterval      Duration `toml:"poll_interval"`
	StaleAfter        Duration `toml:"stale_after"`
	TypingTimeout     Duration `toml:"typing_timeout"`
	TypingIdle        Duration `toml:"typing_idle"`
	TypingRefresh     Duration `toml:"typing_refresh"`
	BufferLimit       int      `toml:"buffer_limit"`
	MatchWindow       Duration `toml:"match_window"`
	ReconnectInitial  Duration `toml:"reconnect_initial"`
	ReconnectMax      Duration `toml:"reconnect_max"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	AckTimeout        Duration `toml:"ack_timeout"`
}

// Debug configures the debug HTTP listener. An empty Listen disables it.
type Debug struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used for every omitted value.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		LogLevel:       "info",
		Backend: Backend{
			Timeout: Duration{15 * time.Second},
		},
		Sync: Sync{
			HistoryLimit:      50,
			PollInterval:      Duration{5 * time.Second},
			StaleAfter:        Duration{time.Minute},
			TypingTimeout:     Duration{3 * time.Second},
			TypingIdle:        Duration{3 * time.Second},
			TypingRefresh:     Duration{2 * time.Second},
			BufferLimit:       200,
			MatchWindow:       Duration{10 * time.Second},
			ReconnectInitial:  Duration{500 * time.Millisecond},
			ReconnectMax:      Duration{30 * time.Second},
			ReconnectAttempts: 10,
			AckTimeout:        Duration{10 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Viewer == "" {
		return errors.New("config: viewer is required")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("config: backend.base_url is required")
	}
	if c.Backend.StreamURL == "" {
		return errors.New("config: backend.stream_url is required")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

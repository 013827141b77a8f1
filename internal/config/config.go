package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	DefaultUsername = "user"
	DefaultAddress  = "127.0.0.1:8080"
)

// Global is ~/.mlschat/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Settings are the per-profile client settings.
type Settings struct {
	Username               string   `toml:"username"                 env:"MLSCHAT_USERNAME"`
	DeliveryServiceAddress string   `toml:"delivery_service_address" env:"MLSCHAT_DELIVERY_SERVICE_ADDRESS"`
	RequestTimeout         Duration `toml:"request_timeout"          env:"MLSCHAT_REQUEST_TIMEOUT"`
	PollInterval           Duration `toml:"poll_interval"            env:"MLSCHAT_POLL_INTERVAL"`
	PushBufferWindow       Duration `toml:"push_buffer_window"       env:"MLSCHAT_PUSH_BUFFER_WINDOW"`
	MetricsAddress         string   `toml:"metrics_address"          env:"MLSCHAT_METRICS_ADDRESS"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		Username:               DefaultUsername,
		DeliveryServiceAddress: DefaultAddress,
		RequestTimeout:         Duration(15 * time.Second),
		PollInterval:           Duration(5 * time.Second),
		PushBufferWindow:       Duration(5 * time.Second),
	}
}

// Duration is a time.Duration written as a string ("15s") in TOML and env.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadGlobal reads the global config. A missing file is an error.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGlobal writes the global config.
func SaveGlobal(path string, g *Global) error {
	return save(path, g)
}

// Load reads settings from path over the defaults, then applies MLSCHAT_*
// environment overrides. Unset fields keep their default values.
func Load(path string) (*Settings, error) {
	s := Defaults()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, err
	}
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	s.fillZero()
	return &s, nil
}

// LoadOrDefault loads settings, writing the defaults to path first when the
// file does not exist yet.
func LoadOrDefault(path string) (*Settings, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		d := Defaults()
		if err := Save(path, &d); err != nil {
			return nil, fmt.Errorf("write default settings: %w", err)
		}
	}
	return Load(path)
}

// Save writes settings to path, creating parent dirs as needed.
func Save(path string, s *Settings) error {
	return save(path, s)
}

func (s *Settings) fillZero() {
	d := Defaults()
	if s.Username == "" {
		s.Username = d.Username
	}
	if s.DeliveryServiceAddress == "" {
		s.DeliveryServiceAddress = d.DeliveryServiceAddress
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.PushBufferWindow <= 0 {
		s.PushBufferWindow = d.PushBufferWindow
	}
}

func save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

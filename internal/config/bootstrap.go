package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapConfig is the daemon-level YAML configuration: where to listen,
// where the store lives, and which location provider feeds the engine.
// Engine behavior lives in the separate JSON TrackingConfig so it can be
// replaced at runtime without touching daemon wiring.
type BootstrapConfig struct {
	// Listen is the HTTP API address.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`

	// DataDir holds the sqlite database and any provider fixtures.
	DataDir string `yaml:"data_dir"`

	// DBPath overrides the default <data_dir>/tracelet.db location.
	DBPath string `yaml:"db_path"`

	// DeviceID tags outbound sync batches when the tracking config does
	// not set one.
	DeviceID string `yaml:"device_id"`

	// TrackingConfigPath points at the JSON TrackingConfig document.
	TrackingConfigPath string `yaml:"tracking_config"`

	// Units selects the speed units in API responses. The store always
	// keeps m/s.
	Units string `yaml:"units" validate:"omitempty,oneof=mps mph kmph kph knots"`

	// Debug enables debug logging and the debug HTTP surface.
	Debug bool `yaml:"debug"`

	Provider ProviderConfig `yaml:"provider"`
}

// ProviderConfig selects the location source feeding the engine.
type ProviderConfig struct {
	// Kind is nmea (serial GPS), replay (fixture file), or none (samples
	// arrive only via ports wired in code).
	Kind string `yaml:"kind" validate:"omitempty,oneof=nmea replay none"`

	// Port is the serial device for the nmea provider.
	Port string `yaml:"port"`

	// Baud is the serial rate for the nmea provider.
	Baud int `yaml:"baud" validate:"omitempty,gt=0"`

	// Fixture is the sample file for the replay provider.
	Fixture string `yaml:"fixture"`

	// Loop restarts the replay fixture at EOF.
	Loop bool `yaml:"loop"`
}

// DefaultBootstrap returns the daemon defaults used when fields are unset.
func DefaultBootstrap() *BootstrapConfig {
	return &BootstrapConfig{
		Listen:  ":8080",
		DataDir: "data",
		Provider: ProviderConfig{
			Kind: "none",
			Baud: 9600,
		},
	}
}

// LoadBootstrap reads and validates the daemon YAML config. A missing path
// returns the defaults so the daemon runs with flags alone.
func LoadBootstrap(path string) (*BootstrapConfig, error) {
	cfg := DefaultBootstrap()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid bootstrap config: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = "none"
	}
	if cfg.Provider.Baud == 0 {
		cfg.Provider.Baud = 9600
	}

	return cfg, nil
}

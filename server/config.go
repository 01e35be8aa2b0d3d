package main

import (
	"os"

	"github.com/pelletier/go-toml"
)

// Config holds the sequencer's settings, loadable from a TOML file and
// overridable by flags.
type Config struct {
	Addr string `toml:"addr"`

	// RefWindow is how far behind the current sequence number a submission's
	// reference sequence number may lag before it is nacked.
	RefWindow int `toml:"ref_window"`
}

func defaultConfig() Config {
	return Config{
		Addr:      ":9000",
		RefWindow: 1000,
	}
}

// loadConfig reads the TOML config at path over the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

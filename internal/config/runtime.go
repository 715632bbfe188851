package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/m2menc/internal/logging"
)

// Runtime holds the settings a running encode picks up when the config file
// changes. Everything else in the file is read once at startup.
type Runtime struct {
	// Bitrate is the target in bits per second; zero means unset.
	Bitrate int
	Logging logging.Config
}

// LoadRuntime reads the reloadable sections of a config file. Unlike
// LoadLoggingConfig it reports read and parse errors so a broken edit does
// not silently reset log levels.
func LoadRuntime(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, err
	}

	var raw struct {
		Encoder struct {
			Bitrate int `toml:"bitrate"`
		} `toml:"encoder"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Runtime{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw.Encoder.Bitrate < 0 {
		return Runtime{}, fmt.Errorf("encoder.bitrate must not be negative, got %d", raw.Encoder.Bitrate)
	}

	return Runtime{
		Bitrate: raw.Encoder.Bitrate,
		Logging: LoadLoggingConfig(path),
	}, nil
}

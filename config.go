package flashstore

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// EngineConfig is the declarative configuration an Engine can be built
// from, decoded from TOML following the pattern xmysql-server's execution
// context uses for its own engine settings: a single struct, one
// top-level Load function, defaults applied where the file is silent.
type EngineConfig struct {
	// LogLevel is one of "debug", "info", "warn", "error" (case
	// insensitive); unrecognized values fall back to "info".
	LogLevel string `toml:"log_level"`
	// Stores lists the StoreAttributes to provision at startup, keyed by
	// a caller-chosen name for operator readability. Init provisions one
	// store per entry, in lexical name order, and the resulting handle
	// is looked up by name through Engine.Handle.
	Stores map[string]StoreConfig `toml:"stores"`
}

// StoreConfig mirrors StoreAttributes for TOML decoding.
type StoreConfig struct {
	MaxDataSize int `toml:"max_data_size"`
}

// DefaultEngineConfig returns the configuration used when no file is
// supplied: info-level logging, no pre-provisioned stores.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{LogLevel: "info"}
}

// LoadConfig reads and decodes an EngineConfig from a TOML file at path.
func LoadConfig(path string) (*EngineConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config %s", path)
	}
	defer f.Close()

	cfg := DefaultEngineConfig()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/apex/log"
	toml "github.com/pelletier/go-toml"
)

// History backends for serve.
const (
	historySQLite = "sqlite"
	historyBolt   = "bolt"
	historyMemory = "memory"
	historyNone   = "none"
)

// serveConfig is the serve command's configuration. Defaults, then the
// TOML file, then explicit flags.
type serveConfig struct {
	Listen          string `toml:"listen"`
	History         string `toml:"history"`
	BoltPath        string `toml:"bolt_path"`
	SequentialIDs   bool   `toml:"sequential_ids"`
	CheckpointEvery int64  `toml:"checkpoint_every"`
	LogLevel        string `toml:"log_level"`
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		Listen:          ":7420",
		History:         historySQLite,
		BoltPath:        defaultDir + "/history.bolt",
		CheckpointEvery: 100,
		LogLevel:        "info",
	}
}

// loadConfig reads path over cfg. Keys the file does not set keep their
// current value.
func loadConfig(path string, cfg *serveConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.validate()
}

func (c *serveConfig) validate() error {
	c.History = strings.ToLower(strings.TrimSpace(c.History))
	switch c.History {
	case historySQLite, historyBolt, historyMemory, historyNone:
	default:
		return fmt.Errorf("unknown history backend %q (want sqlite, bolt, memory or none)", c.History)
	}
	if c.History == historyBolt && c.BoltPath == "" {
		return fmt.Errorf("history = bolt needs bolt_path")
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint_every must not be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

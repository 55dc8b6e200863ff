// Package daemonconfig loads the daemon's YAML configuration file
// (component A2): worker count, JIT slot sizing, SUIT slot count, and
// the program store and admin socket locations.
//
// Shaped on internal/bundle.Metadata's yaml-tag-plus-normalize()
// pattern: a plain struct decoded with gopkg.in/yaml.v3, then a
// normalize pass that fills in defaults for anything left zero.
package daemonconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's runtime configuration: worker pool sizing,
// JIT arena sizing, the program store directory, and the admin socket
// path.
type Config struct {
	WorkerCount        int    `yaml:"workerCount,omitempty"`
	WorkerPriorityBase int    `yaml:"workerPriorityBase,omitempty"`
	JITSlotCount       int    `yaml:"jitSlotCount,omitempty"`
	JITSlotSize        int    `yaml:"jitSlotSize,omitempty"`
	ProgramBufferSize  int    `yaml:"programBufferSize,omitempty"`
	SUITSlotCount      int    `yaml:"suitSlotCount,omitempty"`
	SocketPath         string `yaml:"socketPath,omitempty"`
	StoreDir           string `yaml:"storeDir,omitempty"`
}

func (c *Config) normalize() {
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.WorkerPriorityBase == 0 {
		c.WorkerPriorityBase = 1
	}
	if c.JITSlotCount == 0 {
		c.JITSlotCount = 2
	}
	if c.JITSlotSize == 0 {
		c.JITSlotSize = 4096
	}
	if c.ProgramBufferSize == 0 {
		c.ProgramBufferSize = 4096
	}
	if c.SUITSlotCount == 0 {
		c.SUITSlotCount = 8
	}
	if c.SocketPath == "" {
		c.SocketPath = "/tmp/ebpfd.sock"
	}
	if c.StoreDir == "" {
		c.StoreDir = "/var/lib/ebpfd/programs"
	}
}

// Default returns a Config with every field at its built-in default.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads and decodes a YAML config file, then normalizes it so
// any field left unset in the file gets its built-in default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("daemonconfig: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("daemonconfig: parse %s: %w", path, err)
	}
	c.normalize()
	return c, nil
}

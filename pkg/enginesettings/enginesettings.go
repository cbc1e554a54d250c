// Package enginesettings loads the per-daemon bus/engine configuration
// (SPEC_FULL.md §2.3): a small YAML file read the same ad hoc way
// pkg/newtest's scenario parser reads YAML via gopkg.in/yaml.v3, with
// NEWTRON_-prefixed environment variables overriding individual fields —
// the env-override layer the teacher's own pkg/settings never needed
// (its CLI never had to run unattended under a process supervisor) but
// every long-running daemon in this engine does.
package enginesettings

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtron/pkg/bus"
)

// EngineSettings is one daemon's bus connection and dispatch tuning.
type EngineSettings struct {
	// RedisAddr is the address every bus.Client in this daemon dials
	// (spec.md §6's "Redis address" is otherwise unspecified; this field
	// is the one place it is configured).
	RedisAddr string `yaml:"redis_addr"`

	// BatchSize is loaded from batch_size (0 meaning "use the engine
	// default"); neither daemon reads it, so engine.DefaultBatchSize
	// applies.
	BatchSize int `yaml:"batch_size"`

	// SelectTimeout overrides engine.DefaultSelectTimeout; zero means
	// "use the engine default".
	SelectTimeout time.Duration `yaml:"select_timeout"`

	// TablePriority maps a table name to its static dispatch priority
	// (spec.md §8 "Priority ordering"); tables not listed default to 0.
	TablePriority map[string]int `yaml:"table_priority"`

	// RecordingEnabled is loaded from recording_enabled (default true).
	// The daemons take recording on/off from the `-r` CLI flag alone and
	// do not read this field.
	RecordingEnabled bool `yaml:"recording_enabled"`

	// RecordingDir is loaded from recording_dir (default "."). The daemons
	// take the audit directory from the `-d` CLI flag alone and do not
	// read this field.
	RecordingDir string `yaml:"recording_dir"`
}

// Default returns the engine's out-of-the-box settings: local Redis,
// engine-package defaults for batch size and select timeout, recording on
// by default (spec.md §6: "-r {0,1}: ... (default 1)").
func Default() EngineSettings {
	return EngineSettings{
		RedisAddr:        "127.0.0.1:6379",
		RecordingEnabled: true,
		RecordingDir:     ".",
	}
}

// Load reads settings from a YAML file at path, starting from Default()
// and overriding whatever the file sets, then layers environment
// overrides on top. A missing file is not an error: the daemon runs on
// defaults plus whatever env vars are set, matching
// pkg/settings.LoadFrom's own "missing file means defaults" behavior.
func Load(path string) (EngineSettings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return s, err
			}
		} else if err := yaml.Unmarshal(data, &s); err != nil {
			return s, err
		}
	}

	s.applyEnv()
	return s, nil
}

// applyEnv layers NEWTRON_-prefixed environment variables over s, per
// SPEC_FULL.md §2.3: "read from environment variables with NEWTRON_
// prefixes".
func (s *EngineSettings) applyEnv() {
	if v := os.Getenv("NEWTRON_REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	if v := os.Getenv("NEWTRON_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.BatchSize = n
		}
	}
	if v := os.Getenv("NEWTRON_SELECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			s.SelectTimeout = d
		}
	}
	if v := os.Getenv("NEWTRON_RECORDING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.RecordingEnabled = b
		}
	}
	if v := os.Getenv("NEWTRON_RECORDING_DIR"); v != "" {
		s.RecordingDir = v
	}
}

// TablePriorityFor returns the configured priority for table, 0 if unset.
func (s EngineSettings) TablePriorityFor(table string) int {
	return s.TablePriority[table]
}

// NewClients builds one bus.Client per logical database the daemon
// touches, all dialing RedisAddr — the shape engine.NewOrch expects.
func (s EngineSettings) NewClients(dbs ...bus.DBID) map[bus.DBID]*bus.Client {
	clients := make(map[bus.DBID]*bus.Client, len(dbs))
	for _, db := range dbs {
		clients[db] = bus.NewClient(s.RedisAddr, db)
	}
	return clients
}

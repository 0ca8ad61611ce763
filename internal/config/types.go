package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the optional snapshot persistence layer.
	// If omitted, state is kept in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Dispatch controls the scheduling/dispatch loop.
	Dispatch DispatchConfig `json:"dispatch"`

	// Workers is the agent roster. If empty, a built-in default roster is used.
	Workers []WorkerSpec `json:"workers,omitempty"`

	// Backends maps task kinds to execution backends. Kinds without a backend
	// fail permanently at dispatch time.
	Backends []BackendSpec `json:"backends,omitempty"`

	API APIConfig `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the snapshot driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./dispatchd_state.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatchConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "10s"
//   - exec_timeout: "5m"
//   - retry_backoff: "60s"
//   - heartbeat_interval: "30s"
//   - history_size: 100
//   - history_max_age: "720h"
type DispatchConfig struct {
	Enabled bool `json:"enabled"`

	TickInterval      string `json:"tick_interval,omitempty"`
	ExecTimeout       string `json:"exec_timeout,omitempty"`
	RetryBackoff      string `json:"retry_backoff,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`

	// MaxDispatchPerSec throttles execution launches. 0 disables the throttle.
	MaxDispatchPerSec float64 `json:"max_dispatch_per_sec,omitempty"`

	HistorySize   int    `json:"history_size,omitempty"`
	HistoryMaxAge string `json:"history_max_age,omitempty"`
}

type WorkerSpec struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Kind is "general-purpose" or "specialized". Empty means specialized.
	Kind string `json:"kind,omitempty"`

	Capabilities []string `json:"capabilities"`
}

// BackendSpec binds one task kind to an execution backend.
//
// Type "webhook" posts the payload to URL; type "shell" runs Command with
// Args plus any "args" list found in the payload.
type BackendSpec struct {
	Kind string `json:"kind"`
	Type string `json:"type"`

	URL     string   `json:"url,omitempty"`     // webhook
	Command string   `json:"command,omitempty"` // shell
	Args    []string `json:"args,omitempty"`    // shell
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8745"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder can't express.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"dispatch.tick_interval", c.Dispatch.TickInterval},
		{"dispatch.exec_timeout", c.Dispatch.ExecTimeout},
		{"dispatch.retry_backoff", c.Dispatch.RetryBackoff},
		{"dispatch.heartbeat_interval", c.Dispatch.HeartbeatInterval},
		{"dispatch.history_max_age", c.Dispatch.HistoryMaxAge},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"api.idle_timeout", c.API.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatch.MaxDispatchPerSec < 0 {
		return fmt.Errorf("dispatch.max_dispatch_per_sec: must be >= 0")
	}
	if c.Dispatch.HistorySize < 0 {
		return fmt.Errorf("dispatch.history_size: must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		id := strings.TrimSpace(w.ID)
		if id == "" {
			return fmt.Errorf("workers[%d].id: must not be empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("workers[%d].id: duplicate worker id %q", i, id)
		}
		seen[id] = struct{}{}
		switch strings.TrimSpace(w.Kind) {
		case "", "general-purpose", "specialized":
		default:
			return fmt.Errorf("workers[%d].kind: must be general-purpose or specialized, got %q", i, w.Kind)
		}
	}
	kinds := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		kind := strings.TrimSpace(b.Kind)
		if kind == "" {
			return fmt.Errorf("backends[%d].kind: must not be empty", i)
		}
		if _, dup := kinds[kind]; dup {
			return fmt.Errorf("backends[%d].kind: duplicate backend for kind %q", i, kind)
		}
		kinds[kind] = struct{}{}
		switch strings.TrimSpace(b.Type) {
		case "webhook":
			if strings.TrimSpace(b.URL) == "" {
				return fmt.Errorf("backends[%d].url: required for webhook backends", i)
			}
		case "shell":
			if strings.TrimSpace(b.Command) == "" {
				return fmt.Errorf("backends[%d].command: required for shell backends", i)
			}
		default:
			return fmt.Errorf("backends[%d].type: must be webhook or shell, got %q", i, b.Type)
		}
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	m := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./state.json
dispatch:
  enabled: true
  tick_interval: 2s
  max_dispatch_per_sec: 5
workers:
  - id: atlas
    name: Atlas
    kind: general-purpose
    capabilities: [scraping, parsing]
backends:
  - kind: monitoring
    type: webhook
    url: http://127.0.0.1:9090/hook
api:
  enabled: true
  addr: 127.0.0.1:9000
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Dispatch.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Kind != "general-purpose" {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Type != "webhook" {
		t.Fatalf("backends = %+v", cfg.Backends)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, "config.json", `{"logging": {"level": "info"}, "bogus": 1}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := writeConfig(t, "config.json", `{"logging": {"level": "info"}} {"more": true}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			"unknown storage driver",
			Config{Storage: &StorageConfig{Driver: "redis"}},
			"storage.driver",
		},
		{
			"bad duration",
			Config{Dispatch: DispatchConfig{TickInterval: "fast"}},
			"dispatch.tick_interval",
		},
		{
			"negative throttle",
			Config{Dispatch: DispatchConfig{MaxDispatchPerSec: -1}},
			"max_dispatch_per_sec",
		},
		{
			"duplicate worker id",
			Config{Workers: []WorkerSpec{{ID: "a"}, {ID: "a"}}},
			"duplicate worker id",
		},
		{
			"bad worker kind",
			Config{Workers: []WorkerSpec{{ID: "a", Kind: "robot"}}},
			"workers[0].kind",
		},
		{
			"webhook without url",
			Config{Backends: []BackendSpec{{Kind: "monitoring", Type: "webhook"}}},
			"backends[0].url",
		},
		{
			"shell without command",
			Config{Backends: []BackendSpec{{Kind: "custom", Type: "shell"}}},
			"backends[0].command",
		},
		{
			"unknown backend type",
			Config{Backends: []BackendSpec{{Kind: "custom", Type: "grpc"}}},
			"backends[0].type",
		},
		{
			"duplicate backend kind",
			Config{Backends: []BackendSpec{
				{Kind: "custom", Type: "shell", Command: "/bin/true"},
				{Kind: "custom", Type: "shell", Command: "/bin/true"},
			}},
			"duplicate backend",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if err == nil {
				t.Fatal("validate passed")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	d, err := ParseDurationField("x", " 90s ")
	if err != nil || d != 90*time.Second {
		t.Fatalf("d = %v, err = %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("default: d = %v, err = %v", d, err)
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	m := writeConfig(t, "config.json", `{"dispatch": {"enabled": true}}`)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	ch := m.Subscribe(1)
	next := &Config{Dispatch: DispatchConfig{Enabled: false}}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// A full buffer is evicted in favor of the latest config.
	stale := &Config{}
	m.publish(stale)
	m.publish(next)
	if got := <-ch; got != next {
		t.Fatal("latest config not delivered after eviction")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
}

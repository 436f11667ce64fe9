package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

const validYAML = `
enable_server_speaker: true
http_port: 8088
web_port: 8089
discovery_interval_s: 15
buffer_gate_bytes: 65536
cache_dir: /tmp/bridge-cache
config_store_dir: /tmp/bridge-devices
ffmpeg_path: ffmpeg
airplay_sender_path: airplay-send
pipeline:
  buffer_gate_timeout: 10s
  sink_open_timeout: 5s
  teardown_timeout: 2s
  decode_block_frames: 4096
  sample_format: s16le
  sample_rate: 44100
  channels: 2
discovery:
  misses_before_removal: 3
  initial_backoff: 5s
  max_backoff: 60s
  notify_timeout: 5s
default_dsp:
  enabled: true
  eq:
    engine: iir
    bands:
      - freq_hz: 1000
        gain_db: 3
        q: 1.0
        type: peaking
  compressor:
    enabled: true
    threshold_db: -18
    ratio: 2
    attack_ms: 10
    release_ms: 100
    makeup_db: 0
    knee_db: 6
  stereo:
    enabled: false
    mid_gain_db: 0
    side_gain_db: 0
    haas_ms: 0
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if !cfg.EnableServerSpeaker {
		t.Error("EnableServerSpeaker = false, want true")
	}
	if cfg.HTTPPort != 8088 {
		t.Errorf("HTTPPort = %d, want 8088", cfg.HTTPPort)
	}
	if cfg.WebPort != 8089 {
		t.Errorf("WebPort = %d, want 8089", cfg.WebPort)
	}
	if cfg.DiscoveryIntervalS != 15 {
		t.Errorf("DiscoveryIntervalS = %d, want 15", cfg.DiscoveryIntervalS)
	}
	if cfg.BufferGateBytes != 65536 {
		t.Errorf("BufferGateBytes = %d, want 65536", cfg.BufferGateBytes)
	}
	if cfg.CacheDir != "/tmp/bridge-cache" {
		t.Errorf("CacheDir = %q, want /tmp/bridge-cache", cfg.CacheDir)
	}
}

func TestLoadConfigPipelineAndDSP(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Pipeline.SampleRate != 44100 {
		t.Errorf("Pipeline.SampleRate = %d, want 44100", cfg.Pipeline.SampleRate)
	}
	if cfg.Pipeline.SampleFormat != "s16le" {
		t.Errorf("Pipeline.SampleFormat = %q, want s16le", cfg.Pipeline.SampleFormat)
	}
	if cfg.Discovery.MissesBeforeRemoval != 3 {
		t.Errorf("Discovery.MissesBeforeRemoval = %d, want 3", cfg.Discovery.MissesBeforeRemoval)
	}
	if cfg.DefaultDSP.EQ.Engine != "iir" {
		t.Errorf("DefaultDSP.EQ.Engine = %q, want iir", cfg.DefaultDSP.EQ.Engine)
	}
	if len(cfg.DefaultDSP.EQ.Bands) != 1 {
		t.Fatalf("len(DefaultDSP.EQ.Bands) = %d, want 1", len(cfg.DefaultDSP.EQ.Bands))
	}
	if cfg.DefaultDSP.EQ.Bands[0].FreqHz != 1000 {
		t.Errorf("Bands[0].FreqHz = %v, want 1000", cfg.DefaultDSP.EQ.Bands[0].FreqHz)
	}
	if cfg.DefaultDSP.Compressor.Ratio != 2 {
		t.Errorf("Compressor.Ratio = %v, want 2", cfg.DefaultDSP.Compressor.Ratio)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() on missing file: want error, got nil")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "not: [valid: yaml")

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() on invalid YAML: want error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero http port", func(c *Config) { c.HTTPPort = 0 }, true},
		{"port collision", func(c *Config) { c.WebPort = c.HTTPPort }, true},
		{"zero discovery interval", func(c *Config) { c.DiscoveryIntervalS = 0 }, true},
		{"zero buffer gate", func(c *Config) { c.BufferGateBytes = 0 }, true},
		{"empty cache dir", func(c *Config) { c.CacheDir = "" }, true},
		{"empty config store dir", func(c *Config) { c.ConfigStoreDir = "" }, true},
		{"bad sample format", func(c *Config) { c.Pipeline.SampleFormat = "mp3" }, true},
		{"bad eq engine", func(c *Config) { c.DefaultDSP.EQ.Engine = "bogus" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDSPBands(t *testing.T) {
	d := DefaultConfig().DefaultDSP
	d.EQ.Bands = []Band{{FreqHz: 0, Q: 1, Type: "peaking"}}
	if err := ValidateDSP(&d); err == nil {
		t.Error("ValidateDSP() with zero freq_hz: want error, got nil")
	}

	d = DefaultConfig().DefaultDSP
	d.EQ.Bands = []Band{{FreqHz: 1000, Q: 1, Type: "bogus"}}
	if err := ValidateDSP(&d); err == nil {
		t.Error("ValidateDSP() with bad band type: want error, got nil")
	}

	d = DefaultConfig().DefaultDSP
	d.Compressor.Enabled = true
	d.Compressor.Ratio = 0.5
	if err := ValidateDSP(&d); err == nil {
		t.Error("ValidateDSP() with ratio < 1: want error, got nil")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.HTTPPort = 9090

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() after Save() error = %v", err)
	}
	if loaded.HTTPPort != 9090 {
		t.Errorf("HTTPPort after round trip = %d, want 9090", loaded.HTTPPort)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("saved config permissions = %v, want 0640", info.Mode().Perm())
	}
}

func TestSaveLeavesNoTempFileOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.saveWith("/nonexistent-dir-xyz/config.yaml", defaultCreateTemp)
	if err == nil {
		t.Fatal("saveWith() into nonexistent dir: want error, got nil")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

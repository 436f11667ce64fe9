package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKoanfConfigLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(validYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPPort != 8088 {
		t.Errorf("HTTPPort = %d, want 8088", cfg.HTTPPort)
	}
	if cfg.Pipeline.SampleRate != 44100 {
		t.Errorf("Pipeline.SampleRate = %d, want 44100", cfg.Pipeline.SampleRate)
	}
	if cfg.DefaultDSP.EQ.Engine != "iir" {
		t.Errorf("DefaultDSP.EQ.Engine = %q, want iir", cfg.DefaultDSP.EQ.Engine)
	}
}

func TestKoanfConfigEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(validYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("BRIDGE_HTTP_PORT", "9999")
	t.Setenv("BRIDGE_PIPELINE_SAMPLE_RATE", "48000")
	t.Setenv("BRIDGE_DEFAULT_DSP_EQ_ENGINE", "fft")

	kc, err := NewKoanfConfig(WithYAMLFile(configPath), WithEnvPrefix("BRIDGE"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPPort != 9999 {
		t.Errorf("HTTPPort = %d, want 9999 (env override)", cfg.HTTPPort)
	}
	if cfg.Pipeline.SampleRate != 48000 {
		t.Errorf("Pipeline.SampleRate = %d, want 48000 (env override)", cfg.Pipeline.SampleRate)
	}
	if cfg.DefaultDSP.EQ.Engine != "fft" {
		t.Errorf("DefaultDSP.EQ.Engine = %q, want fft (env override)", cfg.DefaultDSP.EQ.Engine)
	}
}

func TestKoanfConfigReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(validYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if got := kc.GetInt("http_port"); got != 8088 {
		t.Errorf("GetInt(http_port) = %d, want 8088", got)
	}

	updated := `
enable_server_speaker: false
http_port: 8100
web_port: 8101
discovery_interval_s: 30
buffer_gate_bytes: 102400
cache_dir: /tmp/bridge-cache
config_store_dir: /tmp/bridge-devices
pipeline:
  sample_format: s16le
  sample_rate: 44100
  channels: 2
  decode_block_frames: 4096
default_dsp:
  eq:
    engine: iir
`
	if err := os.WriteFile(configPath, []byte(updated), 0600); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if got := kc.GetInt("http_port"); got != 8100 {
		t.Errorf("GetInt(http_port) after reload = %d, want 8100", got)
	}
}

func TestKoanfConfigWatchContextCancel(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(validYAML), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	kc, err := NewKoanfConfig(WithYAMLFile(configPath))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := kc.Watch(ctx, func(event string, err error) {}); err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}

func TestKoanfConfigWatchNoFilePath(t *testing.T) {
	kc, err := NewKoanfConfig()
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if err := kc.Watch(context.Background(), func(string, error) {}); err == nil {
		t.Error("Watch() with no file path: want error, got nil")
	}
}

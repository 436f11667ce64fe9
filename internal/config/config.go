// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the bridge configuration file.
const ConfigFilePath = "/etc/bridge/config.yaml"

// Config represents the complete bridge configuration.
type Config struct {
	// EnableServerSpeaker creates a single local-speaker virtual device
	// alongside the AirPlay-bridged ones.
	EnableServerSpeaker bool `yaml:"enable_server_speaker" koanf:"enable_server_speaker"`

	// HTTPPort serves UPnP device/service descriptions and SOAP control URLs.
	HTTPPort int `yaml:"http_port" koanf:"http_port"`

	// WebPort serves the read-only state/DSP/volume control API.
	WebPort int `yaml:"web_port" koanf:"web_port"`

	// DiscoveryIntervalS is the AirPlay receiver discovery poll period.
	DiscoveryIntervalS int `yaml:"discovery_interval_s" koanf:"discovery_interval_s"`

	// BufferGateBytes is the Downloader byte threshold that gates Decoder start.
	BufferGateBytes int64 `yaml:"buffer_gate_bytes" koanf:"buffer_gate_bytes"`

	// CacheDir holds per-session cache files (cache/{device_id}_{nonce}.mkv).
	CacheDir string `yaml:"cache_dir" koanf:"cache_dir"`

	// ConfigStoreDir holds one persisted JSON file per device id.
	ConfigStoreDir string `yaml:"config_store_dir" koanf:"config_store_dir"`

	// FFmpegPath is the external decoding tool binary, assumed present.
	FFmpegPath string `yaml:"ffmpeg_path" koanf:"ffmpeg_path"`

	// AirPlaySenderPath is the opaque AirPlay pairing/transport tool.
	AirPlaySenderPath string `yaml:"airplay_sender_path" koanf:"airplay_sender_path"`

	// Pipeline contains timeouts shared by the Downloader/Decoder/Sink pipeline.
	Pipeline PipelineConfig `yaml:"pipeline" koanf:"pipeline"`

	// Discovery contains AirPlay receiver discovery settings beyond the interval.
	Discovery DiscoveryConfig `yaml:"discovery" koanf:"discovery"`

	// DefaultDSP seeds new devices that have no persisted Config Store entry.
	DefaultDSP DSPConfig `yaml:"default_dsp" koanf:"default_dsp"`
}

// PipelineConfig contains the pipeline's named timeouts.
type PipelineConfig struct {
	BufferGateTimeout time.Duration `yaml:"buffer_gate_timeout" koanf:"buffer_gate_timeout"` // default 10s
	SinkOpenTimeout   time.Duration `yaml:"sink_open_timeout" koanf:"sink_open_timeout"`     // default 5s
	TeardownTimeout   time.Duration `yaml:"teardown_timeout" koanf:"teardown_timeout"`       // default 2s
	DecodeBlockFrames int           `yaml:"decode_block_frames" koanf:"decode_block_frames"` // default 4096
	SampleFormat      string        `yaml:"sample_format" koanf:"sample_format"`             // s16le|f32le
	SampleRate        int           `yaml:"sample_rate" koanf:"sample_rate"`                 // default 44100
	Channels          int           `yaml:"channels" koanf:"channels"`                       // default 2
}

// DiscoveryConfig tunes the Device Manager's receiver discovery loop.
type DiscoveryConfig struct {
	MissesBeforeRemoval int           `yaml:"misses_before_removal" koanf:"misses_before_removal"` // default 3
	InitialBackoff      time.Duration `yaml:"initial_backoff" koanf:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff" koanf:"max_backoff"`
	NotifyTimeout       time.Duration `yaml:"notify_timeout" koanf:"notify_timeout"` // GENA NOTIFY HTTP timeout, default 5s
}

// DSPConfig is the DSP wire schema and is also the persisted shape written
// by the Config Store.
type DSPConfig struct {
	Enabled     bool              `yaml:"enabled" koanf:"enabled" json:"enabled"`
	EQ          EQConfig          `yaml:"eq" koanf:"eq" json:"eq"`
	Compressor  CompressorConfig  `yaml:"compressor" koanf:"compressor" json:"compressor"`
	Stereo      StereoConfig      `yaml:"stereo" koanf:"stereo" json:"stereo"`
}

// EQConfig describes the EQ/tone stage, shared across all three engines.
type EQConfig struct {
	Engine    string    `yaml:"engine" koanf:"engine" json:"engine"` // iir|fft|fir
	Bands     []Band    `yaml:"bands" koanf:"bands" json:"bands"`
	BlockSize int       `yaml:"block_size,omitempty" koanf:"block_size" json:"block_size,omitempty"` // fft
	Taps      int       `yaml:"taps,omitempty" koanf:"taps" json:"taps,omitempty"`                   // fir
}

// Band is a single parametric EQ band.
type Band struct {
	FreqHz float64 `yaml:"freq_hz" koanf:"freq_hz" json:"freq_hz"`
	GainDB float64 `yaml:"gain_db" koanf:"gain_db" json:"gain_db"`
	Q      float64 `yaml:"q" koanf:"q" json:"q"`
	Type   string  `yaml:"type" koanf:"type" json:"type"` // peaking|low_shelf|high_shelf
}

// CompressorConfig is the feed-forward dynamics stage.
type CompressorConfig struct {
	Enabled     bool    `yaml:"enabled" koanf:"enabled" json:"enabled"`
	ThresholdDB float64 `yaml:"threshold_db" koanf:"threshold_db" json:"threshold_db"`
	Ratio       float64 `yaml:"ratio" koanf:"ratio" json:"ratio"`
	AttackMS    float64 `yaml:"attack_ms" koanf:"attack_ms" json:"attack_ms"`
	ReleaseMS   float64 `yaml:"release_ms" koanf:"release_ms" json:"release_ms"`
	MakeupDB    float64 `yaml:"makeup_db" koanf:"makeup_db" json:"makeup_db"`
	KneeDB      float64 `yaml:"knee_db" koanf:"knee_db" json:"knee_db"`
	LinkStereo  bool    `yaml:"link_stereo" koanf:"link_stereo" json:"link_stereo"`
}

// StereoConfig is the mid/side stereo enhancer stage.
type StereoConfig struct {
	Enabled    bool    `yaml:"enabled" koanf:"enabled" json:"enabled"`
	MidGainDB  float64 `yaml:"mid_gain_db" koanf:"mid_gain_db" json:"mid_gain_db"`
	SideGainDB float64 `yaml:"side_gain_db" koanf:"side_gain_db" json:"side_gain_db"`
	HaasMS     float64 `yaml:"haas_ms" koanf:"haas_ms" json:"haas_ms"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file via write-sync-rename so a
// crash mid-write never leaves a partially-written config on disk.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// Config may embed no secrets today, but keep it non-world-readable.
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if c.WebPort <= 0 || c.WebPort > 65535 {
		return fmt.Errorf("web_port must be between 1 and 65535")
	}
	if c.HTTPPort == c.WebPort {
		return fmt.Errorf("http_port and web_port must differ")
	}
	if c.DiscoveryIntervalS <= 0 {
		return fmt.Errorf("discovery_interval_s must be positive")
	}
	if c.BufferGateBytes <= 0 {
		return fmt.Errorf("buffer_gate_bytes must be positive")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir cannot be empty")
	}
	if c.ConfigStoreDir == "" {
		return fmt.Errorf("config_store_dir cannot be empty")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	if err := ValidateDSP(&c.DefaultDSP); err != nil {
		return fmt.Errorf("default_dsp: %w", err)
	}
	return nil
}

// Validate checks the pipeline section.
func (p *PipelineConfig) Validate() error {
	switch p.SampleFormat {
	case "s16le", "f32le":
	default:
		return fmt.Errorf("sample_format must be s16le or f32le (got %q)", p.SampleFormat)
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive")
	}
	if p.Channels <= 0 {
		return fmt.Errorf("channels must be positive")
	}
	if p.DecodeBlockFrames <= 0 {
		return fmt.Errorf("decode_block_frames must be positive")
	}
	return nil
}

// ValidateDSP checks a DSP config for invalid bands or an unknown EQ
// engine.
func ValidateDSP(d *DSPConfig) error {
	switch d.EQ.Engine {
	case "iir", "fft", "fir":
	default:
		return fmt.Errorf("eq.engine must be one of iir, fft, fir (got %q)", d.EQ.Engine)
	}
	for i, b := range d.EQ.Bands {
		if b.FreqHz <= 0 {
			return fmt.Errorf("band %d: freq_hz must be positive", i)
		}
		if b.Q <= 0 {
			return fmt.Errorf("band %d: q must be positive", i)
		}
		switch b.Type {
		case "peaking", "low_shelf", "high_shelf":
		default:
			return fmt.Errorf("band %d: type must be peaking, low_shelf or high_shelf (got %q)", i, b.Type)
		}
	}
	if d.Compressor.Enabled {
		if d.Compressor.Ratio < 1 {
			return fmt.Errorf("compressor.ratio must be >= 1")
		}
		if d.Compressor.AttackMS < 0 || d.Compressor.ReleaseMS < 0 {
			return fmt.Errorf("compressor attack/release must not be negative")
		}
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EnableServerSpeaker: false,
		HTTPPort:            8088,
		WebPort:             8089,
		DiscoveryIntervalS:  30,
		BufferGateBytes:     102400,
		CacheDir:            "/var/lib/bridge/cache",
		ConfigStoreDir:      "/var/lib/bridge/devices",
		FFmpegPath:          "ffmpeg",
		AirPlaySenderPath:   "airplay-send",
		Pipeline: PipelineConfig{
			BufferGateTimeout: 10 * time.Second,
			SinkOpenTimeout:   5 * time.Second,
			TeardownTimeout:   2 * time.Second,
			DecodeBlockFrames: 4096,
			SampleFormat:      "s16le",
			SampleRate:        44100,
			Channels:          2,
		},
		Discovery: DiscoveryConfig{
			MissesBeforeRemoval: 3,
			InitialBackoff:      5 * time.Second,
			MaxBackoff:          60 * time.Second,
			NotifyTimeout:       5 * time.Second,
		},
		DefaultDSP: DSPConfig{
			Enabled: false,
			EQ: EQConfig{
				Engine:    "iir",
				Bands:     nil,
				BlockSize: 2048,
				Taps:      255,
			},
			Compressor: CompressorConfig{
				ThresholdDB: -18,
				Ratio:       2,
				AttackMS:    10,
				ReleaseMS:   100,
				MakeupDB:    0,
				KneeDB:      6,
			},
			Stereo: StereoConfig{
				MidGainDB:  0,
				SideGainDB: 0,
				HaasMS:     0,
			},
		},
	}
}

package decoder

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatBytesPerSample(t *testing.T) {
	if FormatS16LE.BytesPerSample() != 2 {
		t.Errorf("S16LE BytesPerSample = %d, want 2", FormatS16LE.BytesPerSample())
	}
	if FormatF32LE.BytesPerSample() != 4 {
		t.Errorf("F32LE BytesPerSample = %d, want 4", FormatF32LE.BytesPerSample())
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	d, err := New(Config{CachePath: "/tmp/session.mkv"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if d.cfg.SampleRate != 44100 {
		t.Errorf("SampleRate = %d, want 44100", d.cfg.SampleRate)
	}
	if d.cfg.Channels != 2 {
		t.Errorf("Channels = %d, want 2", d.cfg.Channels)
	}
	if d.cfg.BlockFrames != 4096 {
		t.Errorf("BlockFrames = %d, want 4096", d.cfg.BlockFrames)
	}
	if d.cfg.Format != FormatS16LE {
		t.Errorf("Format = %v, want s16le", d.cfg.Format)
	}
}

func TestNewRequiresCachePath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty CachePath: want error, got nil")
	}
}

func TestBlockSize(t *testing.T) {
	d, err := New(Config{CachePath: "/tmp/x", Channels: 2, BlockFrames: 4096, Format: FormatS16LE})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	want := 4096 * 2 * 2
	if got := d.BlockSize(); got != want {
		t.Errorf("BlockSize() = %d, want %d", got, want)
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Config{CachePath: "/tmp/cache.mkv", Format: FormatF32LE, SampleRate: 48000, Channels: 1})
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	for _, want := range []string{"-i", "/tmp/cache.mkv", "-f", "f32le", "-ar", "48000", "-ac", "1", "pipe:1"} {
		found := false
		for _, a := range args {
			if a == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("buildArgs() = %q missing %q", joined, want)
		}
	}
}

func writeFakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

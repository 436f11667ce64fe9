package downloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeFFmpeg writes a short script standing in for ffmpeg: it appends a
// few bytes to its output path argument then exits 0, or exits 1 if asked.
func fakeFFmpeg(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := "#!/bin/sh\nfor a in \"$@\"; do :; done\nlast=\"$a\"\nprintf 'data' >> \"$last\"\nexit " +
		itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestDownloaderRunSuccess(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		FFmpegPath: fakeFFmpeg(t, 0),
		URL:        "http://example.invalid/track.flac",
		CachePath:  filepath.Join(dir, "session.mkv"),
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if d.State() != StateDone {
		t.Errorf("State() = %v, want StateDone", d.State())
	}
}

func TestDownloaderRunFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		FFmpegPath: fakeFFmpeg(t, 1),
		URL:        "http://example.invalid/missing.flac",
		CachePath:  filepath.Join(dir, "session.mkv"),
	}

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Run(ctx); err == nil {
		t.Error("Run() with non-zero exit: want error, got nil")
	}
	if d.State() != StateFailed {
		t.Errorf("State() = %v, want StateFailed", d.State())
	}
}

func TestNewRequiresURLAndCachePath(t *testing.T) {
	if _, err := New(Config{CachePath: "/tmp/x"}); err == nil {
		t.Error("New() with empty URL: want error, got nil")
	}
	if _, err := New(Config{URL: "http://x"}); err == nil {
		t.Error("New() with empty CachePath: want error, got nil")
	}
}

func TestBuildArgsIncludesSeek(t *testing.T) {
	args := buildArgs(Config{URL: "http://x/track.flac", CachePath: "/tmp/out.mkv", SeekSeconds: 60})
	found := false
	for i, a := range args {
		if a == "-ss" && i+1 < len(args) && args[i+1] == "60.000" {
			found = true
		}
	}
	if !found {
		t.Errorf("buildArgs() = %v, want -ss 60.000", args)
	}
}

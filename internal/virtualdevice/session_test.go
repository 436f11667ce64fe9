package virtualdevice

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/sink"
)

// fakeFFmpeg stands in for both the Downloader's and the Decoder's
// subprocess. Dispatched on the final argument: the Downloader's last
// arg is always its cache file destination, the Decoder's is always
// "pipe:1". A decoder invocation emits frameCount fixed-size silent PCM
// blocks to stdout then exits (simulating natural end of track); a
// downloader invocation appends a few bytes to its cache path so the
// buffer gate is satisfied.
func fakeFFmpeg(t *testing.T, frameCount, blockBytes int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := `#!/bin/sh
last=""
for a in "$@"; do last="$a"; done
if [ "$last" = "pipe:1" ]; then
	i=0
	while [ "$i" -lt ` + itoa(frameCount) + ` ]; do
		dd if=/dev/zero bs=` + itoa(blockBytes) + ` count=1 2>/dev/null
		i=$((i+1))
	done
else
	printf 'cachedcachedcached' >> "$last"
fi
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func testDeviceWithPipeline(t *testing.T, ffmpeg string, snk sink.Sink) (*Device, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(slog.Default())
	dev := New(Config{
		DeviceID:        "dev-1",
		Kind:            sink.KindLocalSpeaker,
		DisplayName:     "Test Device",
		Bus:             bus,
		Sink:            snk,
		FFmpegPath:      ffmpeg,
		CacheDir:        t.TempDir(),
		BufferGateBytes: 1,
		PipelineConf: config.PipelineConfig{
			SampleRate:        44100,
			Channels:          2,
			DecodeBlockFrames: 1, // blockBytes = 1*2*2 = 4 bytes/block
		},
		DefaultDSP: config.DSPConfig{Enabled: false, EQ: config.EQConfig{Engine: "iir"}},
		Logger:     slog.Default(),
	})
	return dev, bus
}

func TestColdPlayReachesPlayingThenStopsAtEndOfTrackAndCleansCache(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, 50, 4)
	snk := &fakeSink{}
	dev, bus := testDeviceWithPipeline(t, ffmpeg, snk)
	runDevice(t, dev)

	publishCmd(bus, dev.id, eventbus.CmdSetURI, Command{URI: "http://example.invalid/track.flac"})
	waitForState(t, dev, StateStopped, time.Second)

	publishCmd(bus, dev.id, eventbus.CmdPlay, Command{})
	waitForState(t, dev, StatePlaying, 5*time.Second)

	// The fake decoder exhausts its finite frame count and exits, which
	// the pipeline treats as natural end of track.
	waitForState(t, dev, StateStopped, 5*time.Second)

	snap := dev.Snapshot()
	entries, _ := os.ReadDir(dev.cfg.CacheDir)
	if len(entries) != 0 {
		t.Errorf("cache dir not empty after natural end of track: %v (session id %d)", entries, snap.SessionID)
	}
}

func TestSeekReusesCompletedCacheFileWithoutRestartingDownload(t *testing.T) {
	// A long frame count keeps the Decoder streaming so the session is
	// still PLAYING when Seek arrives.
	ffmpeg := fakeFFmpeg(t, 5000, 4)
	snk := &fakeSink{}
	dev, bus := testDeviceWithPipeline(t, ffmpeg, snk)
	runDevice(t, dev)

	publishCmd(bus, dev.id, eventbus.CmdSetURI, Command{URI: "http://example.invalid/track.flac"})
	waitForState(t, dev, StateStopped, time.Second)

	publishCmd(bus, dev.id, eventbus.CmdPlay, Command{})
	waitForState(t, dev, StatePlaying, 5*time.Second)

	entriesBefore, err := os.ReadDir(dev.cfg.CacheDir)
	if err != nil || len(entriesBefore) != 1 {
		t.Fatalf("expected exactly one cache file before seek, got %v (err=%v)", entriesBefore, err)
	}
	firstCache := entriesBefore[0].Name()

	// Give the Downloader a moment to reach StateDone so the file is
	// eligible for reuse (it is tiny and exits almost immediately).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dev.mu.Lock()
		sess := dev.session
		dev.mu.Unlock()
		if sess != nil && sess.downloadComplete.Load() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	publishCmd(bus, dev.id, eventbus.CmdSeek, Command{SeekSeconds: 30})
	waitForState(t, dev, StatePlaying, 5*time.Second)

	dev.mu.Lock()
	sess := dev.session
	dev.mu.Unlock()
	if sess == nil {
		t.Fatal("no active session after seek")
	}
	if !sess.reusedCache {
		t.Error("seek did not reuse the prior session's cache file")
	}
	if sess.cachePath != filepath.Join(dev.cfg.CacheDir, firstCache) {
		t.Errorf("seek session cache path = %q, want reuse of %q", sess.cachePath, firstCache)
	}

	entriesAfter, _ := os.ReadDir(dev.cfg.CacheDir)
	if len(entriesAfter) != 1 {
		t.Errorf("expected exactly one cache file after seek reuse, got %v", entriesAfter)
	}
}

func TestStopDeletesCacheFileOfLiveSession(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, 5000, 4)
	snk := &fakeSink{}
	dev, bus := testDeviceWithPipeline(t, ffmpeg, snk)
	runDevice(t, dev)

	publishCmd(bus, dev.id, eventbus.CmdSetURI, Command{URI: "http://example.invalid/track.flac"})
	waitForState(t, dev, StateStopped, time.Second)

	publishCmd(bus, dev.id, eventbus.CmdPlay, Command{})
	waitForState(t, dev, StatePlaying, 5*time.Second)

	publishCmd(bus, dev.id, eventbus.CmdStop, Command{})
	waitForState(t, dev, StateStopped, 5*time.Second)

	entries, err := os.ReadDir(dev.cfg.CacheDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("cache dir not empty after explicit Stop: %v", entries)
	}
}

func TestPlayToNewURIDiscardsPriorCacheFile(t *testing.T) {
	ffmpeg := fakeFFmpeg(t, 5000, 4)
	snk := &fakeSink{}
	dev, bus := testDeviceWithPipeline(t, ffmpeg, snk)
	runDevice(t, dev)

	publishCmd(bus, dev.id, eventbus.CmdSetURI, Command{URI: "http://example.invalid/a.flac"})
	waitForState(t, dev, StateStopped, time.Second)
	publishCmd(bus, dev.id, eventbus.CmdPlay, Command{})
	waitForState(t, dev, StatePlaying, 5*time.Second)

	// Superseding Play to a different URI must never reuse the old file.
	publishCmd(bus, dev.id, eventbus.CmdPlay, Command{URI: "http://example.invalid/b.flac"})
	waitForState(t, dev, StatePlaying, 5*time.Second)

	dev.mu.Lock()
	sess := dev.session
	dev.mu.Unlock()
	if sess == nil || sess.reusedCache {
		t.Error("Play to a new URI unexpectedly reused a cache file")
	}

	entries, _ := os.ReadDir(dev.cfg.CacheDir)
	if len(entries) != 1 {
		t.Errorf("expected exactly one cache file after switching URIs, got %v", entries)
	}
}

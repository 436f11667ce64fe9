package devicemanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/configstore"
	"github.com/nonu1l/unairplay/internal/eventbus"
)

// fakeBrowse lets a test drive onReceiverAdded/onReceiverRemoved without
// touching real mDNS: each call to trigger replays one event to every
// browseLoop currently blocked in it.
type fakeBrowse struct {
	mu      sync.Mutex
	added   func(BrowseEntry)
	removed func(BrowseEntry)
	done    chan struct{}
}

func (f *fakeBrowse) run(ctx context.Context, service string, added, removed func(BrowseEntry)) error {
	f.mu.Lock()
	f.added = added
	f.removed = removed
	f.mu.Unlock()
	close(f.done)
	<-ctx.Done()
	return ctx.Err()
}

func newManagerForTest(t *testing.T) (*Manager, *fakeBrowse) {
	t.Helper()
	bus := eventbus.New(nil)
	m, err := New(bus, Config{
		FFmpegPath:        "ffmpeg",
		AirPlaySenderPath: "airplay-send",
		CacheDir:          t.TempDir(),
		BufferGateBytes:   1,
		PipelineConf:      config.PipelineConfig{SampleRate: 44100, Channels: 2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fb := &fakeBrowse{done: make(chan struct{})}
	m.browse = fb.run
	return m, fb
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReceiverDiscoveredBecomesTrackedDevice(t *testing.T) {
	m, fb := newManagerForTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.browseLoop(ctx, airplayServiceRAOP)
	<-fb.done

	fb.added(BrowseEntry{InstanceName: "Kitchen Speaker", Host: "10.0.0.5", Port: 7000})

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.devices) == 1
	})
}

func TestReceiverNotRemovedUntilMissThreshold(t *testing.T) {
	m, fb := newManagerForTest(t)
	m.cfg.MissesBeforeRemoval = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.browseLoop(ctx, airplayServiceRAOP)
	<-fb.done

	entry := BrowseEntry{InstanceName: "Living Room", Host: "10.0.0.6", Port: 7001}
	fb.added(entry)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.devices) == 1
	})

	fb.removed(entry)
	m.mu.Lock()
	stillTracked := len(m.devices) == 1
	m.mu.Unlock()
	if !stillTracked {
		t.Fatal("device removed before reaching MissesBeforeRemoval")
	}

	fb.removed(entry)
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.devices) == 0
	})
}

func TestReceiverRestoresPersistedVolumeAndMute(t *testing.T) {
	m, _ := newManagerForTest(t)
	store, err := configstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("configstore.New: %v", err)
	}
	if err := store.Save("kitchen-speaker", configstore.Entry{Volume: 17, Muted: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m.cfg.ConfigStore = store

	dev := m.newVirtualDevice("kitchen-speaker", "Kitchen Speaker", 0, nil)
	snap := dev.Snapshot()
	if snap.Volume != 17 || !snap.Muted {
		t.Errorf("newVirtualDevice did not restore persisted volume/mute: got volume=%d muted=%v", snap.Volume, snap.Muted)
	}
}

func TestSanitizeDeviceID(t *testing.T) {
	cases := map[string]string{
		"Tom's Living Room": "Toms-Living-Room",
		"":                  "airplay-device",
		"!!!":               "airplay-device",
		"Kitchen_2":         "Kitchen_2",
	}
	for in, want := range cases {
		if got := sanitizeDeviceID(in); got != want {
			t.Errorf("sanitizeDeviceID(%q) = %q, want %q", in, got, want)
		}
	}
}

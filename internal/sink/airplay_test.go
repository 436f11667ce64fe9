package sink

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeSender writes a short script standing in for the external AirPlay
// tool: every invocation appends its args to a sidecar calls.log; in
// "connect" mode it then discards stdin until stdin closes. It always
// exits 0.
func fakeSender(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	recordPath := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + recordPath + "\n" +
		"if [ \"$1\" = \"connect\" ]; then cat > /dev/null; fi\n" +
		"exit 0\n"
	path := filepath.Join(dir, "fake-sender.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake sender: %v", err)
	}
	return path
}

func TestAirPlayOpenWriteClose(t *testing.T) {
	sender := fakeSender(t)
	a, err := NewAirPlay(AirPlayConfig{SenderPath: sender, Host: "127.0.0.1", Port: 7000})
	if err != nil {
		t.Fatalf("NewAirPlay() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Open(ctx, 44100, 2); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := a.Write(ctx, []float32{0.1, -0.1, 0.2, -0.2}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAirPlaySetVolumeInvokesSender(t *testing.T) {
	sender := fakeSender(t)
	a, err := NewAirPlay(AirPlayConfig{SenderPath: sender, Host: "127.0.0.1", Port: 7000})
	if err != nil {
		t.Fatalf("NewAirPlay() error = %v", err)
	}
	ctx := context.Background()
	if err := a.SetVolume(ctx, 150); err != nil { // out-of-range clamps, doesn't error
		t.Fatalf("SetVolume() error = %v", err)
	}

	log := filepath.Join(filepath.Dir(sender), "calls.log")
	f, err := os.Open(log)
	if err != nil {
		t.Fatalf("open call log: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	found := false
	for sc.Scan() {
		if sc.Text() == "set-volume --host 127.0.0.1 --port 7000 --value 100" {
			found = true
		}
	}
	if !found {
		t.Error("call log missing clamped set-volume invocation")
	}
}

func TestNewAirPlayRequiresHost(t *testing.T) {
	if _, err := NewAirPlay(AirPlayConfig{}); err == nil {
		t.Error("NewAirPlay() with empty Host: want error, got nil")
	}
}

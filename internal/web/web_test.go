package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/virtualdevice"
)

func newTestServer(t *testing.T) (*Server, *eventbus.Bus, func()) {
	t.Helper()
	log := slog.Default()
	bus := eventbus.New(log)
	registry := virtualdevice.NewRegistry(bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = registry.Run(ctx) }()

	bus.Publish(eventbus.Event{
		Type:     eventbus.DeviceAdded,
		DeviceID: "dev-1",
		Payload: virtualdevice.StateSnapshot{
			DeviceID:       "dev-1",
			DisplayName:    "Living Room",
			TransportState: virtualdevice.TransportState("STOPPED"),
			Volume:         50,
			DSPConfig:      config.DSPConfig{Enabled: false, EQ: config.EQConfig{Engine: "iir"}},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get("dev-1"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return New(Config{Bus: bus, Registry: registry, Logger: log}), bus, cancel
}

func TestListDevices(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/devices/", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var views []deviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 1 || views[0].DeviceID != "dev-1" {
		t.Fatalf("unexpected devices list: %+v", views)
	}
}

func TestGetDSPUnknownDevice404(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/devices/nope/dsp", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSetDSPPublishesCommand(t *testing.T) {
	srv, bus, cancel := newTestServer(t)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	ch := bus.Subscribe(ctx, eventbus.CmdSetDSP, nil)

	dsp := config.DSPConfig{Enabled: true, EQ: config.EQConfig{Engine: "iir"}}
	body, _ := json.Marshal(dsp)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/dsp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	select {
	case ev := <-ch:
		cmd := ev.Payload.(virtualdevice.Command)
		if !cmd.DSPEnabled {
			t.Fatal("expected DSPEnabled true in published command")
		}
	case <-time.After(time.Second):
		t.Fatal("expected CmdSetDSP to be published")
	}
}

func TestSetDSPRejectsInvalidEngine(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	dsp := config.DSPConfig{Enabled: true, EQ: config.EQConfig{Engine: "invalid"}}
	body, _ := json.Marshal(dsp)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/dsp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestResetDSPPublishesCommand(t *testing.T) {
	srv, bus, cancel := newTestServer(t)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	ch := bus.Subscribe(ctx, eventbus.CmdResetDSP, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/dsp/reset", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected CmdResetDSP to be published")
	}
}

func TestSetVolumeValidatesRange(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	body, _ := json.Marshal(volumeRequest{Volume: 150})
	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/volume", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestSetVolumePublishesCommand(t *testing.T) {
	srv, bus, cancel := newTestServer(t)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	ch := bus.Subscribe(ctx, eventbus.CmdSetVolume, nil)

	body, _ := json.Marshal(volumeRequest{Volume: 77})
	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev-1/volume", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case ev := <-ch:
		cmd := ev.Payload.(virtualdevice.Command)
		if cmd.Volume != 77 {
			t.Fatalf("volume = %d, want 77", cmd.Volume)
		}
	case <-time.After(time.Second):
		t.Fatal("expected CmdSetVolume to be published")
	}
}

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		errMsg  string
	}{
		{name: "no arguments shows help", args: []string{}},
		{name: "help command", args: []string{"help"}},
		{name: "version command", args: []string{"version"}},
		{name: "unknown command", args: []string{"unknown-command"}, wantErr: true, errMsg: "unknown command"},
		{name: "dsp without subcommand", args: []string{"dsp"}, wantErr: true, errMsg: "subcommand"},
		{name: "dsp get without id", args: []string{"dsp", "get"}, wantErr: true, errMsg: "device id"},
		{name: "volume without args", args: []string{"volume"}, wantErr: true, errMsg: "device id and a level"},
		{
			name:    "devices against unreachable server",
			args:    []string{"devices", "--base-url", "http://127.0.0.1:1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.errMsg != "" && (err == nil || !strings.Contains(err.Error(), tt.errMsg)) {
				t.Fatalf("error = %v, want containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestFlagValue(t *testing.T) {
	args := []string{"--base-url=http://example.com", "devices"}
	if got := flagValue(args, "base-url", "default"); got != "http://example.com" {
		t.Fatalf("flagValue(=) = %q", got)
	}

	args2 := []string{"--base-url", "http://example.com", "devices"}
	if got := flagValue(args2, "base-url", "default"); got != "http://example.com" {
		t.Fatalf("flagValue(space) = %q", got)
	}

	if got := flagValue([]string{"devices"}, "base-url", "default"); got != "default" {
		t.Fatalf("flagValue(missing) = %q, want default", got)
	}
}

func TestPositional(t *testing.T) {
	args := []string{"get", "--base-url", "http://x", "living-room"}
	got := positional(args)
	want := []string{"get", "living-room"}
	if len(got) != len(want) {
		t.Fatalf("positional = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("positional[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunDevicesAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"device_id":"dev-1","transport_state":"STOPPED","volume":50,"muted":false}]`))
	}))
	defer srv.Close()

	if err := runDevices([]string{"--base-url", srv.URL}); err != nil {
		t.Fatalf("runDevices: %v", err)
	}
}

func TestRunValidateMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")
	if err := runValidate([]string{"--config", path}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRunValidateDefaultsWhenFileAbsentButLoadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http_port: 8088\nweb_port: 8089\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := runValidate([]string{"--config", path}); err != nil {
		t.Fatalf("runValidate: %v", err)
	}
}

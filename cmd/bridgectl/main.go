// Package main implements bridgectl, the operator CLI for bridged.
//
// bridgectl talks to a running bridged instance's Web API; it does not
// touch devices or configuration files directly.
//
// Usage:
//
//	bridgectl [COMMAND] [OPTIONS]
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/menu"
)

var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const defaultBaseURL = "http://127.0.0.1:8089"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "devices":
		return runDevices(commandArgs)
	case "dsp":
		return runDSP(commandArgs)
	case "volume":
		return runVolume(commandArgs)
	case "status":
		return runStatus(commandArgs)
	case "validate":
		return runValidate(commandArgs)
	case "menu":
		return runMenu(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'bridgectl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`bridgectl v%s

USAGE:
    bridgectl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    devices           List known devices
    dsp get ID        Show a device's DSP config
    dsp set ID FILE   Set a device's DSP config from a JSON file
    dsp reset ID      Reset a device's DSP config to default
    volume ID LEVEL   Set a device's volume (0-100)
    status            Show bridged's service status (via /healthz)
    validate          Validate a configuration file
    menu              Launch the interactive management menu

OPTIONS:
    --base-url URL    bridged's Web API base URL (default: %s)
    --config PATH     Path to configuration file (for 'validate')

EXAMPLES:
    bridgectl devices
    bridgectl dsp get living-room
    bridgectl dsp set living-room ./dsp.json
    bridgectl volume living-room 40
    bridgectl status
`, Version, defaultBaseURL)
	return nil
}

func runVersion() error {
	fmt.Printf("bridgectl\n")
	fmt.Printf("  Version:    %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Built:      %s\n", BuildDate)
	return nil
}

// flagValue extracts --name=value or --name value from args, returning def
// if absent. Extracted for testability.
func flagValue(args []string, name, def string) string {
	prefix := "--" + name + "="
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], prefix) {
			return strings.TrimPrefix(args[i], prefix)
		}
		if args[i] == "--"+name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

func positional(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") {
			if !strings.Contains(args[i], "=") && i+1 < len(args) {
				i++
			}
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func runDevices(args []string) error {
	baseURL := flagValue(args, "base-url", defaultBaseURL)
	body, err := httpGET(baseURL + "/api/devices/")
	if err != nil {
		return err
	}

	var devices []map[string]any
	if err := json.Unmarshal(body, &devices); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices known to bridged")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-20v %-12v volume=%v muted=%v\n", d["device_id"], d["transport_state"], d["volume"], d["muted"])
	}
	return nil
}

func runDSP(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("dsp requires a subcommand: get|set|reset")
	}
	baseURL := flagValue(args, "base-url", defaultBaseURL)
	pos := positional(args[1:])

	switch args[0] {
	case "get":
		if len(pos) < 1 {
			return fmt.Errorf("dsp get requires a device id")
		}
		body, err := httpGET(fmt.Sprintf("%s/api/devices/%s/dsp", baseURL, pos[0]))
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil

	case "set":
		if len(pos) < 2 {
			return fmt.Errorf("dsp set requires a device id and a JSON file path")
		}
		data, err := os.ReadFile(pos[1])
		if err != nil {
			return fmt.Errorf("read dsp file: %w", err)
		}
		_, err = httpPOST(fmt.Sprintf("%s/api/devices/%s/dsp", baseURL, pos[0]), data)
		return err

	case "reset":
		if len(pos) < 1 {
			return fmt.Errorf("dsp reset requires a device id")
		}
		_, err := httpPOST(fmt.Sprintf("%s/api/devices/%s/dsp/reset", baseURL, pos[0]), nil)
		return err

	default:
		return fmt.Errorf("unknown dsp subcommand: %s", args[0])
	}
}

func runVolume(args []string) error {
	baseURL := flagValue(args, "base-url", defaultBaseURL)
	pos := positional(args)
	if len(pos) < 2 {
		return fmt.Errorf("volume requires a device id and a level (0-100)")
	}
	level, err := strconv.Atoi(pos[1])
	if err != nil {
		return fmt.Errorf("invalid volume level %q: %w", pos[1], err)
	}
	payload, _ := json.Marshal(map[string]int{"volume": level})
	_, err = httpPOST(fmt.Sprintf("%s/api/devices/%s/volume", baseURL, pos[0]), payload)
	return err
}

func runStatus(args []string) error {
	baseURL := flagValue(args, "base-url", defaultBaseURL)
	body, err := httpGET(baseURL + "/healthz")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runValidate(args []string) error {
	path := flagValue(args, "config", "/etc/bridge/config.yaml")
	fmt.Printf("Validating configuration: %s\n\n", path)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Printf("INVALID: %v\n", err)
		return err
	}
	fmt.Printf("OK: http_port=%d web_port=%d discovery_interval_s=%d\n",
		cfg.HTTPPort, cfg.WebPort, cfg.DiscoveryIntervalS)
	return nil
}

func runMenu(args []string) error {
	m := menu.CreateMainMenu()
	return m.Display()
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func httpGET(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, body)
	}
	return body, nil
}

func httpPOST(url string, payload []byte) ([]byte, error) {
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, body)
	}
	return body, nil
}

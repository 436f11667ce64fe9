// SPDX-License-Identifier: MIT

package udev

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// RulesFilePath is where the generated persistent-naming rules are
// installed so the local speaker's USB audio interface keeps the same
// /dev/snd/by-usb-port/* symlink across replugs and reboots, regardless
// of which controlC index the kernel happens to assign it.
const RulesFilePath = "/etc/udev/rules.d/99-usb-soundcards.rules"

// DeviceInfo is one USB audio device to generate a persistent-naming
// rule for.
type DeviceInfo struct {
	PortPath string // Physical USB port, e.g. "1-1.4"
	BusNum   int
	DevNum   int
	Product  string // Optional, for the rule file's comments only
	Serial   string // Optional, for the rule file's comments only
}

// GenerateRule renders the udev rule for one USB audio device without
// validating its inputs — see GenerateRuleWithValidation for a checked
// variant.
func GenerateRule(portPath string, busNum, devNum int) string {
	return fmt.Sprintf(
		`SUBSYSTEM=="sound", KERNEL=="controlC[0-9]*", ATTRS{busnum}=="%d", ATTRS{devnum}=="%d", SYMLINK+="snd/by-usb-port/%s"`,
		busNum, devNum, portPath,
	)
}

// GenerateRuleWithValidation renders the udev rule for one USB audio
// device, rejecting a malformed port path or a non-positive bus/device
// number before it reaches a file udevd will load.
func GenerateRuleWithValidation(portPath string, busNum, devNum int) (string, error) {
	if !IsValidUSBPortPath(portPath) {
		return "", fmt.Errorf("invalid USB port path: %s", portPath)
	}
	if busNum <= 0 {
		return "", fmt.Errorf("invalid bus number: %d (must be positive)", busNum)
	}
	if devNum <= 0 {
		return "", fmt.Errorf("invalid dev number: %d (must be positive)", devNum)
	}
	return GenerateRule(portPath, busNum, devNum), nil
}

// GenerateRule renders this device's rule using its own fields.
func (d DeviceInfo) GenerateRule() string {
	return GenerateRule(d.PortPath, d.BusNum, d.DevNum)
}

// GenerateRulesFile renders the full rules file content for devices: a
// header comment followed by one rule per device, one per line.
func GenerateRulesFile(devices []*DeviceInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Persistent USB audio port naming, generated %s\n", stampNow())
	fmt.Fprintf(&b, "# Do not edit by hand; changes are lost when this file is rewritten.\n")
	for _, dev := range devices {
		b.WriteString(dev.GenerateRule())
		b.WriteString("\n")
	}
	return b.String()
}

// stampNow is a seam so the generated header's timestamp can be frozen
// in tests instead of depending on wall-clock time.
var stampNow = func() string { return time.Now().UTC().Format(time.RFC3339) }

// WriteRulesFileToPath validates devices, renders their rules file, and
// writes it to path, optionally reloading udev afterward.
func WriteRulesFileToPath(devices []*DeviceInfo, path string, reload bool) error {
	return writeRulesFileToPathWithRunner(devices, path, reload, runCommand)
}

// commandRunner abstracts exec.Command for reloadUdevRulesWith's tests.
type commandRunner func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput() // #nosec G204 - fixed udevadm subcommands only
}

func writeRulesFileToPathWithRunner(devices []*DeviceInfo, path string, reload bool, runner commandRunner) error {
	for i, dev := range devices {
		if _, err := GenerateRuleWithValidation(dev.PortPath, dev.BusNum, dev.DevNum); err != nil {
			return fmt.Errorf("invalid device %d: %w", i, err)
		}
	}

	content := GenerateRulesFile(devices)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { // #nosec G306 - udev rules must be world-readable
		return fmt.Errorf("failed to write rules file: %w", err)
	}

	if reload {
		if err := reloadUdevRulesWith(runner); err != nil {
			return fmt.Errorf("failed to reload udev rules: %w", err)
		}
	}
	return nil
}

// reloadUdevRulesWith tells a running udevd to re-read its rules and
// re-trigger device events so a newly written rule takes effect without
// a reboot, via an injectable runner so tests never shell out for real.
func reloadUdevRulesWith(runner commandRunner) error {
	if _, err := runner("udevadm", "control", "--reload-rules"); err != nil {
		return fmt.Errorf("udevadm control --reload-rules: %w", err)
	}
	if _, err := runner("udevadm", "trigger"); err != nil {
		return fmt.Errorf("udevadm trigger: %w", err)
	}
	return nil
}

// WriteRulesFile writes devices' persistent-naming rules to the
// well-known system path and optionally reloads udev. Writing there
// requires root; callers running unprivileged should expect an error.
func WriteRulesFile(devices []*DeviceInfo, reload bool) error {
	return WriteRulesFileToPath(devices, RulesFilePath, reload)
}

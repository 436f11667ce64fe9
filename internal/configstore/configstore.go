// Package configstore persists each Virtual Device's DSP/volume/mute
// settings to its own JSON file, so a restart restores the device to the
// state it was in rather than falling back to the default DSP config.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/nonu1l/unairplay/internal/config"
)

// ErrInvalidDeviceID rejects a device id that wouldn't be a safe
// filename component.
var ErrInvalidDeviceID = errors.New("configstore: invalid device id")

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Entry is the persisted per-device shape.
type Entry struct {
	Volume    int              `json:"volume"`
	Muted     bool             `json:"muted"`
	DSPConfig config.DSPConfig `json:"dsp_config"`
}

// Store reads and writes one JSON file per device id under Dir, using
// renameio's write-fsync-rename to guarantee a crash never leaves a
// partially written or torn file behind.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("configstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(deviceID string) (string, error) {
	if deviceID == "" || !deviceIDPattern.MatchString(deviceID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	return filepath.Join(s.dir, deviceID+".json"), nil
}

// Load reads the persisted entry for deviceID. A missing file is not an
// error: it returns (Entry{}, false, nil) so the caller falls back to
// the Virtual Device's configured default DSP.
func (s *Store) Load(deviceID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(deviceID)
	if err != nil {
		return Entry{}, false, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is built from a validated device id under our own dir
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("configstore: read %s: %w", path, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("configstore: decode %s: %w", path, err)
	}
	return e, true, nil
}

// Save atomically writes entry for deviceID: a partial write or crash
// mid-rename never leaves a torn file on disk, and a reader never
// observes one half of a save.
func (s *Store) Save(deviceID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(deviceID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("configstore: encode: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("configstore: create pending file: %w", err)
	}
	defer func() { _ = pendingFile.Cleanup() }()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("configstore: write: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("configstore: atomic replace: %w", err)
	}
	return nil
}

// Delete removes deviceID's persisted entry, if any.
func (s *Store) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(deviceID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("configstore: delete %s: %w", path, err)
	}
	return nil
}

// List returns the device ids with a persisted entry.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("configstore: list: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}

// Package storage persists the per room switch states, runtime overrides and manual light states.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
)

var (
	// runtime states, written by the room itself.
	RuntimePrefixes = []string{"switch_", "binary_sensor_", "sensor_"}
	// runtime overrides of configured values.
	ConfigPrefixes = []string{"number_", "time_"}
)

// ManualStates is the remembered on/off intent per light, one map per mode.
type ManualStates struct {
	Main  map[homeassistant.EntityID]bool `json:"main"`
	Night map[homeassistant.EntityID]bool `json:"night"`
}

func NewManualStates() ManualStates {
	return ManualStates{
		Main:  make(map[homeassistant.EntityID]bool),
		Night: make(map[homeassistant.EntityID]bool),
	}
}

// Copy returns a deep copy.
func (m ManualStates) Copy() ManualStates {
	out := NewManualStates()

	for light, on := range m.Main {
		out.Main[light] = on
	}

	for light, on := range m.Night {
		out.Night[light] = on
	}

	return out
}

// UnmarshalJSON also accepts the old flat {entity_id: bool} layout, which becomes
// the main map while every night entry starts out on.
func (m *ManualStates) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}

	_, hasMain := fields["main"]
	_, hasNight := fields["night"]

	*m = NewManualStates()

	if hasMain || hasNight || len(fields) == 0 {
		type plain ManualStates

		var decoded plain
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}

		if decoded.Main != nil {
			m.Main = decoded.Main
		}

		if decoded.Night != nil {
			m.Night = decoded.Night
		}

		return nil
	}

	var flat map[homeassistant.EntityID]bool
	if err := json.Unmarshal(raw, &flat); err != nil {
		return err
	}

	for light, on := range flat {
		m.Main[light] = on
		m.Night[light] = true
	}

	log.Infof("%s migrated flat manual states with %d lights", icons.Disk, len(flat))

	return nil
}

// Data is what gets persisted per room.
type Data struct {
	States       map[string]any `json:"states"`
	ManualStates ManualStates   `json:"manual_states"`
}

func NewData() *Data {
	return &Data{
		States:       make(map[string]any),
		ManualStates: NewManualStates(),
	}
}

// SetState sets a runtime state or a config override. Keys without a known prefix are rejected.
func (d *Data) SetState(key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	d.States[key] = value

	return nil
}

type envelope struct {
	Version      int    `json:"version"`
	MinorVersion int    `json:"minor_version,omitempty"`
	Key          string `json:"key"`
	Data         *Data  `json:"data"`
}

// Store reads and writes one JSON file per room.
type Store struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
	pr  *log.Logger
}

func New(fs afero.Fs, dir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = models.Printer
	}

	return &Store{fs: fs, dir: dir, pr: logger}
}

// Key returns the storage key of the room.
func Key(roomID string) string {
	return models.StorageDomain + "." + roomID
}

func (s *Store) path(roomID string) string {
	return filepath.Join(s.dir, Key(roomID)+".json")
}

// Load returns the stored data of the room. A missing file is empty data, not an error.
func (s *Store) Load(roomID string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := afero.ReadFile(s.fs, s.path(roomID))
	if errors.Is(err, os.ErrNotExist) {
		return NewData(), nil
	} else if err != nil {
		return NewData(), fmt.Errorf("read %s: %w", s.path(roomID), err)
	}

	stored := envelope{Data: NewData()}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return NewData(), fmt.Errorf("decode %s: %w", s.path(roomID), err)
	}

	if stored.Data == nil {
		stored.Data = NewData()
	}

	if stored.Data.States == nil {
		stored.Data.States = make(map[string]any)
	}

	for key := range stored.Data.States {
		if ValidateKey(key) != nil {
			s.pr.Warnf("%s dropping unknown stored key %s", icons.Disk, key)
			delete(stored.Data.States, key)
		}
	}

	s.pr.Debugf("%s loaded %s | version %d | %d states", icons.Disk, stored.Key, stored.Version, len(stored.Data.States))

	return stored.Data, nil
}

// Save writes the data of the room. The file is replaced atomically.
func (s *Store) Save(roomID string, data *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(envelope{Version: models.StorageVersion, Key: Key(roomID), Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", Key(roomID), err)
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.dir, err)
	}

	target := s.path(roomID)
	tmp := target + ".tmp"

	if err := afero.WriteFile(s.fs, tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)

		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	s.pr.Debugf("%s saved %s", icons.Disk, Key(roomID))

	return nil
}

// Remove deletes the stored data of the room.
func (s *Store) Remove(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path(roomID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func IsRuntimeKey(key string) bool { return hasAnyPrefix(key, RuntimePrefixes) }
func IsConfigKey(key string) bool  { return hasAnyPrefix(key, ConfigPrefixes) }

// ValidateKey accepts runtime states and config overrides.
func ValidateKey(key string) error {
	if IsRuntimeKey(key) || IsConfigKey(key) {
		return nil
	}

	return fmt.Errorf("%w: %s", models.ErrInvalidStateKey, key)
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}

	return false
}

package dynpresence

import (
	"fmt"
	"strings"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/mitchellh/mapstructure"
)

const switchPrefix = "switch_"

// Switch keys as used by the API, without the storage prefix.
const (
	SwitchAutomation    = "automation"
	SwitchAutoOn        = "auto_on"
	SwitchAutoOff       = "auto_off"
	SwitchNightMode     = "night_mode"
	SwitchNightManualOn = "night_manual_on"
)

var switchKeys = []string{SwitchAutomation, SwitchAutoOn, SwitchAutoOff, SwitchNightMode, SwitchNightManualOn}

// Switches are the runtime toggles of a room. They survive restarts and config reloads.
type Switches struct {
	Automation    bool `json:"switch_automation"      mapstructure:"switch_automation"`
	AutoOn        bool `json:"switch_auto_on"         mapstructure:"switch_auto_on"`
	AutoOff       bool `json:"switch_auto_off"        mapstructure:"switch_auto_off"`
	NightMode     bool `json:"switch_night_mode"      mapstructure:"switch_night_mode"`
	NightManualOn bool `json:"switch_night_manual_on" mapstructure:"switch_night_manual_on"`
}

func DefaultSwitches() Switches {
	return Switches{
		Automation: true,
		AutoOn:     true,
		AutoOff:    true,
		NightMode:  true,
	}
}

// SwitchesFromStates reads the switch_* entries of a stored state map on top of the defaults.
// Entries that are not booleans are ignored.
func SwitchesFromStates(states map[string]any) Switches {
	switches := DefaultSwitches()

	values := make(map[string]any)

	for key, value := range states {
		if _, ok := value.(bool); ok && strings.HasPrefix(key, switchPrefix) {
			values[key] = value
		}
	}

	if err := mapstructure.Decode(values, &switches); err != nil {
		models.Printer.Warnf("decoding stored switches failed: %v", err)

		return DefaultSwitches()
	}

	return switches
}

// ToStates returns the switches as switch_* entries.
func (s Switches) ToStates() map[string]any {
	states := make(map[string]any, len(switchKeys))

	if err := mapstructure.Decode(s, &states); err != nil {
		models.Printer.Warnf("encoding switches failed: %v", err)
	}

	return states
}

// Get returns the switch for key, with or without the switch_ prefix.
func (s *Switches) Get(key string) (bool, error) {
	field, err := s.field(key)
	if err != nil {
		return false, err
	}

	return *field, nil
}

// Set updates the switch for key, with or without the switch_ prefix.
func (s *Switches) Set(key string, value bool) error {
	field, err := s.field(key)
	if err != nil {
		return err
	}

	*field = value

	return nil
}

func (s *Switches) field(key string) (*bool, error) {
	switch strings.TrimPrefix(key, switchPrefix) {
	case SwitchAutomation:
		return &s.Automation, nil
	case SwitchAutoOn:
		return &s.AutoOn, nil
	case SwitchAutoOff:
		return &s.AutoOff, nil
	case SwitchNightMode:
		return &s.NightMode, nil
	case SwitchNightManualOn:
		return &s.NightManualOn, nil
	}

	return nil, fmt.Errorf("%w: %s", models.ErrUnknownSwitch, key)
}

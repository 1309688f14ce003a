package dynpresence

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/models"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const timeOfDayLayout = "15:04"

var roomNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/Shiu/dynamic-presence/rooms"))

// RoomConfig is the configuration of a single room. It is replaced as a whole on reload.
type RoomConfig struct {
	// ID identifies the room in storage and adjacency lists, derived from the name if empty.
	ID   string `json:"id"   mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`

	PresenceSensor homeassistant.EntityID   `json:"presence_sensor"        mapstructure:"presence_sensor"`
	Lights         []homeassistant.EntityID `json:"lights"                 mapstructure:"lights"`
	NightLights    []homeassistant.EntityID `json:"night_lights,omitempty" mapstructure:"night_lights"`

	LightSensor    homeassistant.EntityID `json:"light_sensor,omitempty" mapstructure:"light_sensor"`
	LightThreshold float64                `json:"light_threshold"        mapstructure:"light_threshold"`

	DetectionTimeout time.Duration `json:"detection_timeout" mapstructure:"detection_timeout"`
	LongTimeout      time.Duration `json:"long_timeout"      mapstructure:"long_timeout"`
	ShortTimeout     time.Duration `json:"short_timeout"     mapstructure:"short_timeout"`

	NightModeStart time.Time `json:"night_mode_start" mapstructure:"night_mode_start"`
	NightModeEnd   time.Time `json:"night_mode_end"   mapstructure:"night_mode_end"`

	// AdjacentRooms holds ids or names of other rooms.
	AdjacentRooms []string `json:"adjacent_rooms,omitempty" mapstructure:"adjacent_rooms"`

	// Transition is passed as service data to the light calls.
	Transition time.Duration `json:"transition,omitempty" mapstructure:"transition"`
}

// Defaults are applied to every room before its own configuration is decoded.
type Defaults struct {
	DetectionTimeout time.Duration `mapstructure:"detection_timeout"`
	LongTimeout      time.Duration `mapstructure:"long_timeout"`
	ShortTimeout     time.Duration `mapstructure:"short_timeout"`
	LightThreshold   float64       `mapstructure:"light_threshold"`
	NightModeStart   string        `mapstructure:"night_mode_start"`
	NightModeEnd     string        `mapstructure:"night_mode_end"`
	Transition       time.Duration `mapstructure:"transition"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`
}

// BuiltinDefaults are used if nothing else is configured.
func BuiltinDefaults() Defaults {
	return Defaults{
		DetectionTimeout: 5 * time.Second,
		LongTimeout:      5 * time.Minute,
		ShortTimeout:     time.Minute,
		LightThreshold:   20,
		NightModeStart:   "23:00",
		NightModeEnd:     "08:00",
		RefreshInterval:  30 * time.Second,
		StatsInterval:    13*time.Minute + 37*time.Second,
	}
}

// RegisterViperDefaults registers the builtin defaults under "dynpresence.defaults".
func RegisterViperDefaults() {
	builtin := BuiltinDefaults()

	viper.SetDefault("dynpresence.defaults.detection_timeout", builtin.DetectionTimeout)
	viper.SetDefault("dynpresence.defaults.long_timeout", builtin.LongTimeout)
	viper.SetDefault("dynpresence.defaults.short_timeout", builtin.ShortTimeout)
	viper.SetDefault("dynpresence.defaults.light_threshold", builtin.LightThreshold)
	viper.SetDefault("dynpresence.defaults.night_mode_start", builtin.NightModeStart)
	viper.SetDefault("dynpresence.defaults.night_mode_end", builtin.NightModeEnd)
	viper.SetDefault("dynpresence.defaults.refresh_interval", builtin.RefreshInterval)
	viper.SetDefault("dynpresence.defaults.stats_interval", builtin.StatsInterval)
}

// DefaultsFromViper reads the defaults from the "dynpresence.defaults" config section.
func DefaultsFromViper() Defaults {
	defaults := BuiltinDefaults()

	if err := viper.UnmarshalKey("dynpresence.defaults", &defaults, viper.DecodeHook(decodeHooks())); err != nil {
		models.Printer.With("err", err).Error("decoding defaults failed, using builtin defaults")

		return BuiltinDefaults()
	}

	return defaults
}

func decodeHooks() mapstructure.DecodeHookFunc { //nolint:ireturn
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(timeOfDayLayout),
		mapstructure.StringToTimeDurationHookFunc(),
		SecondsToDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		homeassistant.StringToEntityIDHookFunc(),
	)
}

// SecondsToDurationHookFunc decodes plain numbers into durations of that many seconds.
// Values that already are durations, e.g. from viper defaults or an earlier hook, pass unchanged.
func SecondsToDurationHookFunc() mapstructure.DecodeHookFunc { //nolint:ireturn
	durationType := reflect.TypeOf(time.Duration(0))

	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != durationType || f == durationType {
			return data, nil
		}

		switch f.Kind() { //nolint:exhaustive
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// ParseRoomConfig decodes a raw room entry on top of the defaults.
// Unused keys are returned so they can be reported.
func ParseRoomConfig(rawRoom map[string]interface{}, defaults Defaults) (*RoomConfig, []string, error) {
	cfg := &RoomConfig{
		LightThreshold:   defaults.LightThreshold,
		DetectionTimeout: defaults.DetectionTimeout,
		LongTimeout:      defaults.LongTimeout,
		ShortTimeout:     defaults.ShortTimeout,
		Transition:       defaults.Transition,
	}

	var err error

	if cfg.NightModeStart, err = ParseTimeOfDay(defaults.NightModeStart); err != nil {
		return nil, nil, err
	}

	if cfg.NightModeEnd, err = ParseTimeOfDay(defaults.NightModeEnd); err != nil {
		return nil, nil, err
	}

	var metadata mapstructure.Metadata

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: decodeHooks(),
		Result:     cfg,
		Metadata:   &metadata,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := decoder.Decode(rawRoom); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", models.ErrInvalidRoomCfg, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	if cfg.ID == "" {
		cfg.ID = RoomIDFromName(cfg.Name)
	}

	return cfg, metadata.Unused, nil
}

// RoomIDFromName returns a stable id for rooms without an explicit one.
func RoomIDFromName(name string) string {
	return uuid.NewSHA1(roomNamespace, []byte(strings.ToLower(strings.TrimSpace(name)))).String()
}

func (c *RoomConfig) validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: room without name", models.ErrInvalidRoomCfg)
	case c.DetectionTimeout <= 0:
		return fmt.Errorf("%w: %s: detection_timeout must be positive", models.ErrInvalidRoomCfg, c.Name)
	case c.LongTimeout <= 0 || c.ShortTimeout <= 0:
		return fmt.Errorf("%w: %s: long_timeout and short_timeout must be positive", models.ErrInvalidRoomCfg, c.Name)
	case c.LightThreshold < 0:
		return fmt.Errorf("%w: %s: light_threshold must not be negative", models.ErrInvalidRoomCfg, c.Name)
	}

	return nil
}

// IsConfigured reports whether the room has a presence sensor and lights to control.
func (c *RoomConfig) IsConfigured() bool {
	return c != nil && !c.PresenceSensor.IsZero() && len(c.Lights) > 0
}

// HasNightLights reports whether a separate night light set is configured.
func (c *RoomConfig) HasNightLights() bool {
	return len(c.NightLights) > 0
}

func (c *RoomConfig) MainSet() mapset.Set[homeassistant.EntityID] {
	return mapset.NewSet(c.Lights...)
}

func (c *RoomConfig) NightSet() mapset.Set[homeassistant.EntityID] {
	return mapset.NewSet(c.NightLights...)
}

// AllLights is the union of main and night lights.
func (c *RoomConfig) AllLights() mapset.Set[homeassistant.EntityID] {
	return c.MainSet().Union(c.NightSet())
}

// Copy returns a deep copy.
func (c *RoomConfig) Copy() *RoomConfig {
	out := *c
	out.Lights = append([]homeassistant.EntityID(nil), c.Lights...)
	out.NightLights = append([]homeassistant.EntityID(nil), c.NightLights...)
	out.AdjacentRooms = append([]string(nil), c.AdjacentRooms...)

	return &out
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(raw string) (time.Time, error) {
	parsed, err := time.Parse(timeOfDayLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time of day %q", models.ErrInvalidValue, raw)
	}

	return parsed, nil
}

// FormatTimeOfDay formats as "HH:MM".
func FormatTimeOfDay(t time.Time) string {
	return t.Format(timeOfDayLayout)
}

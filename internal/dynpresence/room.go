package dynpresence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shiu/dynamic-presence/internal/clock"
	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/lights"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/models/service"
	"github.com/Shiu/dynamic-presence/internal/mqtt"
	"github.com/Shiu/dynamic-presence/internal/presence"
	"github.com/Shiu/dynamic-presence/internal/storage"
	"github.com/Shiu/dynamic-presence/internal/style"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

const (
	numberPrefix = "number_"
	timePrefix   = "time_"

	NumberDetectionTimeout = "detection_timeout"
	NumberLongTimeout      = "long_timeout"
	NumberShortTimeout     = "short_timeout"
	NumberLightThreshold   = "light_threshold"

	TimeNightModeStart = "night_mode_start"
	TimeNightModeEnd   = "night_mode_end"
)

type numberRange struct{ min, max float64 }

var numberRanges = map[string]numberRange{
	NumberDetectionTimeout: {1, 3600},
	NumberLongTimeout:      {1, 86400},
	NumberShortTimeout:     {1, 86400},
	NumberLightThreshold:   {0, 10000},
}

// Deps are the collaborators shared by all rooms.
type Deps struct {
	Actuator  lights.Actuator
	Store     *storage.Store
	Publisher mqtt.Publisher
	Clock     clock.Clock
	Registry  *Registry
	Logger    *log.Logger
}

// Room couples the presence state machine of one room with its configuration,
// runtime switches and remembered light states.
type Room struct {
	// serializes event handlers, timer callbacks and mutations of this room.
	// never held while taking the lock of another room.
	sync.Mutex

	id   string
	deps Deps
	ctx  context.Context //nolint:containedctx

	machine        *presence.Machine
	detectionTimer *presence.Timer
	countdownTimer *presence.Timer

	// dataMu guards the fields below for readers that do not hold the room lock.
	dataMu         sync.RWMutex
	baseCfg        *RoomConfig
	cfg            *RoomConfig
	overrides      map[string]any
	switches       Switches
	manual         storage.ManualStates
	controller     *lights.Controller
	nightActive    bool
	lastPresence   time.Time
	occupancyStart time.Time

	events chan *homeassistant.EventMsg

	eventsReceivedTotal atomic.Uint64

	color lipgloss.Color
	style lipgloss.Style
	pr    *log.Logger
}

// NewRoom creates a vacant room. Call Init before feeding events.
func NewRoom(cfg *RoomConfig, deps Deps) *Room {
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}

	if deps.Logger == nil {
		deps.Logger = models.Printer
	}

	if deps.Publisher == nil {
		deps.Publisher = mqtt.NoopPublisher{}
	}

	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}

	room := &Room{
		id:        cfg.ID,
		deps:      deps,
		ctx:       context.Background(),
		machine:   presence.NewMachine(presence.Vacant),
		baseCfg:   cfg.Copy(),
		cfg:       cfg.Copy(),
		overrides: make(map[string]any),
		switches:  DefaultSwitches(),
		manual:    storage.NewManualStates(),
		events:    make(chan *homeassistant.EventMsg, 64),
	}

	if room.id == "" {
		room.id = RoomIDFromName(cfg.Name)
		room.baseCfg.ID = room.id
		room.cfg.ID = room.id
	}

	room.color = GenerateColorFromString(cfg.Name)
	room.style = lipgloss.NewStyle().Foreground(room.color)
	room.pr = deps.Logger.WithPrefix(room.style.Render(cfg.Name))

	room.controller = room.newController(room.cfg)

	room.detectionTimer = presence.NewTimer("detection", deps.Clock, room, room.onDetectionExpired, room.pr)
	room.countdownTimer = presence.NewTimer("countdown", deps.Clock, room, room.onCountdownExpired, room.pr)

	return room
}

func (r *Room) newController(cfg *RoomConfig) *lights.Controller {
	controller := lights.NewController(r.deps.Actuator, r.pr)

	if cfg.Transition > 0 {
		transition := map[string]interface{}{"transition": cfg.Transition.Seconds()}
		controller.WithServiceData(service.TurnOn, transition).WithServiceData(service.TurnOff, transition)
	}

	return controller
}

func (r *Room) ID() string { return r.id }

func (r *Room) Name() string {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.cfg.Name
}

func (r *Room) String() string {
	return r.Name()
}

func (r *Room) FmtString() string {
	return r.style.Render(r.Name())
}

func (r *Room) FmtShort() string {
	return r.style.Render(strings.TrimSpace(strings.ReplaceAll(r.Name(), "room", "")))
}

// State is safe to call from any goroutine.
func (r *Room) State() presence.RoomState {
	return r.machine.State()
}

// Config returns a copy of the effective configuration, runtime overrides included.
func (r *Room) Config() *RoomConfig {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.cfg.Copy()
}

func (r *Room) Switches() Switches {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.switches
}

func (r *Room) ManualStates() storage.ManualStates {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.manual.Copy()
}

// NightModeActive reports whether the night light set is the active one.
func (r *Room) NightModeActive() bool {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.nightActive
}

// ActiveLights returns the light set of the current mode.
func (r *Room) ActiveLights() lights.Set {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.activeLightsLocked()
}

func (r *Room) activeLightsLocked() lights.Set {
	if r.nightActive {
		return r.cfg.NightSet()
	}

	return r.cfg.MainSet()
}

func (r *Room) activeModeLocked() map[homeassistant.EntityID]bool {
	if r.nightActive {
		return r.manual.Night
	}

	return r.manual.Main
}

// EventsReceived returns the number of events handled by the room.
func (r *Room) EventsReceived() uint64 {
	return r.eventsReceivedTotal.Load()
}

// Init loads the persisted state, reconciles it with the configuration and
// derives the initial presence from the current sensor reading.
func (r *Room) Init(ctx context.Context) {
	r.Lock()
	defer r.Unlock()

	r.ctx = ctx

	data := storage.NewData()

	if r.deps.Store != nil {
		loaded, err := r.deps.Store.Load(r.id)
		if err != nil {
			r.pr.Warnf("%s loading stored state failed, starting fresh: %v", icons.Disk, err)
		} else {
			data = loaded
		}
	}

	overrides := make(map[string]any)

	for key, value := range data.States {
		if storage.IsConfigKey(key) {
			overrides[key] = value
		}
	}

	r.dataMu.Lock()
	r.switches = SwitchesFromStates(data.States)
	r.manual = data.ManualStates.Copy()
	r.overrides = overrides
	r.cfg = applyOverrides(r.baseCfg, overrides, r.pr)
	r.controller = r.newController(r.cfg)
	reconcileManualStates(&r.manual, r.cfg)
	r.nightActive = r.computeNightLocked()
	r.dataMu.Unlock()

	r.persist()

	if r.Config().IsConfigured() {
		r.evaluatePresenceSensor()
	} else {
		r.pr.Warnf("%s no presence sensor or lights configured, room stays passive", icons.Block)
	}

	r.publish()
}

// evaluatePresenceSensor runs the presence handler matching the current sensor reading.
func (r *Room) evaluatePresenceSensor() {
	sensor := r.Config().PresenceSensor

	state := r.deps.Actuator.GetState(sensor)
	if !state.IsKnown() {
		r.pr.Debugf("%s presence sensor %s has no usable state yet", icons.Hae, sensor.FmtShort())

		return
	}

	r.handlePresence(state.State)
}

// UpdateConfig replaces the configuration. Runtime overrides of configured values are dropped.
func (r *Room) UpdateConfig(cfg *RoomConfig) {
	r.Lock()
	defer r.Unlock()

	previous := r.Config()

	r.dataMu.Lock()
	r.baseCfg = cfg.Copy()
	r.baseCfg.ID = r.id
	r.overrides = make(map[string]any)
	r.cfg = r.baseCfg.Copy()
	r.controller = r.newController(r.cfg)
	reconcileManualStates(&r.manual, r.cfg)
	r.dataMu.Unlock()

	r.pr.Infof("%s configuration updated", icons.Reload)

	r.persist()

	switch {
	case !r.cfg.IsConfigured():
		r.detectionTimer.Cancel()
		r.countdownTimer.Cancel()
		r.pr.Warnf("%s no presence sensor or lights configured, room stays passive", icons.Block)

	case !previous.IsConfigured() || previous.PresenceSensor != r.cfg.PresenceSensor:
		r.evaluatePresenceSensor()
	}

	r.syncNightMode()
	r.publish()
}

// SetSwitch sets and persists a runtime switch.
func (r *Room) SetSwitch(key string, value bool) error {
	r.Lock()
	defer r.Unlock()

	r.dataMu.Lock()
	err := r.switches.Set(key, value)
	r.dataMu.Unlock()

	if err != nil {
		return err
	}

	r.pr.Infof("%s %s set to %s", icons.Key, style.Bold(strings.TrimPrefix(key, switchPrefix)), style.Bold(strconv.FormatBool(value)))

	r.persist()

	if strings.TrimPrefix(key, switchPrefix) == SwitchNightMode {
		r.syncNightMode()
	}

	r.publish()

	return nil
}

// SetNumber overrides a configured number at runtime. Running timers pick up the new value immediately.
func (r *Room) SetNumber(key string, value float64) error {
	key = strings.TrimPrefix(key, numberPrefix)

	r.Lock()
	defer r.Unlock()

	r.dataMu.Lock()

	cfg := r.cfg.Copy()
	if err := setNumber(cfg, key, value); err != nil {
		r.dataMu.Unlock()

		return err
	}

	r.overrides[numberPrefix+key] = value
	r.cfg = cfg
	r.dataMu.Unlock()

	r.pr.Infof("%s %s set to %s", icons.Key, style.Bold(key), style.Bold(strconv.FormatFloat(value, 'f', -1, 64)))

	r.persist()

	switch state := r.State(); {
	case state == presence.DetectionTimeout && key == NumberDetectionTimeout:
		r.startDetection()

	case state == presence.Countdown && (key == NumberLongTimeout || key == NumberShortTimeout):
		r.startCountdown()
	}

	r.publish()

	return nil
}

// SetTime overrides the night mode start or end at runtime, raw is "HH:MM".
func (r *Room) SetTime(key string, raw string) error {
	key = strings.TrimPrefix(key, timePrefix)

	parsed, err := ParseTimeOfDay(raw)
	if err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	r.dataMu.Lock()

	cfg := r.cfg.Copy()
	if err := setTime(cfg, key, parsed); err != nil {
		r.dataMu.Unlock()

		return err
	}

	r.overrides[timePrefix+key] = FormatTimeOfDay(parsed)
	r.cfg = cfg
	r.dataMu.Unlock()

	r.pr.Infof("%s %s set to %s", icons.Alarm, style.Bold(key), style.Bold(FormatTimeOfDay(parsed)))

	r.persist()
	r.syncNightMode()
	r.publish()

	return nil
}

// Refresh re-evaluates the night mode window and publishes a fresh snapshot.
func (r *Room) Refresh() {
	r.Lock()
	defer r.Unlock()

	r.syncNightMode()
	r.publish()
}

// Stop cancels pending timers.
func (r *Room) Stop() {
	r.Lock()
	defer r.Unlock()

	r.detectionTimer.Cancel()
	r.countdownTimer.Cancel()
}

// Snapshot is the exposed data of a room.
type Snapshot struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Configured bool               `json:"configured"`
	State      presence.RoomState `json:"state"`

	Occupancy bool `json:"binary_sensor_occupancy"`
	NightMode bool `json:"binary_sensor_night_mode"`

	OccupancyDuration int64    `json:"sensor_occupancy_duration"`
	AbsenceDuration   int64    `json:"sensor_absence_duration"`
	LightLevel        *float64 `json:"sensor_light_level"`

	Switches

	DetectionTimeout float64 `json:"number_detection_timeout"`
	LongTimeout      float64 `json:"number_long_timeout"`
	ShortTimeout     float64 `json:"number_short_timeout"`
	LightThreshold   float64 `json:"number_light_threshold"`

	NightModeStart string `json:"time_night_mode_start"`
	NightModeEnd   string `json:"time_night_mode_end"`

	DetectionRemaining float64 `json:"timer_detection_remaining"`
	CountdownRemaining float64 `json:"timer_countdown_remaining"`

	ActiveLights []homeassistant.EntityID `json:"active_lights"`
	ManualStates storage.ManualStates     `json:"manual_states"`
}

// Snapshot is safe to call from any goroutine.
func (r *Room) Snapshot() Snapshot {
	now := r.deps.Clock.Now()
	state := r.State()

	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	cfg := r.cfg

	snapshot := Snapshot{
		ID:         r.id,
		Name:       cfg.Name,
		Configured: cfg.IsConfigured(),
		State:      state,

		Occupancy: state == presence.Occupied || state == presence.DetectionTimeout,
		NightMode: r.switches.NightMode && IsNightTime(now, cfg.NightModeStart, cfg.NightModeEnd),

		LightLevel: r.lightLevel(cfg),

		Switches: r.switches,

		DetectionTimeout: cfg.DetectionTimeout.Seconds(),
		LongTimeout:      cfg.LongTimeout.Seconds(),
		ShortTimeout:     cfg.ShortTimeout.Seconds(),
		LightThreshold:   cfg.LightThreshold,

		NightModeStart: FormatTimeOfDay(cfg.NightModeStart),
		NightModeEnd:   FormatTimeOfDay(cfg.NightModeEnd),

		DetectionRemaining: r.detectionTimer.Remaining().Seconds(),
		CountdownRemaining: r.countdownTimer.Remaining().Seconds(),

		ActiveLights: lights.Sorted(r.activeLightsLocked()),
		ManualStates: r.manual.Copy(),
	}

	switch state {
	case presence.Occupied, presence.DetectionTimeout:
		if !r.occupancyStart.IsZero() {
			snapshot.OccupancyDuration = int64(now.Sub(r.occupancyStart).Seconds())
		}
	case presence.Countdown, presence.Vacant:
		if !r.lastPresence.IsZero() {
			snapshot.AbsenceDuration = int64(now.Sub(r.lastPresence).Seconds())
		}
	}

	return snapshot
}

// lightLevel returns nil if there is no sensor or its reading is not a number.
func (r *Room) lightLevel(cfg *RoomConfig) *float64 {
	if cfg.LightSensor.IsZero() || r.deps.Actuator == nil {
		return nil
	}

	state := r.deps.Actuator.GetState(cfg.LightSensor)
	if !state.IsKnown() {
		return nil
	}

	level, err := strconv.ParseFloat(state.State, 64)
	if err != nil {
		r.pr.Debugf("%s invalid light level %q from %s", icons.Hae, state.State, cfg.LightSensor.FmtShort())

		return nil
	}

	return &level
}

// persist writes switches, overrides and manual states. Failures are logged only.
func (r *Room) persist() {
	if r.deps.Store == nil {
		return
	}

	data := storage.NewData()

	r.dataMu.RLock()

	states := r.switches.ToStates()
	for key, value := range r.overrides {
		states[key] = value
	}

	data.ManualStates = r.manual.Copy()
	r.dataMu.RUnlock()

	for key, value := range states {
		if err := data.SetState(key, value); err != nil {
			r.pr.Warnf("%s not persisting %s: %v", icons.Disk, style.Bold(key), err)
		}
	}

	if err := r.deps.Store.Save(r.id, data); err != nil {
		r.pr.Errorf("%s saving state failed: %v", icons.Disk, err)
	}
}

func (r *Room) publish() {
	if err := r.deps.Publisher.PublishState(r.Name(), r.Snapshot()); err != nil {
		r.pr.Debugf("%s publishing snapshot failed: %v", icons.Radio, err)
	}
}

// computeNightLocked needs at least a read lock on dataMu.
func (r *Room) computeNightLocked() bool {
	return r.cfg.HasNightLights() &&
		r.switches.NightMode &&
		IsNightTime(r.deps.Clock.Now(), r.cfg.NightModeStart, r.cfg.NightModeEnd)
}

func (r *Room) setLastPresence(t time.Time) {
	r.dataMu.Lock()
	r.lastPresence = t
	r.dataMu.Unlock()
}

func (r *Room) setOccupancyStart(t time.Time) {
	r.dataMu.Lock()
	r.occupancyStart = t
	r.dataMu.Unlock()
}

func (r *Room) lightController() *lights.Controller {
	r.dataMu.RLock()
	defer r.dataMu.RUnlock()

	return r.controller
}

// reconcileManualStates prunes entries of lights that are no longer configured and adds new ones as on.
func reconcileManualStates(manual *storage.ManualStates, cfg *RoomConfig) {
	reconcile := func(states map[homeassistant.EntityID]bool, configured []homeassistant.EntityID) map[homeassistant.EntityID]bool {
		if states == nil {
			states = make(map[homeassistant.EntityID]bool)
		}

		keep := lights.NewSet(configured...)

		for light := range states {
			if !keep.Contains(light) {
				delete(states, light)
			}
		}

		for _, light := range configured {
			if _, ok := states[light]; !ok {
				states[light] = true
			}
		}

		return states
	}

	manual.Main = reconcile(manual.Main, cfg.Lights)
	manual.Night = reconcile(manual.Night, cfg.NightLights)
}

// applyOverrides returns a copy of base with the stored runtime overrides applied. Invalid entries are skipped.
func applyOverrides(base *RoomConfig, overrides map[string]any, logger *log.Logger) *RoomConfig {
	cfg := base.Copy()

	for key, value := range overrides {
		var err error

		switch {
		case strings.HasPrefix(key, numberPrefix):
			number, ok := toFloat(value)
			if !ok {
				err = fmt.Errorf("%w: %v", models.ErrInvalidValue, value)

				break
			}

			err = setNumber(cfg, strings.TrimPrefix(key, numberPrefix), number)

		case strings.HasPrefix(key, timePrefix):
			raw, ok := value.(string)
			if !ok {
				err = fmt.Errorf("%w: %v", models.ErrInvalidValue, value)

				break
			}

			var parsed time.Time
			if parsed, err = ParseTimeOfDay(raw); err == nil {
				err = setTime(cfg, strings.TrimPrefix(key, timePrefix), parsed)
			}
		}

		if err != nil {
			logger.Warnf("ignoring stored override %s: %v", key, err)
			delete(overrides, key)
		}
	}

	return cfg
}

func setNumber(cfg *RoomConfig, key string, value float64) error {
	limits, ok := numberRanges[key]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownNumber, key)
	}

	if value < limits.min || value > limits.max {
		return fmt.Errorf("%w: %s must be within [%g, %g], got %g", models.ErrInvalidValue, key, limits.min, limits.max, value)
	}

	seconds := time.Duration(value * float64(time.Second))

	switch key {
	case NumberDetectionTimeout:
		cfg.DetectionTimeout = seconds
	case NumberLongTimeout:
		cfg.LongTimeout = seconds
	case NumberShortTimeout:
		cfg.ShortTimeout = seconds
	case NumberLightThreshold:
		cfg.LightThreshold = value
	}

	return nil
}

func setTime(cfg *RoomConfig, key string, value time.Time) error {
	switch key {
	case TimeNightModeStart:
		cfg.NightModeStart = value
	case TimeNightModeEnd:
		cfg.NightModeEnd = value
	default:
		return fmt.Errorf("%w: %s", models.ErrUnknownTime, key)
	}

	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

package dynpresence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Shiu/dynamic-presence/internal/clock"
	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/models/service"
	"github.com/Shiu/dynamic-presence/internal/mqtt"
	"github.com/Shiu/dynamic-presence/internal/presence"
	"github.com/Shiu/dynamic-presence/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	noon     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)
	midnight = time.Date(2024, 6, 2, 0, 30, 0, 0, time.Local)
)

type fixture struct {
	ha        *homeassistant.MockClient
	clock     *clock.MockClock
	store     *storage.Store
	publisher *mqtt.FakePublisher
	registry  *Registry
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()

	return &fixture{
		ha:        homeassistant.NewMockClient(),
		clock:     clock.NewMockClock(start),
		store:     storage.New(afero.NewMemMapFs(), "/data", nil),
		publisher: mqtt.NewFakePublisher(),
		registry:  NewRegistry(),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Actuator:  f.ha,
		Store:     f.store,
		Publisher: f.publisher,
		Clock:     f.clock,
		Registry:  f.registry,
	}
}

// roomConfig creates a configured room with the given main lights, all ids are derived from id.
func roomConfig(id string, mainLights ...string) *RoomConfig {
	cfg := &RoomConfig{
		ID:               id,
		Name:             id,
		PresenceSensor:   homeassistant.MustEntityID("binary_sensor." + id + "_presence"),
		LightThreshold:   20,
		DetectionTimeout: 5 * time.Second,
		LongTimeout:      120 * time.Second,
		ShortTimeout:     30 * time.Second,
	}

	cfg.NightModeStart, _ = ParseTimeOfDay("23:00")
	cfg.NightModeEnd, _ = ParseTimeOfDay("08:00")

	for _, light := range mainLights {
		cfg.Lights = append(cfg.Lights, homeassistant.MustEntityID(light))
	}

	return cfg
}

// addRoom registers and initializes a room with its presence sensor and lights off.
func (f *fixture) addRoom(t *testing.T, cfg *RoomConfig) *Room {
	t.Helper()

	f.ha.SetState(cfg.PresenceSensor, homeassistant.StateOff)

	for light := range cfg.AllLights().Iter() {
		f.ha.SetState(light, homeassistant.StateOff)
	}

	room := NewRoom(cfg, f.deps())
	require.NoError(t, f.registry.Add(room))

	room.Init(context.Background())

	return room
}

// change updates the mocked entity state and feeds the resulting event to the room.
func (f *fixture) change(room *Room, entityID homeassistant.EntityID, newState string) {
	oldState := ""
	if state := f.ha.GetState(entityID); state != nil {
		oldState = state.State
	}

	f.ha.SetState(entityID, newState)
	room.HandleEvent(homeassistant.NewStateChangedEvent(entityID, oldState, newState))
}

func (f *fixture) presenceOn(room *Room) {
	f.change(room, room.Config().PresenceSensor, homeassistant.StateOn)
}

func (f *fixture) presenceOff(room *Room) {
	f.change(room, room.Config().PresenceSensor, homeassistant.StateOff)
}

func (f *fixture) isOn(light homeassistant.EntityID) bool {
	state := f.ha.GetState(light)

	return state != nil && state.State == homeassistant.StateOn
}

func ids(raw ...string) []homeassistant.EntityID {
	entityIDs := make([]homeassistant.EntityID, 0, len(raw))
	for _, r := range raw {
		entityIDs = append(entityIDs, homeassistant.MustEntityID(r))
	}

	return entityIDs
}

func TestInvalidTransitionsChangeNothing(t *testing.T) {
	valid := map[presence.RoomState][]presence.RoomState{
		presence.Vacant:           {presence.Occupied},
		presence.Occupied:         {presence.DetectionTimeout, presence.Vacant},
		presence.DetectionTimeout: {presence.Occupied, presence.Countdown},
		presence.Countdown:        {presence.Occupied, presence.Vacant},
	}

	for _, from := range presence.AllStates {
		for _, to := range presence.AllStates {
			isValid := false

			for _, candidate := range valid[from] {
				if candidate == to {
					isValid = true
				}
			}

			if isValid {
				continue
			}

			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				f := newFixture(t, noon)
				room := f.addRoom(t, roomConfig("office", "light.office"))
				room.machine = presence.NewMachine(from)
				f.ha.ClearServiceCalls()

				room.Lock()
				applied := room.transition(to)
				room.Unlock()

				assert.False(t, applied)
				assert.Equal(t, from, room.State())
				assert.Empty(t, f.ha.ServiceCalls())
			})
		}
	}
}

func TestPresenceOnIsIdempotent(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk", "light.ceiling"))

	f.presenceOn(room)
	require.Equal(t, presence.Occupied, room.State())

	calls := len(f.ha.ServiceCalls())
	assert.Equal(t, 2, calls)

	// a repeated on report, e.g. after a flicker of the old state
	room.HandleEvent(homeassistant.NewStateChangedEvent(room.Config().PresenceSensor, homeassistant.StateUnavailable, homeassistant.StateOn))
	room.HandleEvent(homeassistant.NewStateChangedEvent(room.Config().PresenceSensor, homeassistant.StateOff, homeassistant.StateOn))

	assert.Equal(t, presence.Occupied, room.State())
	assert.Len(t, f.ha.ServiceCalls(), calls)
}

func TestPresenceReturnsDuringDetectionTimeout(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)
	f.presenceOff(room)

	require.Equal(t, presence.DetectionTimeout, room.State())
	assert.True(t, room.detectionTimer.Active())

	f.clock.Advance(3 * time.Second)
	f.presenceOn(room)

	assert.Equal(t, presence.Occupied, room.State())
	assert.False(t, room.detectionTimer.Active())

	f.clock.Advance(10 * time.Minute)

	assert.Equal(t, presence.Occupied, room.State())
	assert.False(t, room.countdownTimer.Active())
	assert.Zero(t, room.countdownTimer.Duration(), "countdown must never have been started")
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.desk")))
}

func TestPresenceOffWithLightsOffGoesVacant(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk", "light.ceiling"))

	f.presenceOn(room)

	// lights went off without the room noticing, e.g. a wall switch while the event was lost
	f.ha.SetState(homeassistant.MustEntityID("light.desk"), homeassistant.StateOff)
	f.ha.SetState(homeassistant.MustEntityID("light.ceiling"), homeassistant.StateOff)

	f.presenceOff(room)

	assert.Equal(t, presence.Vacant, room.State())
	assert.False(t, room.detectionTimer.Active())
	assert.Zero(t, room.detectionTimer.Duration())
	assert.Zero(t, room.countdownTimer.Duration())
}

func TestCountdownSubtractsDetectionTimeout(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)
	f.presenceOff(room)
	require.Equal(t, presence.DetectionTimeout, room.State())

	f.clock.Advance(5 * time.Second)

	require.Equal(t, presence.Countdown, room.State())
	assert.Equal(t, 115*time.Second, room.countdownTimer.Duration())

	f.clock.Advance(114 * time.Second)
	assert.Equal(t, presence.Countdown, room.State())
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.desk")))

	f.clock.Advance(time.Second)
	assert.Equal(t, presence.Vacant, room.State())
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.desk")))
}

func TestCountdownUsesShortTimeoutAtNight(t *testing.T) {
	f := newFixture(t, midnight)

	cfg := roomConfig("bedroom", "light.ceiling")
	cfg.NightLights = ids("light.nightstand")

	room := f.addRoom(t, cfg)
	require.True(t, room.NightModeActive())

	f.presenceOn(room)
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.nightstand")))
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.ceiling")))

	f.presenceOff(room)
	f.clock.Advance(5 * time.Second)

	require.Equal(t, presence.Countdown, room.State())
	assert.Equal(t, 25*time.Second, room.countdownTimer.Duration())
}

func TestCountdownElapsedDuringDetectionGoesVacant(t *testing.T) {
	f := newFixture(t, noon)

	cfg := roomConfig("office", "light.desk")
	cfg.LongTimeout = 5 * time.Second

	room := f.addRoom(t, cfg)

	f.presenceOn(room)
	f.presenceOff(room)
	f.clock.Advance(5 * time.Second)

	assert.Equal(t, presence.Vacant, room.State())
	assert.False(t, room.countdownTimer.Active())
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.desk")))
}

func TestDetectionExpiryWithLightsOffGoesVacant(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)
	f.presenceOff(room)
	require.Equal(t, presence.DetectionTimeout, room.State())

	f.ha.SetState(homeassistant.MustEntityID("light.desk"), homeassistant.StateOff)
	f.clock.Advance(5 * time.Second)

	assert.Equal(t, presence.Vacant, room.State())
	assert.False(t, room.countdownTimer.Active())
}

func TestAllManualStatesOffResetsToOn(t *testing.T) {
	f := newFixture(t, noon)

	cfg := roomConfig("office", "light.desk", "light.ceiling")

	stored := storage.NewData()
	stored.ManualStates.Main[homeassistant.MustEntityID("light.desk")] = false
	stored.ManualStates.Main[homeassistant.MustEntityID("light.ceiling")] = false
	require.NoError(t, f.store.Save(cfg.ID, stored))

	room := f.addRoom(t, cfg)
	f.presenceOn(room)

	assert.ElementsMatch(t, ids("light.ceiling", "light.desk"), f.ha.TargetsOf(service.TurnOn))
	assert.Equal(t, map[homeassistant.EntityID]bool{
		homeassistant.MustEntityID("light.desk"):    true,
		homeassistant.MustEntityID("light.ceiling"): true,
	}, room.ManualStates().Main)

	persisted, err := f.store.Load(cfg.ID)
	require.NoError(t, err)
	assert.True(t, persisted.ManualStates.Main[homeassistant.MustEntityID("light.desk")])
	assert.True(t, persisted.ManualStates.Main[homeassistant.MustEntityID("light.ceiling")])
}

func TestManualStateIsRemembered(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk", "light.ceiling"))

	desk := homeassistant.MustEntityID("light.desk")
	ceiling := homeassistant.MustEntityID("light.ceiling")

	f.presenceOn(room)
	require.True(t, f.isOn(desk))
	require.True(t, f.isOn(ceiling))

	// the user switches off the desk lamp while in the room
	f.change(room, desk, homeassistant.StateOff)

	assert.False(t, room.ManualStates().Main[desk])

	persisted, err := f.store.Load(room.ID())
	require.NoError(t, err)
	assert.False(t, persisted.ManualStates.Main[desk])

	// leave, wait for the countdown and come back
	f.presenceOff(room)
	f.clock.Advance(2 * time.Minute)
	require.Equal(t, presence.Vacant, room.State())

	f.ha.ClearServiceCalls()
	f.presenceOn(room)

	assert.Equal(t, []homeassistant.EntityID{ceiling}, f.ha.TargetsOf(service.TurnOn))
	assert.False(t, f.isOn(desk))
}

func TestLightChangesAreIgnoredWhenNotOccupied(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	desk := homeassistant.MustEntityID("light.desk")

	f.change(room, desk, homeassistant.StateOn)
	f.change(room, desk, homeassistant.StateOff)

	assert.True(t, room.ManualStates().Main[desk])
}

func TestAdjacentOccupiedRoomKeepsLightsOn(t *testing.T) {
	tests := []struct {
		name string
		// bListsA: B names A in its adjacency list, otherwise A names B
		bListsA bool
	}{
		{name: "vacant room lists the occupied one", bListsA: true},
		{name: "occupied room lists the vacant one", bListsA: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, noon)

			cfgA := roomConfig("a", "light.a")
			cfgB := roomConfig("b", "light.b")

			if tt.bListsA {
				cfgB.AdjacentRooms = []string{"a"}
			} else {
				cfgA.AdjacentRooms = []string{"b"}
			}

			roomA := f.addRoom(t, cfgA)
			roomB := f.addRoom(t, cfgB)

			f.presenceOn(roomB)
			f.presenceOn(roomA)
			require.Equal(t, presence.Occupied, roomA.State())

			f.ha.SetState(homeassistant.MustEntityID("light.b"), homeassistant.StateOn)
			f.ha.ClearServiceCalls()

			f.presenceOff(roomB)
			f.clock.Advance(5 * time.Minute)

			require.Equal(t, presence.Vacant, roomB.State())
			assert.NotContains(t, f.ha.TargetsOf(service.TurnOff), homeassistant.MustEntityID("light.b"))
			assert.True(t, f.isOn(homeassistant.MustEntityID("light.b")))
		})
	}
}

func TestRoomListingUsManagesOurLights(t *testing.T) {
	f := newFixture(t, noon)

	cfgHall := roomConfig("hall", "light.hall")
	cfgHall.AdjacentRooms = []string{"stairs"}

	hall := f.addRoom(t, cfgHall)
	stairs := f.addRoom(t, roomConfig("stairs", "light.stairs"))

	f.presenceOn(hall)

	// propagated from the hall
	require.True(t, f.isOn(homeassistant.MustEntityID("light.stairs")))

	f.ha.ClearServiceCalls()
	f.presenceOn(stairs)

	assert.Equal(t, presence.Occupied, stairs.State())
	assert.Empty(t, f.ha.TargetsOf(service.TurnOn))
}

func TestPresencePropagatesToDarkAdjacentRooms(t *testing.T) {
	lux := homeassistant.MustEntityID("sensor.stairs_lux")

	tests := []struct {
		name      string
		sensor    bool
		level     string
		automated bool
		want      bool
	}{
		{name: "no light sensor", automated: true, want: true},
		{name: "below threshold", sensor: true, level: "12.5", automated: true, want: true},
		{name: "at threshold", sensor: true, level: "20", automated: true, want: false},
		{name: "unknown level", sensor: true, level: homeassistant.StateUnavailable, automated: true, want: false},
		{name: "garbage level", sensor: true, level: "bright", automated: true, want: false},
		{name: "automation off", automated: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, noon)

			cfgHall := roomConfig("hall", "light.hall")
			cfgHall.AdjacentRooms = []string{"stairs"}

			cfgStairs := roomConfig("stairs", "light.stairs")
			if tt.sensor {
				cfgStairs.LightSensor = lux
				f.ha.SetState(lux, tt.level)
			}

			hall := f.addRoom(t, cfgHall)
			stairs := f.addRoom(t, cfgStairs)

			require.NoError(t, stairs.SetSwitch(SwitchAutomation, tt.automated))

			f.presenceOn(hall)

			assert.Equal(t, tt.want, f.isOn(homeassistant.MustEntityID("light.stairs")))
			assert.Equal(t, presence.Vacant, stairs.State())
		})
	}
}

func TestVacancyTurnsOffVacantAdjacentRooms(t *testing.T) {
	f := newFixture(t, noon)

	cfgHall := roomConfig("hall", "light.hall")
	cfgHall.AdjacentRooms = []string{"stairs"}

	hall := f.addRoom(t, cfgHall)
	f.addRoom(t, roomConfig("stairs", "light.stairs"))

	f.presenceOn(hall)
	require.True(t, f.isOn(homeassistant.MustEntityID("light.stairs")))

	f.presenceOff(hall)
	f.clock.Advance(2 * time.Minute)

	require.Equal(t, presence.Vacant, hall.State())
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.hall")))
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.stairs")))
}

func TestVacancyLeavesAdjacentRoomWithoutAutomation(t *testing.T) {
	f := newFixture(t, noon)

	cfgHall := roomConfig("hall", "light.hall")
	cfgHall.AdjacentRooms = []string{"stairs"}

	hall := f.addRoom(t, cfgHall)
	stairs := f.addRoom(t, roomConfig("stairs", "light.stairs"))

	f.presenceOn(hall)
	require.True(t, f.isOn(homeassistant.MustEntityID("light.stairs")))
	require.Equal(t, presence.Vacant, stairs.State())

	require.NoError(t, stairs.SetSwitch(SwitchAutomation, false))

	f.presenceOff(hall)
	f.clock.Advance(2 * time.Minute)

	require.Equal(t, presence.Vacant, hall.State())
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.hall")))
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.stairs")))
}

func TestAutomationDisabledKeepsTrackingState(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	require.NoError(t, room.SetSwitch(SwitchAutomation, false))

	f.presenceOn(room)

	assert.Equal(t, presence.Occupied, room.State())
	assert.Empty(t, f.ha.ServiceCalls())

	f.ha.SetState(homeassistant.MustEntityID("light.desk"), homeassistant.StateOn)
	f.presenceOff(room)
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, presence.Vacant, room.State())
	assert.Empty(t, f.ha.ServiceCalls())
}

func TestAutoOnAndAutoOffSwitches(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	require.NoError(t, room.SetSwitch(SwitchAutoOn, false))
	require.NoError(t, room.SetSwitch("switch_auto_off", false))

	f.presenceOn(room)
	assert.Empty(t, f.ha.TargetsOf(service.TurnOn))

	f.ha.SetState(homeassistant.MustEntityID("light.desk"), homeassistant.StateOn)
	f.presenceOff(room)
	f.clock.Advance(2 * time.Minute)

	require.Equal(t, presence.Vacant, room.State())
	assert.Empty(t, f.ha.TargetsOf(service.TurnOff))
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.desk")))
}

func TestNightManualOnSuppressesAutoOn(t *testing.T) {
	f := newFixture(t, midnight)

	cfg := roomConfig("bedroom", "light.ceiling")
	cfg.NightLights = ids("light.nightstand")

	room := f.addRoom(t, cfg)
	require.NoError(t, room.SetSwitch(SwitchNightManualOn, true))

	f.presenceOn(room)

	assert.Equal(t, presence.Occupied, room.State())
	assert.Empty(t, f.ha.TargetsOf(service.TurnOn))
}

func TestNightModeTransitionWhileOccupied(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 22, 59, 0, 0, time.Local))

	cfg := roomConfig("bedroom", "light.ceiling", "light.reading")
	cfg.NightLights = ids("light.nightstand", "light.reading")

	room := f.addRoom(t, cfg)
	require.False(t, room.NightModeActive())

	f.presenceOn(room)
	require.True(t, f.isOn(homeassistant.MustEntityID("light.ceiling")))

	f.clock.Advance(2 * time.Minute)
	room.Refresh()

	assert.True(t, room.NightModeActive())
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.ceiling")))
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.nightstand")))
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.reading")))

	// switching night mode off brings the main set back
	require.NoError(t, room.SetSwitch(SwitchNightMode, false))

	assert.False(t, room.NightModeActive())
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.ceiling")))
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.nightstand")))
}

func TestNightModeNeedsNightLights(t *testing.T) {
	f := newFixture(t, midnight)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	assert.False(t, room.NightModeActive())
	assert.True(t, room.Snapshot().NightMode)
}

func TestSetNumberRestartsRunningTimers(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)
	f.presenceOff(room)
	f.clock.Advance(3 * time.Second)

	require.NoError(t, room.SetNumber(NumberDetectionTimeout, 10))
	assert.Equal(t, 10*time.Second, room.detectionTimer.Duration())
	assert.Equal(t, 10*time.Second, room.detectionTimer.Remaining())

	f.clock.Advance(9 * time.Second)
	assert.Equal(t, presence.DetectionTimeout, room.State())

	f.clock.Advance(time.Second)
	require.Equal(t, presence.Countdown, room.State())
	assert.Equal(t, 110*time.Second, room.countdownTimer.Duration())

	require.NoError(t, room.SetNumber("number_long_timeout", 60))
	assert.Equal(t, 50*time.Second, room.countdownTimer.Duration())

	f.clock.Advance(50 * time.Second)
	assert.Equal(t, presence.Vacant, room.State())
}

func TestDetectionTimerThatCannotStartExpiresAtOnce(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	room.dataMu.Lock()
	room.cfg.DetectionTimeout = 0
	room.dataMu.Unlock()

	f.presenceOn(room)
	require.True(t, f.isOn(homeassistant.MustEntityID("light.desk")))

	f.presenceOff(room)

	require.Equal(t, presence.Countdown, room.State())
	assert.False(t, room.detectionTimer.Active())
	assert.Equal(t, 120*time.Second, room.countdownTimer.Duration())

	f.clock.Advance(120 * time.Second)
	assert.Equal(t, presence.Vacant, room.State())
}

func TestSetNumberValidation(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	require.ErrorIs(t, room.SetNumber("brightness", 10), models.ErrUnknownNumber)
	require.ErrorIs(t, room.SetNumber(NumberDetectionTimeout, 0), models.ErrInvalidValue)
	require.ErrorIs(t, room.SetNumber(NumberLightThreshold, -5), models.ErrInvalidValue)

	assert.Equal(t, 5*time.Second, room.Config().DetectionTimeout)
}

func TestSetTime(t *testing.T) {
	f := newFixture(t, time.Date(2024, 6, 1, 21, 30, 0, 0, time.Local))

	cfg := roomConfig("bedroom", "light.ceiling")
	cfg.NightLights = ids("light.nightstand")

	room := f.addRoom(t, cfg)
	require.False(t, room.NightModeActive())

	require.NoError(t, room.SetTime(TimeNightModeStart, "21:00"))
	assert.True(t, room.NightModeActive())
	assert.Equal(t, "21:00", room.Snapshot().NightModeStart)

	require.ErrorIs(t, room.SetTime("sunrise", "06:00"), models.ErrUnknownTime)
	require.ErrorIs(t, room.SetTime(TimeNightModeEnd, "25:99"), models.ErrInvalidValue)
}

func TestOverridesSurviveRestartButNotReconfiguration(t *testing.T) {
	f := newFixture(t, noon)
	cfg := roomConfig("office", "light.desk")

	room := f.addRoom(t, cfg)
	require.NoError(t, room.SetNumber(NumberLongTimeout, 600))
	require.NoError(t, room.SetTime(TimeNightModeEnd, "06:30"))
	require.NoError(t, room.SetSwitch(SwitchAutoOff, false))

	// a new process with the same store
	restarted := NewRoom(cfg, Deps{Actuator: f.ha, Store: f.store, Clock: f.clock, Registry: NewRegistry()})
	restarted.Init(context.Background())

	assert.Equal(t, 10*time.Minute, restarted.Config().LongTimeout)
	assert.Equal(t, "06:30", FormatTimeOfDay(restarted.Config().NightModeEnd))
	assert.False(t, restarted.Switches().AutoOff)

	restarted.UpdateConfig(cfg)

	assert.Equal(t, 120*time.Second, restarted.Config().LongTimeout)
	assert.Equal(t, "08:00", FormatTimeOfDay(restarted.Config().NightModeEnd))
	assert.False(t, restarted.Switches().AutoOff, "switches survive reconfiguration")

	persisted, err := f.store.Load(cfg.ID)
	require.NoError(t, err)
	assert.NotContains(t, persisted.States, "number_long_timeout")
	assert.NotContains(t, persisted.States, "time_night_mode_end")
	assert.Equal(t, false, persisted.States["switch_auto_off"])
}

func TestPersistSkipsUnknownKeys(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	room.dataMu.Lock()
	room.overrides["brightness"] = 80
	room.dataMu.Unlock()

	require.NoError(t, room.SetSwitch(SwitchNightMode, false))

	persisted, err := f.store.Load(room.ID())
	require.NoError(t, err)
	assert.NotContains(t, persisted.States, "brightness")
	assert.Equal(t, false, persisted.States["switch_night_mode"])
}

func TestUpdateConfigReconcilesManualStates(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk", "light.ceiling"))

	room.dataMu.Lock()
	room.manual.Main[homeassistant.MustEntityID("light.desk")] = false
	room.dataMu.Unlock()

	updated := roomConfig("office", "light.desk", "light.floor")
	updated.NightLights = ids("light.glow")
	room.UpdateConfig(updated)

	manual := room.ManualStates()
	assert.Equal(t, map[homeassistant.EntityID]bool{
		homeassistant.MustEntityID("light.desk"):  false,
		homeassistant.MustEntityID("light.floor"): true,
	}, manual.Main)
	assert.Equal(t, map[homeassistant.EntityID]bool{
		homeassistant.MustEntityID("light.glow"): true,
	}, manual.Night)
}

func TestUpdateConfigToUnconfiguredStopsTimers(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)
	f.presenceOff(room)
	require.True(t, room.detectionTimer.Active())

	room.UpdateConfig(roomConfig("office"))

	assert.False(t, room.detectionTimer.Active())
	assert.False(t, room.Snapshot().Configured)

	f.ha.ClearServiceCalls()
	f.presenceOn(room)

	assert.Empty(t, f.ha.ServiceCalls())
}

func TestInitFollowsPresenceSensor(t *testing.T) {
	f := newFixture(t, noon)
	cfg := roomConfig("office", "light.desk")

	f.ha.SetState(cfg.PresenceSensor, homeassistant.StateOn)
	f.ha.SetState(homeassistant.MustEntityID("light.desk"), homeassistant.StateOff)

	room := NewRoom(cfg, f.deps())
	require.NoError(t, f.registry.Add(room))
	room.Init(context.Background())

	assert.Equal(t, presence.Occupied, room.State())
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.desk")))
}

func TestActuationFailureDoesNotBlockTransitions(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk", "light.broken"))

	f.ha.FailFor(homeassistant.MustEntityID("light.broken"))

	f.presenceOn(room)
	assert.Equal(t, presence.Occupied, room.State())
	assert.True(t, f.isOn(homeassistant.MustEntityID("light.desk")))

	f.presenceOff(room)
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, presence.Vacant, room.State())
	assert.False(t, f.isOn(homeassistant.MustEntityID("light.desk")))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, noon)

	cfg := roomConfig("office", "light.desk")
	cfg.LightSensor = homeassistant.MustEntityID("sensor.office_lux")
	f.ha.SetState(cfg.LightSensor, "42.5")

	room := f.addRoom(t, cfg)

	f.presenceOn(room)
	f.clock.Advance(90 * time.Second)

	snapshot := room.Snapshot()
	assert.Equal(t, presence.Occupied, snapshot.State)
	assert.True(t, snapshot.Occupancy)
	assert.Equal(t, int64(90), snapshot.OccupancyDuration)
	assert.Zero(t, snapshot.AbsenceDuration)
	require.NotNil(t, snapshot.LightLevel)
	assert.InDelta(t, 42.5, *snapshot.LightLevel, 0.001)
	assert.InDelta(t, 120.0, snapshot.LongTimeout, 0.001)

	f.presenceOff(room)
	f.clock.Advance(2 * time.Second)

	snapshot = room.Snapshot()
	assert.True(t, snapshot.Occupancy)
	assert.InDelta(t, 3.0, snapshot.DetectionRemaining, 0.001)

	f.clock.Advance(10 * time.Second)

	snapshot = room.Snapshot()
	assert.Equal(t, presence.Countdown, snapshot.State)
	assert.False(t, snapshot.Occupancy)
	assert.Equal(t, int64(12), snapshot.AbsenceDuration)
	assert.InDelta(t, 108.0, snapshot.CountdownRemaining, 0.001)

	raw, err := json.Marshal(snapshot)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "countdown", decoded["state"])
	assert.Equal(t, true, decoded["switch_automation"])
	assert.Equal(t, "23:00", decoded["time_night_mode_start"])
}

func TestSnapshotsArePublished(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)

	message, ok := f.publisher.Last(mqtt.StateTopic("office"))
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(message.Payload, &decoded))
	assert.Equal(t, "occupied", decoded["state"])
	assert.Equal(t, true, decoded["binary_sensor_occupancy"])
}

func TestStaleDetectionCallbackIsIgnored(t *testing.T) {
	f := newFixture(t, noon)
	room := f.addRoom(t, roomConfig("office", "light.desk"))

	f.presenceOn(room)
	f.presenceOff(room)
	f.clock.Advance(2 * time.Second)
	f.presenceOn(room)
	f.presenceOff(room)

	// the first detection timer would have fired at +5s
	f.clock.Advance(3 * time.Second)
	assert.Equal(t, presence.DetectionTimeout, room.State())
	assert.InDelta(t, 2.0, room.detectionTimer.Remaining().Seconds(), 0.001)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, presence.Countdown, room.State())
	assert.Equal(t, 1, f.clock.Pending())
}

package dynpresence

import (
	"context"
	"strings"

	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/lights"
	"github.com/Shiu/dynamic-presence/internal/presence"
	"github.com/Shiu/dynamic-presence/internal/style"
)

// Enqueue hands an event to the room's receiver. It blocks while the queue is full.
func (r *Room) Enqueue(ctx context.Context, event *homeassistant.EventMsg) {
	select {
	case r.events <- event:
	case <-ctx.Done():
	}
}

// Run handles queued events one after another until ctx is done.
func (r *Room) Run(ctx context.Context) {
	r.pr.Debug("event receiver started")

	for {
		select {
		case <-ctx.Done():
			r.pr.Debug("event receiver stopped")

			return

		case event := <-r.events:
			r.HandleEvent(event)
		}
	}
}

// HandleEvent processes a state_changed event of the presence sensor, a controlled light or the light sensor.
func (r *Room) HandleEvent(event *homeassistant.EventMsg) {
	if event == nil || event.Event == nil || event.Event.Type != homeassistant.EventStateChanged {
		return
	}

	r.eventsReceivedTotal.Add(1)

	data := event.Event.Data

	r.Lock()
	defer r.Unlock()

	cfg := r.Config()
	if !cfg.IsConfigured() {
		r.pr.Debugf("%s ignoring event for unconfigured room: %s", icons.Blind, data.EntityID.FmtShort())

		return
	}

	if data.NewState.State == data.OldState.State {
		// attribute only change
		return
	}

	r.pr.Debugf("%s %s %s", data.EntityID.FmtShort(), style.DarkIndicatorLeft, style.Bold(data.NewState.State))

	r.syncNightMode()

	switch {
	case data.EntityID == cfg.PresenceSensor:
		r.handlePresence(data.NewState.State)

	case cfg.AllLights().Contains(data.EntityID):
		r.onLightChanged(data.EntityID, data.NewState.State)

	case !cfg.LightSensor.IsZero() && data.EntityID == cfg.LightSensor:
		r.publish()
	}
}

func (r *Room) handlePresence(sensorState string) {
	switch sensorState {
	case homeassistant.StateOn:
		r.onPresenceOn()
	case homeassistant.StateOff:
		r.onPresenceOff()
	default:
		r.pr.Debugf("%s ignoring presence sensor state %s", icons.Hae, style.Bold(sensorState))
	}
}

func (r *Room) onPresenceOn() {
	now := r.deps.Clock.Now()
	r.setLastPresence(now)

	if r.State() == presence.Occupied {
		return
	}

	r.detectionTimer.Cancel()
	r.countdownTimer.Cancel()
	r.setOccupancyStart(now)

	r.transition(presence.Occupied)
}

func (r *Room) onPresenceOff() {
	r.setLastPresence(r.deps.Clock.Now())

	if state := r.State(); state != presence.Occupied {
		r.pr.Debugf("%s presence cleared while %s, nothing to do", icons.Blind, style.Bold(state.String()))

		return
	}

	if !r.lightController().AnyOn(r.ActiveLights()) {
		r.transition(presence.Vacant)

		return
	}

	if r.transition(presence.DetectionTimeout) {
		r.startDetection()
	}
}

// startDetection starts the detection timer. A timer that cannot run counts as expired at once.
func (r *Room) startDetection() {
	if err := r.detectionTimer.Start(r.Config().DetectionTimeout); err != nil {
		r.detectionTimer.Cancel()
		r.onDetectionExpired()
	}
}

// onDetectionExpired runs with the room lock held.
func (r *Room) onDetectionExpired() {
	if r.State() != presence.DetectionTimeout {
		return
	}

	r.syncNightMode()

	if !r.lightController().AnyOn(r.ActiveLights()) {
		r.pr.Debugf("%s all lights off, room is vacant", icons.LightOff)

		// there is no edge from detection timeout to vacant, the countdown is passed with zero length
		if r.transition(presence.Countdown) {
			r.transition(presence.Vacant)
		}

		return
	}

	if r.transition(presence.Countdown) {
		r.startCountdown()
	}
}

// onCountdownExpired runs with the room lock held.
func (r *Room) onCountdownExpired() {
	if r.State() != presence.Countdown {
		return
	}

	r.transition(presence.Vacant)
}

// startCountdown starts the countdown with the detection timeout already spent subtracted.
func (r *Room) startCountdown() {
	cfg := r.Config()

	timeout := cfg.LongTimeout
	if r.NightModeActive() {
		timeout = cfg.ShortTimeout
	}

	remaining := timeout - cfg.DetectionTimeout

	if remaining <= 0 {
		r.pr.Debugf("%s countdown already elapsed during detection timeout", icons.Countdown)
		r.countdownTimer.Cancel()
		r.transition(presence.Vacant)

		return
	}

	r.pr.Infof("%s countdown started | vacant in %s", icons.Countdown, style.Bold(remaining.String()))

	if err := r.countdownTimer.Start(remaining); err != nil {
		r.countdownTimer.Cancel()
		r.transition(presence.Vacant)
	}
}

// transition applies target and its side effects. Invalid requests are logged and change nothing.
func (r *Room) transition(target presence.RoomState) bool {
	from := r.State()

	if err := r.machine.Transition(target); err != nil {
		r.pr.Warnf("%s %v", icons.Block, err)

		return false
	}

	r.pr.Infof("%s %s %s %s", stateIcon(target), style.Gray(8).Render(from.String()), style.DarkIndicatorRight, style.State(target.String()))

	switch target { //nolint:exhaustive
	case presence.Occupied:
		r.enteredOccupied()
	case presence.Vacant:
		r.enteredVacant()
	}

	r.publish()

	return true
}

func (r *Room) enteredOccupied() {
	if !r.Switches().Automation {
		r.pr.Infof("%s automation disabled, leaving lights alone", icons.Block)

		return
	}

	if claimers := r.claimedBy(r.deps.Registry.ListingAsAdjacent(r)); len(claimers) > 0 {
		r.pr.Infof("%s lights managed by %s", icons.Adjacent, fmtRooms(claimers))
	} else {
		r.restoreLights()
	}

	r.propagatePresence()
}

// restoreLights turns on the active lights the user left on last time.
// If every one of them was left off, all are reset to on.
func (r *Room) restoreLights() {
	switches := r.Switches()
	night := r.NightModeActive()

	switch {
	case !switches.AutoOn:
		r.pr.Infof("%s auto on disabled", icons.Block)

		return

	case night && switches.NightManualOn:
		r.pr.Infof("%s %s night mode with manual on, lights stay off", icons.Moon, icons.Block)

		return
	}

	r.dataMu.Lock()

	active := r.activeLightsLocked()
	states := r.activeModeLocked()

	allOff := true

	for light := range active.Iter() {
		if on, ok := states[light]; !ok || on {
			allOff = false

			break
		}
	}

	toTurnOn := lights.NewSet()

	for light := range active.Iter() {
		if allOff {
			states[light] = true
		}

		if on, ok := states[light]; !ok || on {
			toTurnOn.Add(light)
		}
	}

	r.dataMu.Unlock()

	if allOff && active.Cardinality() > 0 {
		r.pr.Infof("%s all lights were left off, resetting them to on", icons.Memory)
		r.persist()
	}

	r.lightController().TurnOn(r.ctx, toTurnOn)
}

// propagatePresence turns on the lights of vacant and dark adjacent rooms.
func (r *Room) propagatePresence() {
	for _, other := range r.deps.Registry.Adjacent(r) {
		if other.State() != presence.Vacant {
			continue
		}

		cfg := other.Config()
		switches := other.Switches()

		switch {
		case !cfg.IsConfigured() || !switches.Automation:
			continue

		case other.NightModeActive() && switches.NightManualOn:
			r.pr.Debugf("%s %s night manual on, not propagating", icons.Adjacent, other.FmtShort())

			continue

		case !other.isDark(cfg):
			r.pr.Debugf("%s %s bright enough, not propagating", icons.Adjacent, other.FmtShort())

			continue
		}

		r.pr.Infof("%s %s presence propagated to %s", icons.Adjacent, icons.LightOn, other.FmtShort())

		other.lightController().TurnOn(r.ctx, other.ActiveLights())
	}
}

// isDark is true without light sensor or if the level is below the threshold. An unknown level is not dark.
func (r *Room) isDark(cfg *RoomConfig) bool {
	if cfg.LightSensor.IsZero() {
		return true
	}

	level := r.lightLevel(cfg)

	return level != nil && *level < cfg.LightThreshold
}

func (r *Room) enteredVacant() {
	switches := r.Switches()

	switch {
	case !switches.Automation:
		r.pr.Infof("%s automation disabled, leaving lights alone", icons.Block)

		return

	case !switches.AutoOff:
		r.pr.Infof("%s auto off disabled, leaving lights alone", icons.Block)

		return
	}

	adjacent := r.deps.Registry.Adjacent(r)
	neighbours := append(r.deps.Registry.ListingAsAdjacent(r), adjacent...)

	if claimers := r.claimedBy(neighbours); len(claimers) > 0 {
		r.pr.Infof("%s %s still occupied, keeping lights on", icons.Adjacent, fmtRooms(claimers))
	} else {
		r.lightController().TurnOff(r.ctx, r.Config().AllLights())
	}

	for _, other := range adjacent {
		if other.State() != presence.Vacant || !other.Switches().Automation {
			continue
		}

		if claimers := other.claimedBy(r.deps.Registry.ListingAsAdjacent(other)); len(claimers) > 0 {
			continue
		}

		r.pr.Infof("%s %s turning off lights of %s", icons.Adjacent, icons.LightOff, other.FmtShort())

		other.lightController().TurnOff(r.ctx, other.ActiveLights())
	}
}

// claimedBy returns the occupied rooms among candidates.
func (r *Room) claimedBy(candidates []*Room) []*Room {
	claimers := make([]*Room, 0)

	for _, other := range candidates {
		if other != r && other.State() == presence.Occupied && !containsRoom(claimers, other) {
			claimers = append(claimers, other)
		}
	}

	return claimers
}

// onLightChanged remembers a manual toggle of a light of the active set while occupied.
func (r *Room) onLightChanged(light homeassistant.EntityID, lightState string) {
	if r.State() != presence.Occupied {
		return
	}

	if lightState != homeassistant.StateOn && lightState != homeassistant.StateOff {
		return
	}

	on := lightState == homeassistant.StateOn

	r.dataMu.Lock()

	if !r.activeLightsLocked().Contains(light) {
		r.dataMu.Unlock()

		return
	}

	states := r.activeModeLocked()
	previous, known := states[light]
	states[light] = on

	r.dataMu.Unlock()

	if known && previous == on {
		return
	}

	r.pr.Infof("%s remembering %s as %s", icons.Memory, light.FmtShort(), style.Bold(lightState))

	r.persist()
	r.publish()
}

// syncNightMode switches the active light set if the night mode activity changed.
func (r *Room) syncNightMode() {
	r.dataMu.Lock()

	night := r.computeNightLocked()
	if night == r.nightActive {
		r.dataMu.Unlock()

		return
	}

	r.nightActive = night

	active := r.activeLightsLocked()
	all := r.cfg.AllLights()
	states := r.activeModeLocked()

	toTurnOn := lights.NewSet()

	for light := range active.Iter() {
		if on, ok := states[light]; !ok || on {
			toTurnOn.Add(light)
		}
	}

	automation := r.switches.Automation

	r.dataMu.Unlock()

	icon, mode := icons.Sun, "inactive"
	if night {
		icon, mode = icons.Moon, "active"
	}

	r.pr.Infof("%s night mode %s", icon, style.Bold(mode))

	if r.State() == presence.Occupied && automation {
		controller := r.lightController()
		controller.TurnOff(r.ctx, all.Difference(active))
		controller.TurnOn(r.ctx, toTurnOn)
	}

	r.publish()
}

func stateIcon(state presence.RoomState) string {
	switch state {
	case presence.Occupied:
		return icons.Presence
	case presence.DetectionTimeout:
		return icons.Hourglass
	case presence.Countdown:
		return icons.Countdown
	case presence.Vacant:
		return icons.Vacant
	}

	return icons.Hae
}

func containsRoom(rooms []*Room, room *Room) bool {
	for _, candidate := range rooms {
		if candidate == room {
			return true
		}
	}

	return false
}

func fmtRooms(rooms []*Room) string {
	names := make([]string, 0, len(rooms))
	for _, room := range rooms {
		names = append(names, room.FmtShort())
	}

	return strings.Join(names, ", ")
}

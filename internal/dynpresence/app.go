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
	"github.com/Shiu/dynamic-presence/internal/mqtt"
	"github.com/Shiu/dynamic-presence/internal/storage"
	"github.com/Shiu/dynamic-presence/internal/style"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/go-co-op/gocron"
)

// Options configure an App. Only Actuator is required.
type Options struct {
	Actuator  lights.Actuator
	Events    <-chan *homeassistant.EventMsg
	Store     *storage.Store
	Publisher mqtt.Publisher
	Clock     clock.Clock
	Scheduler *gocron.Scheduler
	Defaults  Defaults

	// PurgeRemovedRooms deletes the stored state of rooms dropped from the configuration.
	PurgeRemovedRooms bool
	// PrintConfig prints every room configuration when it is added.
	PrintConfig bool
}

// App runs all rooms: it routes Home Assistant events to them, schedules the
// night mode boundaries and applies configuration reloads.
type App struct {
	// Pr is the app wide (pretty) printer.
	Pr *log.Logger

	opts     Options
	deps     Deps
	registry *Registry

	scheduler *gocron.Scheduler

	// serializes Start, Reload and Stop
	mu      sync.Mutex
	ctx     context.Context //nolint:containedctx
	runners map[string]context.CancelFunc

	// entity -> rooms interested in its state changes
	routes   map[homeassistant.EntityID][]*Room
	routesMu sync.RWMutex

	eventsReceivedTotal atomic.Uint64
	startTime           time.Time

	style lipgloss.Style
}

func New(opts Options) *App {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}

	if opts.Publisher == nil {
		opts.Publisher = mqtt.NoopPublisher{}
	}

	if opts.Scheduler == nil {
		opts.Scheduler = gocron.NewScheduler(time.Local)
	}

	if opts.Defaults == (Defaults{}) {
		opts.Defaults = BuiltinDefaults()
	}

	appStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0099"))
	pr := models.Printer.WithPrefix(appStyle.Faint(true).Render(models.AppName))

	app := &App{
		Pr:        pr,
		opts:      opts,
		registry:  NewRegistry(),
		scheduler: opts.Scheduler,
		ctx:       context.Background(),
		runners:   make(map[string]context.CancelFunc),
		routes:    make(map[homeassistant.EntityID][]*Room),
		startTime: opts.Clock.Now(),
		style:     appStyle,
	}

	app.deps = Deps{
		Actuator:  opts.Actuator,
		Store:     opts.Store,
		Publisher: opts.Publisher,
		Clock:     opts.Clock,
		Registry:  app.registry,
		Logger:    pr,
	}

	return app
}

// Registry gives access to the managed rooms.
func (a *App) Registry() *Registry {
	return a.registry
}

// Start adds the configured rooms and starts the event loop, the scheduler and the stats ticker.
func (a *App) Start(ctx context.Context, configs []*RoomConfig) {
	a.mu.Lock()
	a.ctx = ctx
	added := a.addRoomsLocked(configs)
	a.mu.Unlock()

	a.initRooms(added)

	a.scheduler.StartAsync()

	if a.opts.Events != nil {
		go a.eventLoop(ctx)
	}

	if a.opts.Defaults.StatsInterval > 0 {
		go a.statsTicker(ctx, a.opts.Defaults.StatsInterval)
	}

	a.printIntro()
}

// Stop stops the scheduler and all room receivers.
func (a *App) Stop() {
	a.scheduler.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, cancel := range a.runners {
		cancel()
		delete(a.runners, id)
	}

	for _, room := range a.registry.All() {
		room.Stop()
	}

	if err := a.opts.Publisher.Close(); err != nil {
		a.Pr.Debugf("%s closing publisher failed: %v", icons.Radio, err)
	}
}

// Reload applies a new room configuration: new rooms are added, missing rooms
// removed and existing rooms get their configuration replaced.
func (a *App) Reload(configs []*RoomConfig) {
	a.mu.Lock()

	wanted := make(map[string]*RoomConfig, len(configs))
	for _, cfg := range configs {
		wanted[cfg.ID] = cfg
	}

	for _, room := range a.registry.All() {
		if _, ok := wanted[room.ID()]; !ok {
			a.removeRoomLocked(room)
		}
	}

	fresh := make([]*RoomConfig, 0)
	updated := make([]*Room, 0)

	for _, cfg := range configs {
		if room, ok := a.registry.Get(cfg.ID); ok && room.ID() == cfg.ID {
			updated = append(updated, room)

			continue
		}

		fresh = append(fresh, cfg)
	}

	added := a.addRoomsLocked(fresh)

	a.mu.Unlock()

	for _, room := range updated {
		room.UpdateConfig(wanted[room.ID()])
		a.schedule(room)
	}

	a.initRooms(added)
	a.rebuildRoutes()

	a.Pr.Infof("%s configuration reloaded | %s rooms", icons.Reload, style.Bold(strconv.Itoa(a.registry.Len())))
}

// addRoomsLocked registers the rooms and starts their receivers. a.mu must be held.
func (a *App) addRoomsLocked(configs []*RoomConfig) []*Room {
	added := make([]*Room, 0, len(configs))

	for _, cfg := range configs {
		room := NewRoom(cfg, a.deps)

		if err := a.registry.Add(room); err != nil {
			a.Pr.Errorf("%s %v", icons.RedCross, err)

			continue
		}

		roomCtx, cancel := context.WithCancel(a.ctx)
		a.runners[room.ID()] = cancel

		go room.Run(roomCtx)

		added = append(added, room)
	}

	return added
}

// initRooms runs after all rooms of a batch are registered, so adjacency resolves during initialization.
func (a *App) initRooms(rooms []*Room) {
	a.rebuildRoutes()

	for _, room := range rooms {
		room.Init(a.ctx)
		a.schedule(room)

		if a.opts.PrintConfig {
			fmt.Println(room.FmtConfig())
		}
	}
}

func (a *App) removeRoomLocked(room *Room) {
	if cancel, ok := a.runners[room.ID()]; ok {
		cancel()
		delete(a.runners, room.ID())
	}

	room.Stop()

	if err := a.scheduler.RemoveByTag(room.ID()); err != nil {
		a.Pr.Debugf("no jobs to remove for %s: %v", room.FmtShort(), err)
	}

	a.registry.Remove(room.ID())

	if a.opts.PurgeRemovedRooms && a.opts.Store != nil {
		if err := a.opts.Store.Remove(room.ID()); err != nil {
			a.Pr.Warnf("%s removing stored state of %s failed: %v", icons.Disk, room.FmtShort(), err)
		}
	}

	a.Pr.Infof("%s room %s removed", icons.Home, room.FmtShort())
}

// schedule (re)creates the night mode boundary jobs and the periodic refresh of a room.
func (a *App) schedule(room *Room) {
	_ = a.scheduler.RemoveByTag(room.ID())

	cfg := room.Config()

	if cfg.HasNightLights() {
		for _, boundary := range []time.Time{cfg.NightModeStart, cfg.NightModeEnd} {
			if _, err := a.scheduler.Every(1).Day().At(FormatTimeOfDay(boundary)).Tag(room.ID()).Do(room.Refresh); err != nil {
				room.pr.Errorf("%s scheduling night mode switch at %s failed: %v", icons.RedCross, FormatTimeOfDay(boundary), err)
			}
		}
	}

	if interval := a.opts.Defaults.RefreshInterval; interval > 0 {
		if _, err := a.scheduler.Every(interval).WaitForSchedule().Tag(room.ID()).Do(room.Refresh); err != nil {
			room.pr.Errorf("%s scheduling refresh failed: %v", icons.RedCross, err)
		}
	}
}

func (a *App) rebuildRoutes() {
	routes := make(map[homeassistant.EntityID][]*Room)

	add := func(entityID homeassistant.EntityID, room *Room) {
		if entityID.IsZero() || containsRoom(routes[entityID], room) {
			return
		}

		routes[entityID] = append(routes[entityID], room)
	}

	for _, room := range a.registry.All() {
		cfg := room.Config()

		add(cfg.PresenceSensor, room)
		add(cfg.LightSensor, room)

		for light := range cfg.AllLights().Iter() {
			add(light, room)
		}
	}

	a.routesMu.Lock()
	a.routes = routes
	a.routesMu.Unlock()
}

// Rooms returns the rooms interested in state changes of entityID.
func (a *App) Rooms(entityID homeassistant.EntityID) []*Room {
	a.routesMu.RLock()
	defer a.routesMu.RUnlock()

	return append([]*Room(nil), a.routes[entityID]...)
}

func (a *App) eventLoop(ctx context.Context) {
	a.Pr.Debug("event loop started")

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-a.opts.Events:
			if !ok {
				a.Pr.Warn("event channel closed")

				return
			}

			a.Dispatch(ctx, event)
		}
	}
}

// Dispatch forwards an event to every room that uses the changed entity.
func (a *App) Dispatch(ctx context.Context, event *homeassistant.EventMsg) {
	if event == nil || event.Event == nil {
		return
	}

	a.eventsReceivedTotal.Add(1)

	switch event.Event.Type {
	case homeassistant.EventHomeAssistantStarted:
		a.Pr.Infof("%s Home Assistant started, refreshing rooms", icons.Rocket)

		for _, room := range a.registry.All() {
			room.Refresh()
		}

		return

	case homeassistant.EventStateChanged:

	default:
		return
	}

	rooms := a.Rooms(event.Event.Data.EntityID)
	if len(rooms) == 0 {
		return
	}

	for _, room := range rooms {
		room.Enqueue(ctx, event)
	}
}

// statsTicker prints the received events and the state of every room in a regular interval.
func (a *App) statsTicker(ctx context.Context, interval time.Duration) {
	a.Pr.Info(icons.Stopwatch + " event counter started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			a.Pr.Print(a.fmtStats())
		}
	}
}

func (a *App) fmtStats() string {
	minutes := a.opts.Clock.Since(a.startTime).Minutes()
	if minutes <= 0 {
		minutes = 1
	}

	fmtUnit := style.LightGray.Render("/m")

	fmtCount := func(total uint64, roomStyle lipgloss.Style) string {
		return fmt.Sprintf("%d%s%3.1f%s", total, roomStyle.Bold(true).Render("|"), float64(total)/minutes, fmtUnit)
	}

	stats := []string{fmtCount(a.eventsReceivedTotal.Load(), a.style)}

	for _, room := range a.registry.All() {
		roomStats := strings.Builder{}
		roomStats.WriteString(stateIcon(room.State()) + " ")
		roomStats.WriteString(room.FmtShort())
		roomStats.WriteString(style.Gray(6).Render(":"))
		roomStats.WriteString(fmtCount(room.EventsReceived(), room.style))

		stats = append(stats, roomStats.String())
	}

	return strings.Join(stats, " | ")
}

func (a *App) printIntro() {
	rooms := a.registry.All()
	allLights := lights.NewSet()

	for _, room := range rooms {
		allLights = allLights.Union(room.Config().AllLights())
	}

	intro := strings.Builder{}
	intro.WriteString(icons.Home + " ")
	intro.WriteString(style.Bold(strconv.Itoa(len(rooms))))
	intro.WriteString(" rooms | ")
	intro.WriteString(icons.LightOn + " ")
	intro.WriteString(style.Bold(strconv.Itoa(allLights.Cardinality())))
	intro.WriteString(" lights ")
	intro.WriteString(style.DarkDivider.String() + " ")
	intro.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#CC99CC")).Render(a.opts.Clock.Now().Format("15:04:05")))

	a.Pr.Print(intro.String())
}

//
// room service, used by the API

func (a *App) room(ref string) (*Room, error) {
	room, ok := a.registry.Get(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownRoom, ref)
	}

	return room, nil
}

// Snapshots returns the snapshots of all rooms ordered by name.
func (a *App) Snapshots() []Snapshot {
	rooms := a.registry.All()

	snapshots := make([]Snapshot, 0, len(rooms))
	for _, room := range rooms {
		snapshots = append(snapshots, room.Snapshot())
	}

	return snapshots
}

func (a *App) Snapshot(ref string) (Snapshot, error) {
	room, err := a.room(ref)
	if err != nil {
		return Snapshot{}, err
	}

	return room.Snapshot(), nil
}

func (a *App) SetSwitch(ref, key string, value bool) error {
	room, err := a.room(ref)
	if err != nil {
		return err
	}

	return room.SetSwitch(key, value)
}

func (a *App) SetNumber(ref, key string, value float64) error {
	room, err := a.room(ref)
	if err != nil {
		return err
	}

	return room.SetNumber(key, value)
}

func (a *App) SetTime(ref, key, value string) error {
	room, err := a.room(ref)
	if err != nil {
		return err
	}

	if err := room.SetTime(key, value); err != nil {
		return err
	}

	a.schedule(room)

	return nil
}

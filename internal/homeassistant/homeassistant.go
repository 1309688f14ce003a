package homeassistant

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/models/service"
	"github.com/Shiu/dynamic-presence/internal/style"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kr/pretty"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var (
	connectionTimeout = time.Second * 5
	reconnectDelay    = 7 * time.Second
	readLimit         = int64(4096000) // 4mb, get_states on big installations
)

type HomeAssistant struct {
	wsURL *url.URL
	token string

	// holds the current state of all entities and is updated on state_changed events
	states   map[EntityID]*State
	statesMu sync.RWMutex

	// events received from the websocket connection
	receivedEvents chan<- *EventMsg
	// queue between the reader and receivedEvents, so a slow consumer never blocks result delivery
	pendingEvents   []*EventMsg
	pendingMu       sync.Mutex
	pendingNotifier chan struct{}
	// time the most recent message was received (unix nanos)
	lastEventReceived atomic.Int64

	// result handlers for sent messages/requests
	resultsHandler map[int64]chan *ResultMsg
	resultsMu      sync.Mutex

	// desired subscriptions
	subscriptions mapset.Set[EventType]
	// actually active subscriptions
	activeSubscriptions mapset.Set[EventType]

	pr *log.Logger

	// websocket connection
	conn *websocket.Conn
	// lock for the websocket
	wsMutex sync.Mutex

	nonce atomic.Int64

	// stops the watchdog of the current connection
	stopWatchdog chan struct{}

	startTime time.Time
}

// New creates a new HomeAssistant instance and connects to the websocket API.
// Received events are forwarded to eventsChannel.
func New(rawURL string, token string, eventsChannel chan<- *EventMsg) (*HomeAssistant, error) {
	haClient, err := createInstance(rawURL, token, eventsChannel)
	if err != nil {
		return nil, err
	}

	go haClient.forwardEvents()

	haClient.setup()

	haClient.pr.Printf("%s Home Assistant client started", icons.GreenTick)

	return haClient, nil
}

func createInstance(rawURL string, token string, eventsChannel chan<- *EventMsg) (*HomeAssistant, error) {
	// validity check
	if rawURL == "" {
		return nil, models.ErrEmptyURL
	} else if token == "" {
		return nil, models.ErrEmptyToken
	}

	// parse http(s) URL
	httpURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %s: %w", rawURL, err)
	}

	// create websocket URL
	wsURL := *httpURL
	switch httpURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	case "ws", "wss":
	default:
		log.Errorf("unsupported url scheme: %s", httpURL.Scheme)
	}

	homAss := &HomeAssistant{
		wsURL: wsURL.JoinPath("/api/websocket"),
		token: token,

		states: make(map[EntityID]*State),

		receivedEvents:  eventsChannel,
		pendingNotifier: make(chan struct{}, 1),

		resultsHandler: make(map[int64]chan *ResultMsg),

		// events we always want to subscribe to
		subscriptions:       mapset.NewSet(EventStateChanged, EventHomeAssistantStart, EventHomeAssistantStarted),
		activeSubscriptions: mapset.NewSet[EventType](),

		pr: models.Printer.WithPrefix(lipgloss.NewStyle().Foreground(style.HABlue).Render("HA")),

		startTime: time.Now(),
	}

	homAss.lastEventReceived.Store(time.Now().UnixNano())

	return homAss, nil
}

// setup sets up the HomeAssistant client to receive events.
func (ha *HomeAssistant) setup() {
	initialSetup := true

	ha.wsMutex.Lock()
	connected := ha.conn != nil
	ha.wsMutex.Unlock()

	if connected {
		initialSetup = false

		ha.pr.Infof("%s reconnect - closing existing connection...", icons.Stopwatch)

		// reconnect - tear down existing client
		ha.shutdown()
	}

	for {
		if !initialSetup {
			ha.pr.Printf("%s trying again in %.0fs...", icons.ReconnectCircle, reconnectDelay.Seconds())
			time.Sleep(reconnectDelay)
		}

		initialSetup = false

		if err := ha.setupConnection(); err != nil {
			ha.pr.With("err", err).Error("failed to setup connection")

			continue
		}

		if err := ha.setupSubscriptions(); err != nil {
			ha.pr.With("err", err).Error("failed to setup subscriptions")

			ha.shutdown()

			continue
		}

		ha.stopWatchdog = make(chan struct{})
		go ha.lastEventReceivedWatchdog(ha.stopWatchdog, viper.GetDuration("homeassistant.watchdog.max_age"), viper.GetDuration("homeassistant.watchdog.check_every"))

		break
	}

	ha.pr.Printf("%s connected and subscribed", icons.ReconnectCircle)
}

func (ha *HomeAssistant) setupConnection() error {
	ha.pr.Printf("%s connecting to %s", icons.ConnectionChain, ha.wsURL.String())

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, ha.wsURL.String(), &websocket.DialOptions{})
	if err != nil {
		return err
	}

	ha.conn = conn

	ha.pr.Printf("%s connected to %s", icons.GreenTick, ha.wsURL.String())

	// increase max size of a message for the connection (in bytes)
	ha.conn.SetReadLimit(readLimit)

	if err := ha.doAuthentication(ctx); err != nil {
		ha.pr.Error("authentication failed: ", err)

		return err
	}

	ha.pr.Printf("%s successfully authenticated", icons.Key)

	return nil
}

func (ha *HomeAssistant) setupSubscriptions() error {
	// start message handler
	go ha.runReader(ha.conn)

	// get initial state
	numStatesReceived, err := ha.getStates(context.Background())
	if err != nil {
		return err
	}

	ha.pr.Printf("%s fetched states for %d entities", icons.Home, numStatesReceived)

	ha.subscribe()

	return nil
}

func (ha *HomeAssistant) shutdown() {
	if ha.stopWatchdog != nil {
		close(ha.stopWatchdog)
		ha.stopWatchdog = nil
	}

	// try graceful close of the existing connection
	ha.wsMutex.Lock()
	if ha.conn != nil {
		if err := ha.conn.Close(websocket.StatusNormalClosure, "reconnect"); err != nil {
			ha.pr.Debugf("%s failed to gracefully close connection, forcing: %+v", icons.RedCross.Render(), err)

			_ = ha.conn.CloseNow()
		}
	}

	ha.conn = nil
	ha.wsMutex.Unlock()

	// unblock everyone waiting for a result, results arriving later find no handler
	ha.resultsMu.Lock()
	for _, done := range ha.resultsHandler {
		close(done)
	}

	ha.resultsHandler = make(map[int64]chan *ResultMsg)
	ha.resultsMu.Unlock()

	ha.activeSubscriptions.Clear()
}

// doAuthentication authenticates to the websocket API.
func (ha *HomeAssistant) doAuthentication(ctx context.Context) error {
	var versionMsg VersionMsg

	// first message should be auth_required
	if err := wsjson.Read(ctx, ha.conn, &versionMsg); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if versionMsg.Type != "auth_required" {
		return fmt.Errorf("%w: %s", models.ErrUnexpectedMessageType, versionMsg.Type)
	}

	// reply with auth message containing a token
	if err := wsjson.Write(ctx, ha.conn, NewAuthMsg(ha.token)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := wsjson.Read(ctx, ha.conn, &versionMsg); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if versionMsg.Type != "auth_ok" {
		return fmt.Errorf("%w: %s", models.ErrUnexpectedMessageType, versionMsg.Type)
	}

	ha.pr.Infof("%s Home Assistant %s", icons.Home, style.Bold(versionMsg.HaVersion))

	return nil
}

// GetState returns the cached state of the entity or nil if it is unknown.
func (ha *HomeAssistant) GetState(entityID EntityID) *State {
	ha.statesMu.RLock()
	state, ok := ha.states[entityID]
	ha.statesMu.RUnlock()

	if !ok || state == nil {
		ha.pr.Debugf("no state found for entity %s", entityID.ID)

		return nil
	}

	return state
}

// CallService calls the service for all targets in a single call_service message.
// The domain is taken from the first target.
func (ha *HomeAssistant) CallService(ctx context.Context, haService service.Service, targets []EntityID, serviceData map[string]interface{}) error {
	if len(targets) == 0 {
		return models.ErrNoTargets
	}

	dom := targets[0].Domain()
	filteredServiceData := filterServiceData(serviceData, models.AllowedServiceData[haService][dom])

	msg := NewCallServiceMsg(haService, dom, filteredServiceData, targets)

	result, err := ha.wsCallWithResponse(ctx, msg)
	if err != nil {
		return fmt.Errorf("%s %v: %w", haService, targets, err)
	}

	if !result.Success {
		ha.pr.Warnf("%s %s %s", icons.Call, msg, icons.RedCross.String())

		return fmt.Errorf("%w: %s %v: %s", models.ErrServiceCallFailed, haService, targets, result.Error.Message)
	}

	ha.pr.Debugf("%s %s %s", icons.Call, msg, icons.GreenTick.String())

	// update local state, the state_changed event will follow
	for _, target := range targets {
		if target.Domain().IsSwitchable() {
			ha.updateStateValue(target, haService.StateAfter())
		}
	}

	return nil
}

func (ha *HomeAssistant) subscribe() {
	eventsNotSubscribed := ha.subscriptions.Difference(ha.activeSubscriptions)

	for eventType := range eventsNotSubscribed.Iter() {
		ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)

		if _, err := ha.wsCallWithResponse(ctx, NewSubscribeMsg(eventType)); err != nil {
			ha.pr.Warnf("%s subscription for %+v failed: %s", icons.RedCross, style.Bold(string(eventType)), err)
		} else {
			ha.pr.Infof("%s subscribed to %s", icons.Sub, style.HABlueFrame(string(eventType)))

			ha.activeSubscriptions.Add(eventType)
		}

		cancel()
	}
}

// wsCallWithResponse sends the message and waits for its result or the context to end.
func (ha *HomeAssistant) wsCallWithResponse(ctx context.Context, msg Message) (*ResultMsg, error) {
	done := make(chan *ResultMsg, 1)

	msgID, err := ha.wsCall(ctx, done, msg)
	if err != nil {
		return nil, err
	}

	defer func() {
		ha.resultsMu.Lock()
		delete(ha.resultsHandler, msgID)
		ha.resultsMu.Unlock()
	}()

	select {
	case result, ok := <-done:
		if !ok || result == nil {
			return nil, models.ErrConnectionClosed
		}

		return result, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wsCall sends a message to the websocket connection and returns the used message id.
func (ha *HomeAssistant) wsCall(ctx context.Context, done chan *ResultMsg, msg Message) (int64, error) {
	ha.wsMutex.Lock()
	defer ha.wsMutex.Unlock()

	if ha.conn == nil {
		return 0, models.ErrNoConnectionToWriteTo
	}

	// add unique message id
	msgID := msg.SetID(ha.nonce.Add(1))

	if done != nil {
		ha.resultsMu.Lock()
		ha.resultsHandler[msgID] = done
		ha.resultsMu.Unlock()
	}

	if err := wsjson.Write(ctx, ha.conn, msg); err != nil {
		return msgID, err
	}

	return msgID, nil
}

func (ha *HomeAssistant) getStates(ctx context.Context) (int, error) {
	result, err := ha.wsCallWithResponse(ctx, &baseMessage{Type: "get_states"})
	if err != nil {
		return 0, fmt.Errorf("failed to get states: %w", err)
	}

	var states []*State

	decoder, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeHookFunc(time.RFC3339), StringToEntityIDHookFunc()),
		Result:     &states,
	})

	if err := decoder.Decode(result.Result); err != nil {
		return 0, fmt.Errorf("decoding get_states result failed: %w", err)
	}

	if len(states) == 0 {
		return 0, models.ErrNoStatesReceived
	}

	ha.updateStates(states)

	return len(states), nil
}

// updateStates updates the local state with the given states.
func (ha *HomeAssistant) updateStates(states []*State) {
	ha.statesMu.Lock()
	defer ha.statesMu.Unlock()

	for _, state := range states {
		if state == nil || state.EntityID.IsZero() {
			continue
		}

		ha.states[state.EntityID] = state
	}
}

// updateStateValue sets the state value of a single entity.
func (ha *HomeAssistant) updateStateValue(target EntityID, state string) {
	ha.statesMu.Lock()
	defer ha.statesMu.Unlock()

	current, ok := ha.states[target]
	if !ok || current == nil {
		ha.states[target] = &State{EntityID: target, State: state, LastChanged: time.Now()}

		return
	}

	// copy, readers may still hold the old pointer
	updated := *current
	updated.State = state
	ha.states[target] = &updated
}

func (ha *HomeAssistant) runReader(conn *websocket.Conn) {
	ha.pr.Debugf("%s starting websocket reader", icons.WeightLift)

	if err := ha.wsReader(conn); err != nil {
		ha.wsMutex.Lock()
		current := ha.conn
		ha.wsMutex.Unlock()

		// a replaced connection is not ours to reconnect
		if current != conn {
			return
		}

		ha.pr.Errorf("%s reader error: %+v", icons.Glasses, err)

		go ha.setup()
	}
}

func (ha *HomeAssistant) wsReader(conn *websocket.Conn) error {
	if conn == nil {
		return models.ErrNoConnectionToReadFrom
	}

	for {
		var msg map[string]interface{}

		err := wsjson.Read(context.Background(), conn, &msg)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return models.ErrConnectionClosed
			}

			return err
		}

		ha.lastEventReceived.Store(time.Now().UnixNano())

		msgType, ok := msg["type"].(string)
		if !ok {
			ha.pr.Errorf("received message without type: %+v", msg)

			continue
		}

		switch msgType {
		case "event":
			ha.handleEventMessage(msg)
		case "result":
			ha.handleResultMessage(msg)
		default:
			ha.pr.Warnf("%s received unexpected %s message: %+v", icons.Hae, style.Bold(msgType), msg)
		}
	}
}

func (ha *HomeAssistant) handleEventMessage(msg map[string]interface{}) {
	var eventMsg EventMsg

	decoder, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeHookFunc(time.RFC3339), StringToEntityIDHookFunc()),
		Result:     &eventMsg,
	})

	if err := decoder.Decode(msg); err != nil {
		ha.pr.Errorf("decoding incoming event failed: %+v | msg: %+v", err, msg)

		return
	}

	if eventMsg.Event == nil {
		return
	}

	if ha.pr.GetLevel() <= log.DebugLevel {
		ha.pr.Debugf("%s event: %# v", icons.Radio, pretty.Formatter(eventMsg.Event))
	}

	switch eventMsg.Event.Type {
	case EventStateChanged:
		if eventMsg.Event.Data.NewState.EntityID.IsZero() {
			// entity removed
			ha.statesMu.Lock()
			delete(ha.states, eventMsg.Event.Data.EntityID)
			ha.statesMu.Unlock()
		} else {
			newState := eventMsg.Event.Data.NewState
			ha.updateStates([]*State{&newState})
		}

		ha.enqueueEvent(&eventMsg)

	case EventHomeAssistantStart, EventHomeAssistantStarted:
		ha.pr.Printf("%s %s received", icons.Rocket, style.Bold(string(eventMsg.Event.Type)))

		// refresh states in the background, the reader must keep going to receive the result
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
			defer cancel()

			if _, err := ha.getStates(ctx); err != nil {
				ha.pr.Error("failed to get states: ", err)
			}
		}()

	default:
		if ha.subscriptions.Contains(eventMsg.Event.Type) {
			ha.enqueueEvent(&eventMsg)
		}
	}
}

func (ha *HomeAssistant) enqueueEvent(eventMsg *EventMsg) {
	ha.pendingMu.Lock()
	ha.pendingEvents = append(ha.pendingEvents, eventMsg)
	ha.pendingMu.Unlock()

	select {
	case ha.pendingNotifier <- struct{}{}:
	default:
	}
}

// forwardEvents hands queued events to the consumer in the order they were received.
func (ha *HomeAssistant) forwardEvents() {
	for range ha.pendingNotifier {
		for {
			ha.pendingMu.Lock()
			if len(ha.pendingEvents) == 0 {
				ha.pendingMu.Unlock()

				break
			}

			eventMsg := ha.pendingEvents[0]
			ha.pendingEvents[0] = nil
			ha.pendingEvents = ha.pendingEvents[1:]
			ha.pendingMu.Unlock()

			ha.receivedEvents <- eventMsg
		}
	}
}

func (ha *HomeAssistant) handleResultMessage(msg map[string]interface{}) {
	var resultMsg ResultMsg

	decoder, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeHookFunc(time.RFC3339), StringToEntityIDHookFunc()),
		Result:     &resultMsg,
	})

	if err := decoder.Decode(msg); err != nil {
		ha.pr.Errorf("decoding incoming result failed: %+v | msg: %+v", err, msg)

		return
	}

	if !resultMsg.Success {
		ha.pr.Errorf(style.Gray(6).Render("#")+"%d | %s | %s", resultMsg.ID, resultMsg.Error.Code, resultMsg.Error.Message)
	}

	// failures are delivered too, the caller decides what to do with them
	// send under the lock, shutdown closes the channels while holding it
	ha.resultsMu.Lock()
	defer ha.resultsMu.Unlock()

	if done, ok := ha.resultsHandler[resultMsg.ID]; ok {
		select {
		case done <- &resultMsg:
		default:
		}
	}
}

// lastEventReceivedWatchdog reconnects if the last message received is older than the given max age.
func (ha *HomeAssistant) lastEventReceivedWatchdog(stop <-chan struct{}, maxAge, checkEvery time.Duration) {
	if maxAge <= 0 || checkEvery <= 0 {
		return
	}

	ha.pr.Infof("%s starting watchdog | max age: %s | check every: %s", icons.Watchdog, style.Bold(maxAge.String()), style.Bold(checkEvery.String()))

	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			since := time.Since(time.Unix(0, ha.lastEventReceived.Load()))
			if since > maxAge {
				ha.pr.Warnf("%s no messages received for %s - reconnecting", icons.RedCross, style.Bold(since.Round(time.Second).String()))

				go ha.setup()

				return
			}

			ha.pr.Debugf("%s last message received %s ago", icons.Watchdog, style.Bold(since.Round(time.Millisecond).String()))
		}
	}
}

// filterServiceData filters the given service data map by the allowed keys.
func filterServiceData(serviceData map[string]interface{}, allowedKeys mapset.Set[string]) map[string]interface{} {
	filteredServiceData := make(map[string]interface{})

	if allowedKeys == nil {
		return filteredServiceData
	}

	for key, value := range serviceData {
		if allowedKeys.Contains(key) {
			filteredServiceData[key] = value
		} else {
			log.Warnf("removing not allowed service data key: %s", key)
		}
	}

	return filteredServiceData
}

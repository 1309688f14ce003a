package homeassistant

import (
	"time"
)

var (
	EventStateChanged         = EventType("state_changed")
	EventHomeAssistantStart   = EventType("homeassistant_start")
	EventHomeAssistantStarted = EventType("homeassistant_started")
)

const (
	StateOn          = "on"
	StateOff         = "off"
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

type EventType string

type Event struct {
	Type      EventType    `json:"event_type" mapstructure:"event_type"`
	Origin    string       `json:"origin"     mapstructure:"origin"`
	TimeFired time.Time    `json:"time_fired" mapstructure:"time_fired"`
	Context   StateContext `json:"context"    mapstructure:"context"`
	Data      EventData    `json:"data"       mapstructure:"data"`
}

type EventData struct {
	EntityID EntityID `json:"entity_id" mapstructure:"entity_id"`
	NewState State    `json:"new_state" mapstructure:"new_state"`
	OldState State    `json:"old_state" mapstructure:"old_state"`
}

type State struct {
	EntityID    EntityID     `json:"entity_id"    mapstructure:"entity_id"`
	State       string       `json:"state"        mapstructure:"state"`
	LastChanged time.Time    `json:"last_changed" mapstructure:"last_changed"`
	LastUpdated time.Time    `json:"last_updated" mapstructure:"last_updated"`
	Context     StateContext `json:"context"      mapstructure:"context"`
	Attributes  Attributes   `json:"attributes"   mapstructure:"attributes"`
}

// IsKnown reports whether the state carries a real value (not unknown/unavailable).
func (s *State) IsKnown() bool {
	return s != nil && s.State != "" && s.State != StateUnknown && s.State != StateUnavailable
}

type StateContext struct {
	ID       string `json:"id"        mapstructure:"id"`
	ParentID string `json:"parent_id" mapstructure:"parent_id"`
	UserID   string `json:"user_id"   mapstructure:"user_id"`
}

type Attributes struct {
	FriendlyName      string                 `json:"friendly_name"       mapstructure:"friendly_name"`
	Icon              string                 `json:"icon"                mapstructure:"icon"`
	DeviceClass       string                 `json:"device_class"        mapstructure:"device_class"`
	StateClass        string                 `json:"state_class"         mapstructure:"state_class"`
	UnitOfMeasurement string                 `json:"unit_of_measurement" mapstructure:"unit_of_measurement"`
	SupportedFeatures int64                  `json:"supported_features"  mapstructure:"supported_features"`
	Other             map[string]interface{} `mapstructure:",remain"`
}

// NewStateChangedEvent builds a state_changed event message as it would be received from Home Assistant.
func NewStateChangedEvent(entityID EntityID, oldState, newState string) *EventMsg {
	now := time.Now()

	return &EventMsg{
		baseMessage: baseMessage{Type: "event"},
		Event: &Event{
			Type:      EventStateChanged,
			Origin:    "LOCAL",
			TimeFired: now,
			Data: EventData{
				EntityID: entityID,
				NewState: State{EntityID: entityID, State: newState, LastChanged: now, LastUpdated: now},
				OldState: State{EntityID: entityID, State: oldState},
			},
		},
	}
}

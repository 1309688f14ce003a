// Package mqtt publishes room snapshots to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"strings"
)

const (
	// TopicPrefix is the root of all published topics.
	TopicPrefix = "dynamic_presence"

	// TopicStatus carries the retained online/offline availability of the service.
	TopicStatus = TopicPrefix + "/status"

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Publisher publishes room states.
type Publisher interface {
	// PublishState sends the retained JSON state of a room.
	// Errors should be logged, never crash the process.
	PublishState(room string, state any) error

	// Close disconnects from the broker.
	Close() error
}

// StateTopic returns the topic the state of the room is published to.
func StateTopic(room string) string {
	return TopicPrefix + "/" + topicSafe(room) + "/state"
}

// FormatPayload creates the JSON payload for a room state.
func FormatPayload(state any) ([]byte, error) {
	return json.Marshal(state)
}

// topicSafe removes the MQTT wildcards and separators from a topic level.
func topicSafe(level string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_").Replace(strings.ToLower(level))
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishState(string, any) error { return nil }
func (NoopPublisher) Close() error                   { return nil }

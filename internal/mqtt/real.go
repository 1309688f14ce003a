package mqtt

import (
	"fmt"
	"time"

	"github.com/Shiu/dynamic-presence/internal/models"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(broker, clientID, username, password string) (*RealPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetWill(TopicStatus, StatusOffline, 1, true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(client paho.Client) {
			client.Publish(TopicStatus, 1, true, StatusOnline)
		})

	client := paho.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", broker)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	models.Printer.Infof("connected to mqtt broker %s", broker)

	return &RealPublisher{client: client}, nil
}

// PublishState sends the retained room state, QoS 1.
func (p *RealPublisher) PublishState(room string, state any) error {
	payload, err := FormatPayload(state)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	token := p.client.Publish(StateTopic(room), 1, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", StateTopic(room))
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

// Close marks the service offline and disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Publish(TopicStatus, 1, true, StatusOffline).WaitTimeout(time.Second)
	p.client.Disconnect(1000)

	return nil
}

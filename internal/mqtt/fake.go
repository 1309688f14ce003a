package mqtt

import "sync"

// Message is a recorded publication.
type Message struct {
	Topic   string
	Payload []byte
}

// FakePublisher records published states for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Messages contains everything published, in order.
	Messages []Message

	// PublishError, if set, will be returned by PublishState.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) PublishState(room string, state any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PublishError != nil {
		return f.PublishError
	}

	payload, err := FormatPayload(state)
	if err != nil {
		return err
	}

	f.Messages = append(f.Messages, Message{Topic: StateTopic(room), Payload: payload})

	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Closed = true

	return nil
}

// Last returns the most recent message published to the topic.
func (f *FakePublisher) Last(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.Messages) - 1; i >= 0; i-- {
		if f.Messages[i].Topic == topic {
			return f.Messages[i], true
		}
	}

	return Message{}, false
}

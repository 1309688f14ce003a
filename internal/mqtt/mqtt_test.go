package mqtt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTopic(t *testing.T) {
	assert.Equal(t, "dynamic_presence/kitchen/state", StateTopic("kitchen"))
	assert.Equal(t, "dynamic_presence/living_room/state", StateTopic("Living Room"))
	assert.Equal(t, "dynamic_presence/a_b_c/state", StateTopic("a/b#c"))
}

func TestFakePublisher(t *testing.T) {
	fake := NewFakePublisher()

	require.NoError(t, fake.PublishState("kitchen", map[string]any{"state": "occupied"}))
	require.NoError(t, fake.PublishState("kitchen", map[string]any{"state": "vacant"}))

	msg, ok := fake.Last(StateTopic("kitchen"))
	require.True(t, ok)
	assert.JSONEq(t, `{"state":"vacant"}`, string(msg.Payload))

	_, ok = fake.Last(StateTopic("hall"))
	assert.False(t, ok)

	fake.PublishError = errors.New("broker gone")
	require.Error(t, fake.PublishState("kitchen", nil))
	assert.Len(t, fake.Messages, 2)

	require.NoError(t, fake.Close())
	assert.True(t, fake.Closed)
}

func TestNoopPublisher(t *testing.T) {
	var publisher Publisher = NoopPublisher{}

	require.NoError(t, publisher.PublishState("kitchen", struct{}{}))
	require.NoError(t, publisher.Close())
}

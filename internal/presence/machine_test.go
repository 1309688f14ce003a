package presence

import (
	"strings"
	"testing"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLegality(t *testing.T) {
	valid := map[RoomState][]RoomState{
		Vacant:           {Occupied},
		Occupied:         {DetectionTimeout, Vacant},
		DetectionTimeout: {Occupied, Countdown},
		Countdown:        {Occupied, Vacant},
	}

	for _, from := range AllStates {
		for _, to := range AllStates {
			allowed := false

			for _, target := range valid[from] {
				if target == to {
					allowed = true
				}
			}

			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				machine := NewMachine(from)

				assert.Equal(t, allowed, machine.CanTransition(to))

				err := machine.Transition(to)
				if allowed {
					require.NoError(t, err)
					assert.Equal(t, to, machine.State())
				} else {
					require.ErrorIs(t, err, models.ErrInvalidTransition)
					assert.Equal(t, from, machine.State())
				}
			})
		}
	}
}

func TestMachineCycle(t *testing.T) {
	machine := NewMachine(Vacant)

	for _, target := range []RoomState{Occupied, DetectionTimeout, Countdown, Occupied, Vacant} {
		require.NoError(t, machine.Transition(target))
		assert.Equal(t, target, machine.State())
	}
}

func TestRoomStateText(t *testing.T) {
	for _, state := range AllStates {
		raw, err := state.MarshalText()
		require.NoError(t, err)

		var decoded RoomState
		require.NoError(t, decoded.UnmarshalText(raw))
		assert.Equal(t, state, decoded)
	}

	var decoded RoomState
	require.ErrorIs(t, decoded.UnmarshalText([]byte("party")), models.ErrInvalidValue)
}

func TestGraphNamesAllStates(t *testing.T) {
	graph := NewMachine(Vacant).Graph()

	assert.True(t, strings.HasPrefix(graph, "digraph"))

	for _, state := range AllStates {
		assert.Contains(t, graph, state.String())
	}
}

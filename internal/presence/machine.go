// Package presence holds the room state machine and its timers.
package presence

import (
	"context"
	"encoding"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/qmuntal/stateless"
)

type RoomState int32

const (
	Vacant RoomState = iota
	Occupied
	DetectionTimeout
	Countdown
)

var roomStateNames = map[RoomState]string{
	Vacant:           "vacant",
	Occupied:         "occupied",
	DetectionTimeout: "detection_timeout",
	Countdown:        "countdown",
}

// AllStates lists the states in declaration order.
var AllStates = []RoomState{Vacant, Occupied, DetectionTimeout, Countdown}

func (s RoomState) String() string {
	if name, ok := roomStateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("RoomState(%d)", int32(s))
}

func (s RoomState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RoomState) UnmarshalText(text []byte) error {
	for state, name := range roomStateNames {
		if strings.EqualFold(name, string(text)) {
			*s = state

			return nil
		}
	}

	return fmt.Errorf("%w: unknown room state %q", models.ErrInvalidValue, text)
}

var (
	_ encoding.TextMarshaler   = Vacant
	_ encoding.TextUnmarshaler = (*RoomState)(nil)
)

// Machine guards the room state. Triggers are the destination states, so every
// permitted edge is "fire the state you want to be in".
type Machine struct {
	state atomic.Int32
	sm    *stateless.StateMachine
}

// NewMachine returns a machine in the given state.
func NewMachine(initial RoomState) *Machine {
	machine := &Machine{}
	machine.state.Store(int32(initial))

	machine.sm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return RoomState(machine.state.Load()), nil
		},
		func(_ context.Context, state stateless.State) error {
			roomState, ok := state.(RoomState)
			if !ok {
				return fmt.Errorf("%w: %v", models.ErrInvalidValue, state)
			}

			machine.state.Store(int32(roomState))

			return nil
		},
		stateless.FiringImmediate,
	)

	machine.sm.Configure(Vacant).
		Permit(Occupied, Occupied)

	machine.sm.Configure(Occupied).
		Permit(DetectionTimeout, DetectionTimeout).
		Permit(Vacant, Vacant)

	machine.sm.Configure(DetectionTimeout).
		Permit(Occupied, Occupied).
		Permit(Countdown, Countdown)

	machine.sm.Configure(Countdown).
		Permit(Occupied, Occupied).
		Permit(Vacant, Vacant)

	machine.sm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return fmt.Errorf("%w: %v -> %v", models.ErrInvalidTransition, state, trigger)
	})

	return machine
}

// State is safe to call from any goroutine.
func (m *Machine) State() RoomState {
	return RoomState(m.state.Load())
}

// CanTransition reports whether the edge from the current state to target exists.
func (m *Machine) CanTransition(target RoomState) bool {
	ok, err := m.sm.CanFire(target)

	return err == nil && ok
}

// Transition moves to target or returns an error wrapping models.ErrInvalidTransition
// and leaves the state untouched.
func (m *Machine) Transition(target RoomState) error {
	from := m.State()

	if !m.CanTransition(target) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, target)
	}

	if err := m.sm.Fire(target); err != nil {
		return fmt.Errorf("%w: %s -> %s: %w", models.ErrInvalidTransition, from, target, err)
	}

	return nil
}

// Graph returns the transition graph in DOT format.
func (m *Machine) Graph() string {
	return m.sm.ToGraph()
}

package homeassistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/models/service"
	mapset "github.com/deckarep/golang-set/v2"
)

// ServiceCall records a service call for testing.
type ServiceCall struct {
	Service     service.Service
	Targets     []EntityID
	ServiceData map[string]interface{}
	Time        time.Time
}

// MockClient is an in-memory stand-in for the websocket client.
// Successful calls update the cached state of their targets like Home Assistant would.
type MockClient struct {
	states   map[EntityID]*State
	statesMu sync.RWMutex

	serviceCalls []ServiceCall
	callsMu      sync.Mutex

	// calls touching one of these entities fail
	failing mapset.Set[EntityID]
}

// NewMockClient creates a new mock HA client.
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[EntityID]*State),
		serviceCalls: make([]ServiceCall, 0),
		failing:      mapset.NewSet[EntityID](),
	}
}

// SetState sets the state of an entity.
func (m *MockClient) SetState(entityID EntityID, state string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	m.states[entityID] = &State{EntityID: entityID, State: state, LastChanged: time.Now(), LastUpdated: time.Now()}
}

// RemoveState forgets an entity.
func (m *MockClient) RemoveState(entityID EntityID) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	delete(m.states, entityID)
}

// GetState returns a copy of the mock state or nil.
func (m *MockClient) GetState(entityID EntityID) *State {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil
	}

	stateCopy := *state

	return &stateCopy
}

// FailFor makes every call that targets one of the given entities fail.
func (m *MockClient) FailFor(entityIDs ...EntityID) {
	for _, entityID := range entityIDs {
		m.failing.Add(entityID)
	}
}

// CallService records the call and applies it to the mock states.
func (m *MockClient) CallService(_ context.Context, haService service.Service, targets []EntityID, serviceData map[string]interface{}) error {
	if len(targets) == 0 {
		return models.ErrNoTargets
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Service:     haService,
		Targets:     append([]EntityID(nil), targets...),
		ServiceData: serviceData,
		Time:        time.Now(),
	})
	m.callsMu.Unlock()

	for _, target := range targets {
		if m.failing.Contains(target) {
			return fmt.Errorf("%w: %s %s: entity not found", models.ErrServiceCallFailed, haService, target)
		}
	}

	for _, target := range targets {
		m.SetState(target, haService.StateAfter())
	}

	return nil
}

// ServiceCalls returns all recorded calls.
func (m *MockClient) ServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)

	return calls
}

// TargetsOf returns every entity targeted by calls of the given service, in call order.
func (m *MockClient) TargetsOf(haService service.Service) []EntityID {
	targets := make([]EntityID, 0)

	for _, call := range m.ServiceCalls() {
		if call.Service == haService {
			targets = append(targets, call.Targets...)
		}
	}

	return targets
}

// ClearServiceCalls forgets all recorded calls.
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	m.serviceCalls = make([]ServiceCall, 0)
}

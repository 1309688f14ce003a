// Package lights issues on/off commands for sets of lights and reads their state.
package lights

import (
	"context"
	"strings"

	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/models/domain"
	"github.com/Shiu/dynamic-presence/internal/models/service"
	"github.com/charmbracelet/log"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// Actuator is the part of the Home Assistant client the controller needs.
type Actuator interface {
	CallService(ctx context.Context, haService service.Service, targets []homeassistant.EntityID, serviceData map[string]interface{}) error
	GetState(entityID homeassistant.EntityID) *homeassistant.State
}

type Set = mapset.Set[homeassistant.EntityID]

// NewSet creates a light set.
func NewSet(lights ...homeassistant.EntityID) Set {
	return mapset.NewSet(lights...)
}

// Controller issues turn_on/turn_off calls. Calls are synchronous, failures are logged and never abort the remaining lights.
type Controller struct {
	actuator    Actuator
	serviceData map[service.Service]map[string]interface{}
	pr          *log.Logger
}

func NewController(actuator Actuator, logger *log.Logger) *Controller {
	if logger == nil {
		logger = models.Printer
	}

	return &Controller{
		actuator:    actuator,
		serviceData: make(map[service.Service]map[string]interface{}),
		pr:          logger,
	}
}

// WithServiceData sets extra service data like a transition for the given service.
func (c *Controller) WithServiceData(haService service.Service, data map[string]interface{}) *Controller {
	c.serviceData[haService] = data

	return c
}

// TurnOn turns on every light with its own call. Returns the lights that failed.
func (c *Controller) TurnOn(ctx context.Context, lights Set) Set {
	failed := NewSet()

	if lights == nil || lights.Cardinality() == 0 {
		return failed
	}

	for _, light := range Sorted(lights) {
		if err := c.actuator.CallService(ctx, service.TurnOn, []homeassistant.EntityID{light}, c.serviceData[service.TurnOn]); err != nil {
			c.pr.Warnf("%s %s failed for %s: %v", icons.RedCross, service.TurnOn.FmtString(), light.FmtShort(), err)

			failed.Add(light)

			continue
		}

		c.pr.Debugf("%s %s %s", icons.LightOn, service.TurnOn.FmtString(), light.FmtShort())
	}

	return failed
}

// TurnOff turns off the lights with one call per domain and retries each light
// on its own if the batched call fails. Returns the lights that failed.
func (c *Controller) TurnOff(ctx context.Context, lights Set) Set {
	failed := NewSet()

	if lights == nil || lights.Cardinality() == 0 {
		return failed
	}

	for _, batch := range byDomain(lights) {
		err := c.actuator.CallService(ctx, service.TurnOff, batch, c.serviceData[service.TurnOff])
		if err == nil {
			c.pr.Debugf("%s %s %d lights", icons.LightOff, service.TurnOff.FmtString(), len(batch))

			continue
		}

		if len(batch) == 1 {
			c.pr.Warnf("%s %s failed for %s: %v", icons.RedCross, service.TurnOff.FmtString(), batch[0].FmtShort(), err)
			failed.Add(batch[0])

			continue
		}

		c.pr.Infof("%s batched %s failed, trying lights one by one: %v", icons.Hae, service.TurnOff.FmtString(), err)

		for _, light := range batch {
			if err := c.actuator.CallService(ctx, service.TurnOff, []homeassistant.EntityID{light}, c.serviceData[service.TurnOff]); err != nil {
				c.pr.Warnf("%s %s failed for %s: %v", icons.RedCross, service.TurnOff.FmtString(), light.FmtShort(), err)

				failed.Add(light)
			}
		}
	}

	return failed
}

// AnyOn reports whether at least one light is on. Unknown, unavailable and missing lights are not on.
func (c *Controller) AnyOn(lights Set) bool {
	if lights == nil {
		return false
	}

	for light := range lights.Iter() {
		if state := c.State(light); state != nil && *state {
			return true
		}
	}

	return false
}

// State returns whether the light is on, nil if that cannot be determined.
func (c *Controller) State(light homeassistant.EntityID) *bool {
	state := c.actuator.GetState(light)
	if state == nil {
		return nil
	}

	var isOn bool

	switch state.State {
	case homeassistant.StateOn:
		isOn = true
	case homeassistant.StateOff:
		isOn = false
	default:
		return nil
	}

	return &isOn
}

// Sorted returns the lights in a stable order.
func Sorted(lights Set) []homeassistant.EntityID {
	if lights == nil {
		return nil
	}

	sorted := lights.ToSlice()
	slices.SortFunc(sorted, homeassistant.CompareEntityIDs)

	return sorted
}

// byDomain groups the lights per entity domain, each group sorted.
func byDomain(lights Set) [][]homeassistant.EntityID {
	groups := make(map[domain.Domain][]homeassistant.EntityID)
	domains := make([]string, 0)

	for _, light := range Sorted(lights) {
		dom := light.Domain()
		if _, ok := groups[dom]; !ok {
			domains = append(domains, string(dom))
		}

		groups[dom] = append(groups[dom], light)
	}

	slices.SortFunc(domains, strings.Compare)

	batches := make([][]homeassistant.EntityID, 0, len(groups))
	for _, dom := range domains {
		batches = append(batches, groups[domain.Domain(dom)])
	}

	return batches
}

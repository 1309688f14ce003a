package domain

import (
	mapset "github.com/deckarep/golang-set/v2"
)

const (
	BinarySensor Domain = "binary_sensor"
	InputBoolean Domain = "input_boolean"
	Light        Domain = "light"
	Sensor       Domain = "sensor"
	Switch       Domain = "switch"
)

var (
	validDomains = mapset.NewSet(BinarySensor, InputBoolean, Light, Sensor, Switch)

	// switchable domains can be the target of turn_on/turn_off.
	switchable = mapset.NewSet(InputBoolean, Light, Switch)
)

type Domain string

func (d Domain) String() string     { return string(d) }
func (d Domain) IsValid() bool      { return validDomains.Contains(d) }
func (d Domain) IsSwitchable() bool { return switchable.Contains(d) }

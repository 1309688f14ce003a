package models

import (
	"os"

	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/models/domain"
	"github.com/Shiu/dynamic-presence/internal/models/service"
	"github.com/charmbracelet/log"
	mapset "github.com/deckarep/golang-set/v2"
)

const (
	AppName    = "DynamicPresence"
	AppVersion = "dev"
	AppIcon    = icons.Presence

	// StorageDomain prefixes the key of every persisted room blob.
	StorageDomain = "dynamic_presence"
	// StorageVersion is written into every persisted blob and passed through on load.
	StorageVersion = 1
)

// Printer is replaced by the run command once the log level is known.
var Printer = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: false,
	TimeFormat:      " " + "15:04:05",
	Level:           log.WarnLevel,
})

// AllowedServiceData contains the allowed keys for service_data per service and domain.
var AllowedServiceData = map[service.Service]map[domain.Domain]mapset.Set[string]{
	service.TurnOn: {
		domain.Light:        mapset.NewSet[string]("transition", "brightness", "brightness_pct", "color_temp", "kelvin", "profile", "flash", "effect"),
		domain.Switch:       mapset.NewSet[string](),
		domain.InputBoolean: mapset.NewSet[string](),
	},
	service.TurnOff: {
		domain.Light:        mapset.NewSet[string]("transition", "flash"),
		domain.Switch:       mapset.NewSet[string](),
		domain.InputBoolean: mapset.NewSet[string](),
	},
}

package ess

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/batteryplan/pkg/storage"
)

var (
	_ Device = (*HomeAssistant)(nil)
	_ Device = (*Simulated)(nil)
)

// Configured sets up the ESS provider based on flags. The simulated provider
// keeps its state in db.
func Configured(db storage.Database) Device {
	provider := lflag.String("ess-provider", "homeassistant", "ESS provider to use (available: homeassistant, simulated)")
	deviceID := lflag.String("device-id", "default", "Identifier the device's plans and state are stored under")
	simLocation := lflag.String("simulated-location", "Europe/Prague", "Time zone of the simulated site")

	var p struct{ Device }

	ha := configuredHomeAssistant()

	lflag.Do(func() {
		if *deviceID == "" {
			panic("device-id is required")
		}
		switch *provider {
		case "homeassistant":
			if err := ha.Validate(); err != nil {
				panic(fmt.Sprintf("home assistant validation failed: %v", err))
			}
			ha.deviceID = *deviceID
			p.Device = ha
		case "simulated":
			loc, err := time.LoadLocation(*simLocation)
			if err != nil {
				panic(fmt.Sprintf("invalid simulated-location: %v", err))
			}
			p.Device = NewSimulated(db, *deviceID, loc)
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})

	return &p
}

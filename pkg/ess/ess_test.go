package ess

import (
	"log/slog"

	"github.com/raterudder/batteryplan/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

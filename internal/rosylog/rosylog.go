// Package rosylog provides the process-wide structured logger for Rosey
// Core, and component-scoped children of it.
package rosylog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Init.
var Log = log.Logger

// Init configures the global logger. level is a zerolog level name
// ("debug", "info", "warn", "error"); pretty selects a human-readable
// console writer over JSON output.
func Init(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "rosey-core").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Get returns the global logger.
func Get() *zerolog.Logger { return &Log }

// Bus returns a logger scoped to the bus component.
func Bus() *zerolog.Logger { return component("bus") }

// Supervisor returns a logger scoped to the supervisor component.
func Supervisor() *zerolog.Logger { return component("supervisor") }

// Registry returns a logger scoped to the registry/manager component.
func Registry() *zerolog.Logger { return component("registry") }

// Router returns a logger scoped to the command router component.
func Router() *zerolog.Logger { return component("router") }

// RateLimit returns a logger scoped to the rate limiter component.
func RateLimit() *zerolog.Logger { return component("ratelimit") }

// Memory returns a logger scoped to the memory/KV component.
func Memory() *zerolog.Logger { return component("memory") }

// Resource returns a logger scoped to the resource monitor component.
func Resource() *zerolog.Logger { return component("resource") }

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

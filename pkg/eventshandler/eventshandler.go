// Package eventshandler provides the public API for embedding the webhook
// relay. This is the stable API for external consumers.
package eventshandler

import (
	"github.com/app-ship/events-handler/internal/runtime"
)

// Service runs the webhook relay.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// New creates a new Service with the given options.
// Example:
//
//	svc, err := eventshandler.New(
//	    eventshandler.WithFileConfig("config.yaml"),
//	    eventshandler.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Logging and tracing
	WithLogger      = runtime.WithLogger
	WithLevelVar    = runtime.WithLevelVar
	WithTraceWriter = runtime.WithTraceWriter

	// Advanced options
	WithBroker       = runtime.WithBroker
	WithClaimStore   = runtime.WithClaimStore
	WithMailProvider = runtime.WithMailProvider
	WithListener     = runtime.WithListener
)

// ParseLevel maps a config log level name to a slog.Level.
var ParseLevel = runtime.ParseLevel

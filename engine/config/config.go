// Package config loads host configuration for a readback engine from the environment.
package config

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-readback/engine/readback"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/Carmen-Shannon/oxy-readback/engine/telemetry"
	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven host configuration. Every field has a default, so an empty
// environment yields a usable configuration.
type Config struct {
	// TickRate is the simulation tick rate in ticks per second.
	TickRate float64 `env:"OXY_TICK_RATE" envDefault:"60"`

	// RenderFrameLimit caps render cycles per second. 0 leaves the render loop uncapped.
	RenderFrameLimit float64 `env:"OXY_RENDER_FRAME_LIMIT" envDefault:"240"`

	// Profiling enables the once-per-second profiler log line.
	Profiling bool `env:"OXY_PROFILING" envDefault:"false"`

	// SoftwareAdapter forces a CPU fallback adapter.
	SoftwareAdapter bool `env:"OXY_SOFTWARE_ADAPTER" envDefault:"false"`

	// DeviceLabel is the debug label of the GPU device.
	DeviceLabel string `env:"OXY_DEVICE_LABEL" envDefault:"Readback Device"`

	// StrictReadback makes unknown tokens and invalid resolves panic.
	StrictReadback bool `env:"OXY_READBACK_STRICT" envDefault:"false"`

	// StallLimit fails requests still unmapped after this many render cycles. 0 disables it.
	StallLimit uint64 `env:"OXY_READBACK_STALL_LIMIT" envDefault:"0"`

	// Workers is the size of the extraction worker pool. 0 extracts inline.
	Workers int `env:"OXY_READBACK_WORKERS" envDefault:"2"`

	// ParallelThreshold is the pending batch size at which extraction moves to the worker pool.
	ParallelThreshold int `env:"OXY_READBACK_PARALLEL_THRESHOLD" envDefault:"64"`

	// ValidateShaders runs full WGSL validation at registration.
	ValidateShaders bool `env:"OXY_VALIDATE_SHADERS" envDefault:"true"`

	// ServiceName is the OpenTelemetry service name.
	ServiceName string `env:"OXY_SERVICE_NAME" envDefault:"oxy-readback"`

	// OTelEndpoint is the OTLP/HTTP endpoint traces are exported to. Empty disables tracing.
	OTelEndpoint string `env:"OXY_OTEL_ENDPOINT"`

	// OTelEnabled set to false disables tracing even when an endpoint is configured.
	OTelEnabled bool `env:"OXY_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables.
//
// Parameters:
//   - target: a pointer to a struct with env tags
//
// Returns:
//   - error: an error wrapping the parse failure
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses a Config from the environment.
//
// Returns:
//   - Config: the parsed configuration
//   - error: an error if any variable failed to parse
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RendererOptions returns the renderer options the configuration selects.
func (c Config) RendererOptions() []renderer.RendererBuilderOption {
	return []renderer.RendererBuilderOption{
		renderer.WithForceSoftwareRenderer(c.SoftwareAdapter),
		renderer.WithDeviceLabel(c.DeviceLabel),
	}
}

// ReadbackOptions returns the readback plugin options the configuration selects.
func (c Config) ReadbackOptions() []readback.PluginOption {
	return []readback.PluginOption{
		readback.WithStrict(c.StrictReadback),
		readback.WithStallLimit(c.StallLimit),
		readback.WithWorkers(c.Workers, c.ParallelThreshold),
		readback.WithShaderValidation(c.ValidateShaders),
	}
}

// TelemetryOptions returns the tracing options the configuration selects.
func (c Config) TelemetryOptions() telemetry.Options {
	return telemetry.Options{
		ServiceName: c.ServiceName,
		Endpoint:    c.OTelEndpoint,
		Disabled:    !c.OTelEnabled,
	}
}

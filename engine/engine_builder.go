package engine

import (
	"time"

	"github.com/Carmen-Shannon/oxy-readback/engine/config"
	"github.com/Carmen-Shannon/oxy-readback/engine/profiler"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
)

// EngineBuilderOption is a functional option for configuring an Engine.
// Use the With* functions to create options that are applied directly to the engine instance.
type EngineBuilderOption func(*engine)

// WithProfiling enables or disables performance profiling output.
//
// Parameters:
//   - enabled: if true, enables performance profiling
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithProfiling(enabled bool) EngineBuilderOption {
	return func(e *engine) {
		e.profilingEnabled = enabled
	}
}

// WithTickRate sets the engine tick rate in ticks per second.
// The tick callback will be called at this rate for simulation updates.
// Values <= 0 will be treated as the default (60Hz).
//
// Parameters:
//   - fps: target ticks per second (default 60)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithTickRate(fps float64) EngineBuilderOption {
	return func(e *engine) {
		if fps <= 0 {
			fps = 60.0
		}
		e.engineTickRate = time.Duration(float64(time.Second) / fps)
	}
}

// WithRenderer sets the renderer whose compute frames the render goroutine drives.
//
// Parameters:
//   - r: an initialized Renderer instance
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithRenderer(r renderer.Renderer) EngineBuilderOption {
	return func(e *engine) {
		e.renderer = r
	}
}

// WithNode registers a compute node at the given key during engine construction.
// Nodes run in ascending key order during each render cycle.
//
// Parameters:
//   - key: the order key (lower runs first)
//   - n: the ComputeNode to register
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithNode(key int, n ComputeNode) EngineBuilderOption {
	return func(e *engine) {
		e.nodes[key] = n
	}
}

// WithProfileSource appends a source to the profiler's log line.
//
// Parameters:
//   - s: the profiler source, e.g. a readback plugin
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithProfileSource(s profiler.Source) EngineBuilderOption {
	return func(e *engine) {
		e.profiler.AddSource(s)
	}
}

// WithRenderFrameLimit sets an optional render cycle rate cap in cycles per second.
// Pass 0 to uncap the render loop (default).
//
// Parameters:
//   - fps: maximum render cycles per second (0 = uncapped)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithRenderFrameLimit(fps float64) EngineBuilderOption {
	return func(e *engine) {
		if fps <= 0 {
			e.renderFrameLimit = 0
			return
		}
		e.renderFrameLimit = time.Duration(float64(time.Second) / fps)
	}
}

// WithConfig applies the tick rate, render frame limit and profiling settings of a loaded config.
//
// Parameters:
//   - cfg: the host configuration
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithConfig(cfg config.Config) EngineBuilderOption {
	return func(e *engine) {
		WithTickRate(cfg.TickRate)(e)
		WithRenderFrameLimit(cfg.RenderFrameLimit)(e)
		WithProfiling(cfg.Profiling)(e)
	}
}

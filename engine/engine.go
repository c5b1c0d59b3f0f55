package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-readback/engine/profiler"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoRenderer is returned by Run when the engine was built without a renderer.
var ErrNoRenderer = errors.New("engine: no renderer")

// ComputeNode is a step of the render cycle. PrepareCompute records GPU work into the compute
// frame the engine opens once per cycle.
type ComputeNode interface {
	// PrepareCompute records this node's work for the current cycle.
	//
	// Parameters:
	//   - ctx: the render cycle context, carrying the cycle's trace span
	//   - deltaTime: seconds since the previous render cycle
	PrepareCompute(ctx context.Context, deltaTime float32)
}

// ComputeFinisher is implemented by nodes that need a step after the compute frame has been
// submitted, such as requesting buffer maps and polling the device.
type ComputeFinisher interface {
	// FinishCompute runs after the cycle's compute frame has been submitted.
	//
	// Parameters:
	//   - ctx: the render cycle context
	FinishCompute(ctx context.Context)
}

// engine implements the Engine interface.
// Coordinates the simulation tick and render goroutines.
type engine struct {
	tickRateChannel chan time.Duration // Channel for dynamic tick rate updates

	running bool
	wg      sync.WaitGroup

	quitChannel chan struct{}
	quitOnce    sync.Once // Ensures quitChannel is only closed once

	renderer renderer.Renderer

	profiler         *profiler.Profiler
	profilingEnabled bool

	engineTickRate time.Duration
	tickCallback   func(deltaTime float32)
	renderCallback func(deltaTime float32)

	nodesMu *sync.Mutex
	nodes   map[int]ComputeNode

	renderFrameLimit time.Duration // minimum cycle duration; 0 = uncapped

	tracer trace.Tracer
	cycle  uint64
	errMu  *sync.Mutex
	err    error
}

// Engine is the main entry point for the engine.
// It runs a simulation tick goroutine and a render goroutine on independent cadences. Simulation
// code issues and polls requests from the tick callback; the render goroutine runs the registered
// compute nodes once per cycle inside a single compute frame.
type Engine interface {
	// Renderer returns the renderer the compute frames are recorded on.
	//
	// Returns:
	//   - renderer.Renderer: the renderer instance
	Renderer() renderer.Renderer

	// EnableProfiler enables performance profiling output to the log.
	EnableProfiler()

	// DisableProfiler disables performance profiling output.
	DisableProfiler()

	// Profiler returns the engine's profiler, so sources can be added to it.
	//
	// Returns:
	//   - *profiler.Profiler: the profiler instance
	Profiler() *profiler.Profiler

	// SetTickRate sets the engine tick rate in ticks per second.
	// The tick callback will be called at this rate for simulation updates.
	//
	// Parameters:
	//   - fps: target ticks per second (defaults to 60 if <= 0)
	SetTickRate(fps float64)

	// SetTickCallback registers the function called each engine tick.
	// Use this to issue readback requests and poll their tokens.
	//
	// Parameters:
	//   - callback: function to call at the configured tick rate, receiving the delta time in seconds
	SetTickCallback(callback func(deltaTime float32))

	// SetRenderCallback registers the function called at the end of each render cycle.
	//
	// Parameters:
	//   - callback: function to call each render cycle, receiving the delta time in seconds
	SetRenderCallback(callback func(deltaTime float32))

	// SetRenderFrameLimit sets an optional render cycle rate cap in cycles per second.
	// Pass 0 to uncap the render loop (default).
	//
	// Parameters:
	//   - fps: maximum render cycles per second (0 = uncapped)
	SetRenderFrameLimit(fps float64)

	// AddNode registers a compute node at the given key.
	// Nodes run in ascending key order during each render cycle.
	//
	// Parameters:
	//   - key: the order key (lower runs first)
	//   - n: the ComputeNode to register
	AddNode(key int, n ComputeNode)

	// RemoveNode removes the node at the given key.
	//
	// Parameters:
	//   - key: the key of the node to remove
	RemoveNode(key int)

	// Node retrieves the node registered at the given key.
	// Returns nil if no node exists at that key.
	//
	// Parameters:
	//   - key: the key of the node to retrieve
	//
	// Returns:
	//   - ComputeNode: the node at the key, or nil if not found
	Node(key int) ComputeNode

	// Nodes returns a copy of all registered nodes keyed by order key.
	//
	// Returns:
	//   - map[int]ComputeNode: a copy of the nodes map
	Nodes() map[int]ComputeNode

	// Run starts the tick and render goroutines and blocks until ctx is done or Quit is called.
	//
	// Parameters:
	//   - ctx: cancelling the context stops the engine
	//
	// Returns:
	//   - error: ErrNoRenderer, or the panic recovered from the render goroutine
	Run(ctx context.Context) error

	// Quit signals all engine goroutines to stop.
	// Safe to call multiple times; subsequent calls are no-ops.
	Quit()
}

// NewEngine creates a new Engine instance with the provided options.
// Initializes channels and the profiler with sensible defaults.
// Options are applied directly to the engine struct via the option-builder pattern.
//
// Parameters:
//   - options: functional options for engine configuration (renderer, nodes, tick rate, etc.)
//
// Returns:
//   - Engine: the newly created engine
func NewEngine(options ...EngineBuilderOption) Engine {
	e := &engine{
		tickRateChannel:  make(chan time.Duration, 1),
		quitChannel:      make(chan struct{}),
		nodesMu:          &sync.Mutex{},
		nodes:            make(map[int]ComputeNode),
		running:          false,
		wg:               sync.WaitGroup{},
		profiler:         profiler.NewProfiler(),
		profilingEnabled: false,
		engineTickRate:   time.Second / 60,
		tracer:           otel.Tracer("github.com/Carmen-Shannon/oxy-readback/engine"),
		errMu:            &sync.Mutex{},
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

func (e *engine) Renderer() renderer.Renderer {
	return e.renderer
}

func (e *engine) Profiler() *profiler.Profiler {
	return e.profiler
}

func (e *engine) Run(ctx context.Context) error {
	if e.renderer == nil {
		return ErrNoRenderer
	}
	e.running = true
	e.handle(ctx)
	e.wg.Wait()

	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Quit signals all engine goroutines to stop and shuts down the engine.
// Safe to call multiple times; subsequent calls are no-ops due to sync.Once.
func (e *engine) Quit() {
	e.signalQuit()
}

// signalQuit closes the quit channel to signal all goroutines to exit.
// Uses sync.Once to ensure the channel is only closed once.
func (e *engine) signalQuit() {
	e.quitOnce.Do(func() {
		close(e.quitChannel)
	})
}

// handle launches the engine, render, and quit goroutines.
// Each goroutine is tracked by the engine's WaitGroup.
func (e *engine) handle(ctx context.Context) {
	e.wg.Add(3)
	go e.handleEngine()
	go e.handleRender(ctx)
	go e.handleQuit(ctx)
}

// quitting reports whether the quit channel has been closed, without blocking.
func (e *engine) quitting() bool {
	select {
	case <-e.quitChannel:
		return true
	default:
		return false
	}
}

// handleEngine runs the fixed-rate engine tick loop in its own goroutine.
// Fires the tick callback at the configured tick rate and listens for dynamic rate changes
// via tickRateChannel. Exits when the quit channel is closed.
func (e *engine) handleEngine() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.engineTickRate)
	defer ticker.Stop()

	lastTick := time.Now()

	for {
		select {
		case <-e.quitChannel:
			return
		case <-ticker.C:
			// select picks among ready cases at random, so a tick can win over a quit that is
			// already closed.
			if e.quitting() {
				return
			}
			now := time.Now()
			dt := float32(now.Sub(lastTick).Seconds())
			lastTick = now

			if e.tickCallback != nil {
				e.tickCallback(dt)
			}
		case newRate := <-e.tickRateChannel:
			ticker.Reset(newRate)
			e.engineTickRate = newRate
		}
	}
}

// handleRender runs the uncapped (or frame-limited) render loop in its own goroutine.
// Each cycle opens one compute frame, runs every node in ascending key order, submits the frame,
// then runs the finish step of every node that has one.
// Recovers from panics to avoid crashing the process and signals quit on recovery.
func (e *engine) handleRender(ctx context.Context) {
	defer e.wg.Done()
	// Recover from panics inside the render goroutine to avoid crashing the whole process.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Engine] render goroutine recovered from panic: %v", r)
			e.errMu.Lock()
			e.err = fmt.Errorf("engine: render goroutine panic: %v", r)
			e.errMu.Unlock()
			e.signalQuit()
		}
	}()

	lastRender := time.Now()

	for {
		select {
		case <-e.quitChannel:
			return
		default:
			now := time.Now()
			dt := float32(now.Sub(lastRender).Seconds())
			lastRender = now

			e.renderCycle(ctx, dt)

			if e.renderCallback != nil {
				e.renderCallback(dt)
			}

			if e.profilingEnabled && e.profiler != nil {
				e.profiler.Tick()
			}

			// Frame rate limiting
			if e.renderFrameLimit > 0 {
				elapsed := time.Since(lastRender)
				if remaining := e.renderFrameLimit - elapsed; remaining > 0 {
					time.Sleep(remaining)
				}
			}
		}
	}
}

// renderCycle runs one compute frame over the registered nodes.
func (e *engine) renderCycle(ctx context.Context, dt float32) {
	nodes := e.sortedNodes()
	if len(nodes) == 0 {
		return
	}

	e.cycle++
	ctx, span := e.tracer.Start(ctx, "engine.render_cycle",
		trace.WithAttributes(attribute.Int64("engine.cycle", int64(e.cycle)), attribute.Int("engine.nodes", len(nodes))))
	defer span.End()

	if err := e.renderer.BeginComputeFrame(); err != nil {
		log.Printf("[Engine] failed to begin compute frame: %v", err)
		return
	}
	for _, n := range nodes {
		n.PrepareCompute(ctx, dt)
	}
	if err := e.renderer.EndComputeFrame(); err != nil {
		log.Printf("[Engine] failed to submit compute frame: %v", err)
	}

	for _, n := range nodes {
		if f, ok := n.(ComputeFinisher); ok {
			f.FinishCompute(ctx)
		}
	}
}

func (e *engine) sortedNodes() []ComputeNode {
	e.nodesMu.Lock()
	defer e.nodesMu.Unlock()

	keys := make([]int, 0, len(e.nodes))
	for k := range e.nodes {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	nodes := make([]ComputeNode, 0, len(keys))
	for _, k := range keys {
		nodes = append(nodes, e.nodes[k])
	}
	return nodes
}

// handleQuit blocks until the quit channel is closed or the context is done, then decrements the WaitGroup.
func (e *engine) handleQuit(ctx context.Context) {
	defer e.wg.Done()
	select {
	case <-e.quitChannel:
	case <-ctx.Done():
		e.signalQuit()
	}
	e.running = false
}

// EnableProfiler enables performance profiling output to the log.
func (e *engine) EnableProfiler() {
	e.profilingEnabled = true
}

// DisableProfiler disables performance profiling output.
func (e *engine) DisableProfiler() {
	e.profilingEnabled = false
}

// SetTickRate sets the engine tick rate in ticks per second.
// If the engine is running, the change takes effect immediately.
func (e *engine) SetTickRate(fps float64) {
	if fps <= 0 {
		fps = 60
	}
	newRate := time.Duration(float64(time.Second) / fps)

	if e.running {
		// Non-blocking send - if channel is full, replace the pending value
		select {
		case e.tickRateChannel <- newRate:
		default:
			select {
			case <-e.tickRateChannel:
			default:
			}
			e.tickRateChannel <- newRate
		}
	} else {
		e.engineTickRate = newRate
	}
}

// SetTickCallback registers the function called each engine tick.
func (e *engine) SetTickCallback(callback func(deltaTime float32)) {
	e.tickCallback = callback
}

// SetRenderCallback registers the function called each render cycle.
func (e *engine) SetRenderCallback(callback func(deltaTime float32)) {
	e.renderCallback = callback
}

// SetRenderFrameLimit sets an optional render cycle rate cap.
// Pass 0 to uncap the render loop.
func (e *engine) SetRenderFrameLimit(fps float64) {
	if fps <= 0 {
		e.renderFrameLimit = 0
		return
	}
	e.renderFrameLimit = time.Duration(float64(time.Second) / fps)
}

func (e *engine) AddNode(key int, n ComputeNode) {
	e.nodesMu.Lock()
	defer e.nodesMu.Unlock()
	e.nodes[key] = n
}

func (e *engine) RemoveNode(key int) {
	e.nodesMu.Lock()
	defer e.nodesMu.Unlock()
	delete(e.nodes, key)
}

func (e *engine) Node(key int) ComputeNode {
	e.nodesMu.Lock()
	defer e.nodesMu.Unlock()
	return e.nodes[key]
}

func (e *engine) Nodes() map[int]ComputeNode {
	e.nodesMu.Lock()
	defer e.nodesMu.Unlock()

	cp := make(map[int]ComputeNode, len(e.nodes))
	for k, v := range e.nodes {
		cp[k] = v
	}
	return cp
}

package readback

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-readback/common"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/pipeline"
	"github.com/cogentcore/webgpu/wgpu"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Carmen-Shannon/oxy-readback/engine/readback"

// kind is the type-erased view of a registered component the stages work with.
type kind interface {
	name() string
	build() (built, failed int)
	dispatch() (jobs []*copyJob, failed int)
	finish(t Token, data []byte, err error) bool
	fail(t Token, err error) bool
	failInFlight(err error) int
	counts() map[State]int
	release()
}

// Plugin owns the registered payload kinds and the two render-side stages that drive them. Register
// every kind at startup, then add DispatchStage and CopyStage to the host's compute frame in that
// order.
type Plugin struct {
	mu *sync.Mutex
	r  renderer.Renderer

	kinds map[string]kind
	order []string

	strict            bool
	stallLimit        uint64
	workers           int
	parallelThreshold int
	validateShaders   bool
	stagingPoolSize   int

	pool   worker.DynamicWorkerPool
	tracer trace.Tracer

	cycle    uint64
	queued   []*copyJob
	recorded []*copyJob
	mapping  []*copyJob
	staging  map[uint64][]*wgpu.Buffer
	lost     bool

	dispatched atomic.Uint64
	ready      atomic.Uint64
	failed     atomic.Uint64
}

// Stats is a snapshot of a Plugin's counters.
type Stats struct {
	Cycles     uint64
	Dispatched uint64
	Ready      uint64
	Failed     uint64
	InFlight   int
	IdleBuffer int
	DeviceLost bool
}

// NewPlugin creates a Plugin that schedules readback work on r.
//
// Parameters:
//   - r: the renderer that owns the device
//   - options: a variadic list of PluginOption functions
//
// Returns:
//   - *Plugin: the new plugin
func NewPlugin(r renderer.Renderer, options ...PluginOption) *Plugin {
	p := &Plugin{
		mu:                &sync.Mutex{},
		r:                 r,
		kinds:             make(map[string]kind),
		workers:           max(runtime.NumCPU()-1, 1),
		parallelThreshold: 64,
		validateShaders:   true,
		stagingPoolSize:   8,
		staging:           make(map[uint64][]*wgpu.Buffer),
		tracer:            otel.Tracer(tracerName),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.workers > 0 {
		p.pool = worker.NewDynamicWorkerPool(p.workers, 256, 1*time.Second)
	}
	return p
}

// Register validates a component against its shader, creates its compute pipeline, and returns
// the ledger for its kind. Call it once per kind at startup, before the engine runs.
//
// Parameters:
//   - p: the plugin to register with
//   - c: the component
//
// Returns:
//   - *Ledger[S, R, Out]: the kind's ledger; use Handle on it from the simulation side
//   - error: a wrapped ErrRegistration or ErrLayoutMismatch
func Register[S, R, Out any](p *Plugin, c Component[S, R, Out]) (*Ledger[S, R, Out], error) {
	desc := c.Descriptor()
	if desc.Kind == "" {
		return nil, fmt.Errorf("%w: component has no kind", ErrRegistration)
	}
	if desc.Shader == nil {
		return nil, fmt.Errorf("%w: kind %q has no shader", ErrRegistration, desc.Kind)
	}

	p.mu.Lock()
	_, exists := p.kinds[desc.Kind]
	p.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: kind %q is already registered", ErrRegistration, desc.Kind)
	}

	if p.validateShaders {
		if err := desc.Shader.Validate(); err != nil {
			return nil, fmt.Errorf("%w: kind %q: %w", ErrRegistration, desc.Kind, err)
		}
	}
	layoutDesc, err := checkLayout(desc)
	if err != nil {
		return nil, fmt.Errorf("kind %q: %w", desc.Kind, err)
	}

	pl := pipeline.NewPipeline(desc.Kind,
		pipeline.WithComputeShader(desc.Shader),
		pipeline.WithBindGroupIndex(desc.Group),
		pipeline.WithWorkgroups(
			common.Coalesce(desc.Workgroups[0], 1),
			common.Coalesce(desc.Workgroups[1], 1),
			common.Coalesce(desc.Workgroups[2], 1),
		),
	)
	if err := p.r.RegisterPipelines(pl); err != nil {
		return nil, fmt.Errorf("%w: kind %q: %w", ErrRegistration, desc.Kind, err)
	}
	if registered := p.r.Pipeline(desc.Kind); registered != nil {
		pl = registered
	}

	reg := &registration[S, R, Out]{
		p:          p,
		ledger:     NewLedger[S, R, Out](desc.Kind, p.strict),
		component:  c,
		desc:       desc,
		workgroups: pl.Workgroups(),
		layout: Layout{
			Group:           desc.Group,
			BindGroupLayout: pl.BindGroupLayout(desc.Group),
			Descriptor:      layoutDesc,
			OutputBinding:   desc.OutputBinding,
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.kinds[desc.Kind]; exists {
		return nil, fmt.Errorf("%w: kind %q is already registered", ErrRegistration, desc.Kind)
	}
	p.kinds[desc.Kind] = reg
	p.order = append(p.order, desc.Kind)

	Logger().Debug("readback: registered kind", "kind", desc.Kind, "entry_point", desc.Shader.EntryPoint(), "result_size", desc.ResultSize)
	return reg.ledger, nil
}

// MustRegister is like Register but panics on error. Registration errors mean the shader and the
// host code disagree and are not recoverable at runtime.
//
// Parameters:
//   - p: the plugin to register with
//   - c: the component
//
// Returns:
//   - *Ledger[S, R, Out]: the kind's ledger
func MustRegister[S, R, Out any](p *Plugin, c Component[S, R, Out]) *Ledger[S, R, Out] {
	l, err := Register(p, c)
	if err != nil {
		panic(err)
	}
	return l
}

// checkLayout asserts that the component's declared layout and sizes agree with its shader.
func checkLayout(desc Descriptor) (wgpu.BindGroupLayoutDescriptor, error) {
	s := desc.Shader
	if s.EntryPoint() == "" {
		return wgpu.BindGroupLayoutDescriptor{}, fmt.Errorf("%w: shader %q has no compute entry point", ErrRegistration, s.Key())
	}

	layoutDesc := s.BindGroupLayoutDescriptor(desc.Group)
	if len(layoutDesc.Entries) == 0 {
		return layoutDesc, fmt.Errorf("%w: shader %q declares no bindings in group %d", ErrLayoutMismatch, s.Key(), desc.Group)
	}
	byBinding := make(map[uint32]wgpu.BindGroupLayoutEntry, len(layoutDesc.Entries))
	for _, e := range layoutDesc.Entries {
		byBinding[e.Binding] = e
	}

	if len(desc.LayoutEntries) > 0 {
		if len(desc.LayoutEntries) != len(layoutDesc.Entries) {
			return layoutDesc, fmt.Errorf("%w: %d layout entries declared, shader has %d", ErrLayoutMismatch, len(desc.LayoutEntries), len(layoutDesc.Entries))
		}
		for _, want := range desc.LayoutEntries {
			got, ok := byBinding[want.Binding]
			switch {
			case !ok:
				return layoutDesc, fmt.Errorf("%w: binding %d is not declared by the shader", ErrLayoutMismatch, want.Binding)
			case want.Visibility&wgpu.ShaderStageCompute == 0:
				return layoutDesc, fmt.Errorf("%w: binding %d is not visible to compute", ErrLayoutMismatch, want.Binding)
			case want.Buffer.Type != got.Buffer.Type:
				return layoutDesc, fmt.Errorf("%w: binding %d buffer type %v, shader has %v", ErrLayoutMismatch, want.Binding, want.Buffer.Type, got.Buffer.Type)
			case want.Buffer.MinBindingSize != got.Buffer.MinBindingSize:
				return layoutDesc, fmt.Errorf("%w: binding %d min size %d, shader has %d", ErrLayoutMismatch, want.Binding, want.Buffer.MinBindingSize, got.Buffer.MinBindingSize)
			}
		}
	}

	out, ok := byBinding[uint32(desc.OutputBinding)]
	if !ok {
		return layoutDesc, fmt.Errorf("%w: output binding %d is not declared in group %d", ErrLayoutMismatch, desc.OutputBinding, desc.Group)
	}
	if out.Buffer.Type != wgpu.BufferBindingTypeStorage {
		return layoutDesc, fmt.Errorf("%w: output binding %d is not a read-write storage buffer", ErrLayoutMismatch, desc.OutputBinding)
	}
	if group, binding, ok := s.ReadbackBinding(); ok && (group != desc.Group || binding != desc.OutputBinding) {
		return layoutDesc, fmt.Errorf("%w: shader reads back group %d binding %d, component declares group %d binding %d",
			ErrLayoutMismatch, group, binding, desc.Group, desc.OutputBinding)
	}

	if desc.ResultSize == 0 {
		return layoutDesc, fmt.Errorf("%w: result size is zero", ErrLayoutMismatch)
	}
	if desc.ResultSize%4 != 0 {
		return layoutDesc, fmt.Errorf("%w: result size %d is not a multiple of 4", ErrLayoutMismatch, desc.ResultSize)
	}
	if desc.OutputSize != desc.ResultSize {
		return layoutDesc, fmt.Errorf("%w: output buffer is %d bytes, result is %d bytes", ErrLayoutMismatch, desc.OutputSize, desc.ResultSize)
	}
	if size, ok := s.BindingSize(desc.Group, desc.OutputBinding); ok && size != desc.ResultSize {
		return layoutDesc, fmt.Errorf("%w: shader output is %d bytes, result is %d bytes", ErrLayoutMismatch, size, desc.ResultSize)
	}
	return layoutDesc, nil
}

// Kinds returns the registered kinds in registration order.
func (p *Plugin) Kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Counts returns the per-state entry counts of a registered kind.
//
// Parameters:
//   - kindName: the kind to inspect
//
// Returns:
//   - map[State]int: entry counts keyed by state, or nil if the kind is not registered
func (p *Plugin) Counts(kindName string) map[State]int {
	p.mu.Lock()
	k, ok := p.kinds[kindName]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return k.counts()
}

// Stats returns a snapshot of the plugin's counters.
func (p *Plugin) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, bufs := range p.staging {
		idle += len(bufs)
	}
	return Stats{
		Cycles:     p.cycle,
		Dispatched: p.dispatched.Load(),
		Ready:      p.ready.Load(),
		Failed:     p.failed.Load(),
		InFlight:   len(p.queued) + len(p.recorded) + len(p.mapping),
		IdleBuffer: idle,
		DeviceLost: p.lost,
	}
}

// ProfileStats formats the counters for the engine profiler's log line.
func (p *Plugin) ProfileStats() string {
	s := p.Stats()
	return fmt.Sprintf("Readback: dispatched %d | ready %d | failed %d | in flight %d | idle staging %d",
		s.Dispatched, s.Ready, s.Failed, s.InFlight, s.IdleBuffer)
}

// Release frees every staging buffer and every request resource still held, and stops the worker
// pool. Call it at host shutdown after the engine has stopped.
func (p *Plugin) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dropJobsLocked()
	for size, bufs := range p.staging {
		for _, buf := range bufs {
			p.r.ReleaseBuffer(buf)
		}
		delete(p.staging, size)
	}
	for _, name := range p.order {
		p.kinds[name].release()
	}
	if p.pool != nil {
		p.pool.Stop()
		p.pool = nil
	}
}

// extract runs fn for every index in [0, n), on the worker pool when the batch is large enough.
func (p *Plugin) extract(n int, fn func(i int)) {
	if p.pool == nil || n < p.parallelThreshold {
		for i := range n {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		p.pool.SubmitTask(worker.Task{
			ID: i,
			Do: func() (any, error) {
				defer wg.Done()
				fn(i)
				return nil, nil
			},
		})
	}
	wg.Wait()
}

// registration binds a component to its ledger and pipeline. It implements kind.
type registration[S, R, Out any] struct {
	p          *Plugin
	ledger     *Ledger[S, R, Out]
	component  Component[S, R, Out]
	desc       Descriptor
	layout     Layout
	workgroups [3]uint32
}

func (k *registration[S, R, Out]) name() string {
	return k.desc.Kind
}

func (k *registration[S, R, Out]) build() (int, int) {
	refs := k.ledger.pending()
	if len(refs) == 0 {
		return 0, 0
	}

	data := make([]R, len(refs))
	k.p.extract(len(refs), func(i int) {
		data[i] = k.component.Extract(refs[i].input)
	})

	built, failed := 0, 0
	for i, ref := range refs {
		provider, err := k.component.Prepare(data[i], k.layout, k.p.r)
		if err == nil && (provider == nil || provider.ReadbackSource() == nil) {
			err = fmt.Errorf("%w: no buffer at readback binding %d", ErrLayoutMismatch, k.desc.OutputBinding)
		}
		if err != nil {
			err = fmt.Errorf("prepare %s: %w", ref.token, err)
			k.p.r.ReleaseProvider(provider)
			provider = nil
			failed++
			k.p.failed.Add(1)
			Logger().Warn("readback: build failed", "token", ref.token.String(), "error", err)
		} else {
			built++
		}
		if !k.ledger.built(ref.token, data[i], provider, err) && provider != nil {
			k.p.r.ReleaseProvider(provider)
		}
	}
	return built, failed
}

func (k *registration[S, R, Out]) dispatch() ([]*copyJob, int) {
	var (
		jobs   []*copyJob
		failed int
	)
	for _, ref := range k.ledger.dispatching() {
		if err := k.p.r.DispatchCompute(k.desc.Kind, ref.provider, k.workgroups); err != nil {
			if k.fail(ref.token, fmt.Errorf("dispatch %s: %w", ref.token, err)) {
				failed++
			}
			continue
		}
		if !k.ledger.copyPending(ref.token) {
			continue
		}
		k.p.dispatched.Add(1)
		jobs = append(jobs, &copyJob{
			kind:   k,
			token:  ref.token,
			source: ref.provider.ReadbackSource(),
			size:   k.desc.ResultSize,
		})
	}
	return jobs, failed
}

func (k *registration[S, R, Out]) finish(t Token, data []byte, err error) bool {
	var out Out
	if err == nil && uint64(len(data)) != k.desc.ResultSize {
		err = fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(data), k.desc.ResultSize)
	}
	if err == nil {
		if out, err = k.component.Decode(data); err != nil {
			err = fmt.Errorf("decode %s: %w", t, err)
		}
	}

	provider, ok := k.ledger.resolve(t, out, err)
	if provider != nil {
		k.p.r.ReleaseProvider(provider)
	}
	if ok {
		if err != nil {
			k.p.failed.Add(1)
			Logger().Warn("readback: request failed", "token", t.String(), "error", err)
		} else {
			k.p.ready.Add(1)
		}
	}
	return ok
}

func (k *registration[S, R, Out]) fail(t Token, err error) bool {
	provider, ok := k.ledger.fail(t, err)
	if provider != nil {
		k.p.r.ReleaseProvider(provider)
	}
	if ok {
		k.p.failed.Add(1)
		Logger().Warn("readback: request failed", "token", t.String(), "error", err)
	}
	return ok
}

func (k *registration[S, R, Out]) failInFlight(err error) int {
	n, providers := k.ledger.failInFlight(err)
	for _, provider := range providers {
		k.p.r.ReleaseProvider(provider)
	}
	k.p.failed.Add(uint64(n))
	return n
}

func (k *registration[S, R, Out]) counts() map[State]int {
	return k.ledger.Counts()
}

func (k *registration[S, R, Out]) release() {
	for _, provider := range k.ledger.detachAll() {
		k.p.r.ReleaseProvider(provider)
	}
}

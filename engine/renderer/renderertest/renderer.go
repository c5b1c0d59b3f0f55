// Package renderertest provides an in-memory renderer.Renderer for tests that exercise
// compute scheduling without a GPU. Buffers are byte slices, dispatches run Go kernels at
// submission, copies move bytes at submission, and read maps resolve from Poll.
package renderertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/pipeline"
	"github.com/cogentcore/webgpu/wgpu"
)

// Kernel emulates a compute shader. It receives the provider's buffer contents keyed by
// binding and writes its results in place.
type Kernel func(buffers map[int][]byte)

type buffer struct {
	label  string
	usage  wgpu.BufferUsage
	data   []byte
	mapped bool
}

type pendingMap struct {
	buf       *wgpu.Buffer
	size      uint64
	callback  func(error)
	pollsLeft int
}

// Stats counts the operations a Renderer has performed.
type Stats struct {
	Dispatches       int
	Copies           int
	Submits          int
	Polls            int
	StagingCreated   int
	BuffersReleased  int
	ProvidersRelease int
}

// Renderer is an in-memory renderer.Renderer. The zero value is not usable; call New.
type Renderer struct {
	mu *sync.Mutex

	pipelines map[string]pipeline.Pipeline
	kernels   map[string]Kernel
	buffers   map[*wgpu.Buffer]*buffer

	frameOpen bool
	recorded  []func()
	maps      []*pendingMap

	lost         bool
	mapDelay     int
	mapErr       error
	stagingErr   error
	pipelineErr  error
	bindGroupErr map[string]error

	stats Stats
}

var _ renderer.Renderer = &Renderer{}

// New creates an empty in-memory renderer.
func New() *Renderer {
	return &Renderer{
		mu:           &sync.Mutex{},
		pipelines:    make(map[string]pipeline.Pipeline),
		kernels:      make(map[string]Kernel),
		buffers:      make(map[*wgpu.Buffer]*buffer),
		bindGroupErr: make(map[string]error),
	}
}

// SetKernel registers the Go function run for every dispatch of a pipeline key.
func (r *Renderer) SetKernel(pipelineKey string, k Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[pipelineKey] = k
}

// SetMapDelay sets how many extra Poll calls a read map needs before it resolves.
func (r *Renderer) SetMapDelay(polls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapDelay = max(polls, 0)
}

// FailMaps makes every read map that resolves from now on fail with err wrapped in renderer.ErrMapFailed.
func (r *Renderer) FailMaps(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapErr = err
}

// FailStaging makes CreateStagingBuffer return err. Pass nil to clear.
func (r *Renderer) FailStaging(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stagingErr = err
}

// FailPipelines makes RegisterPipelines return err. Pass nil to clear.
func (r *Renderer) FailPipelines(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelineErr = err
}

// FailBindGroups makes InitBindGroup return err for providers whose label contains substr.
func (r *Renderer) FailBindGroups(substr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindGroupErr[substr] = err
}

// LoseDevice marks the device lost. Submitted work no longer runs and pending maps resolve
// with renderer.ErrDeviceLost on the next Poll.
func (r *Renderer) LoseDevice() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = true
}

// Stats returns a snapshot of the operation counters.
func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LiveBuffers returns how many buffers are allocated and not yet released.
func (r *Renderer) LiveBuffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// PendingMaps returns how many read maps have been requested and not yet resolved.
func (r *Renderer) PendingMaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.maps)
}

// Usage returns the usage flags a buffer was created with.
func (r *Renderer) Usage(buf *wgpu.Buffer) wgpu.BufferUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[buf]; ok {
		return b.usage
	}
	return wgpu.BufferUsageNone
}

// Bytes returns a copy of a buffer's contents.
func (r *Renderer) Bytes(buf *wgpu.Buffer) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[buf]; ok {
		return append([]byte(nil), b.data...)
	}
	return nil
}

func (r *Renderer) Pipeline(key string) pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelines[key]
}

func (r *Renderer) Pipelines() map[string]pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelines
}

func (r *Renderer) RegisterPipelines(pipelines ...pipeline.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pipelineErr != nil {
		return r.pipelineErr
	}
	for _, p := range pipelines {
		if _, exists := r.pipelines[p.PipelineKey()]; exists {
			continue
		}
		s := p.Shader()
		if s == nil {
			return errors.New("compute shader must be set to create a compute pipeline")
		}
		layouts := make(map[int]*wgpu.BindGroupLayout)
		for g := range s.BindGroupLayoutDescriptors() {
			layouts[g] = new(wgpu.BindGroupLayout)
		}
		p.SetComputePipeline(new(wgpu.ComputePipeline))
		p.SetBindGroupLayouts(layouts)
		r.pipelines[p.PipelineKey()] = p
	}
	return nil
}

func (r *Renderer) InitBindGroup(provider bind_group_provider.BindGroupProvider, descriptor wgpu.BindGroupLayoutDescriptor, bufferUsageOverrides map[int]wgpu.BufferUsage, bufferSizeOverrides map[int]uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for substr, err := range r.bindGroupErr {
		if strings.Contains(provider.Label(), substr) {
			return err
		}
	}
	if len(descriptor.Entries) == 0 {
		return nil
	}
	if provider.BindGroupLayout() == nil {
		provider.SetBindGroupLayout(new(wgpu.BindGroupLayout))
	}
	for _, entry := range descriptor.Entries {
		binding := int(entry.Binding)
		if provider.Buffer(binding) != nil {
			continue
		}
		var usage wgpu.BufferUsage
		switch entry.Buffer.Type {
		case wgpu.BufferBindingTypeUniform:
			usage = wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
		case wgpu.BufferBindingTypeStorage, wgpu.BufferBindingTypeReadOnlyStorage:
			usage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
		default:
			return fmt.Errorf("binding %d is not a buffer binding", binding)
		}
		usage |= bufferUsageOverrides[binding]
		size := entry.Buffer.MinBindingSize
		if override, ok := bufferSizeOverrides[binding]; ok {
			size = override
		}
		provider.SetBuffer(binding, r.allocLocked(fmt.Sprintf("%s Buffer %d", provider.Label(), binding), size, usage))
	}
	provider.SetBindGroup(new(wgpu.BindGroup))
	return nil
}

func (r *Renderer) WriteBuffers(writes []bind_group_provider.BufferWrite) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range writes {
		b, ok := r.buffers[w.Provider.Buffer(w.Binding)]
		if !ok {
			continue
		}
		copy(b.data[min(w.Offset, uint64(len(b.data))):], w.Data)
	}
}

func (r *Renderer) BeginComputeFrame() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameOpen = true
	r.recorded = r.recorded[:0]
	return nil
}

func (r *Renderer) DispatchCompute(pipelineKey string, provider bind_group_provider.BindGroupProvider, workGroupCount [3]uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.frameOpen {
		return renderer.ErrNoComputeFrame
	}
	if _, ok := r.pipelines[pipelineKey]; !ok {
		return fmt.Errorf("%w: %q", renderer.ErrPipelineNotFound, pipelineKey)
	}
	if provider.BindGroup() == nil {
		return errors.New("provider has no bind group")
	}
	r.stats.Dispatches++

	kernel := r.kernels[pipelineKey]
	if kernel == nil {
		return nil
	}
	views := make(map[int][]byte, len(provider.Buffers()))
	for binding, buf := range provider.Buffers() {
		if b, ok := r.buffers[buf]; ok {
			views[binding] = b.data
		}
	}
	r.recorded = append(r.recorded, func() { kernel(views) })
	return nil
}

func (r *Renderer) CopyBufferToBuffer(src, dst *wgpu.Buffer, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.frameOpen {
		return renderer.ErrNoComputeFrame
	}
	s, ok := r.buffers[src]
	if !ok {
		return errors.New("copy source is not a live buffer")
	}
	d, ok := r.buffers[dst]
	if !ok {
		return errors.New("copy destination is not a live buffer")
	}
	if s.usage&wgpu.BufferUsageCopySrc == 0 {
		return fmt.Errorf("copy source %q lacks CopySrc usage", s.label)
	}
	if d.usage&wgpu.BufferUsageCopyDst == 0 {
		return fmt.Errorf("copy destination %q lacks CopyDst usage", d.label)
	}
	if size > uint64(len(s.data)) || size > uint64(len(d.data)) {
		return fmt.Errorf("copy of %d bytes overruns %q (%d) or %q (%d)", size, s.label, len(s.data), d.label, len(d.data))
	}
	r.stats.Copies++
	r.recorded = append(r.recorded, func() { copy(d.data[:size], s.data[:size]) })
	return nil
}

func (r *Renderer) EndComputeFrame() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.frameOpen {
		return renderer.ErrNoComputeFrame
	}
	r.frameOpen = false
	r.stats.Submits++
	if !r.lost {
		for _, op := range r.recorded {
			op()
		}
	}
	r.recorded = r.recorded[:0]
	return nil
}

func (r *Renderer) CreateStagingBuffer(label string, size uint64) (*wgpu.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stagingErr != nil {
		return nil, r.stagingErr
	}
	r.stats.StagingCreated++
	return r.allocLocked(label, size, wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst), nil
}

func (r *Renderer) MapRead(buf *wgpu.Buffer, size uint64, callback func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lost {
		return renderer.ErrDeviceLost
	}
	b, ok := r.buffers[buf]
	if !ok {
		return errors.New("map target is not a live buffer")
	}
	if b.usage&wgpu.BufferUsageMapRead == 0 {
		return fmt.Errorf("map target %q lacks MapRead usage", b.label)
	}
	if b.mapped {
		return fmt.Errorf("map target %q is already mapped", b.label)
	}
	r.maps = append(r.maps, &pendingMap{buf: buf, size: size, callback: callback, pollsLeft: r.mapDelay})
	return nil
}

func (r *Renderer) ReadMapped(buf *wgpu.Buffer, size uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[buf]
	if !ok || !b.mapped {
		return nil, errors.New("buffer is not mapped")
	}
	b.mapped = false
	if size > uint64(len(b.data)) {
		return nil, fmt.Errorf("mapped range holds %d bytes, want %d", len(b.data), size)
	}
	return append([]byte(nil), b.data[:size]...), nil
}

func (r *Renderer) ReleaseBuffer(buf *wgpu.Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[buf]; ok {
		delete(r.buffers, buf)
		r.stats.BuffersReleased++
	}
}

func (r *Renderer) ReleaseProvider(provider bind_group_provider.BindGroupProvider) {
	if provider == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, buf := range provider.Buffers() {
		if _, ok := r.buffers[buf]; ok {
			delete(r.buffers, buf)
			r.stats.BuffersReleased++
		}
	}
	provider.Detach()
	r.stats.ProvidersRelease++
}

// Poll resolves every read map whose delay has run out. Callbacks run after the lock is released.
func (r *Renderer) Poll() {
	r.mu.Lock()
	r.stats.Polls++

	var ready []func()
	remaining := r.maps[:0]
	for _, m := range r.maps {
		switch {
		case r.lost:
			cb := m.callback
			ready = append(ready, func() { cb(renderer.ErrDeviceLost) })
		case m.pollsLeft > 0:
			m.pollsLeft--
			remaining = append(remaining, m)
		case r.mapErr != nil:
			cb, err := m.callback, fmt.Errorf("%w: %v", renderer.ErrMapFailed, r.mapErr)
			ready = append(ready, func() { cb(err) })
		default:
			if b, ok := r.buffers[m.buf]; ok {
				b.mapped = true
			}
			cb := m.callback
			ready = append(ready, func() { cb(nil) })
		}
	}
	r.maps = remaining
	r.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

func (r *Renderer) DeviceLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *Renderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.pipelines)
	clear(r.buffers)
	r.maps = nil
}

func (r *Renderer) allocLocked(label string, size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	buf := new(wgpu.Buffer)
	r.buffers[buf] = &buffer{label: label, usage: usage, data: make([]byte, size)}
	return buf
}

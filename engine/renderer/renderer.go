package renderer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/pipeline"
	"github.com/cogentcore/webgpu/wgpu"
)

var (
	// ErrDeviceLost is reported once the GPU device has been lost. No further GPU work completes.
	ErrDeviceLost = errors.New("renderer: device lost")

	// ErrMapFailed is reported when an asynchronous buffer map resolves with a non-success status.
	ErrMapFailed = errors.New("renderer: buffer map failed")

	// ErrNoComputeFrame is returned when work is recorded outside BeginComputeFrame / EndComputeFrame.
	ErrNoComputeFrame = errors.New("renderer: no compute frame in progress")

	// ErrPipelineNotFound is returned when a pipeline key has not been registered.
	ErrPipelineNotFound = errors.New("renderer: pipeline not found")
)

// renderer is the implementation of the Renderer interface.
type renderer struct {
	mu *sync.Mutex

	pipelineCache map[string]pipeline.Pipeline

	backendType RendererBackendType
	backend     RendererBackend

	forceFallbackAdapter bool
	deviceLabel          string
}

// Renderer is the headless compute front-end over the GPU backend. It caches compute pipelines by
// key, creates per-dispatch bind groups, records dispatches and buffer copies into a single compute
// frame per cycle, and exposes the staging buffer, asynchronous map, and polling primitives that
// readback is built from. None of its methods block on GPU completion.
type Renderer interface {
	// Pipeline retrieves a registered pipeline by key.
	//
	// Parameters:
	//   - key: the pipeline key
	//
	// Returns:
	//   - pipeline.Pipeline: the pipeline, or nil if it is not registered
	Pipeline(key string) pipeline.Pipeline

	// Pipelines returns the pipeline cache.
	//
	// Returns:
	//   - map[string]pipeline.Pipeline: registered pipelines keyed by pipeline key
	Pipelines() map[string]pipeline.Pipeline

	// RegisterPipelines creates the GPU objects for each pipeline (shader module, bind group
	// layouts, pipeline layout, compute pipeline) and caches it. Pipelines whose key is already
	// cached are skipped.
	//
	// Parameters:
	//   - pipelines: the pipelines to register
	//
	// Returns:
	//   - error: the first creation error encountered
	RegisterPipelines(pipelines ...pipeline.Pipeline) error

	// InitBindGroup creates any missing buffers for the descriptor's buffer entries and creates
	// the provider's bind group. Buffer usage is derived from the binding type and OR'd with the
	// per-binding override. Buffer size is the entry's MinBindingSize unless overridden.
	//
	// Parameters:
	//   - provider: the provider to populate
	//   - descriptor: the bind group layout descriptor to build from
	//   - bufferUsageOverrides: extra usage flags keyed by binding
	//   - bufferSizeOverrides: buffer sizes keyed by binding
	//
	// Returns:
	//   - error: an error if any GPU object could not be created
	InitBindGroup(provider bind_group_provider.BindGroupProvider, descriptor wgpu.BindGroupLayoutDescriptor, bufferUsageOverrides map[int]wgpu.BufferUsage, bufferSizeOverrides map[int]uint64) error

	// WriteBuffers queues host-to-device writes. Writes to bindings without a buffer are skipped.
	//
	// Parameters:
	//   - writes: the writes to queue
	WriteBuffers(writes []bind_group_provider.BufferWrite)

	// BeginComputeFrame opens the command encoder that dispatches and copies are recorded into.
	//
	// Returns:
	//   - error: an error if the encoder could not be created
	BeginComputeFrame() error

	// DispatchCompute records one compute pass for the provider's bind group.
	//
	// Parameters:
	//   - pipelineKey: the registered pipeline to dispatch
	//   - provider: the provider whose bind group is set at the pipeline's bind group index
	//   - workGroupCount: the workgroup counts as [x, y, z]
	//
	// Returns:
	//   - error: ErrNoComputeFrame or ErrPipelineNotFound
	DispatchCompute(pipelineKey string, provider bind_group_provider.BindGroupProvider, workGroupCount [3]uint32) error

	// CopyBufferToBuffer records a copy of size bytes from the start of src to the start of dst.
	//
	// Parameters:
	//   - src: the source buffer, created with wgpu.BufferUsageCopySrc
	//   - dst: the destination buffer, created with wgpu.BufferUsageCopyDst
	//   - size: the number of bytes to copy
	//
	// Returns:
	//   - error: ErrNoComputeFrame if no compute frame is open
	CopyBufferToBuffer(src, dst *wgpu.Buffer, size uint64) error

	// EndComputeFrame finishes the compute frame and submits it to the queue.
	//
	// Returns:
	//   - error: an error if the command buffer could not be finished
	EndComputeFrame() error

	// CreateStagingBuffer creates a host-mappable buffer with MapRead | CopyDst usage.
	//
	// Parameters:
	//   - label: the debug label
	//   - size: the buffer size in bytes
	//
	// Returns:
	//   - *wgpu.Buffer: the staging buffer
	//   - error: an error if the buffer could not be created
	CreateStagingBuffer(label string, size uint64) (*wgpu.Buffer, error)

	// MapRead requests an asynchronous read map of a staging buffer. The callback runs from
	// within Poll once every previously submitted command that uses the buffer has completed,
	// with nil on success, ErrDeviceLost if the device was lost, or ErrMapFailed otherwise.
	//
	// Parameters:
	//   - buf: the staging buffer
	//   - size: the number of bytes to map
	//   - callback: invoked exactly once with the map outcome
	//
	// Returns:
	//   - error: an error if the map request itself was rejected
	MapRead(buf *wgpu.Buffer, size uint64, callback func(error)) error

	// ReadMapped copies size bytes out of a mapped staging buffer and unmaps it.
	//
	// Parameters:
	//   - buf: the mapped staging buffer
	//   - size: the number of bytes to read
	//
	// Returns:
	//   - []byte: a host-owned copy of the mapped bytes
	//   - error: an error if the mapped range is shorter than size
	ReadMapped(buf *wgpu.Buffer, size uint64) ([]byte, error)

	// ReleaseBuffer frees a buffer created by the renderer.
	//
	// Parameters:
	//   - buf: the buffer to free
	ReleaseBuffer(buf *wgpu.Buffer)

	// ReleaseProvider frees every GPU resource held by a provider.
	//
	// Parameters:
	//   - provider: the provider to free
	ReleaseProvider(provider bind_group_provider.BindGroupProvider)

	// Poll advances device callbacks without waiting. Map callbacks fire from inside Poll.
	Poll()

	// DeviceLost reports whether the device has been lost.
	//
	// Returns:
	//   - bool: true once the device is lost
	DeviceLost() bool

	// Release frees the pipelines, the device, and the instance.
	Release()
}

var _ Renderer = &renderer{}

// NewRenderer creates a new headless Renderer with the specified backend.
//
// Parameters:
//   - backendType: the GPU backend to create
//   - options: a variadic list of RendererBuilderOption functions
//
// Returns:
//   - Renderer: the new renderer
//   - error: an error if no adapter or device could be acquired
func NewRenderer(backendType RendererBackendType, options ...RendererBuilderOption) (Renderer, error) {
	r := &renderer{
		mu:            &sync.Mutex{},
		pipelineCache: make(map[string]pipeline.Pipeline),
		backendType:   backendType,
		deviceLabel:   "Compute Device",
	}
	for _, opt := range options {
		opt(r)
	}

	switch backendType {
	case BackendTypeWGPU:
		fallthrough
	default:
		backend, err := newWGPURendererBackend(r.deviceLabel, r.forceFallbackAdapter)
		if err != nil {
			return nil, err
		}
		r.backend = backend
	}
	return r, nil
}

func (r *renderer) Pipeline(key string) pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelineCache[key]
}

func (r *renderer) Pipelines() map[string]pipeline.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelineCache
}

func (r *renderer) RegisterPipelines(pipelines ...pipeline.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pipelines {
		key := p.PipelineKey()
		if _, exists := r.pipelineCache[key]; exists {
			continue
		}
		if err := r.backend.RegisterComputePipeline(p); err != nil {
			return fmt.Errorf("register pipeline %q: %w", key, err)
		}
		r.pipelineCache[key] = p
	}
	return nil
}

func (r *renderer) InitBindGroup(provider bind_group_provider.BindGroupProvider, descriptor wgpu.BindGroupLayoutDescriptor, bufferUsageOverrides map[int]wgpu.BufferUsage, bufferSizeOverrides map[int]uint64) error {
	return r.backend.InitBindGroup(provider, descriptor, bufferUsageOverrides, bufferSizeOverrides)
}

func (r *renderer) WriteBuffers(writes []bind_group_provider.BufferWrite) {
	r.backend.WriteBuffers(writes)
}

func (r *renderer) BeginComputeFrame() error {
	return r.backend.BeginComputeFrame()
}

func (r *renderer) DispatchCompute(pipelineKey string, provider bind_group_provider.BindGroupProvider, workGroupCount [3]uint32) error {
	r.mu.Lock()
	p, exists := r.pipelineCache[pipelineKey]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %q", ErrPipelineNotFound, pipelineKey)
	}
	return r.backend.DispatchCompute(p, provider, workGroupCount)
}

func (r *renderer) CopyBufferToBuffer(src, dst *wgpu.Buffer, size uint64) error {
	return r.backend.CopyBufferToBuffer(src, dst, size)
}

func (r *renderer) EndComputeFrame() error {
	return r.backend.EndComputeFrame()
}

func (r *renderer) CreateStagingBuffer(label string, size uint64) (*wgpu.Buffer, error) {
	return r.backend.CreateStagingBuffer(label, size)
}

func (r *renderer) MapRead(buf *wgpu.Buffer, size uint64, callback func(error)) error {
	return r.backend.MapRead(buf, size, callback)
}

func (r *renderer) ReadMapped(buf *wgpu.Buffer, size uint64) ([]byte, error) {
	return r.backend.ReadMapped(buf, size)
}

func (r *renderer) ReleaseBuffer(buf *wgpu.Buffer) {
	if buf != nil {
		buf.Release()
	}
}

func (r *renderer) ReleaseProvider(provider bind_group_provider.BindGroupProvider) {
	if provider != nil {
		provider.Release()
	}
}

func (r *renderer) Poll() {
	r.backend.Poll()
}

func (r *renderer) DeviceLost() bool {
	return r.backend.DeviceLost()
}

func (r *renderer) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, p := range r.pipelineCache {
		for _, layout := range p.BindGroupLayouts() {
			if layout != nil {
				layout.Release()
			}
		}
		if cp := p.Pipeline(); cp != nil {
			cp.Release()
		}
		delete(r.pipelineCache, key)
	}
	r.backend.Release()
}

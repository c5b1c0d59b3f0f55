package bind_group_provider

import (
	"github.com/cogentcore/webgpu/wgpu"
)

// bindGroupProvider is the implementation of the BindGroupProvider interface.
type bindGroupProvider struct {
	label string

	bindGroup       *wgpu.BindGroup
	bindGroupLayout *wgpu.BindGroupLayout

	// ownsLayout is false when the layout was handed in by the pipeline that owns it,
	// in which case Release leaves it alone.
	ownsLayout bool

	buffers map[int]*wgpu.Buffer

	// readbackBinding is the binding whose buffer is copied out for host readback, -1 when unset.
	readbackBinding int
}

// BindGroupProvider holds the GPU resources backing a single compute dispatch: the bind group,
// its layout, and the buffers bound at each binding index. A provider built for a readback
// request also names the binding that carries the result.
type BindGroupProvider interface {
	// Release frees every GPU resource held by the provider. A layout supplied through
	// WithBindGroupLayout is shared and is not released.
	Release()

	// Label returns the debug label used when creating the provider's GPU objects.
	//
	// Returns:
	//   - string: the provider's label
	Label() string

	// BindGroup returns the bind group created for this provider.
	//
	// Returns:
	//   - *wgpu.BindGroup: the bind group, or nil before InitBindGroup has run
	BindGroup() *wgpu.BindGroup

	// BindGroupLayout returns the layout the bind group was created against.
	//
	// Returns:
	//   - *wgpu.BindGroupLayout: the layout, or nil if none is set
	BindGroupLayout() *wgpu.BindGroupLayout

	// OwnsBindGroupLayout reports whether Release should free the layout.
	//
	// Returns:
	//   - bool: true if the provider created the layout itself
	OwnsBindGroupLayout() bool

	// Buffer retrieves the buffer at a binding index.
	//
	// Parameters:
	//   - binding: the binding index
	//
	// Returns:
	//   - *wgpu.Buffer: the buffer, or nil if the binding has none
	Buffer(binding int) *wgpu.Buffer

	// Buffers returns every buffer keyed by binding index.
	//
	// Returns:
	//   - map[int]*wgpu.Buffer: the provider's buffers
	Buffers() map[int]*wgpu.Buffer

	// ReadbackBinding returns the binding index holding the readback result.
	//
	// Returns:
	//   - int: the binding index, or -1 if the provider has no readback binding
	ReadbackBinding() int

	// ReadbackSource returns the buffer at the readback binding. The buffer must have been
	// created with wgpu.BufferUsageCopySrc so that it can be copied into a staging buffer.
	//
	// Returns:
	//   - *wgpu.Buffer: the readback buffer, or nil if unset
	ReadbackSource() *wgpu.Buffer

	// SetBindGroup sets the bind group.
	//
	// Parameters:
	//   - bg: the bind group
	SetBindGroup(bg *wgpu.BindGroup)

	// SetBindGroupLayout sets a layout created for and owned by this provider.
	//
	// Parameters:
	//   - bgl: the bind group layout
	SetBindGroupLayout(bgl *wgpu.BindGroupLayout)

	// SetBuffer sets the buffer at a binding index.
	//
	// Parameters:
	//   - binding: the binding index
	//   - buf: the buffer
	SetBuffer(binding int, buf *wgpu.Buffer)

	// SetBuffers replaces all buffers.
	//
	// Parameters:
	//   - buffers: buffers keyed by binding index
	SetBuffers(buffers map[int]*wgpu.Buffer)

	// Detach drops every reference held by the provider without releasing anything. It is
	// used by callers that free the resources themselves.
	Detach()
}

var _ BindGroupProvider = &bindGroupProvider{}

// NewBindGroupProvider creates a new BindGroupProvider with the given label and options applied.
//
// Parameters:
//   - label: the debug label for GPU objects created for this provider
//   - options: a variadic list of BindGroupProviderOption functions
//
// Returns:
//   - BindGroupProvider: a new provider instance
func NewBindGroupProvider(label string, options ...BindGroupProviderOption) BindGroupProvider {
	p := &bindGroupProvider{
		label:           label,
		buffers:         make(map[int]*wgpu.Buffer),
		readbackBinding: -1,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *bindGroupProvider) Label() string {
	return p.label
}

func (p *bindGroupProvider) BindGroup() *wgpu.BindGroup {
	return p.bindGroup
}

func (p *bindGroupProvider) BindGroupLayout() *wgpu.BindGroupLayout {
	return p.bindGroupLayout
}

func (p *bindGroupProvider) OwnsBindGroupLayout() bool {
	return p.ownsLayout
}

func (p *bindGroupProvider) Buffer(binding int) *wgpu.Buffer {
	return p.buffers[binding]
}

func (p *bindGroupProvider) Buffers() map[int]*wgpu.Buffer {
	return p.buffers
}

func (p *bindGroupProvider) ReadbackBinding() int {
	return p.readbackBinding
}

func (p *bindGroupProvider) ReadbackSource() *wgpu.Buffer {
	if p.readbackBinding < 0 {
		return nil
	}
	return p.buffers[p.readbackBinding]
}

func (p *bindGroupProvider) SetBindGroup(bg *wgpu.BindGroup) {
	p.bindGroup = bg
}

func (p *bindGroupProvider) SetBindGroupLayout(bgl *wgpu.BindGroupLayout) {
	p.bindGroupLayout = bgl
	p.ownsLayout = bgl != nil
}

func (p *bindGroupProvider) SetBuffer(binding int, buf *wgpu.Buffer) {
	if p.buffers == nil {
		p.buffers = make(map[int]*wgpu.Buffer)
	}
	p.buffers[binding] = buf
}

func (p *bindGroupProvider) SetBuffers(buffers map[int]*wgpu.Buffer) {
	p.buffers = buffers
}

func (p *bindGroupProvider) Release() {
	for i, buf := range p.buffers {
		if buf != nil {
			buf.Release()
		}
		delete(p.buffers, i)
	}
	if p.bindGroup != nil {
		p.bindGroup.Release()
	}
	if p.bindGroupLayout != nil && p.ownsLayout {
		p.bindGroupLayout.Release()
	}
	p.Detach()
}

func (p *bindGroupProvider) Detach() {
	clear(p.buffers)
	p.bindGroup = nil
	p.bindGroupLayout = nil
	p.ownsLayout = false
}

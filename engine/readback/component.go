package readback

import (
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/shader"
	"github.com/cogentcore/webgpu/wgpu"
)

// Descriptor is the static description of a payload kind, read once at registration.
type Descriptor struct {
	// Kind is the payload type tag. It names the ledger, prefixes every token, and is the
	// compute pipeline key.
	Kind string

	// Shader is the parsed compute program. Its entry point and bind group layout are used to
	// build the pipeline.
	Shader shader.Shader

	// Group is the bind group index the per-request bind group is set at. Defaults to 0.
	Group int

	// LayoutEntries optionally restates the bind group layout the component builds against.
	// When set, each entry must match the shader's entry for the same binding.
	LayoutEntries []wgpu.BindGroupLayoutEntry

	// OutputBinding is the binding of the output buffer in Group.
	OutputBinding int

	// OutputSize is the size in bytes of the output buffer the component allocates.
	OutputSize uint64

	// ResultSize is the size in bytes Decode expects. It must equal OutputSize.
	ResultSize uint64

	// Workgroups is the dispatch geometry as [x, y, z]. Zero components are treated as 1.
	Workgroups [3]uint32
}

// Layout is the bind group layout a component builds its per-request resources against.
type Layout struct {
	// Group is the bind group index.
	Group int

	// BindGroupLayout is the layout created with the compute pipeline. It is shared by every
	// request of the kind and is owned by the pipeline.
	BindGroupLayout *wgpu.BindGroupLayout

	// Descriptor is the layout description parsed from the shader, suitable for
	// renderer.Renderer.InitBindGroup.
	Descriptor wgpu.BindGroupLayoutDescriptor

	// OutputBinding is the binding of the output buffer.
	OutputBinding int
}

// Component is the render-side capability a payload kind supplies. S is the simulation-side input,
// R is the render-side copy of it, and Out is the decoded result.
type Component[S, R, Out any] interface {
	// Descriptor returns the static description of the kind. It is read once at registration.
	//
	// Returns:
	//   - Descriptor: the kind's shader, layout, output geometry, and dispatch geometry
	Descriptor() Descriptor

	// Extract copies the simulation-side input into the render-side payload. It must be pure: no
	// GPU calls, no blocking, no dependence on render state. It may run on a worker goroutine.
	//
	// Parameters:
	//   - src: the simulation-side input
	//
	// Returns:
	//   - R: the render-side payload
	Extract(src S) R

	// Prepare allocates the request's GPU buffers and bind group against the kind's layout. It is
	// called exactly once per request. The returned provider is the request's resource handle: its
	// BindGroup is bound for dispatch and its ReadbackSource is copied out, so the output buffer must
	// carry wgpu.BufferUsageCopySrc. An error fails this request only.
	//
	// Parameters:
	//   - data: the render-side payload
	//   - layout: the kind's bind group layout
	//   - r: the renderer to allocate with
	//
	// Returns:
	//   - bind_group_provider.BindGroupProvider: the request's resources
	//   - error: an error if the resources could not be allocated
	Prepare(data R, layout Layout, r renderer.Renderer) (bind_group_provider.BindGroupProvider, error)

	// Decode converts the mapped output bytes into the result. data is exactly ResultSize bytes and
	// is owned by the callee.
	//
	// Parameters:
	//   - data: the bytes read back from the output buffer
	//
	// Returns:
	//   - Out: the decoded result
	//   - error: an error if the bytes cannot be decoded
	Decode(data []byte) (Out, error)
}

// ComponentFuncs implements Component with a table of functions, for kinds that do not warrant a
// named type.
type ComponentFuncs[S, R, Out any] struct {
	Desc        Descriptor
	ExtractFunc func(src S) R
	PrepareFunc func(data R, layout Layout, r renderer.Renderer) (bind_group_provider.BindGroupProvider, error)
	DecodeFunc  func(data []byte) (Out, error)
}

var _ Component[int, int, int] = ComponentFuncs[int, int, int]{}

func (c ComponentFuncs[S, R, Out]) Descriptor() Descriptor {
	return c.Desc
}

func (c ComponentFuncs[S, R, Out]) Extract(src S) R {
	return c.ExtractFunc(src)
}

func (c ComponentFuncs[S, R, Out]) Prepare(data R, layout Layout, r renderer.Renderer) (bind_group_provider.BindGroupProvider, error) {
	return c.PrepareFunc(data, layout, r)
}

func (c ComponentFuncs[S, R, Out]) Decode(data []byte) (Out, error) {
	return c.DecodeFunc(data)
}

// PrepareBuffers is the common Prepare body: it creates a provider that shares the kind's layout,
// marks the output binding for readback, lets InitBindGroup allocate every buffer the layout
// declares (the output buffer with CopySrc added), and queues the given writes. Writes address
// bindings only; their Provider field is filled in.
//
// Parameters:
//   - label: the provider label; buffer labels are derived from it
//   - layout: the kind's bind group layout
//   - r: the renderer to allocate with
//   - sizes: buffer sizes keyed by binding, for bindings whose layout has no fixed size
//   - writes: initial buffer contents
//
// Returns:
//   - bind_group_provider.BindGroupProvider: the provider
//   - error: an error if InitBindGroup failed; the partially built provider is released
func PrepareBuffers(label string, layout Layout, r renderer.Renderer, sizes map[int]uint64, writes ...bind_group_provider.BufferWrite) (bind_group_provider.BindGroupProvider, error) {
	p := bind_group_provider.NewBindGroupProvider(label,
		bind_group_provider.WithBindGroupLayout(layout.BindGroupLayout),
		bind_group_provider.WithReadbackBinding(layout.OutputBinding),
	)
	usage := map[int]wgpu.BufferUsage{layout.OutputBinding: wgpu.BufferUsageCopySrc}
	if err := r.InitBindGroup(p, layout.Descriptor, usage, sizes); err != nil {
		r.ReleaseProvider(p)
		return nil, err
	}

	for i := range writes {
		writes[i].Provider = p
	}
	if len(writes) > 0 {
		r.WriteBuffers(writes)
	}
	return p, nil
}

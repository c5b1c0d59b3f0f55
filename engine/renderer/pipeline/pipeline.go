package pipeline

import (
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/shader"
	"github.com/cogentcore/webgpu/wgpu"
)

// pipeline is the implementation of the Pipeline interface.
// It holds the compute shader, the created compute pipeline, and the bind group layouts the
// pipeline layout was built from so that per-dispatch bind groups can be created against them.
type pipeline struct {
	// pipelineKey is the unique identifier for this pipeline, used for caching and lookups
	pipelineKey string

	computeShader shader.Shader

	computePipeline  *wgpu.ComputePipeline
	bindGroupLayouts map[int]*wgpu.BindGroupLayout

	// bindGroupIndex is the @group the per-dispatch bind group is set at
	bindGroupIndex int
	workgroups     [3]uint32
}

// Pipeline defines the interface for a compute pipeline. It holds the compute shader it is
// built from, the GPU pipeline object once registered with a renderer, the bind group layouts
// created for it, and the default dispatch geometry.
type Pipeline interface {
	// PipelineKey returns the unique key associated with this pipeline, used for caching and lookups.
	//
	// Returns:
	//   - string: the unique key for this pipeline
	PipelineKey() string

	// Shader returns the compute shader the pipeline is built from.
	//
	// Returns:
	//   - shader.Shader: the compute shader, or nil if not set
	Shader() shader.Shader

	// Pipeline returns the created GPU compute pipeline.
	//
	// Returns:
	//   - *wgpu.ComputePipeline: the compute pipeline, or nil before registration
	Pipeline() *wgpu.ComputePipeline

	// BindGroupLayout returns the layout created for a group index during registration.
	//
	// Parameters:
	//   - group: the @group index
	//
	// Returns:
	//   - *wgpu.BindGroupLayout: the layout, or nil if the group has none
	BindGroupLayout(group int) *wgpu.BindGroupLayout

	// BindGroupLayouts returns every created layout keyed by group index.
	//
	// Returns:
	//   - map[int]*wgpu.BindGroupLayout: the layouts
	BindGroupLayouts() map[int]*wgpu.BindGroupLayout

	// BindGroupIndex returns the @group index per-dispatch bind groups are set at.
	//
	// Returns:
	//   - int: the group index, 0 by default
	BindGroupIndex() int

	// Workgroups returns the default dispatch geometry.
	//
	// Returns:
	//   - [3]uint32: the workgroup counts as [x, y, z]
	Workgroups() [3]uint32

	// SetComputePipeline sets the compute pipeline
	//
	// Parameters:
	//   - p: the WebGPU compute pipeline to set
	SetComputePipeline(p *wgpu.ComputePipeline)

	// SetBindGroupLayouts records the layouts created for the pipeline.
	//
	// Parameters:
	//   - layouts: layouts keyed by group index
	SetBindGroupLayouts(layouts map[int]*wgpu.BindGroupLayout)
}

var _ Pipeline = &pipeline{}

// NewPipeline is the entry point to create a new compute Pipeline.
//
// Parameters:
//   - pipelineKey: the unique key for this pipeline
//   - opts: a variadic list of PipelineBuilderOption functions to configure the pipeline
//
// Returns:
//   - Pipeline: a new Pipeline instance with the specified configuration
func NewPipeline(pipelineKey string, opts ...PipelineBuilderOption) Pipeline {
	p := &pipeline{
		pipelineKey:      pipelineKey,
		bindGroupLayouts: make(map[int]*wgpu.BindGroupLayout),
		workgroups:       [3]uint32{1, 1, 1},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *pipeline) PipelineKey() string {
	return p.pipelineKey
}

func (p *pipeline) Shader() shader.Shader {
	return p.computeShader
}

func (p *pipeline) Pipeline() *wgpu.ComputePipeline {
	return p.computePipeline
}

func (p *pipeline) BindGroupLayout(group int) *wgpu.BindGroupLayout {
	return p.bindGroupLayouts[group]
}

func (p *pipeline) BindGroupLayouts() map[int]*wgpu.BindGroupLayout {
	return p.bindGroupLayouts
}

func (p *pipeline) BindGroupIndex() int {
	return p.bindGroupIndex
}

func (p *pipeline) Workgroups() [3]uint32 {
	return p.workgroups
}

func (p *pipeline) SetComputePipeline(cp *wgpu.ComputePipeline) {
	p.computePipeline = cp
}

func (p *pipeline) SetBindGroupLayouts(layouts map[int]*wgpu.BindGroupLayout) {
	p.bindGroupLayouts = layouts
}

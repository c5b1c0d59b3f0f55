package pipeline

import (
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/shader"
)

// PipelineBuilderOption is a functional option used to configure a Pipeline during construction.
type PipelineBuilderOption func(*pipeline)

// WithComputeShader sets the compute shader for this pipeline.
//
// Parameters:
//   - s: the compute shader to use for this pipeline
//
// Returns:
//   - PipelineBuilderOption: a function that sets the compute shader for this pipeline
func WithComputeShader(s shader.Shader) PipelineBuilderOption {
	return func(p *pipeline) {
		p.computeShader = s
	}
}

// WithBindGroupIndex sets the @group index that per-dispatch bind groups are bound at.
//
// Parameters:
//   - group: the bind group index
//
// Returns:
//   - PipelineBuilderOption: a function that sets the bind group index for this pipeline
func WithBindGroupIndex(group int) PipelineBuilderOption {
	return func(p *pipeline) {
		p.bindGroupIndex = group
	}
}

// WithWorkgroups sets the default dispatch geometry. Zero dimensions are raised to 1.
//
// Parameters:
//   - x, y, z: the workgroup counts per dimension
//
// Returns:
//   - PipelineBuilderOption: a function that sets the workgroup counts for this pipeline
func WithWorkgroups(x, y, z uint32) PipelineBuilderOption {
	return func(p *pipeline) {
		p.workgroups = [3]uint32{max(x, 1), max(y, 1), max(z, 1)}
	}
}

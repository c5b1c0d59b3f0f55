// Package payload holds readback payload kinds. DoubleRequest is the reference kind: a compute
// shader fills a 128x128 grid with twice the requested coordinate and the grid is read back.
package payload

import (
	_ "embed"
	"fmt"

	"github.com/Carmen-Shannon/oxy-readback/common"
	"github.com/Carmen-Shannon/oxy-readback/engine/readback"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/bind_group_provider"
	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/shader"
)

// DoubleKind is the payload type tag and pipeline key of DoubleRequest.
const DoubleKind = "double"

const (
	// DoubleGridWidth is the width and height of the output grid.
	DoubleGridWidth = 128
	// DoubleElements is the number of vec4<f32> elements in a result.
	DoubleElements = DoubleGridWidth * DoubleGridWidth
	// DoubleResultSize is the size in bytes of a result.
	DoubleResultSize = DoubleElements * 16

	doubleWorkgroupSize = 8
	inputBinding        = 0
	outputBinding       = 1
)

//go:embed assets/double.wgsl
var doubleShaderSource string

// DoubleRequest asks for the grid of twice Coord.
type DoubleRequest struct {
	Coord common.Vec2
}

// DoubleResult is the decoded grid, row-major.
type DoubleResult []common.Vec4

type doubleComponent struct {
	desc readback.Descriptor
}

var _ readback.Component[DoubleRequest, GPUShaderInput, DoubleResult] = &doubleComponent{}

// NewDoubleShader parses the doubling compute shader with the ShaderInput struct registered.
//
// Returns:
//   - shader.Shader: the parsed shader
//   - error: an error if the source could not be pre-processed or parsed
func NewDoubleShader() (shader.Shader, error) {
	pp := shader.NewPreProcessor()
	if err := pp.RegisterStruct("shader_input", GPUShaderInputSource, "ShaderInput"); err != nil {
		return nil, err
	}
	return shader.NewShaderFromSource(DoubleKind, doubleShaderSource, shader.WithPreProcessor(pp))
}

// NewDoubleComponent returns the readback component for DoubleRequest.
//
// Returns:
//   - readback.Component[DoubleRequest, GPUShaderInput, DoubleResult]: the component to register
//   - error: an error if the shader could not be parsed
func NewDoubleComponent() (readback.Component[DoubleRequest, GPUShaderInput, DoubleResult], error) {
	s, err := NewDoubleShader()
	if err != nil {
		return nil, fmt.Errorf("payload %s: %w", DoubleKind, err)
	}
	groups := common.CeilDiv(DoubleGridWidth, doubleWorkgroupSize)
	return &doubleComponent{
		desc: readback.Descriptor{
			Kind:          DoubleKind,
			Shader:        s,
			OutputBinding: outputBinding,
			OutputSize:    DoubleResultSize,
			ResultSize:    DoubleResultSize,
			Workgroups:    [3]uint32{groups, groups, 1},
		},
	}, nil
}

// RegisterDouble registers DoubleRequest with a plugin.
//
// Parameters:
//   - p: the readback plugin
//
// Returns:
//   - *readback.Ledger[DoubleRequest, GPUShaderInput, DoubleResult]: the kind's ledger
//   - error: an error if the shader failed to parse or registration failed
func RegisterDouble(p *readback.Plugin) (*readback.Ledger[DoubleRequest, GPUShaderInput, DoubleResult], error) {
	c, err := NewDoubleComponent()
	if err != nil {
		return nil, err
	}
	return readback.Register(p, c)
}

func (c *doubleComponent) Descriptor() readback.Descriptor {
	return c.desc
}

func (c *doubleComponent) Extract(src DoubleRequest) GPUShaderInput {
	return GPUShaderInput{Coord: src.Coord}
}

func (c *doubleComponent) Prepare(data GPUShaderInput, layout readback.Layout, r renderer.Renderer) (bind_group_provider.BindGroupProvider, error) {
	return readback.PrepareBuffers("Double Request", layout, r, nil, bind_group_provider.BufferWrite{
		Binding: inputBinding,
		Data:    data.Marshal(),
	})
}

func (c *doubleComponent) Decode(data []byte) (DoubleResult, error) {
	return common.BytesToSlice[common.Vec4](data)
}

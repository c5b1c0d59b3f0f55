package payload

import (
	_ "embed"
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/Carmen-Shannon/oxy-readback/common"
)

// GPUShaderInputSource is the canonical WGSL definition of the ShaderInput struct.
// Matches GPUShaderInput layout exactly (8 bytes).
//
//go:embed assets/shader_input.wgsl
var GPUShaderInputSource string

// GPUShaderInput is the GPU-aligned representation of a request's uniform input.
// Matches the WGSL ShaderInput struct layout exactly (see GPUShaderInputSource).
// Size: 8 bytes.
type GPUShaderInput struct {
	Coord common.Vec2 // offset 0: the coordinate to double (vec2<f32>)
}

// Size returns the size of the GPUShaderInput struct in bytes.
//
// Returns:
//   - int: the struct size in bytes (8)
func (g *GPUShaderInput) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUShaderInput struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: the serialized byte buffer
func (g *GPUShaderInput) Marshal() []byte {
	buf := make([]byte, g.Size())
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(g.Coord[0]))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(g.Coord[1]))
	return buf
}

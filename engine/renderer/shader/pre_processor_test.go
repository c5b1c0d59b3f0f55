package shader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shaderInputStruct = "struct ShaderInput {\n    coord: vec2<f32>,\n}"

func TestPreProcessor_Process(t *testing.T) {
	pp := NewPreProcessor()
	require.NoError(t, pp.RegisterStruct("shader_input", shaderInputStruct, "ShaderInput"))

	out, err := pp.Process(`//@oxy:include shader_input
//@oxy:group 0 0 storage_uniform input shader_input
//@oxy:readback 0 1
@group(0) @binding(1) var<storage, read_write> output: array<vec4<f32>, 4>;`)
	require.NoError(t, err)

	assert.Contains(t, out, shaderInputStruct)
	assert.Contains(t, out, "@group(0) @binding(0) var<uniform> input: ShaderInput;")
	assert.NotContains(t, out, "@oxy:")

	decls := pp.Declarations()
	require.Len(t, decls, 2)
	assert.Equal(t, AnnotationTypeBindingGroup, decls[0].Type)
	assert.Equal(t, AnnotationTypeReadback, decls[1].Type)
	assert.Equal(t, 1, *decls[1].Binding)
}

func TestPreProcessor_ArrayOfRegisteredStruct(t *testing.T) {
	pp := NewPreProcessor()
	require.NoError(t, pp.RegisterStruct("sample", "struct Sample { v: f32, }", "Sample"))

	out, err := pp.Process("//@oxy:group 1 2 storage_read samples array<sample,8>")
	require.NoError(t, err)
	assert.Equal(t, "@group(1) @binding(2) var<storage, read> samples: array<Sample, 8>;", out)
}

func TestPreProcessor_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"unknown include", "//@oxy:include nope"},
		{"unknown group type", "//@oxy:group 0 0 storage_read data nope"},
		{"bad address space", "//@oxy:group 0 0 private data shader_input"},
		{"bad group number", "//@oxy:readback x 1"},
		{"missing readback args", "//@oxy:readback 0"},
		{"duplicate readback", "//@oxy:readback 0 1\n//@oxy:readback 0 2"},
		{"unknown annotation", "//@oxy:provider 0 0 camera"},
		{"empty annotation", "//@oxy:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pp := NewPreProcessor()
			require.NoError(t, pp.RegisterStruct("shader_input", shaderInputStruct, "ShaderInput"))
			_, err := pp.Process(tt.source)
			assert.Error(t, err)
		})
	}
}

func TestPreProcessor_RegisterStructTwice(t *testing.T) {
	pp := NewPreProcessor()
	require.NoError(t, pp.RegisterStruct("a", "struct A { x: f32, }", "A"))
	assert.Error(t, pp.RegisterStruct("a", "struct A { x: f32, }", "A"))
	assert.Error(t, pp.RegisterStruct("", "", ""))
}

func TestNewShaderFromSource_WithPreProcessor(t *testing.T) {
	pp := NewPreProcessor()
	require.NoError(t, pp.RegisterStruct("shader_input", shaderInputStruct, "ShaderInput"))

	s, err := NewShaderFromSource("annotated", `//@oxy:include shader_input
//@oxy:group 0 0 storage_uniform input shader_input
@compute @workgroup_size(1) fn main() {}`, WithPreProcessor(pp))
	require.NoError(t, err)

	assert.Equal(t, "input", s.BindGroupVarName(0, 0))
	size, ok := s.BindingSize(0, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(8), size)
	_, _, ok = s.ReadbackBinding()
	assert.False(t, ok)
}

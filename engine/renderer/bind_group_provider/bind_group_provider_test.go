package bind_group_provider

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
)

func TestNewBindGroupProvider(t *testing.T) {
	layout := new(wgpu.BindGroupLayout)
	out := new(wgpu.Buffer)

	p := NewBindGroupProvider("double#1",
		WithBindGroupLayout(layout),
		WithBuffer(1, out),
		WithReadbackBinding(1),
	)

	assert.Equal(t, "double#1", p.Label())
	assert.Same(t, layout, p.BindGroupLayout())
	assert.False(t, p.OwnsBindGroupLayout())
	assert.Equal(t, 1, p.ReadbackBinding())
	assert.Same(t, out, p.ReadbackSource())
	assert.Nil(t, p.Buffer(0))
}

func TestReadbackSource_Unset(t *testing.T) {
	p := NewBindGroupProvider("plain", WithBuffer(0, new(wgpu.Buffer)))
	assert.Equal(t, -1, p.ReadbackBinding())
	assert.Nil(t, p.ReadbackSource())
}

func TestSetBindGroupLayout_TakesOwnership(t *testing.T) {
	p := NewBindGroupProvider("owned")
	p.SetBindGroupLayout(new(wgpu.BindGroupLayout))
	assert.True(t, p.OwnsBindGroupLayout())
}

func TestDetach(t *testing.T) {
	p := NewBindGroupProvider("detached", WithBuffer(0, new(wgpu.Buffer)), WithReadbackBinding(0))
	p.SetBindGroup(new(wgpu.BindGroup))

	p.Detach()

	assert.Empty(t, p.Buffers())
	assert.Nil(t, p.BindGroup())
	assert.Nil(t, p.ReadbackSource())
}

package renderer

import (
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
)

func TestOnDeviceLost(t *testing.T) {
	tests := []struct {
		name   string
		reason wgpu.DeviceLostReason
		lost   bool
	}{
		{"unknown reason marks the device lost", wgpu.DeviceLostReasonUnknown, true},
		{"destroyed on release is not a loss", wgpu.DeviceLostReasonDestroyed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &wgpuRendererBackendImpl{}
			assert.False(t, b.DeviceLost())

			b.onDeviceLost(tt.reason, "adapter reset")
			assert.Equal(t, tt.lost, b.DeviceLost())
		})
	}
}

// package common contains small helpers and plain data types shared by the engine and readback
// payloads. They are not interface-wrapped structs, just plain values with a GPU-compatible layout.
package common

// Vec2 is a WGSL vec2<f32>: 8 bytes, 8-byte aligned.
type Vec2 [2]float32

// Vec4 is a WGSL vec4<f32>: 16 bytes, 16-byte aligned.
type Vec4 [4]float32

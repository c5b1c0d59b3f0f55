package common

import (
	"fmt"
	"unsafe"
)

// SliceToBytes converts any slice to a byte slice for GPU buffer uploads.
// Uses unsafe pointer operations to create a view into the original data.
// WARNING: The returned slice shares memory with the input - do not modify.
//
// Parameters:
//   - data: source slice of any type
//
// Returns:
//   - []byte: byte slice view of the input data, or nil if input is empty
func SliceToBytes[T any](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	size := unsafe.Sizeof(zero)
	totalBytes := int(size) * len(data)
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), totalBytes)
}

// StructToBytes reinterprets a pointer to a struct as a raw byte slice using unsafe.
// The returned slice has length equal to the struct's size in memory.
//
// Parameters:
//   - v: pointer to the struct to reinterpret
//
// Returns:
//   - []byte: byte slice view of the struct's memory
func StructToBytes[T any](v *T) []byte {
	size := unsafe.Sizeof(*v)
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), int(size))
}

// BytesToSlice copies GPU readback bytes into a newly allocated slice of T. T must be a
// fixed-size type whose Go memory layout matches the shader's (e.g. [4]float32 for vec4<f32>).
//
// Parameters:
//   - data: the bytes to copy; its length must be a multiple of the size of T
//
// Returns:
//   - []T: a slice owning a copy of the data
//   - error: an error if the length is not a multiple of the element size
func BytesToSlice[T any](data []byte) ([]T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %d-byte elements", len(data), size)
	}
	out := make([]T, len(data)/size)
	if len(out) > 0 {
		copy(SliceToBytes(out), data)
	}
	return out, nil
}

// CeilDiv returns n / d rounded up, the usual way to size a dispatch from an element count and a
// workgroup size.
//
// Parameters:
//   - n: the element count
//   - d: the divisor (0 is treated as 1)
//
// Returns:
//   - uint32: the rounded-up quotient
func CeilDiv(n, d uint32) uint32 {
	if d == 0 {
		d = 1
	}
	return (n + d - 1) / d
}

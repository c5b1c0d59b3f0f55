package shader

import (
	"strconv"
	"strings"

	"github.com/cogentcore/webgpu/wgpu"
)

// wgslPrimitiveLayoutMap maps WGSL scalar, vector, matrix, and atomic type names
// to their byte size and alignment.
//
// Reference: https://www.w3.org/TR/WGSL/#alignment-and-size
var wgslPrimitiveLayoutMap = map[string]wgslTypeLayout{
	"f32":  {size: 4, align: 4},
	"i32":  {size: 4, align: 4},
	"u32":  {size: 4, align: 4},
	"f16":  {size: 2, align: 2},
	"bool": {size: 4, align: 4},

	"vec2<f32>": {size: 8, align: 8},
	"vec2f":     {size: 8, align: 8},
	"vec3<f32>": {size: 12, align: 16},
	"vec3f":     {size: 12, align: 16},
	"vec4<f32>": {size: 16, align: 16},
	"vec4f":     {size: 16, align: 16},

	"vec2<i32>": {size: 8, align: 8},
	"vec2i":     {size: 8, align: 8},
	"vec3<i32>": {size: 12, align: 16},
	"vec3i":     {size: 12, align: 16},
	"vec4<i32>": {size: 16, align: 16},
	"vec4i":     {size: 16, align: 16},

	"vec2<u32>": {size: 8, align: 8},
	"vec2u":     {size: 8, align: 8},
	"vec3<u32>": {size: 12, align: 16},
	"vec3u":     {size: 12, align: 16},
	"vec4<u32>": {size: 16, align: 16},
	"vec4u":     {size: 16, align: 16},

	"vec2<f16>": {size: 4, align: 4},
	"vec2h":     {size: 4, align: 4},
	"vec4<f16>": {size: 8, align: 8},
	"vec4h":     {size: 8, align: 8},

	"mat2x2<f32>": {size: 16, align: 8},
	"mat3x3<f32>": {size: 48, align: 16},
	"mat4x4<f32>": {size: 64, align: 16},
	"mat4x4f":     {size: 64, align: 16},

	"atomic<u32>": {size: 4, align: 4},
	"atomic<i32>": {size: 4, align: 4},
}

// roundUpAlign rounds value up to the next multiple of alignment.
// Alignment must be a power of two.
func roundUpAlign(alignment, value uint64) uint64 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}

// resolveTypeLayout resolves a WGSL type name to its size and alignment using primitives
// and previously-computed struct layouts. Fixed-size arrays resolve to count * stride.
// Runtime-sized arrays resolve to one element stride with runtimeSized set.
//
// Parameters:
//   - typeName: the WGSL type name to resolve, e.g. "f32", "ShaderInput", "array<vec4<f32>, 16384>"
//   - knownTypes: a map of already-resolved type names to their layouts
//
// Returns:
//   - wgslTypeLayout: the resolved layout
//   - bool: true if the type could be resolved
func resolveTypeLayout(typeName string, knownTypes map[string]wgslTypeLayout) (wgslTypeLayout, bool) {
	if layout, ok := wgslPrimitiveLayoutMap[typeName]; ok {
		return layout, true
	}
	if layout, ok := knownTypes[typeName]; ok {
		return layout, true
	}

	inner, ok := strings.CutPrefix(typeName, "array<")
	if !ok || !strings.HasSuffix(inner, ">") {
		return wgslTypeLayout{}, false
	}
	inner = strings.TrimSuffix(inner, ">")

	elemType, countStr := inner, ""
	if idx := lastTopLevelComma(inner); idx >= 0 {
		elemType, countStr = inner[:idx], inner[idx+1:]
	}
	elemLayout, ok := resolveTypeLayout(strings.TrimSpace(elemType), knownTypes)
	if !ok || elemLayout.runtimeSized {
		return wgslTypeLayout{}, false
	}
	stride := roundUpAlign(elemLayout.align, elemLayout.size)

	if countStr == "" {
		return wgslTypeLayout{size: stride, align: elemLayout.align, runtimeSized: true}, true
	}
	count, err := strconv.ParseUint(strings.TrimSpace(countStr), 10, 64)
	if err != nil {
		return wgslTypeLayout{}, false
	}
	return wgslTypeLayout{size: count * stride, align: elemLayout.align}, true
}

// computeStructLayout computes the byte size and alignment of a single WGSL struct. Each
// field is placed at the next aligned offset and the total is rounded up to the struct's
// alignment. A trailing runtime-sized array makes the struct runtime-sized with a minimum
// size covering the fixed prefix plus one element.
//
// Parameters:
//   - ps: the parsed struct whose layout to compute
//   - knownTypes: a map of already-resolved type names to their layouts
//
// Returns:
//   - wgslTypeLayout: the computed layout
//   - bool: true if all fields could be resolved
func computeStructLayout(ps parsedStruct, knownTypes map[string]wgslTypeLayout) (wgslTypeLayout, bool) {
	offset := uint64(0)
	maxAlign := uint64(1)
	runtimeSized := false

	for i, field := range ps.fields {
		if field.isBuiltin {
			continue
		}
		fieldLayout, ok := resolveTypeLayout(field.typeName, knownTypes)
		if !ok {
			return wgslTypeLayout{}, false
		}
		if fieldLayout.runtimeSized && i != len(ps.fields)-1 {
			return wgslTypeLayout{}, false
		}
		runtimeSized = runtimeSized || fieldLayout.runtimeSized

		offset = roundUpAlign(fieldLayout.align, offset) + fieldLayout.size
		maxAlign = max(maxAlign, fieldLayout.align)
	}

	return wgslTypeLayout{size: roundUpAlign(maxAlign, offset), align: maxAlign, runtimeSized: runtimeSized}, true
}

// computeStructSizes computes the layout of all parsed WGSL structs, resolving structs
// that reference other structs over repeated passes until no further progress is made.
//
// Parameters:
//   - structs: all parsed struct blocks from the WGSL source
//
// Returns:
//   - map[string]wgslTypeLayout: a map from struct name to computed layout
func computeStructSizes(structs []parsedStruct) map[string]wgslTypeLayout {
	resolved := make(map[string]wgslTypeLayout, len(structs))
	remaining := append([]parsedStruct(nil), structs...)

	for len(remaining) > 0 {
		next := remaining[:0]
		for _, ps := range remaining {
			if layout, ok := computeStructLayout(ps, resolved); ok {
				resolved[ps.name] = layout
			} else {
				next = append(next, ps)
			}
		}
		if len(next) == len(remaining) {
			break
		}
		remaining = next
	}

	return resolved
}

// classifyResource creates a wgpu.BindGroupLayoutEntry from a parsed WGSL resource declaration.
// Only buffer resources are classified; handle types such as textures and samplers come back
// with an undefined buffer type so that callers can reject them.
//
// Parameters:
//   - binding: the binding index from @binding(N)
//   - visibility: the shader stage visibility flag
//   - addressSpace: the address space qualifier (e.g. "uniform", "storage, read_write")
//
// Returns:
//   - wgpu.BindGroupLayoutEntry: the layout entry for the resource
func classifyResource(binding uint32, visibility wgpu.ShaderStage, addressSpace string) wgpu.BindGroupLayoutEntry {
	entry := wgpu.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: visibility,
	}

	switch {
	case addressSpace == "uniform":
		entry.Buffer.Type = wgpu.BufferBindingTypeUniform
	case strings.HasPrefix(addressSpace, "storage") && strings.Contains(addressSpace, "read_write"):
		entry.Buffer.Type = wgpu.BufferBindingTypeStorage
	case strings.HasPrefix(addressSpace, "storage"):
		entry.Buffer.Type = wgpu.BufferBindingTypeReadOnlyStorage
	}
	return entry
}

// stripComments removes both single-line (//) and nested block (/* */) comments from WGSL source.
func stripComments(source string) string {
	return stripLineComments(stripBlockComments(source))
}

func stripLineComments(source string) string {
	var sb strings.Builder
	sb.Grow(len(source))
	for line := range strings.SplitSeq(source, "\n") {
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func stripBlockComments(source string) string {
	var sb strings.Builder
	sb.Grow(len(source))
	depth := 0
	for i := 0; i < len(source); i++ {
		if i+1 < len(source) {
			switch {
			case source[i] == '/' && source[i+1] == '*':
				depth++
				i++
				continue
			case source[i] == '*' && source[i+1] == '/' && depth > 0:
				depth--
				i++
				continue
			}
		}
		if depth == 0 {
			sb.WriteByte(source[i])
		}
	}
	return sb.String()
}

// splitAtTopLevelCommas splits a string at commas that are not nested inside angle brackets,
// so that array<T, N> stays a single field type.
func splitAtTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// lastTopLevelComma returns the index of the last comma outside angle brackets, or -1.
func lastTopLevelComma(s string) int {
	depth := 0
	idx := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				idx = i
			}
		}
	}
	return idx
}

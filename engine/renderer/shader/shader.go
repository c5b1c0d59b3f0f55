package shader

import (
	"errors"
	"fmt"
	"os"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gogpu/naga"
)

var (
	// ErrNoComputeEntry is returned when a WGSL source declares no @compute entry point.
	ErrNoComputeEntry = errors.New("shader: no @compute entry point")

	// ErrInvalidSource is returned by Validate when the WGSL source fails to compile.
	ErrInvalidSource = errors.New("shader: invalid WGSL source")
)

// shader is the implementation of the Shader interface.
// It holds all of the persistent shader data required for compute pipeline creation and readback registration.
type shader struct {
	key                        string
	source                     string
	bindGroupLayoutDescriptors map[int]wgpu.BindGroupLayoutDescriptor
	bindingVarNames            map[int]map[int]string
	bindingSizes               map[int]map[int]uint64
	workGroupSize              [3]uint32
	entryPoint                 string
	module                     *wgpu.ShaderModuleDescriptor
	declarations               []Annotation

	pp PreProcessor
}

// Shader defines the interface for a loaded and parsed WGSL compute shader. It exposes the
// shader's unique key, source code, entry point, bind group layout descriptors, resolved
// binding sizes, workgroup size, and pre-processor declarations.
type Shader interface {
	// Key retrieves the unique identifier for this shader, used for caching and lookups.
	//
	// Returns:
	//   - string: the shader's unique key
	Key() string

	// Source retrieves the pre-processed WGSL shader source code.
	//
	// Returns:
	//   - string: the WGSL source code of the shader
	Source() string

	// BindGroupLayoutDescriptor retrieves the bind group layout descriptor for a group index.
	//
	// Parameters:
	//   - group: the @group index
	//
	// Returns:
	//   - wgpu.BindGroupLayoutDescriptor: the descriptor for the group, or an empty descriptor if the group is not declared
	BindGroupLayoutDescriptor(group int) wgpu.BindGroupLayoutDescriptor

	// BindGroupLayoutDescriptors retrieves all parsed bind group layout descriptors.
	// These are the CPU-side descriptors extracted from the shader source which can be
	// used by the renderer to create the actual wgpu.BindGroupLayout GPU objects.
	//
	// Returns:
	//   - map[int]wgpu.BindGroupLayoutDescriptor: descriptors keyed by group index
	BindGroupLayoutDescriptors() map[int]wgpu.BindGroupLayoutDescriptor

	// BindGroupVarName retrieves the variable name for a given group and binding index.
	//
	// Parameters:
	//   - group: the bind group index
	//   - binding: the binding index within the group
	//
	// Returns:
	//   - string: the variable name, or an empty string if not found
	BindGroupVarName(group, binding int) string

	// BindingSize reports the full byte size of the type bound at a group and binding.
	// Only fixed-size types resolve; runtime-sized arrays and unknown types report false.
	//
	// Parameters:
	//   - group: the bind group index
	//   - binding: the binding index within the group
	//
	// Returns:
	//   - uint64: the resolved byte size
	//   - bool: true if the binding exists and its type has a fixed size
	BindingSize(group, binding int) (uint64, bool)

	// ReadbackBinding returns the group and binding marked by an @oxy:readback annotation.
	//
	// Returns:
	//   - int: the group index
	//   - int: the binding index
	//   - bool: true if the shader carries a readback annotation
	ReadbackBinding() (int, int, bool)

	// EntryPoint returns the @compute entry point name for this shader.
	//
	// Returns:
	//   - string: the entry point name (e.g. "main")
	EntryPoint() string

	// WorkgroupSize returns the workgroup size dimensions. Returns [1, 1, 1] when
	// @workgroup_size is not specified.
	//
	// Returns:
	//   - [3]uint32: the workgroup size as [x, y, z]
	WorkgroupSize() [3]uint32

	// Module returns the wgpu.ShaderModuleDescriptor for this shader.
	//
	// Returns:
	//   - *wgpu.ShaderModuleDescriptor: the shader module descriptor containing the WGSL code and label
	Module() *wgpu.ShaderModuleDescriptor

	// Declarations returns the group and readback annotations parsed from the shader source.
	//
	// Returns:
	//   - []Annotation: the declarations in source order
	Declarations() []Annotation

	// Validate compiles the WGSL source with naga and reports any compile error.
	//
	// Returns:
	//   - error: an error wrapping ErrInvalidSource if the source does not compile
	Validate() error
}

var _ Shader = &shader{}

// ShaderOption configures optional shader parsing behaviour.
type ShaderOption func(*shader)

// WithPreProcessor sets the pre-processor used to expand @oxy: annotations. Use it when
// the source includes structs registered on a shared PreProcessor.
//
// Parameters:
//   - pp: the pre-processor to use
//
// Returns:
//   - ShaderOption: a function that applies the pre-processor to a shader
func WithPreProcessor(pp PreProcessor) ShaderOption {
	return func(s *shader) {
		if pp != nil {
			s.pp = pp
		}
	}
}

// NewShader creates a new compute Shader by reading WGSL source from a file.
// It panics if the file cannot be read or parsed, matching the startup-only use of shaders.
//
// Parameters:
//   - key: a unique identifier for the shader, used for caching and lookups
//   - sourcePath: the file path to read WGSL source from
//   - options: optional ShaderOption functions
//
// Returns:
//   - Shader: a new Shader instance with the provided configuration
func NewShader(key string, sourcePath string, options ...ShaderOption) Shader {
	if sourcePath == "" {
		panic(fmt.Sprintf("shader: %s must have a valid source path", key))
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		panic(fmt.Sprintf("shader: failed to read source file %q: %v", sourcePath, err))
	}
	s, err := NewShaderFromSource(key, string(data), options...)
	if err != nil {
		panic(err)
	}
	return s
}

// NewShaderFromSource creates a new compute Shader from in-memory WGSL source, typically
// a //go:embed string. The source is pre-processed and parsed for its entry point,
// workgroup size, and bind group layouts.
//
// Parameters:
//   - key: a unique identifier for the shader
//   - source: the WGSL source text
//   - options: optional ShaderOption functions
//
// Returns:
//   - Shader: the parsed shader
//   - error: an error if pre-processing fails or the source has no compute entry point
func NewShaderFromSource(key string, source string, options ...ShaderOption) (Shader, error) {
	s := &shader{
		key:                        key,
		bindGroupLayoutDescriptors: make(map[int]wgpu.BindGroupLayoutDescriptor),
		bindingVarNames:            make(map[int]map[int]string),
		bindingSizes:               make(map[int]map[int]uint64),
		workGroupSize:              [3]uint32{1, 1, 1},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pp == nil {
		s.pp = NewPreProcessor()
	}
	if err := s.parseSource(source); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *shader) Key() string {
	return s.key
}

func (s *shader) Source() string {
	return s.source
}

func (s *shader) EntryPoint() string {
	return s.entryPoint
}

func (s *shader) WorkgroupSize() [3]uint32 {
	return s.workGroupSize
}

func (s *shader) BindGroupLayoutDescriptor(group int) wgpu.BindGroupLayoutDescriptor {
	return s.bindGroupLayoutDescriptors[group]
}

func (s *shader) BindGroupLayoutDescriptors() map[int]wgpu.BindGroupLayoutDescriptor {
	return s.bindGroupLayoutDescriptors
}

func (s *shader) BindGroupVarName(group, binding int) string {
	if s.bindingVarNames[group] == nil {
		return ""
	}
	return s.bindingVarNames[group][binding]
}

func (s *shader) BindingSize(group, binding int) (uint64, bool) {
	size, ok := s.bindingSizes[group][binding]
	return size, ok
}

func (s *shader) ReadbackBinding() (int, int, bool) {
	for _, decl := range s.declarations {
		if decl.Type == AnnotationTypeReadback && decl.Group != nil && decl.Binding != nil {
			return *decl.Group, *decl.Binding, true
		}
	}
	return 0, 0, false
}

func (s *shader) Module() *wgpu.ShaderModuleDescriptor {
	return s.module
}

func (s *shader) Declarations() []Annotation {
	return s.declarations
}

func (s *shader) Validate() error {
	if _, err := naga.Compile(s.source); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSource, s.key, err)
	}
	return nil
}

// parseSource pre-processes the WGSL source, builds the shader module descriptor, and
// extracts the compute entry point, workgroup size, and bind group layout metadata.
func (s *shader) parseSource(raw string) error {
	processed, err := s.pp.Process(raw)
	if err != nil {
		return fmt.Errorf("shader: failed to pre-process %q: %w", s.key, err)
	}
	s.source = processed
	s.declarations = append([]Annotation(nil), s.pp.Declarations()...)

	s.entryPoint = parseEntryPoint(s.source)
	if s.entryPoint == "" {
		return fmt.Errorf("%w: %s", ErrNoComputeEntry, s.key)
	}
	s.workGroupSize = parseWorkgroupSize(s.source)
	s.bindGroupLayoutDescriptors, s.bindingVarNames, s.bindingSizes = parseBindGroupLayouts(s.source, wgpu.ShaderStageCompute)
	s.module = &wgpu.ShaderModuleDescriptor{
		Label: s.key,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: s.source,
		},
	}
	return nil
}

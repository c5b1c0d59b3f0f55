// pre_processor.go implements the Oxy WGSL shader pre-processor. It scans shader
// source code for @oxy: annotations, replaces them with generated WGSL declarations
// or injected struct source, and collects a declarations list that readback
// registration uses to locate a shader's result binding.
//
// The pre-processor maintains two registries:
//   - structRegistry: maps AnnotationArg keys to WGSL struct sources registered by the
//     payload packages, along with their WGSL type names. Used by @oxy:include and @oxy:group.
//   - addressSpaceRegistry: maps address space argument keys to WGSL var<> syntax strings.
package shader

import (
	"fmt"
	"strings"
)

// registryEntry pairs a WGSL struct source string with the WGSL type name used in
// generated @group/@binding declarations.
type registryEntry struct {
	// Source is the raw WGSL struct definition text injected by @oxy:include.
	Source string

	// Type is the WGSL type name emitted in @oxy:group declarations (e.g. "ShaderInput").
	Type string
}

type preProcessor struct {
	structRegistry       map[AnnotationArg]registryEntry
	addressSpaceRegistry map[AnnotationArg]string

	// declarations is reset at the start of each Process call.
	declarations []Annotation
}

// PreProcessor processes raw WGSL shader source code containing @oxy: annotations,
// replacing them with generated declarations or injected struct sources while collecting
// a declarations list for readback registration.
type PreProcessor interface {
	// RegisterStruct adds a WGSL struct definition that shaders can pull in with
	// @oxy:include and reference as a type in @oxy:group.
	//
	// Parameters:
	//   - key: the argument used in annotations (e.g. "shader_input")
	//   - source: the WGSL struct definition text
	//   - typeName: the WGSL struct name declared by source (e.g. "ShaderInput")
	//
	// Returns:
	//   - error: an error if the key is empty or already registered
	RegisterStruct(key AnnotationArg, source, typeName string) error

	// Process takes raw WGSL shader source code and replaces @oxy: annotations with
	// their corresponding WGSL output. @oxy:readback annotations produce no WGSL output
	// but are recorded in the declarations list together with @oxy:group annotations.
	//
	// Parameters:
	//   - source: the raw WGSL shader source code containing annotations to be processed
	//
	// Returns:
	//   - string: the processed WGSL shader source code with annotations replaced
	//   - error: an error if any annotation is malformed or references an unknown type
	Process(source string) (string, error)

	// Declarations returns the group and readback annotations collected during the most
	// recent call to Process, in source order.
	//
	// Returns:
	//   - []Annotation: the declarations collected during the last Process call
	Declarations() []Annotation
}

var _ PreProcessor = &preProcessor{}

// NewPreProcessor creates a new PreProcessor with an empty struct registry and the
// address space mappings pre-populated.
//
// Returns:
//   - PreProcessor: a ready-to-use pre-processor instance
func NewPreProcessor() PreProcessor {
	return &preProcessor{
		structRegistry: make(map[AnnotationArg]registryEntry),
		addressSpaceRegistry: map[AnnotationArg]string{
			annotationArgStorageTypeUniform:   "var<uniform>",
			annotationArgStorageTypeRead:      "var<storage, read>",
			annotationArgStorageTypeReadWrite: "var<storage, read_write>",
		},
	}
}

func (p *preProcessor) RegisterStruct(key AnnotationArg, source, typeName string) error {
	if key == "" || typeName == "" {
		return fmt.Errorf("pre-processor: struct key and type name must be set")
	}
	if _, ok := p.structRegistry[key]; ok {
		return fmt.Errorf("pre-processor: struct %q already registered", key)
	}
	p.structRegistry[key] = registryEntry{Source: source, Type: typeName}
	return nil
}

func (p *preProcessor) Process(source string) (string, error) {
	p.declarations = p.declarations[:0]

	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	readbackSeen := false

	for i, line := range lines {
		a, err := parseAnnotation(line, i+1)
		if err != nil {
			return "", err
		}
		if a == nil {
			out = append(out, line)
			continue
		}

		switch a.Type {
		case annotationTypeInclude:
			entry, ok := p.structRegistry[a.Args[0]]
			if !ok {
				return "", fmt.Errorf("line %d: unknown @oxy:include argument %q", i+1, a.Args[0])
			}
			out = append(out, entry.Source)
		case AnnotationTypeBindingGroup:
			wgslType, err := p.resolveType(a.Args[2])
			if err != nil {
				return "", fmt.Errorf("line %d: %w", i+1, err)
			}
			addrSpace := p.addressSpaceRegistry[a.Args[0]]
			out = append(out, fmt.Sprintf("@group(%d) @binding(%d) %s %s: %s;", *a.Group, *a.Binding, addrSpace, a.Args[1], wgslType))
			p.declarations = append(p.declarations, *a)
		case AnnotationTypeReadback:
			if readbackSeen {
				return "", fmt.Errorf("line %d: duplicate @oxy:readback annotation", i+1)
			}
			readbackSeen = true
			p.declarations = append(p.declarations, *a)
		default:
			return "", fmt.Errorf("line %d: unknown annotation type %q", i+1, a.Type)
		}
	}
	return strings.Join(out, "\n"), nil
}

func (p *preProcessor) Declarations() []Annotation {
	return p.declarations
}

// resolveType maps a struct type argument, optionally wrapped in array<...>, to its WGSL type name.
func (p *preProcessor) resolveType(arg AnnotationArg) (string, error) {
	if inner, ok := strings.CutPrefix(string(arg), "array<"); ok {
		inner = strings.TrimSuffix(inner, ">")
		elem, count, sized := strings.Cut(inner, ",")
		entry, ok := p.structRegistry[AnnotationArg(strings.TrimSpace(elem))]
		if !ok {
			return "", fmt.Errorf("unknown array element type %q", elem)
		}
		if sized {
			return fmt.Sprintf("array<%s, %s>", entry.Type, strings.TrimSpace(count)), nil
		}
		return fmt.Sprintf("array<%s>", entry.Type), nil
	}
	entry, ok := p.structRegistry[arg]
	if !ok {
		return "", fmt.Errorf("unknown struct type %q", arg)
	}
	return entry.Type, nil
}

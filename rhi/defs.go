// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package rhi

import "fmt"

// Type identifies a backend implementation.
type Type int

// Driver types
const (
	TypeUnknown Type = iota
	TypeOpenGL
	TypeVulkan
	TypeSoftware
)

func (t Type) String() string {
	switch t {
	case TypeOpenGL:
		return "opengl"
	case TypeVulkan:
		return "vulkan"
	case TypeSoftware:
		return "software"
	}
	return "unknown"
}

// ParseType converts a configuration name into a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "opengl", "gl":
		return TypeOpenGL, nil
	case "vulkan", "vk":
		return TypeVulkan, nil
	case "software", "soft", "":
		return TypeSoftware, nil
	}
	return TypeUnknown, fmt.Errorf("%w: unknown driver type %q", ErrInvalidArgument, name)
}

// ResourceType tags the concrete kind of a Resource.
type ResourceType int

// Resource types
const (
	ResourceVertexBuffer ResourceType = iota
	ResourceIndexBuffer
	ResourceUniformBuffer
	ResourceTexture
	ResourceSampler
	ResourceProgram
	ResourceRenderTarget
)

var resourceTypeNames = [...]string{
	ResourceVertexBuffer:  "VertexBuffer",
	ResourceIndexBuffer:   "IndexBuffer",
	ResourceUniformBuffer: "UniformBuffer",
	ResourceTexture:       "Texture",
	ResourceSampler:       "Sampler",
	ResourceProgram:       "Program",
	ResourceRenderTarget:  "RenderTarget",
}

func (r ResourceType) String() string {
	if r >= 0 && int(r) < len(resourceTypeNames) {
		return resourceTypeNames[r]
	}
	return fmt.Sprintf("ResourceType(%d)", int(r))
}

// State is the lifecycle state of a Resource.
type State int32

// Resource states
const (
	StateCreated State = iota
	StatePendingGPUInit
	StateReady
	StatePendingDestroy
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StatePendingGPUInit:
		return "PendingGPUInit"
	case StateReady:
		return "Ready"
	case StatePendingDestroy:
		return "PendingDestroy"
	case StateDestroyed:
		return "Destroyed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// BufferUsage hints how often the contents of a buffer change.
type BufferUsage int

// Buffer usages
const (
	BufferStatic BufferUsage = iota
	BufferDynamic
	BufferStream
)

// IndexType is the element type of an index buffer.
type IndexType int

// Index types
const (
	IndexUint16 IndexType = iota
	IndexUint32
)

// Size returns the byte size of one index.
func (t IndexType) Size() int {
	if t == IndexUint32 {
		return 4
	}
	return 2
}

// ShaderType is a programmable pipeline stage.
type ShaderType int

// Shader stages
const (
	ShaderVertex ShaderType = iota
	ShaderFragment
	ShaderCompute
)

func (t ShaderType) String() string {
	switch t {
	case ShaderVertex:
		return "vert"
	case ShaderFragment:
		return "frag"
	case ShaderCompute:
		return "comp"
	}
	return fmt.Sprintf("ShaderType(%d)", int(t))
}

// ShaderLanguage tags the encoding of shader source blobs.
type ShaderLanguage int

// Shader languages
const (
	LanguageGLSL ShaderLanguage = iota
	LanguageSPIRV
)

func (l ShaderLanguage) String() string {
	switch l {
	case LanguageGLSL:
		return "glsl"
	case LanguageSPIRV:
		return "spirv"
	}
	return fmt.Sprintf("ShaderLanguage(%d)", int(l))
}

// TextureFormat is the pixel layout of a texture.
type TextureFormat int

// Texture formats
const (
	FormatR8 TextureFormat = iota
	FormatRG8
	FormatRGBA8
	FormatBGRA8
	FormatR32F
	FormatRGBA16F
	FormatRGBA32F
	FormatDepth24Stencil8
	FormatDepth32F
)

var formatInfo = [...]struct {
	name  string
	bytes int
	depth bool
}{
	FormatR8:              {"R8", 1, false},
	FormatRG8:             {"RG8", 2, false},
	FormatRGBA8:           {"RGBA8", 4, false},
	FormatBGRA8:           {"BGRA8", 4, false},
	FormatR32F:            {"R32F", 4, false},
	FormatRGBA16F:         {"RGBA16F", 8, false},
	FormatRGBA32F:         {"RGBA32F", 16, false},
	FormatDepth24Stencil8: {"D24S8", 4, true},
	FormatDepth32F:        {"D32F", 4, true},
}

func (f TextureFormat) valid() bool {
	return f >= 0 && int(f) < len(formatInfo)
}

func (f TextureFormat) String() string {
	if f.valid() {
		return formatInfo[f].name
	}
	return fmt.Sprintf("TextureFormat(%d)", int(f))
}

// BytesPerPixel returns the size of a single texel, or 0 for unknown formats.
func (f TextureFormat) BytesPerPixel() int {
	if f.valid() {
		return formatInfo[f].bytes
	}
	return 0
}

// IsDepth reports whether the format is a depth or depth-stencil format.
func (f TextureFormat) IsDepth() bool {
	return f.valid() && formatInfo[f].depth
}

// TextureUsage is a bit set of ways a texture may be used.
type TextureUsage uint32

// Texture usages
const (
	TextureSampled TextureUsage = 1 << iota
	TextureColorAttachment
	TextureDepthStencilAttachment
	TextureTransferSrc
	TextureTransferDst
)

// Filter selects texel filtering.
type Filter int

// Filters
const (
	FilterNearest Filter = iota
	FilterLinear
)

// WrapMode selects addressing outside [0,1].
type WrapMode int

// Wrap modes
const (
	WrapRepeat WrapMode = iota
	WrapMirroredRepeat
	WrapClampToEdge
	WrapClampToBorder
)

// PrimitivesType is the topology of drawn vertices.
type PrimitivesType int

// Primitive topologies
const (
	PrimitiveTriangles PrimitivesType = iota
	PrimitiveTriangleStrip
	PrimitiveLines
	PrimitiveLineStrip
	PrimitivePoints
)

// PolygonMode selects rasterization of polygons.
type PolygonMode int

// Polygon modes
const (
	PolygonFill PolygonMode = iota
	PolygonLine
	PolygonPoint
)

// CullMode selects which faces are discarded.
type CullMode int

// Cull modes
const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

// CompareFunction is used for depth testing.
type CompareFunction int

// Compare functions
const (
	CompareNever CompareFunction = iota
	CompareLess
	CompareEqual
	CompareLessEqual
	CompareGreater
	CompareNotEqual
	CompareGreaterEqual
	CompareAlways
)

// CompilationStatus is the result of compiling a Program.
type CompilationStatus int32

// Compilation statuses
const (
	CompilationPending CompilationStatus = iota
	CompilationCompiled
	CompilationFailed
)

func (s CompilationStatus) String() string {
	switch s {
	case CompilationPending:
		return "Pending"
	case CompilationCompiled:
		return "Compiled"
	case CompilationFailed:
		return "Failed"
	}
	return fmt.Sprintf("CompilationStatus(%d)", int32(s))
}

package protocol

// Format is a texture format code.
type Format uint32

// Texture formats.
const (
	FormatInvalid        Format = 0
	FormatB8G8R8A8Unorm  Format = 1
	FormatB8G8R8X8Unorm  Format = 2
	FormatR8G8B8A8Unorm  Format = 3
	FormatR8G8B8X8Unorm  Format = 4
	FormatD24UnormS8Uint Format = 32
	FormatD32Float       Format = 33
)

var formatNames = map[Format]string{
	FormatB8G8R8A8Unorm:  "b8g8r8a8_unorm",
	FormatB8G8R8X8Unorm:  "b8g8r8x8_unorm",
	FormatR8G8B8A8Unorm:  "r8g8b8a8_unorm",
	FormatR8G8B8X8Unorm:  "r8g8b8x8_unorm",
	FormatD24UnormS8Uint: "d24_unorm_s8_uint",
	FormatD32Float:       "d32_float",
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool { _, ok := formatNames[f]; return ok }

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "invalid"
}

// BytesPerPixel returns the texel size of f. All formats of this ABI are
// four bytes wide.
func (f Format) BytesPerPixel() int { return 4 }

// IsDepth reports whether f is a depth/stencil format.
func (f Format) IsDepth() bool { return f == FormatD24UnormS8Uint || f == FormatD32Float }

// IsBGRA reports whether the color channels are stored blue first.
func (f Format) IsBGRA() bool { return f == FormatB8G8R8A8Unorm || f == FormatB8G8R8X8Unorm }

// IgnoresAlpha reports whether the alpha channel is undefined on write and
// reads back as fully opaque.
func (f Format) IgnoresAlpha() bool { return f == FormatB8G8R8X8Unorm || f == FormatR8G8B8X8Unorm }

// Usage is a bit set describing how a resource may be bound.
type Usage uint32

// Resource usage flags.
const (
	UsageVertexBuffer   Usage = 1 << 0
	UsageIndexBuffer    Usage = 1 << 1
	UsageConstantBuffer Usage = 1 << 2
	UsageTexture        Usage = 1 << 3
	UsageRenderTarget   Usage = 1 << 4
	UsageDepthStencil   Usage = 1 << 5
	UsageScanout        Usage = 1 << 6
	UsageStorage        Usage = 1 << 7

	usageAll = UsageStorage<<1 - 1
)

// ShaderStage selects a programmable pipeline stage.
type ShaderStage uint32

// Shader stages.
const (
	StageVertex   ShaderStage = 0
	StagePixel    ShaderStage = 1
	StageCompute  ShaderStage = 2
	StageGeometry ShaderStage = 3

	// StageCount is the number of shader stages.
	StageCount = 4
)

func (s ShaderStage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StagePixel:
		return "pixel"
	case StageCompute:
		return "compute"
	case StageGeometry:
		return "geometry"
	}
	return "invalid"
}

// ShaderLanguage identifies the encoding of shader code.
type ShaderLanguage uint32

// Shader languages. DXBC code is opaque to this module; WGSL is compiled
// by backends that can consume it.
const (
	LanguageDXBC ShaderLanguage = 0
	LanguageWGSL ShaderLanguage = 1
)

// Semantic names the meaning of an input layout element.
type Semantic uint32

// Input element semantics.
const (
	SemanticPosition Semantic = 0
	SemanticColor    Semantic = 1
	SemanticTexCoord Semantic = 2
	SemanticNormal   Semantic = 3
)

// VertexFormat is the encoding of one input element.
type VertexFormat uint32

// Vertex formats.
const (
	VertexFloat32   VertexFormat = 1
	VertexFloat32x2 VertexFormat = 2
	VertexFloat32x3 VertexFormat = 3
	VertexFloat32x4 VertexFormat = 4
	VertexUnorm8x4  VertexFormat = 5
)

// Size returns the encoded size of one element in bytes, or 0 if f is invalid.
func (f VertexFormat) Size() uint32 {
	switch f {
	case VertexFloat32, VertexUnorm8x4:
		return 4
	case VertexFloat32x2:
		return 8
	case VertexFloat32x3:
		return 12
	case VertexFloat32x4:
		return 16
	}
	return 0
}

// Components returns the number of components of f.
func (f VertexFormat) Components() int {
	switch f {
	case VertexFloat32:
		return 1
	case VertexFloat32x2:
		return 2
	case VertexFloat32x3:
		return 3
	case VertexFloat32x4, VertexUnorm8x4:
		return 4
	}
	return 0
}

// Topology is the primitive topology used by draws.
type Topology uint32

// Primitive topologies.
const (
	TopologyPointList     Topology = 1
	TopologyLineList      Topology = 2
	TopologyLineStrip     Topology = 3
	TopologyTriangleList  Topology = 4
	TopologyTriangleStrip Topology = 5
	TopologyTriangleFan   Topology = 6
)

// Valid reports whether t is a known topology.
func (t Topology) Valid() bool { return t >= TopologyPointList && t <= TopologyTriangleFan }

// IndexFormat is the width of index buffer elements.
type IndexFormat uint32

// Index formats.
const (
	IndexUint16 IndexFormat = 1
	IndexUint32 IndexFormat = 2
)

// Size returns the byte width of one index.
func (f IndexFormat) Size() uint32 {
	if f == IndexUint16 {
		return 2
	}
	return 4
}

// RenderStateID selects a fixed-function state.
type RenderStateID uint32

// Fixed-function render states.
const (
	RenderStateCullMode      RenderStateID = 1
	RenderStateFrontCCW      RenderStateID = 2
	RenderStateScissorEnable RenderStateID = 3
	RenderStateDepthEnable   RenderStateID = 4
	RenderStateBlendEnable   RenderStateID = 5
)

// CullMode selects which triangle faces are discarded.
type CullMode uint32

// Cull modes.
const (
	CullNone  CullMode = 0
	CullFront CullMode = 1
	CullBack  CullMode = 2
)

// ClearFlags selects the aspects cleared by a Clear op.
type ClearFlags uint32

// Clear flags.
const (
	ClearColor   ClearFlags = 1 << 0
	ClearDepth   ClearFlags = 1 << 1
	ClearStencil ClearFlags = 1 << 2

	clearAll = ClearColor | ClearDepth | ClearStencil
)

// Viewport maps normalized device coordinates onto a render target.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// Scissor is a pixel rectangle that clips rasterization when enabled.
type Scissor struct {
	X, Y, Width, Height int32
}

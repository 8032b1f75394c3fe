package backend

import (
	"errors"
	"image"

	"github.com/gogpu/vgpu/protocol"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrForeignObject is returned when an object created by another backend
	// instance is passed in.
	ErrForeignObject = errors.New("backend: object belongs to another backend")

	// ErrDeviceLost is returned (possibly wrapped) when the backend can no
	// longer execute work. The engine tears down the owning context.
	ErrDeviceLost = errors.New("backend: device lost")
)

// Object is a backend-owned resource. Only the backend that created an
// object may interpret it.
type Object any

// TextureDesc describes a texture to create.
type TextureDesc struct {
	Label    string
	Width    uint32
	Height   uint32
	Format   protocol.Format
	Usage    protocol.Usage
	RowPitch uint32
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage protocol.Usage
}

// ShaderDesc describes a shader to create.
type ShaderDesc struct {
	Label    string
	Stage    protocol.ShaderStage
	Language protocol.ShaderLanguage
	Code     []byte
}

// ClearCall clears bound targets.
type ClearCall struct {
	Colors       []Object
	DepthStencil Object
	Flags        protocol.ClearFlags
	Color        [4]float32
	Depth        float32
	Stencil      uint32
}

// VertexStream is the vertex buffer bound to one input slot, with the
// buffer's current contents.
type VertexStream struct {
	Object Object
	Data   []byte
	Stride uint32
	Offset uint32
}

// DrawCall carries everything a backend needs for one draw: the bound
// shaders and fixed-function state travel with the call so that backends
// stay stateless between draws.
type DrawCall struct {
	Targets      []Object
	DepthStencil Object

	// Viewport with zero width or height covers the first target.
	Viewport protocol.Viewport
	Scissor  *protocol.Scissor

	Topology protocol.Topology
	Layout   []protocol.InputElement
	Streams  [protocol.MaxVertexBufferSlots]VertexStream

	FirstVertex   uint32
	VertexCount   uint32
	InstanceCount uint32

	// Indices holds the resolved indices of an indexed draw; nil for
	// non-indexed draws.
	Indices    []uint32
	BaseVertex int32

	VS, PS      Object
	VSConstants [][4]float32
	PSConstants [][4]float32

	CullMode    protocol.CullMode
	FrontCCW    bool
	DepthEnable bool
	BlendEnable bool
}

// Backend executes validated engine actions. The engine never calls a
// backend with unvalidated input: handles are resolved, ranges are checked
// and formats were negotiated through Capabilities.
//
// Backends must be registered via Register() and are selected via
// Get() or Default().
type Backend interface {
	// Name returns the backend identifier ("native", "compat", "software").
	Name() string

	// Init initializes the backend.
	// This should be called before any other method except Name.
	Init() error

	// Close releases all backend resources.
	// The backend should not be used after Close is called.
	Close()

	// Capabilities reports what the backend supports. Valid after Init.
	Capabilities() Capabilities

	CreateTexture(desc TextureDesc) (Object, error)
	CreateBuffer(desc BufferDesc) (Object, error)
	CreateShader(desc ShaderDesc) (Object, error)

	// Destroy releases an object. Destroying an unknown object is a no-op.
	Destroy(obj Object)

	WriteBuffer(obj Object, offset uint64, data []byte) error
	WriteTexture(obj Object, offset uint64, data []byte) error
	CopyBuffer(dst, src Object, dstOffset, srcOffset, size uint64) error

	Clear(call *ClearCall) error
	Draw(call *DrawCall) error

	// Present hands a render target to scanout.
	Present(target Object, scanout uint32) error

	// ReadPixels returns the contents of a color texture as RGBA8 with
	// straight alpha. Formats that ignore alpha read back opaque.
	ReadPixels(target Object) (*image.RGBA, error)

	// Flush submits all work recorded so far and returns a future that
	// resolves when the backend has finished it.
	Flush() *Completion
}

// Package software provides the CPU reference backend.
//
// Textures live in host memory and every draw runs through the shared
// reference rasterizer, so this backend defines the expected pixels for
// all others. It has no external dependencies and always initializes.
//
// Importing the package registers the backend:
//
//	import _ "github.com/gogpu/vgpu/backend/software"
package software

import (
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/internal/raster"
	"github.com/gogpu/vgpu/protocol"
)

// MaxBufferSize is the largest buffer the backend accepts.
const MaxBufferSize = 256 << 20

func init() {
	backend.Register(backend.BackendSoftware, func() backend.Backend {
		return New()
	})
}

type texture struct {
	owner *Backend
	surf  *raster.Surface
}

type buffer struct {
	owner *Backend
	data  []byte
}

type shader struct {
	owner *Backend
	desc  backend.ShaderDesc
	dead  bool
}

// Backend is the CPU backend.
type Backend struct {
	mu          sync.Mutex
	initialized bool
	live        int
	presents    uint64
}

// New returns an uninitialized software backend.
func New() *Backend {
	return &Backend{}
}

// Name returns "software".
func (b *Backend) Name() string { return backend.BackendSoftware }

// Init initializes the backend. It never fails.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	vgpu.Logger().Debug("software backend initialized")
	return nil
}

// Close releases the backend. Objects created earlier must not be used
// afterwards.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	b.live = 0
}

// Capabilities reports every stream format and all fixed-function
// features. Shaders are stored opaquely, so WGSL is not advertised.
func (b *Backend) Capabilities() backend.Capabilities {
	limits := gputypes.DefaultLimits()
	limits.MaxTextureDimension2D = protocol.MaxTextureDimension
	limits.MaxBufferSize = MaxBufferSize
	return backend.Capabilities{
		Formats: []gputypes.TextureFormat{
			gputypes.TextureFormatRGBA8Unorm,
			gputypes.TextureFormatBGRA8Unorm,
			gputypes.TextureFormatDepth24PlusStencil8,
			gputypes.TextureFormatDepth32Float,
		},
		Features: backend.FeatureIndexedDraw | backend.FeatureBlend | backend.FeatureDepthStencil |
			backend.FeatureScissor | backend.FeatureSharedSurfaces,
		Limits: limits,
	}
}

func (b *Backend) checkInit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return backend.ErrNotInitialized
	}
	b.live++
	return nil
}

// CreateTexture allocates a zeroed surface.
func (b *Backend) CreateTexture(desc backend.TextureDesc) (backend.Object, error) {
	if err := b.checkInit(); err != nil {
		return nil, err
	}
	return &texture{owner: b, surf: raster.NewSurface(int(desc.Width), int(desc.Height), int(desc.RowPitch), desc.Format)}, nil
}

// CreateBuffer allocates a zeroed buffer.
func (b *Backend) CreateBuffer(desc backend.BufferDesc) (backend.Object, error) {
	if desc.Size > MaxBufferSize {
		return nil, fmt.Errorf("software: buffer size %d exceeds %d", desc.Size, MaxBufferSize)
	}
	if err := b.checkInit(); err != nil {
		return nil, err
	}
	return &buffer{owner: b, data: make([]byte, desc.Size)}, nil
}

// CreateShader stores the shader bytecode. The rasterizer is
// fixed-function, so the code is never interpreted.
func (b *Backend) CreateShader(desc backend.ShaderDesc) (backend.Object, error) {
	if err := b.checkInit(); err != nil {
		return nil, err
	}
	desc.Code = append([]byte(nil), desc.Code...)
	return &shader{owner: b, desc: desc}, nil
}

// Destroy drops an object. Destroying an object twice is a no-op.
func (b *Backend) Destroy(obj backend.Object) {
	switch o := obj.(type) {
	case *texture:
		if o.owner != b || o.surf == nil {
			return
		}
		o.surf = nil
	case *buffer:
		if o.owner != b || o.data == nil {
			return
		}
		o.data = nil
	case *shader:
		if o.owner != b || o.dead {
			return
		}
		o.dead = true
	default:
		return
	}
	b.mu.Lock()
	b.live--
	b.mu.Unlock()
}

// Live returns the number of objects created and not yet destroyed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Presents returns the number of frames handed to scanout.
func (b *Backend) Presents() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presents
}

func (b *Backend) surface(obj backend.Object) (*raster.Surface, error) {
	t, ok := obj.(*texture)
	if !ok || t.owner != b || t.surf == nil {
		return nil, fmt.Errorf("%w: %T", backend.ErrForeignObject, obj)
	}
	return t.surf, nil
}

func (b *Backend) bytes(obj backend.Object) ([]byte, error) {
	buf, ok := obj.(*buffer)
	if !ok || buf.owner != b || buf.data == nil {
		return nil, fmt.Errorf("%w: %T", backend.ErrForeignObject, obj)
	}
	return buf.data, nil
}

// WriteBuffer copies data into a buffer.
func (b *Backend) WriteBuffer(obj backend.Object, offset uint64, data []byte) error {
	dst, err := b.bytes(obj)
	if err != nil {
		return err
	}
	copy(dst[offset:], data)
	return nil
}

// WriteTexture copies raw texel bytes into a texture.
func (b *Backend) WriteTexture(obj backend.Object, offset uint64, data []byte) error {
	s, err := b.surface(obj)
	if err != nil {
		return err
	}
	s.Write(offset, data)
	return nil
}

// CopyBuffer copies between buffers. Overlapping ranges behave like memmove.
func (b *Backend) CopyBuffer(dst, src backend.Object, dstOffset, srcOffset, size uint64) error {
	d, err := b.bytes(dst)
	if err != nil {
		return err
	}
	s, err := b.bytes(src)
	if err != nil {
		return err
	}
	copy(d[dstOffset:dstOffset+size], s[srcOffset:srcOffset+size])
	return nil
}

// Clear fills the bound targets.
func (b *Backend) Clear(call *backend.ClearCall) error {
	colors, depth, err := b.targets(call.Colors, call.DepthStencil)
	if err != nil {
		return err
	}
	if call.Flags&protocol.ClearColor != 0 {
		for _, s := range colors {
			s.ClearColor(call.Color)
		}
	}
	if depth != nil && call.Flags&(protocol.ClearDepth|protocol.ClearStencil) != 0 {
		depth.ClearDepthStencil(call.Flags, call.Depth, call.Stencil)
	}
	return nil
}

// Draw rasterizes a draw call.
func (b *Backend) Draw(call *backend.DrawCall) error {
	colors, depth, err := b.targets(call.Targets, call.DepthStencil)
	if err != nil {
		return err
	}
	return raster.Draw(colors, depth, call)
}

func (b *Backend) targets(objs []backend.Object, ds backend.Object) ([]*raster.Surface, *raster.Surface, error) {
	colors := make([]*raster.Surface, len(objs))
	for i, obj := range objs {
		s, err := b.surface(obj)
		if err != nil {
			return nil, nil, err
		}
		colors[i] = s
	}
	var depth *raster.Surface
	if ds != nil {
		s, err := b.surface(ds)
		if err != nil {
			return nil, nil, err
		}
		depth = s
	}
	return colors, depth, nil
}

// Present counts the frame. Scanout is read back through ReadPixels.
func (b *Backend) Present(target backend.Object, scanout uint32) error {
	if _, err := b.surface(target); err != nil {
		return err
	}
	b.mu.Lock()
	b.presents++
	b.mu.Unlock()
	vgpu.Logger().Debug("software present", "scanout", scanout)
	return nil
}

// ReadPixels returns a packed RGBA copy of a color texture.
func (b *Backend) ReadPixels(target backend.Object) (*image.RGBA, error) {
	s, err := b.surface(target)
	if err != nil {
		return nil, err
	}
	return s.RGBA(), nil
}

// Flush returns a resolved completion: all work executes synchronously.
func (b *Backend) Flush() *backend.Completion {
	return backend.Completed(nil)
}

var _ backend.Backend = (*Backend)(nil)

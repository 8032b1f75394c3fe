// Package compat provides a reduced-capability backend for hosts without a
// usable GPU device.
//
// Color textures are stored as image.RGBA regardless of their stream
// channel order; uploads are swizzled on the way in. Only 8-bit color
// formats are supported and there is no depth or stencil, so contexts that
// require those fail at creation with an unsupported-capability error.
package compat

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/internal/raster"
	"github.com/gogpu/vgpu/protocol"
)

// Device limits.
const (
	MaxTextureDimension = 8192
	MaxBufferSize       = 64 << 20
)

func init() {
	backend.Register(backend.BackendCompat, func() backend.Backend {
		return New()
	})
}

type texture struct {
	owner  *Backend
	img    *image.RGBA
	format protocol.Format
	pitch  int
}

type buffer struct {
	owner *Backend
	data  []byte
}

type shader struct {
	owner *Backend
	code  []byte
}

// Backend is the compatibility backend.
type Backend struct {
	mu          sync.Mutex
	initialized bool
}

// New returns an uninitialized compat backend.
func New() *Backend {
	return &Backend{}
}

// Name returns "compat".
func (b *Backend) Name() string { return backend.BackendCompat }

// Init initializes the backend.
func (b *Backend) Init() error {
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	vgpu.Logger().Debug("compat backend initialized", "max_texture", MaxTextureDimension)
	return nil
}

// Close releases the backend.
func (b *Backend) Close() {
	b.mu.Lock()
	b.initialized = false
	b.mu.Unlock()
}

// Capabilities reports 8-bit color formats without depth or stencil.
func (b *Backend) Capabilities() backend.Capabilities {
	limits := gputypes.DefaultLimits()
	limits.MaxTextureDimension2D = MaxTextureDimension
	limits.MaxBufferSize = MaxBufferSize
	return backend.Capabilities{
		Formats:  []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm},
		Features: backend.FeatureIndexedDraw | backend.FeatureBlend | backend.FeatureScissor | backend.FeatureSharedSurfaces,
		Limits:   limits,
	}
}

func (b *Backend) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return backend.ErrNotInitialized
	}
	return nil
}

// CreateTexture allocates a transparent black texture.
func (b *Backend) CreateTexture(desc backend.TextureDesc) (backend.Object, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if desc.Format.IsDepth() {
		return nil, fmt.Errorf("compat: depth format %v not supported", desc.Format)
	}
	pitch := int(desc.RowPitch)
	if pitch == 0 {
		pitch = int(desc.Width) * 4
	}
	t := &texture{
		owner:  b,
		img:    image.NewRGBA(image.Rect(0, 0, int(desc.Width), int(desc.Height))),
		format: desc.Format,
		pitch:  pitch,
	}
	if desc.Format.IgnoresAlpha() {
		draw.Draw(t.img, t.img.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)
	}
	return t, nil
}

// CreateBuffer allocates a zeroed buffer.
func (b *Backend) CreateBuffer(desc backend.BufferDesc) (backend.Object, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if desc.Size > MaxBufferSize {
		return nil, fmt.Errorf("compat: buffer size %d exceeds %d", desc.Size, MaxBufferSize)
	}
	return &buffer{owner: b, data: make([]byte, desc.Size)}, nil
}

// CreateShader keeps a copy of the bytecode.
func (b *Backend) CreateShader(desc backend.ShaderDesc) (backend.Object, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if desc.Language == protocol.LanguageWGSL {
		return nil, fmt.Errorf("compat: %v shaders not supported", desc.Language)
	}
	return &shader{owner: b, code: append([]byte(nil), desc.Code...)}, nil
}

// Destroy drops an object.
func (b *Backend) Destroy(obj backend.Object) {
	switch o := obj.(type) {
	case *texture:
		if o.owner == b {
			o.img = nil
		}
	case *buffer:
		if o.owner == b {
			o.data = nil
		}
	case *shader:
		if o.owner == b {
			o.code = nil
		}
	}
}

func (b *Backend) texture(obj backend.Object) (*texture, error) {
	t, ok := obj.(*texture)
	if !ok || t.owner != b || t.img == nil {
		return nil, fmt.Errorf("%w: %T", backend.ErrForeignObject, obj)
	}
	return t, nil
}

func (b *Backend) bytes(obj backend.Object) ([]byte, error) {
	buf, ok := obj.(*buffer)
	if !ok || buf.owner != b || buf.data == nil {
		return nil, fmt.Errorf("%w: %T", backend.ErrForeignObject, obj)
	}
	return buf.data, nil
}

// surface exposes a texture to the rasterizer. Formats without alpha keep
// the stored alpha at 255.
func (t *texture) surface() *raster.Surface {
	s := raster.FromRGBA(t.img)
	if t.format.IgnoresAlpha() {
		s.Format = protocol.FormatR8G8B8X8Unorm
	}
	return s
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

// WriteTexture writes raw texel bytes laid out with the texture's row
// pitch and channel order. Bytes that fall into row padding are dropped.
func (b *Backend) WriteTexture(obj backend.Object, offset uint64, data []byte) error {
	t, err := b.texture(obj)
	if err != nil {
		return err
	}
	rowBytes := t.img.Rect.Dx() * 4
	bgra := t.format.IsBGRA()
	for i, v := range data {
		pos := int(offset) + i
		y, col := pos/t.pitch, pos%t.pitch
		if col >= rowBytes {
			continue
		}
		ch := col % 4
		if bgra && ch != 3 {
			ch = 2 - ch
		}
		if ch == 3 && t.format.IgnoresAlpha() {
			v = 255
		}
		t.img.Pix[y*t.img.Stride+col-col%4+ch] = v
	}
	return nil
}

// CopyBuffer copies between buffers with memmove semantics.
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

// Clear fills the color targets. Depth and stencil aspects are never
// bound on this backend.
func (b *Backend) Clear(call *backend.ClearCall) error {
	if call.DepthStencil != nil {
		return fmt.Errorf("compat: depth-stencil target bound")
	}
	if call.Flags&protocol.ClearColor == 0 {
		return nil
	}
	px := raster.Unorm8x4(call.Color)
	for _, obj := range call.Colors {
		t, err := b.texture(obj)
		if err != nil {
			return err
		}
		c := color.RGBA{R: px[0], G: px[1], B: px[2], A: px[3]}
		if t.format.IgnoresAlpha() {
			c.A = 255
		}
		draw.Draw(t.img, t.img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	}
	return nil
}

// Draw rasterizes a draw call into the bound targets.
func (b *Backend) Draw(call *backend.DrawCall) error {
	if call.DepthStencil != nil && call.DepthEnable {
		return fmt.Errorf("compat: depth test not supported")
	}
	targets := make([]*raster.Surface, len(call.Targets))
	for i, obj := range call.Targets {
		t, err := b.texture(obj)
		if err != nil {
			return err
		}
		targets[i] = t.surface()
	}
	return raster.Draw(targets, nil, call)
}

// Present validates the target. The image is read back by the caller.
func (b *Backend) Present(target backend.Object, scanout uint32) error {
	if _, err := b.texture(target); err != nil {
		return err
	}
	vgpu.Logger().Debug("compat present", "scanout", scanout)
	return nil
}

// ReadPixels returns a copy of a color texture.
func (b *Backend) ReadPixels(target backend.Object) (*image.RGBA, error) {
	t, err := b.texture(target)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(t.img.Bounds())
	draw.Draw(out, out.Bounds(), t.img, image.Point{}, draw.Src)
	return out, nil
}

// Flush returns a resolved completion.
func (b *Backend) Flush() *backend.Completion {
	return backend.Completed(nil)
}

var _ backend.Backend = (*Backend)(nil)

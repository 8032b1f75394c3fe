// Package native provides the hardware backend on top of gogpu/wgpu.
//
// Resources are real HAL textures, buffers and shader modules and clears
// are encoded as render passes. Draws run through the shared reference
// rasterizer against a host shadow of each texture, and the shadow is
// uploaded after the batch is submitted, so pixels match the software
// backend exactly. WGSL shaders are compiled with naga at creation time;
// DXBC bytecode is stored opaquely.
//
// Importing the package registers the backend. Init opens a Vulkan device
// when one is available and falls back to the noop HAL device otherwise.
package native

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/internal/raster"
	"github.com/gogpu/vgpu/protocol"
)

// fenceTimeout bounds how long a submitted batch may take before the
// device is considered lost.
const fenceTimeout = 5 * time.Second

func init() {
	backend.Register(backend.BackendNative, func() backend.Backend {
		return &Backend{}
	})
}

type texture struct {
	owner  *Backend
	tex    hal.Texture
	view   hal.TextureView
	shadow *raster.Surface
	dirty  bool
}

type buffer struct {
	owner *Backend
	buf   hal.Buffer
	data  []byte
}

type shader struct {
	owner  *Backend
	module hal.ShaderModule
	desc   backend.ShaderDesc
}

// Backend is the wgpu HAL backend.
//
// Thread Safety: all methods are safe for concurrent use. Work recorded
// between two Flush calls is submitted as one command buffer.
type Backend struct {
	mu       sync.Mutex
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance // owned; nil when the device is external
	external bool
	limits   gputypes.Limits
	adapter  string

	encoder  hal.CommandEncoder
	textures map[*texture]struct{}
	closed   bool
}

// New wraps an existing device and queue. The caller keeps ownership of
// both.
func New(device hal.Device, queue hal.Queue) *Backend {
	return &Backend{
		device:   device,
		queue:    queue,
		external: true,
		limits:   gputypes.DefaultLimits(),
		textures: make(map[*texture]struct{}),
	}
}

// NewFromProvider uses the device of a host application. The provider must
// expose its HAL objects through HalDevice() any and HalQueue() any.
func NewFromProvider(provider gpucontext.DeviceProvider) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("native: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("native: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("native: provider HalQueue is not hal.Queue")
	}
	b := New(device, queue)
	vgpu.Logger().Debug("native: using provider device", "surface_format", provider.SurfaceFormat())
	return b, nil
}

// Name returns "native".
func (b *Backend) Name() string { return backend.BackendNative }

// Init opens a device unless one was supplied.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.textures == nil {
		b.textures = make(map[*texture]struct{})
	}
	b.closed = false
	if b.device != nil {
		return nil
	}
	if err := b.open(); err != nil {
		return fmt.Errorf("%w: %w", backend.ErrBackendNotAvailable, err)
	}
	return nil
}

// open creates a standalone device: Vulkan when registered and usable,
// otherwise the noop device.
func (b *Backend) open() error {
	if hb, ok := hal.GetBackend(gputypes.BackendVulkan); ok {
		err := b.openWith(hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0}))
		if err == nil {
			return nil
		}
		vgpu.Logger().Warn("native: vulkan unavailable, using noop device", "error", err)
	}
	return b.openWith(noop.API{}.CreateInstance(nil))
}

func (b *Backend) openWith(instance hal.Instance, err error) error {
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("no GPU adapters found")
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("open device: %w", err)
	}
	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	b.limits = limits
	b.adapter = selected.Info.Name
	vgpu.Logger().Info("native: device opened", "adapter", b.adapter)
	return nil
}

// Close destroys every live texture and, for owned devices, the device.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.encoder != nil {
		b.encoder.DiscardEncoding()
		b.encoder = nil
	}
	for t := range b.textures {
		b.destroyTexture(t)
	}
	if !b.external && b.device != nil {
		b.device.Destroy()
		b.device, b.queue = nil, nil
	}
	if b.instance != nil {
		b.instance.Destroy()
		b.instance = nil
	}
}

// Adapter returns the name of the opened adapter, if the backend opened
// its own device.
func (b *Backend) Adapter() string { return b.adapter }

// Capabilities reports every stream format, all features and the device
// limits.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Formats: []gputypes.TextureFormat{
			gputypes.TextureFormatRGBA8Unorm,
			gputypes.TextureFormatBGRA8Unorm,
			gputypes.TextureFormatDepth24PlusStencil8,
			gputypes.TextureFormatDepth32Float,
		},
		Features: backend.FeatureIndexedDraw | backend.FeatureBlend | backend.FeatureDepthStencil |
			backend.FeatureScissor | backend.FeatureSharedSurfaces | backend.FeatureWGSLShaders,
		Limits: b.limits,
	}
}

func (b *Backend) ready() error {
	if b.closed || b.device == nil {
		return backend.ErrNotInitialized
	}
	return nil
}

// CreateTexture creates a HAL texture with a view and a host shadow.
func (b *Backend) CreateTexture(desc backend.TextureDesc) (backend.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	usage := gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc
	if !desc.Format.IsDepth() {
		usage |= gputypes.TextureUsageCopyDst
	}
	tex, err := b.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        backend.TextureFormat(desc.Format),
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create texture: %w", err)
	}
	view, err := b.device.CreateTextureView(tex, &hal.TextureViewDescriptor{Label: desc.Label})
	if err != nil {
		b.device.DestroyTexture(tex)
		return nil, fmt.Errorf("create texture view: %w", err)
	}
	t := &texture{
		owner:  b,
		tex:    tex,
		view:   view,
		shadow: raster.NewSurface(int(desc.Width), int(desc.Height), int(desc.RowPitch), desc.Format),
	}
	b.textures[t] = struct{}{}
	return t, nil
}

// CreateBuffer creates a HAL vertex/index buffer and its host shadow.
func (b *Backend) CreateBuffer(desc backend.BufferDesc) (backend.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	if desc.Size > b.limits.MaxBufferSize {
		return nil, fmt.Errorf("native: buffer size %d exceeds %d", desc.Size, b.limits.MaxBufferSize)
	}
	// HAL buffers must be non-empty and sized in multiples of four.
	size := (desc.Size + 3) &^ 3
	if size == 0 {
		size = 4
	}
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	return &buffer{owner: b, buf: buf, data: make([]byte, desc.Size)}, nil
}

// CreateShader compiles WGSL to SPIR-V and creates a shader module. DXBC
// bytecode is kept without a module.
func (b *Backend) CreateShader(desc backend.ShaderDesc) (backend.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return nil, err
	}
	desc.Code = append([]byte(nil), desc.Code...)
	s := &shader{owner: b, desc: desc}
	if desc.Language != protocol.LanguageWGSL {
		return s, nil
	}
	words, err := compileWGSL(string(desc.Code))
	if err != nil {
		return nil, err
	}
	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module: %w", err)
	}
	s.module = module
	return s, nil
}

// compileWGSL compiles WGSL source to little-endian SPIR-V words.
func compileWGSL(source string) ([]uint32, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	return words, nil
}

// Destroy releases the HAL objects behind obj.
func (b *Backend) Destroy(obj backend.Object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch o := obj.(type) {
	case *texture:
		if o.owner == b {
			b.destroyTexture(o)
		}
	case *buffer:
		if o.owner == b && o.buf != nil {
			b.device.DestroyBuffer(o.buf)
			o.buf, o.data = nil, nil
		}
	case *shader:
		if o.owner == b && o.module != nil {
			b.device.DestroyShaderModule(o.module)
			o.module = nil
		}
	}
}

func (b *Backend) destroyTexture(t *texture) {
	if t.tex == nil {
		return
	}
	b.device.DestroyTextureView(t.view)
	b.device.DestroyTexture(t.tex)
	t.tex, t.view, t.shadow = nil, nil, nil
	delete(b.textures, t)
}

func (b *Backend) texture(obj backend.Object) (*texture, error) {
	t, ok := obj.(*texture)
	if !ok || t.owner != b || t.tex == nil {
		return nil, fmt.Errorf("%w: %T", backend.ErrForeignObject, obj)
	}
	return t, nil
}

func (b *Backend) buffer(obj backend.Object) (*buffer, error) {
	buf, ok := obj.(*buffer)
	if !ok || buf.owner != b || buf.buf == nil {
		return nil, fmt.Errorf("%w: %T", backend.ErrForeignObject, obj)
	}
	return buf, nil
}

// WriteBuffer updates the shadow and queues a HAL write. Writes are
// widened to four-byte boundaries from the shadow.
func (b *Backend) WriteBuffer(obj backend.Object, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, err := b.buffer(obj)
	if err != nil {
		return err
	}
	copy(buf.data[offset:], data)
	b.syncBuffer(buf, offset, uint64(len(data)))
	return nil
}

func (b *Backend) syncBuffer(buf *buffer, offset, size uint64) {
	start := offset &^ 3
	end := min(offset+size, uint64(len(buf.data)))
	if end <= start {
		return
	}
	chunk := buf.data[start:end]
	if pad := len(chunk) % 4; pad != 0 {
		chunk = append(append([]byte(nil), chunk...), make([]byte, 4-pad)...)
	}
	b.queue.WriteBuffer(buf.buf, start, chunk)
}

// WriteTexture updates the shadow. The texture is uploaded on Flush.
func (b *Backend) WriteTexture(obj backend.Object, offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.texture(obj)
	if err != nil {
		return err
	}
	t.shadow.Write(offset, data)
	t.dirty = true
	return nil
}

// CopyBuffer copies between buffer shadows and records the HAL copy.
func (b *Backend) CopyBuffer(dst, src backend.Object, dstOffset, srcOffset, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.buffer(dst)
	if err != nil {
		return err
	}
	s, err := b.buffer(src)
	if err != nil {
		return err
	}
	copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
	b.syncBuffer(d, dstOffset, size)
	return nil
}

// begin returns the batch encoder, creating it on first use.
func (b *Backend) begin() (hal.CommandEncoder, error) {
	if b.encoder != nil {
		return b.encoder, nil
	}
	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "vgpu_batch"})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("vgpu_batch"); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	b.encoder = encoder
	return encoder, nil
}

// Clear records a clearing render pass and clears the shadows.
func (b *Backend) Clear(call *backend.ClearCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	colors := make([]*texture, len(call.Colors))
	for i, obj := range call.Colors {
		t, err := b.texture(obj)
		if err != nil {
			return err
		}
		colors[i] = t
	}
	var ds *texture
	if call.DepthStencil != nil {
		t, err := b.texture(call.DepthStencil)
		if err != nil {
			return err
		}
		ds = t
	}
	encoder, err := b.begin()
	if err != nil {
		return err
	}

	desc := &hal.RenderPassDescriptor{Label: "vgpu_clear"}
	clearColor := call.Flags&protocol.ClearColor != 0
	for _, t := range colors {
		att := hal.RenderPassColorAttachment{View: t.view, LoadOp: gputypes.LoadOpLoad, StoreOp: gputypes.StoreOpStore}
		if clearColor {
			px := raster.Unorm8x4(call.Color)
			att.LoadOp = gputypes.LoadOpClear
			att.ClearValue = gputypes.Color{R: float64(px[0]) / 255, G: float64(px[1]) / 255, B: float64(px[2]) / 255, A: float64(px[3]) / 255}
			t.shadow.ClearColor(call.Color)
		}
		desc.ColorAttachments = append(desc.ColorAttachments, att)
	}
	if ds != nil {
		att := &hal.RenderPassDepthStencilAttachment{
			View:           ds.view,
			DepthLoadOp:    gputypes.LoadOpLoad,
			DepthStoreOp:   gputypes.StoreOpStore,
			StencilLoadOp:  gputypes.LoadOpLoad,
			StencilStoreOp: gputypes.StoreOpStore,
		}
		if call.Flags&protocol.ClearDepth != 0 {
			att.DepthLoadOp = gputypes.LoadOpClear
			att.DepthClearValue = call.Depth
		}
		if call.Flags&protocol.ClearStencil != 0 && ds.shadow.Format == protocol.FormatD24UnormS8Uint {
			att.StencilLoadOp = gputypes.LoadOpClear
			att.StencilClearValue = call.Stencil
		}
		desc.DepthStencilAttachment = att
		ds.shadow.ClearDepthStencil(call.Flags, call.Depth, call.Stencil)
	}
	rp := encoder.BeginRenderPass(desc)
	rp.End()
	return nil
}

// Draw rasterizes into the shadows of the bound targets.
func (b *Backend) Draw(call *backend.DrawCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	targets := make([]*raster.Surface, len(call.Targets))
	touched := make([]*texture, 0, len(call.Targets)+1)
	for i, obj := range call.Targets {
		t, err := b.texture(obj)
		if err != nil {
			return err
		}
		targets[i] = t.shadow
		touched = append(touched, t)
	}
	var depth *raster.Surface
	if call.DepthStencil != nil {
		t, err := b.texture(call.DepthStencil)
		if err != nil {
			return err
		}
		depth = t.shadow
	}
	for _, obj := range []backend.Object{call.VS, call.PS} {
		if s, ok := obj.(*shader); ok && s.owner != b {
			return fmt.Errorf("%w: shader", backend.ErrForeignObject)
		}
	}
	if err := raster.Draw(targets, depth, call); err != nil {
		return err
	}
	for _, t := range touched {
		t.dirty = true
	}
	return nil
}

// Present marks the target for upload so scanout sees the latest shadow.
func (b *Backend) Present(target backend.Object, scanout uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.texture(target)
	if err != nil {
		return err
	}
	t.dirty = true
	vgpu.Logger().Debug("native present", "scanout", scanout)
	return nil
}

// ReadPixels returns the shadow contents of a color texture.
func (b *Backend) ReadPixels(target backend.Object) (*image.RGBA, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.texture(target)
	if err != nil {
		return nil, err
	}
	return t.shadow.RGBA(), nil
}

// Flush submits the recorded batch, uploads dirty shadows behind it and
// resolves the returned completion when the device signals the fence.
func (b *Backend) Flush() *backend.Completion {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ready(); err != nil {
		return backend.Completed(err)
	}

	encoder := b.encoder
	b.encoder = nil
	var (
		cmdBuf hal.CommandBuffer
		fence  hal.Fence
	)
	if encoder != nil {
		var err error
		cmdBuf, err = encoder.EndEncoding()
		if err != nil {
			return backend.Completed(fmt.Errorf("%w: end encoding: %w", backend.ErrDeviceLost, err))
		}
		fence, err = b.device.CreateFence()
		if err != nil {
			b.device.FreeCommandBuffer(cmdBuf)
			return backend.Completed(fmt.Errorf("%w: create fence: %w", backend.ErrDeviceLost, err))
		}
		if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
			b.device.FreeCommandBuffer(cmdBuf)
			b.device.DestroyFence(fence)
			return backend.Completed(fmt.Errorf("%w: submit: %w", backend.ErrDeviceLost, err))
		}
	}
	b.uploadDirty()
	if encoder == nil {
		return backend.Completed(nil)
	}

	c := backend.NewCompletion()
	device := b.device
	go func() {
		ok, err := device.Wait(fence, 1, fenceTimeout)
		b.mu.Lock()
		// Close destroys an owned device; its objects go with it.
		if b.device == device {
			device.FreeCommandBuffer(cmdBuf)
			device.DestroyFence(fence)
		}
		b.mu.Unlock()
		if err != nil || !ok {
			c.Resolve(fmt.Errorf("%w: wait for GPU: ok=%v err=%v", backend.ErrDeviceLost, ok, err))
			return
		}
		c.Resolve(nil)
	}()
	return c
}

// uploadDirty writes changed color shadows to their HAL textures. Depth
// textures are not copy destinations and stay host-side.
func (b *Backend) uploadDirty() {
	for t := range b.textures {
		if !t.dirty {
			continue
		}
		t.dirty = false
		s := t.shadow
		if s.Format.IsDepth() {
			continue
		}
		b.queue.WriteTexture(
			&hal.ImageCopyTexture{Texture: t.tex, MipLevel: 0},
			s.Pix,
			&hal.ImageDataLayout{Offset: 0, BytesPerRow: uint32(s.Stride), RowsPerImage: uint32(s.Height)},
			&hal.Extent3D{Width: uint32(s.Width), Height: uint32(s.Height), DepthOrArrayLayers: 1},
		)
	}
}

var _ backend.Backend = (*Backend)(nil)

package engine

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/backend/compat"
	"github.com/gogpu/vgpu/backend/software"
	"github.com/gogpu/vgpu/bridge"
	"github.com/gogpu/vgpu/internal/scenario"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/resource"
)

// recorder is a Backend that logs every call it receives.
type recorder struct {
	calls   []string
	next    int
	drawErr error
}

type recorded struct{ id int }

func (r *recorder) log(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) obj() backend.Object {
	r.next++
	return &recorded{id: r.next}
}

func (r *recorder) Name() string { return "recorder" }
func (r *recorder) Init() error  { return nil }
func (r *recorder) Close()       {}
func (r *recorder) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Formats: []gputypes.TextureFormat{
			gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm,
			gputypes.TextureFormatDepth24PlusStencil8, gputypes.TextureFormatDepth32Float,
		},
		Features: backend.FeatureIndexedDraw | backend.FeatureBlend | backend.FeatureDepthStencil |
			backend.FeatureScissor | backend.FeatureSharedSurfaces,
		Limits: gputypes.DefaultLimits(),
	}
}

func (r *recorder) CreateTexture(d backend.TextureDesc) (backend.Object, error) {
	r.log("create_texture %s %dx%d %v", d.Label, d.Width, d.Height, d.Format)
	return r.obj(), nil
}

func (r *recorder) CreateBuffer(d backend.BufferDesc) (backend.Object, error) {
	r.log("create_buffer %s %d", d.Label, d.Size)
	return r.obj(), nil
}

func (r *recorder) CreateShader(d backend.ShaderDesc) (backend.Object, error) {
	r.log("create_shader %s %v", d.Label, d.Stage)
	return r.obj(), nil
}

func (r *recorder) Destroy(obj backend.Object) {
	r.log("destroy %d", obj.(*recorded).id)
}

func (r *recorder) WriteBuffer(obj backend.Object, off uint64, data []byte) error {
	r.log("write_buffer %d %d %x", obj.(*recorded).id, off, data)
	return nil
}

func (r *recorder) WriteTexture(obj backend.Object, off uint64, data []byte) error {
	r.log("write_texture %d %d %x", obj.(*recorded).id, off, data)
	return nil
}

func (r *recorder) CopyBuffer(dst, src backend.Object, dstOff, srcOff, size uint64) error {
	r.log("copy_buffer %d %d %d %d %d", dst.(*recorded).id, src.(*recorded).id, dstOff, srcOff, size)
	return nil
}

func (r *recorder) Clear(c *backend.ClearCall) error {
	r.log("clear %d %v %v", len(c.Colors), c.Flags, c.Color)
	return nil
}

func (r *recorder) Draw(c *backend.DrawCall) error {
	if r.drawErr != nil {
		return r.drawErr
	}
	r.log("draw %d %d %v %v", c.VertexCount, c.InstanceCount, c.Indices, c.Topology)
	return nil
}

func (r *recorder) Present(obj backend.Object, scanout uint32) error {
	r.log("present %d %d", obj.(*recorded).id, scanout)
	return nil
}

func (r *recorder) ReadPixels(backend.Object) (*image.RGBA, error) {
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func (r *recorder) Flush() *backend.Completion { return backend.Completed(nil) }

func newSoftware(t *testing.T) *software.Backend {
	t.Helper()
	b := software.New()
	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func newContext(t *testing.T, b backend.Backend, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(b, opts...)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return c
}

func run(t *testing.T, c *Context, ops ...protocol.Op) Result {
	t.Helper()
	return c.Execute(scenario.Stream(ops...))
}

func mustRun(t *testing.T, c *Context, ops ...protocol.Op) {
	t.Helper()
	if res := run(t, c, ops...); res.Err != nil {
		t.Fatalf("Execute: %v", res.Err)
	}
}

func wantKind(t *testing.T, err error, kind vgpu.Kind) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want kind %v", err, kind)
	}
}

func TestGreenFrame(t *testing.T) {
	c := newContext(t, newSoftware(t))
	res := run(t, c, scenario.Green(64, 64)...)
	if res.Err != nil {
		t.Fatalf("Execute: %v", res.Err)
	}
	if res.Presents != 1 || c.Presents() != 1 {
		t.Fatalf("presents = %d/%d, want 1", res.Presents, c.Presents())
	}
	img, err := c.Screenshot()
	if err != nil || img == nil {
		t.Fatalf("Screenshot = %v, %v", img, err)
	}
	if img.Bounds() != image.Rect(0, 0, 64, 64) {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	green := color.RGBA{0, 255, 0, 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if got := img.RGBAAt(x, y); got != green {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, green)
			}
		}
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %v, want idle", c.Status())
	}
}

func TestScreenshotBeforePresent(t *testing.T) {
	c := newContext(t, newSoftware(t))
	img, err := c.Screenshot()
	if img != nil || err != nil {
		t.Fatalf("Screenshot = %v, %v; want nil, nil", img, err)
	}
}

func TestScreenshotIsTakenAtPresent(t *testing.T) {
	c := newContext(t, newSoftware(t))
	mustRun(t, c, scenario.Green(4, 4)...)
	mustRun(t, c, &protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{1, 0, 0, 1}})
	img, err := c.Screenshot()
	if err != nil || img == nil {
		t.Fatalf("Screenshot = %v, %v", img, err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{0, 255, 0, 255}) {
		t.Fatalf("pixel = %v, want green", got)
	}

	mustRun(t, c, &protocol.Present{})
	if img, _ = c.Screenshot(); img.RGBAAt(0, 0) != (color.RGBA{255, 0, 0, 255}) {
		t.Fatalf("pixel after second present = %v, want red", img.RGBAAt(0, 0))
	}
	// Destroying an unrelated resource keeps the frame.
	mustRun(t, c, &protocol.DestroyResource{Handle: scenario.VertexBuffer})
	if img, _ = c.Screenshot(); img == nil {
		t.Fatal("frame dropped by an unrelated destroy")
	}
}

func TestUnknownHandleDraw(t *testing.T) {
	sw := newSoftware(t)
	c := newContext(t, sw)
	stream := scenario.Stream(
		&protocol.SetRenderTargets{Colors: []protocol.Handle{99}},
		&protocol.Draw{VertexCount: 3, InstanceCount: 1},
	)
	res := c.Execute(stream)
	wantKind(t, res.Err, vgpu.KindUnknownHandle)
	var e *vgpu.Error
	if !errors.As(res.Err, &e) {
		t.Fatalf("error %T is not *vgpu.Error", res.Err)
	}
	if e.Op != "set_render_targets" || e.Offset != protocol.HeaderSize {
		t.Errorf("op/offset = %q/%d, want set_render_targets/%d", e.Op, e.Offset, protocol.HeaderSize)
	}
	if res.Ops != 0 || c.Status() != StatusFaulted {
		t.Errorf("ops = %d status = %v", res.Ops, c.Status())
	}
	if sw.Live() != 0 {
		t.Errorf("live objects = %d, want 0", sw.Live())
	}
}

func TestOutOfRangeUploadKeepsContents(t *testing.T) {
	c := newContext(t, newSoftware(t))
	mustRun(t, c,
		&protocol.CreateBuffer{Handle: 1, Usage: protocol.UsageVertexBuffer, Size: 16},
		&protocol.UploadResource{Handle: 1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
	)
	res := run(t, c, &protocol.UploadResource{Handle: 1, Offset: 12, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22}})
	wantKind(t, res.Err, vgpu.KindOutOfRange)

	e, err := c.Table().Get(1, resource.KindBuffer)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}; !slices.Equal(e.Data, want) {
		t.Fatalf("buffer = %v, want %v", e.Data, want)
	}
}

func TestFaultKeepsCommittedPrefix(t *testing.T) {
	c := newContext(t, newSoftware(t))
	res := run(t, c,
		&protocol.CreateBuffer{Handle: 1, Usage: protocol.UsageVertexBuffer, Size: 64},
		&protocol.SetPrimitiveTopology{Topology: protocol.TopologyLineList},
		&protocol.CreateBuffer{Handle: 1, Usage: protocol.UsageVertexBuffer, Size: 64},
		&protocol.CreateBuffer{Handle: 2, Usage: protocol.UsageVertexBuffer, Size: 64},
	)
	wantKind(t, res.Err, vgpu.KindHandleAlreadyLive)
	if res.Ops != 2 {
		t.Errorf("ops = %d, want 2", res.Ops)
	}
	if _, err := c.Table().Get(1, resource.KindBuffer); err != nil {
		t.Errorf("handle 1 rolled back: %v", err)
	}
	if _, err := c.Table().Lookup(2); err == nil {
		t.Error("handle 2 created after the fault")
	}
	if c.State().Topology != protocol.TopologyLineList {
		t.Errorf("topology = %v, want line list", c.State().Topology)
	}

	// The next stream runs normally.
	mustRun(t, c, &protocol.CreateBuffer{Handle: 2, Usage: protocol.UsageVertexBuffer, Size: 4})
	if c.Status() != StatusIdle {
		t.Errorf("status = %v, want idle", c.Status())
	}
}

func TestPipelineNotReady(t *testing.T) {
	full := scenario.Setup(8, 8, protocol.FormatR8G8B8A8Unorm)
	draw := &protocol.Draw{VertexCount: 3, InstanceCount: 1}
	tests := []struct {
		name   string
		extra  []protocol.Op
		kind   vgpu.Kind
		expect bool
	}{
		{"complete", nil, vgpu.KindNone, true},
		{"no render target", []protocol.Op{&protocol.SetRenderTargets{}}, vgpu.KindPipelineNotReady, false},
		{"no pixel shader", []protocol.Op{&protocol.BindShaders{VS: scenario.VertexShader}}, vgpu.KindPipelineNotReady, false},
		{"no input layout", []protocol.Op{&protocol.SetInputLayout{}}, vgpu.KindPipelineNotReady, false},
		{"no vertex buffer", []protocol.Op{&protocol.SetVertexBuffers{Bindings: []protocol.VertexBufferBinding{{}}}}, vgpu.KindPipelineNotReady, false},
		{"too many vertices", []protocol.Op{&protocol.Draw{VertexCount: 4, InstanceCount: 1}}, vgpu.KindOutOfRange, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, newSoftware(t))
			mustRun(t, c, full...)
			ops := append(append([]protocol.Op(nil), tt.extra...), draw)
			res := run(t, c, ops...)
			if tt.expect {
				if res.Err != nil {
					t.Fatalf("Execute: %v", res.Err)
				}
				return
			}
			wantKind(t, res.Err, tt.kind)
		})
	}
}

func TestClearWithoutTargets(t *testing.T) {
	c := newContext(t, newSoftware(t))
	wantKind(t, run(t, c, &protocol.Clear{Flags: protocol.ClearColor}).Err, vgpu.KindPipelineNotReady)
	wantKind(t, run(t, c, &protocol.Clear{Flags: protocol.ClearDepth}).Err, vgpu.KindPipelineNotReady)
	wantKind(t, run(t, c, &protocol.Present{}).Err, vgpu.KindPipelineNotReady)
}

func TestDestroyUnbinds(t *testing.T) {
	sw := newSoftware(t)
	c := newContext(t, sw)
	mustRun(t, c, scenario.Green(4, 4)...)
	mustRun(t, c,
		&protocol.DestroyResource{Handle: scenario.RenderTarget},
		&protocol.DestroyResource{Handle: scenario.VertexBuffer},
		&protocol.DestroyShader{Handle: scenario.PixelShader},
		&protocol.DestroyInputLayout{Handle: scenario.InputLayout},
	)
	s := c.State()
	if len(s.RenderTargets()) != 0 || s.PS != 0 || s.InputLayout != 0 || s.VertexBuffers[0].Buffer != 0 {
		t.Fatalf("destroyed handles still bound: rts=%v ps=%d layout=%d vb=%d",
			s.RenderTargets(), s.PS, s.InputLayout, s.VertexBuffers[0].Buffer)
	}
	if s.VS != scenario.VertexShader {
		t.Errorf("VS = %d, want %d", s.VS, scenario.VertexShader)
	}
	if sw.Live() != 1 {
		t.Errorf("live objects = %d, want 1 (vertex shader)", sw.Live())
	}

	// Destroying the presented texture clears scanout.
	if img, err := c.Screenshot(); img != nil || err != nil {
		t.Fatalf("Screenshot = %v, %v; want nil, nil", img, err)
	}

	wantKind(t, run(t, c, &protocol.Draw{VertexCount: 3, InstanceCount: 1}).Err, vgpu.KindPipelineNotReady)
	wantKind(t, run(t, c, &protocol.DestroyResource{Handle: scenario.RenderTarget}).Err, vgpu.KindUnknownHandle)
	wantKind(t, run(t, c, &protocol.DestroyResource{Handle: scenario.VertexShader}).Err, vgpu.KindMismatch)
	wantKind(t, run(t, c, &protocol.DestroyShader{Handle: 77}).Err, vgpu.KindUnknownHandle)
}

func TestDestroyedTargetKeepsSlots(t *testing.T) {
	c := newContext(t, newSoftware(t))
	const second protocol.Handle = 40
	mustRun(t, c, scenario.Setup(4, 4, protocol.FormatR8G8B8A8Unorm)...)
	mustRun(t, c,
		&protocol.CreateTexture2D{Handle: second, Usage: protocol.UsageRenderTarget | protocol.UsageScanout, Format: protocol.FormatR8G8B8A8Unorm, Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1},
		&protocol.SetRenderTargets{Colors: []protocol.Handle{scenario.RenderTarget, second}},
		&protocol.DestroyResource{Handle: scenario.RenderTarget},
	)
	if got := c.State().RenderTargets(); !slices.Equal(got, []protocol.Handle{0, second}) {
		t.Fatalf("RenderTargets() = %v, want [0 %d]", got, second)
	}
	mustRun(t, c,
		&protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{0, 0, 1, 1}},
		&protocol.Draw{VertexCount: 3, InstanceCount: 1},
	)
	wantKind(t, run(t, c, &protocol.Present{}).Err, vgpu.KindPipelineNotReady)
}

func TestHandleReuseAfterDestroy(t *testing.T) {
	c := newContext(t, newSoftware(t))
	mustRun(t, c,
		&protocol.CreateBuffer{Handle: 5, Usage: protocol.UsageVertexBuffer, Size: 8},
		&protocol.DestroyResource{Handle: 5},
		&protocol.CreateShader{Handle: 5, Stage: protocol.StagePixel, Code: []byte("DXBC")},
	)
	if _, err := c.Table().Get(5, resource.KindShader); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestCopyBuffer(t *testing.T) {
	c := newContext(t, newSoftware(t))
	mustRun(t, c,
		&protocol.CreateBuffer{Handle: 1, Usage: protocol.UsageVertexBuffer, Size: 8},
		&protocol.CreateBuffer{Handle: 2, Usage: protocol.UsageVertexBuffer, Size: 8},
		&protocol.UploadResource{Handle: 1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&protocol.CopyBuffer{Dst: 2, Src: 1, DstOffset: 4, SrcOffset: 0, Size: 4},
	)
	e, _ := c.Table().Get(2, resource.KindBuffer)
	if want := []byte{0, 0, 0, 0, 1, 2, 3, 4}; !slices.Equal(e.Data, want) {
		t.Fatalf("dst = %v, want %v", e.Data, want)
	}
	wantKind(t, run(t, c, &protocol.CopyBuffer{Dst: 2, Src: 1, DstOffset: 6, Size: 4}).Err, vgpu.KindOutOfRange)
}

func TestDrawIndexed(t *testing.T) {
	c := newContext(t, newSoftware(t))
	quad := scenario.Floats(
		-1, -1, 1, 0, 0, 1,
		1, -1, 1, 0, 0, 1,
		1, 1, 1, 0, 0, 1,
		-1, 1, 1, 0, 0, 1,
	)
	indices := []byte{0, 0, 1, 0, 2, 0, 0, 0, 2, 0, 3, 0}
	ops := append(scenario.Setup(8, 8, protocol.FormatR8G8B8A8Unorm),
		&protocol.CreateBuffer{Handle: 10, Usage: protocol.UsageVertexBuffer, Size: uint64(len(quad))},
		&protocol.UploadResource{Handle: 10, Data: quad},
		&protocol.SetVertexBuffers{Bindings: []protocol.VertexBufferBinding{{Buffer: 10, Stride: 24}}},
		&protocol.CreateBuffer{Handle: 11, Usage: protocol.UsageIndexBuffer, Size: uint64(len(indices))},
		&protocol.UploadResource{Handle: 11, Data: indices},
	)
	mustRun(t, c, ops...)
	wantKind(t, run(t, c, &protocol.DrawIndexed{IndexCount: 6, InstanceCount: 1}).Err, vgpu.KindPipelineNotReady)

	mustRun(t, c,
		&protocol.SetIndexBuffer{Buffer: 11, Format: protocol.IndexUint16},
		&protocol.DrawIndexed{IndexCount: 6, InstanceCount: 1},
		&protocol.Present{},
	)
	img, err := c.Screenshot()
	if err != nil {
		t.Fatal(err)
	}
	red := color.RGBA{255, 0, 0, 255}
	for _, p := range []image.Point{{0, 0}, {7, 0}, {0, 7}, {7, 7}, {4, 4}} {
		if got := img.RGBAAt(p.X, p.Y); got != red {
			t.Errorf("pixel %v = %v, want red", p, got)
		}
	}

	wantKind(t, run(t, c, &protocol.DrawIndexed{IndexCount: 7, InstanceCount: 1}).Err, vgpu.KindOutOfRange)
	wantKind(t, run(t, c, &protocol.DrawIndexed{IndexCount: 3, InstanceCount: 1, BaseVertex: 2}).Err, vgpu.KindOutOfRange)
	wantKind(t, run(t, c, &protocol.DrawIndexed{IndexCount: 3, InstanceCount: 1, BaseVertex: -1}).Err, vgpu.KindOutOfRange)
}

func TestDrawLimits(t *testing.T) {
	// A zero stride lets any vertex count pass the buffer range check.
	stride0 := &protocol.SetVertexBuffers{Bindings: []protocol.VertexBufferBinding{{Buffer: scenario.VertexBuffer}}}
	tests := []struct {
		name string
		op   protocol.Op
	}{
		{"vertices", &protocol.Draw{VertexCount: 0xFFFFFFFF, InstanceCount: 1}},
		{"one vertex too many", &protocol.Draw{VertexCount: protocol.MaxDrawVertices + 1, InstanceCount: 1}},
		{"instances", &protocol.Draw{VertexCount: 3, InstanceCount: protocol.MaxDrawInstances + 1}},
		{"indices", &protocol.DrawIndexed{IndexCount: protocol.MaxDrawVertices + 1, InstanceCount: 1}},
		{"indexed instances", &protocol.DrawIndexed{IndexCount: 3, InstanceCount: 0xFFFFFFFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			c := newContext(t, rec)
			mustRun(t, c, scenario.Setup(4, 4, protocol.FormatR8G8B8A8Unorm)...)
			mustRun(t, c, stride0)
			rec.calls = nil
			wantKind(t, run(t, c, tt.op).Err, vgpu.KindInvalidField)
			if len(rec.calls) != 0 {
				t.Errorf("backend called: %v", rec.calls)
			}
		})
	}

	rec := &recorder{}
	c := newContext(t, rec)
	mustRun(t, c, scenario.Setup(4, 4, protocol.FormatR8G8B8A8Unorm)...)
	mustRun(t, c, stride0, &protocol.Draw{VertexCount: protocol.MaxDrawVertices, InstanceCount: protocol.MaxDrawInstances})
	if got := rec.calls[len(rec.calls)-1]; got != fmt.Sprintf("draw %d %d [] %v", protocol.MaxDrawVertices, protocol.MaxDrawInstances, protocol.TopologyTriangleList) {
		t.Errorf("last call = %q", got)
	}
}

func TestExecutionDeterministic(t *testing.T) {
	ops := append(scenario.Gradient(16, 16, protocol.FormatR8G8B8A8Unorm),
		&protocol.CreateBuffer{Handle: 20, Usage: protocol.UsageIndexBuffer, Size: 8},
		&protocol.UploadResource{Handle: 20, Data: []byte{2, 0, 1, 0, 0, 0, 0, 0}},
		&protocol.SetIndexBuffer{Buffer: 20, Format: protocol.IndexUint16},
		&protocol.DrawIndexed{IndexCount: 3, InstanceCount: 1},
		&protocol.CopyBuffer{Dst: 20, Src: scenario.VertexBuffer, Size: 8},
		&protocol.DestroyResource{Handle: 20},
	)
	stream := scenario.Stream(ops...)

	var logs [2][]string
	for i := range logs {
		rec := &recorder{}
		c := newContext(t, rec)
		if res := c.Execute(stream); res.Err != nil {
			t.Fatalf("run %d: %v", i, res.Err)
		}
		c.Destroy()
		logs[i] = rec.calls
	}
	if !slices.Equal(logs[0], logs[1]) {
		t.Fatalf("call logs differ:\n%v\n%v", logs[0], logs[1])
	}
	if len(logs[0]) == 0 {
		t.Fatal("no backend calls recorded")
	}
}

func TestUnsupportedCapability(t *testing.T) {
	cb := compat.New()
	if err := cb.Init(); err != nil {
		t.Fatal(err)
	}
	defer cb.Close()

	_, err := NewContext(cb, WithRequirements(backend.Requirements{
		Formats: []protocol.Format{protocol.FormatR8G8B8A8Unorm, protocol.FormatD32Float},
	}))
	wantKind(t, err, vgpu.KindUnsupportedCapability)

	_, err = NewContext(cb, WithRequirements(backend.Requirements{Features: backend.FeatureDepthStencil}))
	wantKind(t, err, vgpu.KindUnsupportedCapability)

	c := newContext(t, cb)
	tests := []struct {
		name string
		op   protocol.Op
	}{
		{"depth texture", &protocol.CreateTexture2D{Handle: 1, Usage: protocol.UsageDepthStencil, Format: protocol.FormatD32Float, Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1}},
		{"depth enable", &protocol.SetRenderState{State: protocol.RenderStateDepthEnable, Value: 1}},
		{"wgsl", &protocol.CreateShader{Handle: 2, Stage: protocol.StageVertex, Language: protocol.LanguageWGSL, Code: []byte("fn main() {}")}},
		{"shared surface", &protocol.ReleaseSharedSurface{Token: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantKind(t, run(t, c, tt.op).Err, vgpu.KindUnsupportedCapability)
		})
	}
	// Disabling a state is always allowed.
	mustRun(t, c, &protocol.SetRenderState{State: protocol.RenderStateDepthEnable, Value: 0})
}

func TestTextureLimits(t *testing.T) {
	cb := compat.New()
	if err := cb.Init(); err != nil {
		t.Fatal(err)
	}
	defer cb.Close()
	c := newContext(t, cb)
	res := run(t, c, &protocol.CreateTexture2D{Handle: 1, Usage: protocol.UsageTexture, Format: protocol.FormatR8G8B8A8Unorm, Width: 8193, Height: 1, MipLevels: 1, ArrayLayers: 1})
	wantKind(t, res.Err, vgpu.KindInvalidField)
	res = run(t, c, &protocol.CreateBuffer{Handle: 2, Usage: protocol.UsageVertexBuffer, Size: compat.MaxBufferSize + 1})
	wantKind(t, res.Err, vgpu.KindInvalidField)
}

func TestDeviceLost(t *testing.T) {
	rec := &recorder{}
	c := newContext(t, rec)
	mustRun(t, c, scenario.Setup(4, 4, protocol.FormatR8G8B8A8Unorm)...)

	rec.drawErr = fmt.Errorf("submit: %w", backend.ErrDeviceLost)
	res := run(t, c, &protocol.Draw{VertexCount: 3, InstanceCount: 1})
	if !errors.Is(res.Err, backend.ErrDeviceLost) {
		t.Fatalf("error = %v, want device lost", res.Err)
	}
	if c.Lost() == nil {
		t.Fatal("context not lost")
	}
	if c.Table().Len() != 0 {
		t.Errorf("table holds %d entries after loss", c.Table().Len())
	}
	wantKind(t, run(t, c, &protocol.Nop{}).Err, vgpu.KindContextLost)
	if c.Status() != StatusLost {
		t.Errorf("status = %v, want lost", c.Status())
	}
}

func TestBackendFailureIsNotLoss(t *testing.T) {
	rec := &recorder{}
	c := newContext(t, rec)
	mustRun(t, c, scenario.Setup(4, 4, protocol.FormatR8G8B8A8Unorm)...)
	rec.drawErr = errors.New("out of memory")
	wantKind(t, run(t, c, &protocol.Draw{VertexCount: 3, InstanceCount: 1}).Err, vgpu.KindBackendFailure)
	if c.Lost() != nil || c.Status() != StatusFaulted {
		t.Fatalf("lost = %v status = %v after a plain backend failure", c.Lost(), c.Status())
	}
	rec.drawErr = nil
	mustRun(t, c, &protocol.Draw{VertexCount: 3, InstanceCount: 1})
}

func TestSharedSurface(t *testing.T) {
	sw := newSoftware(t)
	br := bridge.NewTable()
	a := newContext(t, sw, WithBridge(br), WithID(1))
	b := newContext(t, sw, WithBridge(br), WithID(2))

	mustRun(t, a,
		&protocol.CreateTexture2D{Handle: 1, Usage: protocol.UsageRenderTarget, Format: protocol.FormatR8G8B8A8Unorm, Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1},
		&protocol.SetRenderTargets{Colors: []protocol.Handle{1}},
		&protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{1, 0, 0, 1}},
		&protocol.ExportSharedSurface{Handle: 1, Token: 0xCAFE},
	)
	wantKind(t, run(t, a, &protocol.ExportSharedSurface{Handle: 1, Token: 0xCAFE}).Err, vgpu.KindHandleAlreadyLive)
	wantKind(t, run(t, b, &protocol.ImportSharedSurface{Handle: 9, Token: 0xBEEF}).Err, vgpu.KindUnknownHandle)

	mustRun(t, b,
		&protocol.ImportSharedSurface{Handle: 9, Token: 0xCAFE},
		&protocol.ReleaseSharedSurface{Token: 0xCAFE},
	)
	// The exporter's handle goes away; the importer keeps the surface.
	mustRun(t, a, &protocol.DestroyResource{Handle: 1})
	if sw.Live() != 1 {
		t.Fatalf("live objects = %d, want 1", sw.Live())
	}
	mustRun(t, b,
		&protocol.SetRenderTargets{Colors: []protocol.Handle{9}},
		&protocol.Present{},
	)
	img, err := b.Screenshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(2, 2); got != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("imported pixel = %v, want red", got)
	}

	b.Destroy()
	if sw.Live() != 0 {
		t.Errorf("live objects = %d after last reference, want 0", sw.Live())
	}
}

func TestExtensionOpsSkipped(t *testing.T) {
	c := newContext(t, newSoftware(t))
	res := run(t, c,
		&protocol.Unknown{Code: protocol.ExtensionFirst + 7, Payload: []byte{1, 2, 3, 4}},
		&protocol.DebugMarker{Text: "frame 1"},
		&protocol.Nop{},
		&protocol.Flush{},
	)
	if res.Err != nil || res.Ops != 4 {
		t.Fatalf("result = %+v", res)
	}
}

func TestDecodeFaultOffset(t *testing.T) {
	c := newContext(t, newSoftware(t))
	stream := scenario.Stream(&protocol.Nop{}, &protocol.Nop{})
	stream[protocol.HeaderSize+8] = 0xFF
	stream[protocol.HeaderSize+9] = 0x0F
	res := c.Execute(stream)
	wantKind(t, res.Err, vgpu.KindUnknownOp)
	var e *vgpu.Error
	if !errors.As(res.Err, &e) || e.Offset != protocol.HeaderSize+8 {
		t.Fatalf("error = %v, want offset %d", res.Err, protocol.HeaderSize+8)
	}
	if res.Ops != 1 {
		t.Errorf("ops = %d, want 1", res.Ops)
	}

	wantKind(t, c.Execute([]byte{1, 2, 3}).Err, vgpu.KindTruncatedStream)
}

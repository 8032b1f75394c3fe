package software

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/protocol"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b := New()
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestRegistered(t *testing.T) {
	if !backend.IsRegistered(backend.BackendSoftware) {
		t.Fatal("software backend not registered")
	}
	b := backend.Get(backend.BackendSoftware)
	if b == nil || b.Name() != "software" {
		t.Fatalf("Get(software) = %v", b)
	}
}

func TestNotInitialized(t *testing.T) {
	b := New()
	if _, err := b.CreateTexture(backend.TextureDesc{Width: 1, Height: 1, Format: protocol.FormatR8G8B8A8Unorm}); !errors.Is(err, backend.ErrNotInitialized) {
		t.Errorf("CreateTexture() before Init error = %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	caps := newBackend(t).Capabilities()
	for _, f := range []protocol.Format{
		protocol.FormatB8G8R8A8Unorm, protocol.FormatB8G8R8X8Unorm,
		protocol.FormatR8G8B8A8Unorm, protocol.FormatR8G8B8X8Unorm,
		protocol.FormatD24UnormS8Uint, protocol.FormatD32Float,
	} {
		if !caps.SupportsFormat(f) {
			t.Errorf("format %v not supported", f)
		}
	}
	if caps.Has(backend.FeatureWGSLShaders) {
		t.Error("software backend must not advertise WGSL")
	}
	if caps.MaxTextureDimension() != protocol.MaxTextureDimension {
		t.Errorf("MaxTextureDimension() = %d", caps.MaxTextureDimension())
	}
}

func TestClearAndReadPixels(t *testing.T) {
	b := newBackend(t)
	tex, err := b.CreateTexture(backend.TextureDesc{Width: 4, Height: 2, Format: protocol.FormatB8G8R8X8Unorm})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Clear(&backend.ClearCall{Colors: []backend.Object{tex}, Flags: protocol.ClearColor, Color: [4]float32{1, 0, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	img, err := b.ReadPixels(tex)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 2 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 255 || img.Pix[i+1] != 0 || img.Pix[i+2] != 0 || img.Pix[i+3] != 255 {
			t.Fatalf("pixel %d = %v, want opaque red", i/4, img.Pix[i:i+4])
		}
	}
}

func TestDrawTriangle(t *testing.T) {
	b := newBackend(t)
	rt, _ := b.CreateTexture(backend.TextureDesc{Width: 16, Height: 16, Format: protocol.FormatR8G8B8A8Unorm})
	vb, _ := b.CreateBuffer(backend.BufferDesc{Size: 24})
	var data []byte
	for _, v := range []float32{-1, -1, 3, -1, -1, 3} {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	if err := b.WriteBuffer(vb, 0, data); err != nil {
		t.Fatal(err)
	}
	call := &backend.DrawCall{
		Targets:       []backend.Object{rt},
		Topology:      protocol.TopologyTriangleList,
		Layout:        []protocol.InputElement{{Semantic: protocol.SemanticPosition, Format: protocol.VertexFloat32x2}},
		VertexCount:   3,
		InstanceCount: 1,
		PSConstants:   [][4]float32{{0, 1, 0, 1}},
	}
	call.Streams[0] = backend.VertexStream{Object: vb, Data: data, Stride: 8}
	if err := b.Draw(call); err != nil {
		t.Fatal(err)
	}
	img, _ := b.ReadPixels(rt)
	if got := img.RGBAAt(15, 15); got.G != 255 || got.R != 0 || got.A != 255 {
		t.Errorf("corner pixel = %v", got)
	}
}

func TestCopyBufferOverlap(t *testing.T) {
	b := newBackend(t)
	buf, _ := b.CreateBuffer(backend.BufferDesc{Size: 8})
	_ = b.WriteBuffer(buf, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err := b.CopyBuffer(buf, buf, 2, 0, 4); err != nil {
		t.Fatal(err)
	}
	got := buf.(*buffer).data
	want := []byte{1, 2, 1, 2, 3, 4, 7, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buffer = %v, want %v", got, want)
		}
	}
}

func TestForeignObject(t *testing.T) {
	a, b := newBackend(t), newBackend(t)
	tex, _ := a.CreateTexture(backend.TextureDesc{Width: 1, Height: 1, Format: protocol.FormatR8G8B8A8Unorm})
	if _, err := b.ReadPixels(tex); !errors.Is(err, backend.ErrForeignObject) {
		t.Errorf("ReadPixels(foreign) error = %v", err)
	}
	if err := b.WriteBuffer("not an object", 0, nil); !errors.Is(err, backend.ErrForeignObject) {
		t.Errorf("WriteBuffer(string) error = %v", err)
	}
	b.Destroy(tex) // no-op
	if a.Live() != 1 {
		t.Errorf("Live() = %d after foreign destroy, want 1", a.Live())
	}
	a.Destroy(tex)
	if a.Live() != 0 {
		t.Errorf("Live() = %d, want 0", a.Live())
	}
	if _, err := a.ReadPixels(tex); !errors.Is(err, backend.ErrForeignObject) {
		t.Errorf("ReadPixels(destroyed) error = %v", err)
	}
}

func TestFlushAndPresent(t *testing.T) {
	b := newBackend(t)
	tex, _ := b.CreateTexture(backend.TextureDesc{Width: 1, Height: 1, Format: protocol.FormatR8G8B8A8Unorm})
	if err := b.Present(tex, 0); err != nil {
		t.Fatal(err)
	}
	if b.Presents() != 1 {
		t.Errorf("Presents() = %d", b.Presents())
	}
	c := b.Flush()
	if !c.Ready() || c.Err() != nil {
		t.Errorf("Flush() ready=%v err=%v", c.Ready(), c.Err())
	}
}

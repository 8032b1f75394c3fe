package compat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/backend/software"
	"github.com/gogpu/vgpu/protocol"
)

func open(t *testing.T, b backend.Backend) backend.Backend {
	t.Helper()
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestCapabilitiesRejectDepth(t *testing.T) {
	caps := open(t, New()).Capabilities()
	req := backend.Requirements{Formats: []protocol.Format{protocol.FormatR8G8B8A8Unorm, protocol.FormatD32Float}}
	err := caps.Check(req)
	if !errors.Is(err, vgpu.KindUnsupportedCapability) {
		t.Fatalf("Check() error = %v, want unsupported_capability", err)
	}
	if err := caps.Check(backend.DefaultRequirements()); err != nil {
		t.Errorf("Check(default) error = %v", err)
	}
	if caps.Check(backend.Requirements{Features: backend.FeatureWGSLShaders}) == nil {
		t.Error("WGSL requirement accepted")
	}
	if caps.Check(backend.Requirements{MinTextureDimension: 16384}) == nil {
		t.Error("16384 texture requirement accepted")
	}
}

func TestCreateRejects(t *testing.T) {
	b := open(t, New())
	if _, err := b.CreateTexture(backend.TextureDesc{Width: 1, Height: 1, Format: protocol.FormatD24UnormS8Uint}); err == nil {
		t.Error("depth texture accepted")
	}
	if _, err := b.CreateShader(backend.ShaderDesc{Language: protocol.LanguageWGSL}); err == nil {
		t.Error("WGSL shader accepted")
	}
	if _, err := New().CreateBuffer(backend.BufferDesc{Size: 4}); !errors.Is(err, backend.ErrNotInitialized) {
		t.Errorf("CreateBuffer() before Init error = %v", err)
	}
}

func TestWriteTextureSwizzleAndPitch(t *testing.T) {
	b := open(t, New())
	tex, err := b.CreateTexture(backend.TextureDesc{Width: 2, Height: 2, RowPitch: 12, Format: protocol.FormatB8G8R8A8Unorm})
	if err != nil {
		t.Fatal(err)
	}
	raw := []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 0xEE, 0xEE, 0xEE, 0xEE,
		9, 10, 11, 12, 13, 14, 15, 16,
	}
	if err := b.WriteTexture(tex, 0, raw); err != nil {
		t.Fatal(err)
	}
	img, _ := b.ReadPixels(tex)
	want := []byte{3, 2, 1, 4, 7, 6, 5, 8, 11, 10, 9, 12, 15, 14, 13, 16}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("pixels = %v, want %v", img.Pix, want)
	}

	// Partial write into the second row.
	if err := b.WriteTexture(tex, 16, []byte{99}); err != nil {
		t.Fatal(err)
	}
	img, _ = b.ReadPixels(tex)
	if img.Pix[14] != 99 {
		t.Errorf("partial write landed at wrong channel: %v", img.Pix[12:16])
	}
}

func TestX8AlphaOpaque(t *testing.T) {
	b := open(t, New())
	tex, _ := b.CreateTexture(backend.TextureDesc{Width: 1, Height: 1, Format: protocol.FormatR8G8B8X8Unorm})
	_ = b.WriteTexture(tex, 0, []byte{10, 20, 30, 0})
	img, _ := b.ReadPixels(tex)
	if !bytes.Equal(img.Pix, []byte{10, 20, 30, 255}) {
		t.Errorf("pixels = %v", img.Pix)
	}
	_ = b.Clear(&backend.ClearCall{Colors: []backend.Object{tex}, Flags: protocol.ClearColor, Color: [4]float32{0, 0, 1, 0}})
	img, _ = b.ReadPixels(tex)
	if !bytes.Equal(img.Pix, []byte{0, 0, 255, 255}) {
		t.Errorf("cleared pixels = %v", img.Pix)
	}
}

func floats(vs ...float32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// render runs the same clear and draw on any backend and reads back.
func render(t *testing.T, b backend.Backend, format protocol.Format) []byte {
	t.Helper()
	rt, err := b.CreateTexture(backend.TextureDesc{Width: 32, Height: 24, Format: format})
	if err != nil {
		t.Fatal(err)
	}
	vb, _ := b.CreateBuffer(backend.BufferDesc{Size: 72})
	data := floats(
		-0.8, -0.9, 1, 0, 0, 0.7,
		0.9, -0.3, 0, 1, 0, 0.7,
		-0.2, 0.85, 0, 0, 1, 0.7,
	)
	_ = b.WriteBuffer(vb, 0, data)
	if err := b.Clear(&backend.ClearCall{Colors: []backend.Object{rt}, Flags: protocol.ClearColor, Color: [4]float32{0.1, 0.2, 0.3, 1}}); err != nil {
		t.Fatal(err)
	}
	call := &backend.DrawCall{
		Targets:  []backend.Object{rt},
		Topology: protocol.TopologyTriangleList,
		Layout: []protocol.InputElement{
			{Semantic: protocol.SemanticPosition, Format: protocol.VertexFloat32x2},
			{Semantic: protocol.SemanticColor, Format: protocol.VertexFloat32x4, Offset: 8},
		},
		VertexCount:   3,
		InstanceCount: 1,
		BlendEnable:   true,
		Scissor:       &protocol.Scissor{X: 2, Y: 1, Width: 26, Height: 20},
	}
	call.Streams[0] = backend.VertexStream{Object: vb, Data: data, Stride: 24}
	if err := b.Draw(call); err != nil {
		t.Fatal(err)
	}
	img, err := b.ReadPixels(rt)
	if err != nil {
		t.Fatal(err)
	}
	return img.Pix
}

func TestMatchesSoftware(t *testing.T) {
	for _, format := range []protocol.Format{protocol.FormatR8G8B8A8Unorm, protocol.FormatB8G8R8A8Unorm, protocol.FormatB8G8R8X8Unorm} {
		t.Run(format.String(), func(t *testing.T) {
			want := render(t, open(t, software.New()), format)
			got := render(t, open(t, New()), format)
			if !bytes.Equal(got, want) {
				t.Error("compat pixels differ from software")
			}
		})
	}
}

// Package scenario builds the reference command streams used by the
// conformance tests and the replay tool's built-in demo.
package scenario

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/vgpu/protocol"
)

// Handles used by the reference streams.
const (
	RenderTarget protocol.Handle = 1
	VertexBuffer protocol.Handle = 2
	VertexShader protocol.Handle = 3
	PixelShader  protocol.Handle = 4
	InputLayout  protocol.Handle = 5
)

// Floats packs float32 values little-endian.
func Floats(vs ...float32) []byte {
	b := make([]byte, 0, len(vs)*4)
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// FullscreenTriangle returns three position+color vertices (24-byte
// stride) that cover the whole viewport in color c.
func FullscreenTriangle(c [4]float32) []byte {
	return Floats(
		-1, -1, c[0], c[1], c[2], c[3],
		3, -1, c[0], c[1], c[2], c[3],
		-1, 3, c[0], c[1], c[2], c[3],
	)
}

// PositionColorLayout is a float2 position followed by a float4 color.
var PositionColorLayout = []protocol.InputElement{
	{Semantic: protocol.SemanticPosition, Format: protocol.VertexFloat32x2, Slot: 0, Offset: 0},
	{Semantic: protocol.SemanticColor, Format: protocol.VertexFloat32x4, Slot: 0, Offset: 8},
}

// Setup creates a width x height render target in format and the pipeline
// objects of a passthrough vertex/pixel shader pair drawing position+color
// vertices, and binds all of them.
func Setup(width, height uint32, format protocol.Format) []protocol.Op {
	vertices := FullscreenTriangle([4]float32{0, 1, 0, 1})
	return []protocol.Op{
		&protocol.CreateTexture2D{
			Handle: RenderTarget, Usage: protocol.UsageRenderTarget | protocol.UsageScanout,
			Format: format, Width: width, Height: height, MipLevels: 1, ArrayLayers: 1,
		},
		&protocol.CreateBuffer{Handle: VertexBuffer, Usage: protocol.UsageVertexBuffer, Size: uint64(len(vertices))},
		&protocol.UploadResource{Handle: VertexBuffer, Data: vertices},
		&protocol.CreateShader{Handle: VertexShader, Stage: protocol.StageVertex, Language: protocol.LanguageDXBC, Code: []byte("DXBC passthrough vs")},
		&protocol.CreateShader{Handle: PixelShader, Stage: protocol.StagePixel, Language: protocol.LanguageDXBC, Code: []byte("DXBC passthrough ps")},
		&protocol.BindShaders{VS: VertexShader, PS: PixelShader},
		&protocol.CreateInputLayout{Handle: InputLayout, Elements: PositionColorLayout},
		&protocol.SetInputLayout{Handle: InputLayout},
		&protocol.SetVertexBuffers{Bindings: []protocol.VertexBufferBinding{{Buffer: VertexBuffer, Stride: 24}}},
		&protocol.SetRenderTargets{Colors: []protocol.Handle{RenderTarget}},
		&protocol.SetViewport{Viewport: protocol.Viewport{Width: float32(width), Height: float32(height), MaxDepth: 1}},
		&protocol.SetPrimitiveTopology{Topology: protocol.TopologyTriangleList},
	}
}

// Green is the solid-green frame: set up, clear to green, draw a green
// fullscreen triangle and present.
func Green(width, height uint32) []protocol.Op {
	return append(Setup(width, height, protocol.FormatR8G8B8A8Unorm),
		&protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{0, 1, 0, 1}},
		&protocol.Draw{VertexCount: 3, InstanceCount: 1},
		&protocol.Present{},
	)
}

// Gradient is a frame with interpolated colors, blending and a scissor,
// used to compare backends on non-trivial pixels.
func Gradient(width, height uint32, format protocol.Format) []protocol.Op {
	vertices := Floats(
		-0.9, -0.8, 1, 0, 0, 0.75,
		0.85, -0.4, 0, 1, 0, 0.75,
		-0.1, 0.9, 0, 0, 1, 0.75,
	)
	return append(Setup(width, height, format),
		&protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{0.1, 0.2, 0.3, 1}},
		&protocol.UploadResource{Handle: VertexBuffer, Data: vertices},
		&protocol.SetRenderState{State: protocol.RenderStateBlendEnable, Value: 1},
		&protocol.SetRenderState{State: protocol.RenderStateScissorEnable, Value: 1},
		&protocol.SetScissor{Rect: protocol.Scissor{X: 1, Y: 2, Width: int32(width) - 3, Height: int32(height) - 4}},
		&protocol.Draw{VertexCount: 3, InstanceCount: 1},
		&protocol.Present{},
	)
}

// Stream encodes ops into a command stream. It panics on encoding errors,
// which only occur for ops that violate encoder limits.
func Stream(ops ...protocol.Op) []byte {
	b, err := protocol.Build(ops...)
	if err != nil {
		panic(err)
	}
	return b
}

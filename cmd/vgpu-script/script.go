package main

import (
	"fmt"
	"io"

	lua "github.com/yuin/gopher-lua"

	"github.com/gogpu/vgpu/internal/scenario"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/trace"
	"github.com/gogpu/vgpu/worker"
)

const streamType = "vgpu.stream"

var formats = map[string]protocol.Format{
	"bgra8": protocol.FormatB8G8R8A8Unorm,
	"bgrx8": protocol.FormatB8G8R8X8Unorm,
	"rgba8": protocol.FormatR8G8B8A8Unorm,
	"rgbx8": protocol.FormatR8G8B8X8Unorm,
	"d24s8": protocol.FormatD24UnormS8Uint,
	"d32":   protocol.FormatD32Float,
}

var topologies = map[string]protocol.Topology{
	"points":         protocol.TopologyPointList,
	"lines":          protocol.TopologyLineList,
	"line_strip":     protocol.TopologyLineStrip,
	"triangles":      protocol.TopologyTriangleList,
	"triangle_strip": protocol.TopologyTriangleStrip,
	"triangle_fan":   protocol.TopologyTriangleFan,
}

var renderStates = map[string]protocol.RenderStateID{
	"cull":      protocol.RenderStateCullMode,
	"front_ccw": protocol.RenderStateFrontCCW,
	"scissor":   protocol.RenderStateScissorEnable,
	"depth":     protocol.RenderStateDepthEnable,
	"blend":     protocol.RenderStateBlendEnable,
}

var stages = map[string]protocol.ShaderStage{
	"vertex": protocol.StageVertex,
	"pixel":  protocol.StagePixel,
}

// Script runs Lua producer scripts and records what they submit as a
// trace.
//
// Scripts see a global table vgpu:
//
//	vgpu.stream()                 new stream builder
//	vgpu.submit(ctx, fence, s)    record a submission
//	vgpu.tick([ms])               record a presentation tick, ending a frame
//	vgpu.green(w, h)              builder holding the reference green frame
//
// Builder methods append one op each and return the builder, so calls
// chain: s:clear(0, 1, 0, 1):draw(3):present().
type Script struct {
	L   *lua.LState
	rec *trace.Recorder
	req uint64
}

// NewScript prepares a Lua state that records into a trace named name on w.
func NewScript(w io.Writer, name string) (*Script, error) {
	rec, err := trace.NewRecorder(w, name)
	if err != nil {
		return nil, err
	}
	s := &Script{L: lua.NewState(), rec: rec}

	mt := s.L.NewTypeMetatable(streamType)
	s.L.SetField(mt, "__index", s.L.SetFuncs(s.L.NewTable(), streamMethods))

	mod := s.L.SetFuncs(s.L.NewTable(), map[string]lua.LGFunction{
		"stream": s.newStream,
		"submit": s.submit,
		"tick":   s.tick,
		"green":  s.green,
	})
	s.L.SetGlobal("vgpu", mod)
	return s, nil
}

// RunFile executes the script at path.
func (s *Script) RunFile(path string) error { return s.L.DoFile(path) }

// RunString executes source.
func (s *Script) RunString(source string) error { return s.L.DoString(source) }

// Frames returns the number of frames recorded so far.
func (s *Script) Frames() uint32 { return s.rec.Frames() }

// Close finishes the trace and releases the Lua state.
func (s *Script) Close() error {
	s.L.Close()
	return s.rec.Close()
}

func (s *Script) pushStream(L *lua.LState, w *protocol.Writer) int {
	ud := L.NewUserData()
	ud.Value = w
	L.SetMetatable(ud, L.GetTypeMetatable(streamType))
	L.Push(ud)
	return 1
}

func (s *Script) newStream(L *lua.LState) int {
	return s.pushStream(L, protocol.NewWriter())
}

func (s *Script) green(L *lua.LState) int {
	w := protocol.NewWriter()
	for _, op := range scenario.Green(checkU32(L, 1), checkU32(L, 2)) {
		_ = w.Append(op)
	}
	return s.pushStream(L, w)
}

func (s *Script) submit(L *lua.LState) int {
	ctx := checkU32(L, 1)
	fence := uint64(L.CheckInt64(2))
	stream, err := checkStream(L, 3).Finish()
	if err != nil {
		L.RaiseError("stream: %v", err)
		return 0
	}
	s.req++
	if err := s.rec.Record(worker.Submit{RequestID: s.req, ContextID: ctx, Fence: fence, Stream: stream}); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (s *Script) tick(L *lua.LState) int {
	ms := float64(L.OptNumber(1, 16))
	if err := s.rec.Record(worker.Tick{FrameTimeMs: ms}); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func checkStream(L *lua.LState, n int) *protocol.Writer {
	ud := L.CheckUserData(n)
	if w, ok := ud.Value.(*protocol.Writer); ok {
		return w
	}
	L.ArgError(n, "stream expected")
	return nil
}

func checkU32(L *lua.LState, n int) uint32 {
	v := L.CheckInt64(n)
	if v < 0 || v > 0xFFFFFFFF {
		L.ArgError(n, fmt.Sprintf("%d out of range", v))
	}
	return uint32(v)
}

func checkHandle(L *lua.LState, n int) protocol.Handle { return protocol.Handle(checkU32(L, n)) }

func checkName[T any](L *lua.LState, n int, names map[string]T, def string) T {
	name := L.OptString(n, def)
	v, ok := names[name]
	if !ok {
		L.ArgError(n, fmt.Sprintf("unknown name %q", name))
	}
	return v
}

func checkFloats(L *lua.LState, n int) []float32 {
	tbl := L.CheckTable(n)
	out := make([]float32, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		num, ok := tbl.RawGetInt(i).(lua.LNumber)
		if !ok {
			L.ArgError(n, fmt.Sprintf("element %d is not a number", i))
		}
		out = append(out, float32(num))
	}
	return out
}

// appendOp appends op to the receiver and returns the receiver.
func appendOp(L *lua.LState, op protocol.Op) int {
	if err := checkStream(L, 1).Append(op); err != nil {
		L.RaiseError("%s: %v", op.Opcode(), err)
	}
	L.Push(L.Get(1))
	return 1
}

var streamMethods = map[string]lua.LGFunction{
	"texture": func(L *lua.LState) int {
		return appendOp(L, &protocol.CreateTexture2D{
			Handle:      checkHandle(L, 2),
			Usage:       protocol.UsageRenderTarget | protocol.UsageScanout | protocol.UsageTexture,
			Width:       checkU32(L, 3),
			Height:      checkU32(L, 4),
			Format:      checkName(L, 5, formats, "rgba8"),
			MipLevels:   1,
			ArrayLayers: 1,
		})
	},
	"buffer": func(L *lua.LState) int {
		return appendOp(L, &protocol.CreateBuffer{
			Handle: checkHandle(L, 2),
			Usage:  protocol.UsageVertexBuffer | protocol.UsageIndexBuffer,
			Size:   uint64(L.CheckInt64(3)),
		})
	},
	"upload": func(L *lua.LState) int {
		return appendOp(L, &protocol.UploadResource{
			Handle: checkHandle(L, 2),
			Offset: uint64(L.CheckInt64(3)),
			Data:   scenario.Floats(checkFloats(L, 4)...),
		})
	},
	"destroy": func(L *lua.LState) int {
		return appendOp(L, &protocol.DestroyResource{Handle: checkHandle(L, 2)})
	},
	"shader": func(L *lua.LState) int {
		return appendOp(L, &protocol.CreateShader{
			Handle:   checkHandle(L, 2),
			Stage:    checkName(L, 3, stages, "vertex"),
			Language: protocol.LanguageDXBC,
			Code:     []byte(L.OptString(4, "DXBC")),
		})
	},
	"bind_shaders": func(L *lua.LState) int {
		return appendOp(L, &protocol.BindShaders{VS: checkHandle(L, 2), PS: checkHandle(L, 3)})
	},
	// layout creates and binds a position+color input layout.
	"layout": func(L *lua.LState) int {
		h := checkHandle(L, 2)
		appendOp(L, &protocol.CreateInputLayout{Handle: h, Elements: scenario.PositionColorLayout})
		L.Pop(1)
		return appendOp(L, &protocol.SetInputLayout{Handle: h})
	},
	"vertex_buffer": func(L *lua.LState) int {
		return appendOp(L, &protocol.SetVertexBuffers{
			StartSlot: uint32(L.OptInt(5, 0)),
			Bindings: []protocol.VertexBufferBinding{{
				Buffer: checkHandle(L, 2),
				Stride: checkU32(L, 3),
				Offset: uint32(L.OptInt(4, 0)),
			}},
		})
	},
	"target": func(L *lua.LState) int {
		return appendOp(L, &protocol.SetRenderTargets{Colors: []protocol.Handle{checkHandle(L, 2)}})
	},
	"viewport": func(L *lua.LState) int {
		return appendOp(L, &protocol.SetViewport{Viewport: protocol.Viewport{
			X:        float32(L.CheckNumber(2)),
			Y:        float32(L.CheckNumber(3)),
			Width:    float32(L.CheckNumber(4)),
			Height:   float32(L.CheckNumber(5)),
			MaxDepth: 1,
		}})
	},
	"scissor": func(L *lua.LState) int {
		return appendOp(L, &protocol.SetScissor{Rect: protocol.Scissor{
			X: int32(L.CheckInt(2)), Y: int32(L.CheckInt(3)),
			Width: int32(L.CheckInt(4)), Height: int32(L.CheckInt(5)),
		}})
	},
	"topology": func(L *lua.LState) int {
		return appendOp(L, &protocol.SetPrimitiveTopology{Topology: checkName(L, 2, topologies, "triangles")})
	},
	"state": func(L *lua.LState) int {
		return appendOp(L, &protocol.SetRenderState{State: checkName(L, 2, renderStates, ""), Value: checkU32(L, 3)})
	},
	"clear": func(L *lua.LState) int {
		return appendOp(L, &protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{
			float32(L.CheckNumber(2)), float32(L.CheckNumber(3)),
			float32(L.CheckNumber(4)), float32(L.OptNumber(5, 1)),
		}})
	},
	"draw": func(L *lua.LState) int {
		return appendOp(L, &protocol.Draw{VertexCount: checkU32(L, 2), InstanceCount: 1, FirstVertex: uint32(L.OptInt(3, 0))})
	},
	"marker": func(L *lua.LState) int {
		return appendOp(L, &protocol.DebugMarker{Text: L.CheckString(2)})
	},
	"present": func(L *lua.LState) int {
		return appendOp(L, &protocol.Present{ScanoutID: uint32(L.OptInt(2, 0))})
	},
}

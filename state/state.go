// Package state holds the mutable pipeline state of one context.
//
// Every setter validates its arguments, including referenced handles,
// before mutating anything, so a rejected call leaves the previous state
// intact.
package state

import (
	"math"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/resource"
)

// Resolver looks up live resources. *resource.Table implements it.
type Resolver interface {
	Get(h protocol.Handle, kind resource.Kind) (*resource.Entry, error)
}

// VertexBinding is the buffer bound to one vertex input slot.
type VertexBinding struct {
	Buffer protocol.Handle
	Stride uint32
	Offset uint32
}

// IndexBinding is the bound index buffer.
type IndexBinding struct {
	Buffer protocol.Handle
	Format protocol.IndexFormat
	Offset uint32
}

// State is the render state of one context. The zero value is not ready
// for use; call New.
type State struct {
	colors       [protocol.MaxRenderTargets]protocol.Handle
	colorCount   int
	DepthStencil protocol.Handle

	Viewport      protocol.Viewport
	Scissor       protocol.Scissor
	ScissorEnable bool

	VertexBuffers [protocol.MaxVertexBufferSlots]VertexBinding
	Index         IndexBinding

	VS, PS, CS  protocol.Handle
	InputLayout protocol.Handle
	Topology    protocol.Topology

	CullMode    protocol.CullMode
	FrontCCW    bool
	DepthEnable bool
	BlendEnable bool

	Constants [protocol.StageCount][protocol.MaxConstantRegisters][4]float32
}

// New returns a State with every field at its default.
func New() *State {
	s := &State{}
	s.Reset()
	return s
}

// Reset restores the defaults: nothing bound, triangle lists, no culling,
// a zero-sized viewport meaning "whole first render target", and zeroed
// constants.
func (s *State) Reset() {
	*s = State{
		Topology: protocol.TopologyTriangleList,
		Index:    IndexBinding{Format: protocol.IndexUint16},
		Viewport: protocol.Viewport{MaxDepth: 1},
	}
}

// RenderTargets returns the color target slots in order. A slot whose
// texture was destroyed reads 0 and keeps the later targets in place.
// The last returned slot is never 0.
func (s *State) RenderTargets() []protocol.Handle {
	return append([]protocol.Handle(nil), s.colors[:s.colorCount]...)
}

// SetRenderTargets binds color targets and an optional depth/stencil target.
func (s *State) SetRenderTargets(res Resolver, colors []protocol.Handle, depth protocol.Handle) error {
	if len(colors) > protocol.MaxRenderTargets {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_render_targets", "%d color targets", len(colors))
	}
	for _, h := range colors {
		e, err := res.Get(h, resource.KindTexture2D)
		if err != nil {
			return err
		}
		if e.Format.IsDepth() {
			return vgpu.Errorf(vgpu.KindInvalidField, "set_render_targets", "handle %d has depth format %v", h, e.Format)
		}
	}
	if depth != 0 {
		e, err := res.Get(depth, resource.KindTexture2D)
		if err != nil {
			return err
		}
		if !e.Format.IsDepth() {
			return vgpu.Errorf(vgpu.KindInvalidField, "set_render_targets", "depth handle %d has color format %v", depth, e.Format)
		}
	}
	s.colors = [protocol.MaxRenderTargets]protocol.Handle{}
	s.colorCount = copy(s.colors[:], colors)
	s.DepthStencil = depth
	return nil
}

// SetViewport sets the viewport.
func (s *State) SetViewport(v protocol.Viewport) error {
	for _, f := range [...]float32{v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth} {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return vgpu.Errorf(vgpu.KindInvalidField, "set_viewport", "non-finite component")
		}
	}
	if v.Width < 0 || v.Height < 0 {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_viewport", "negative size")
	}
	if v.MinDepth < 0 || v.MaxDepth > 1 || v.MinDepth > v.MaxDepth {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_viewport", "depth range [%g, %g]", v.MinDepth, v.MaxDepth)
	}
	s.Viewport = v
	return nil
}

// SetScissor sets the scissor rectangle.
func (s *State) SetScissor(r protocol.Scissor) error {
	if r.Width < 0 || r.Height < 0 {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_scissor", "negative size")
	}
	s.Scissor = r
	return nil
}

// SetVertexBuffers binds consecutive slots starting at start. A binding
// with buffer 0 unbinds its slot.
func (s *State) SetVertexBuffers(res Resolver, start uint32, bindings []VertexBinding) error {
	if uint64(start)+uint64(len(bindings)) > protocol.MaxVertexBufferSlots {
		return vgpu.Errorf(vgpu.KindOutOfRange, "set_vertex_buffers", "slots %d+%d exceed %d", start, len(bindings), protocol.MaxVertexBufferSlots)
	}
	for _, b := range bindings {
		if b.Buffer == 0 {
			continue
		}
		if _, err := res.Get(b.Buffer, resource.KindBuffer); err != nil {
			return err
		}
	}
	for i, b := range bindings {
		if b.Buffer == 0 {
			b = VertexBinding{}
		}
		s.VertexBuffers[int(start)+i] = b
	}
	return nil
}

// SetIndexBuffer binds the index buffer; buffer 0 unbinds it.
func (s *State) SetIndexBuffer(res Resolver, b IndexBinding) error {
	if b.Format != protocol.IndexUint16 && b.Format != protocol.IndexUint32 {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_index_buffer", "format %d", b.Format)
	}
	if b.Buffer != 0 {
		if _, err := res.Get(b.Buffer, resource.KindBuffer); err != nil {
			return err
		}
		if b.Offset%b.Format.Size() != 0 {
			return vgpu.Errorf(vgpu.KindInvalidField, "set_index_buffer", "offset %d not aligned to index size", b.Offset)
		}
	}
	s.Index = b
	return nil
}

// BindShaders binds the programmable stages. Handle 0 unbinds a stage.
func (s *State) BindShaders(res Resolver, vs, ps, cs protocol.Handle) error {
	for _, b := range [...]struct {
		h     protocol.Handle
		stage protocol.ShaderStage
	}{{vs, protocol.StageVertex}, {ps, protocol.StagePixel}, {cs, protocol.StageCompute}} {
		if b.h == 0 {
			continue
		}
		e, err := res.Get(b.h, resource.KindShader)
		if err != nil {
			return err
		}
		if e.Stage != b.stage {
			return vgpu.Errorf(vgpu.KindInvalidField, "bind_shaders", "handle %d is a %v shader bound as %v", b.h, e.Stage, b.stage)
		}
	}
	s.VS, s.PS, s.CS = vs, ps, cs
	return nil
}

// SetInputLayout binds an input layout; handle 0 unbinds it.
func (s *State) SetInputLayout(res Resolver, h protocol.Handle) error {
	if h != 0 {
		if _, err := res.Get(h, resource.KindInputLayout); err != nil {
			return err
		}
	}
	s.InputLayout = h
	return nil
}

// SetTopology selects the primitive topology.
func (s *State) SetTopology(t protocol.Topology) error {
	if !t.Valid() {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_primitive_topology", "topology %d", t)
	}
	s.Topology = t
	return nil
}

// SetRenderState sets one fixed-function state.
func (s *State) SetRenderState(id protocol.RenderStateID, value uint32) error {
	const op = "set_render_state"
	switch id {
	case protocol.RenderStateCullMode:
		if protocol.CullMode(value) > protocol.CullBack {
			return vgpu.Errorf(vgpu.KindInvalidField, op, "cull mode %d", value)
		}
		s.CullMode = protocol.CullMode(value)
		return nil
	}
	if value > 1 {
		return vgpu.Errorf(vgpu.KindInvalidField, op, "state %d value %d", id, value)
	}
	on := value == 1
	switch id {
	case protocol.RenderStateFrontCCW:
		s.FrontCCW = on
	case protocol.RenderStateScissorEnable:
		s.ScissorEnable = on
	case protocol.RenderStateDepthEnable:
		s.DepthEnable = on
	case protocol.RenderStateBlendEnable:
		s.BlendEnable = on
	default:
		return vgpu.Errorf(vgpu.KindInvalidField, op, "state %d", id)
	}
	return nil
}

// SetShaderConstants writes float4 registers of one stage.
func (s *State) SetShaderConstants(stage protocol.ShaderStage, start uint32, values [][4]float32) error {
	if stage >= protocol.StageCount {
		return vgpu.Errorf(vgpu.KindInvalidField, "set_shader_constants_f", "stage %d", stage)
	}
	if uint64(start)+uint64(len(values)) > protocol.MaxConstantRegisters {
		return vgpu.Errorf(vgpu.KindOutOfRange, "set_shader_constants_f", "registers %d+%d exceed %d", start, len(values), protocol.MaxConstantRegisters)
	}
	copy(s.Constants[stage][start:], values)
	return nil
}

// Unbind clears every binding of h. It is called when h is destroyed so
// that no binding outlives its resource.
func (s *State) Unbind(h protocol.Handle) {
	if h == 0 {
		return
	}
	for i, c := range s.colors[:s.colorCount] {
		if c == h {
			s.colors[i] = 0
		}
	}
	for s.colorCount > 0 && s.colors[s.colorCount-1] == 0 {
		s.colorCount--
	}
	if s.DepthStencil == h {
		s.DepthStencil = 0
	}
	for i := range s.VertexBuffers {
		if s.VertexBuffers[i].Buffer == h {
			s.VertexBuffers[i] = VertexBinding{}
		}
	}
	if s.Index.Buffer == h {
		s.Index.Buffer = 0
	}
	if s.VS == h {
		s.VS = 0
	}
	if s.PS == h {
		s.PS = 0
	}
	if s.CS == h {
		s.CS = 0
	}
	if s.InputLayout == h {
		s.InputLayout = 0
	}
}

package engine

import (
	"encoding/binary"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/resource"
)

// pipeline assembles the draw call for the current render state. It fails
// with PipelineNotReady when a target, a shader stage, the input layout or
// a vertex buffer referenced by the layout is missing.
func (c *Context) pipeline() (*backend.DrawCall, error) {
	s := c.state
	rts := s.RenderTargets()
	switch {
	case len(rts) == 0:
		return nil, vgpu.Errorf(vgpu.KindPipelineNotReady, "", "no render target bound")
	case s.VS == 0 || s.PS == 0:
		return nil, vgpu.Errorf(vgpu.KindPipelineNotReady, "", "vertex and pixel shaders must be bound")
	case s.InputLayout == 0:
		return nil, vgpu.Errorf(vgpu.KindPipelineNotReady, "", "no input layout bound")
	}
	layout, err := c.table.Get(s.InputLayout, resource.KindInputLayout)
	if err != nil {
		return nil, err
	}

	call := &backend.DrawCall{
		Viewport:    s.Viewport,
		Topology:    s.Topology,
		Layout:      layout.Elements,
		CullMode:    s.CullMode,
		FrontCCW:    s.FrontCCW,
		DepthEnable: s.DepthEnable,
		BlendEnable: s.BlendEnable,
		VSConstants: s.Constants[protocol.StageVertex][:],
		PSConstants: s.Constants[protocol.StagePixel][:],
	}
	for _, h := range rts {
		if h == 0 {
			continue
		}
		obj, err := c.object(h)
		if err != nil {
			return nil, err
		}
		call.Targets = append(call.Targets, obj)
	}
	if s.DepthStencil != 0 {
		if call.DepthStencil, err = c.object(s.DepthStencil); err != nil {
			return nil, err
		}
	}
	if s.ScissorEnable {
		sc := s.Scissor
		call.Scissor = &sc
	}
	var bound uint32
	for _, el := range layout.Elements {
		vb := s.VertexBuffers[el.Slot]
		if vb.Buffer == 0 {
			return nil, vgpu.Errorf(vgpu.KindPipelineNotReady, "", "input slot %d has no vertex buffer", el.Slot)
		}
		if bound&(1<<el.Slot) != 0 {
			continue
		}
		bound |= 1 << el.Slot
		e, err := c.table.Get(vb.Buffer, resource.KindBuffer)
		if err != nil {
			return nil, err
		}
		call.Streams[el.Slot] = backend.VertexStream{Object: e.Object, Data: e.Data, Stride: vb.Stride, Offset: vb.Offset}
	}
	vs, err := c.table.Get(s.VS, resource.KindShader)
	if err != nil {
		return nil, err
	}
	ps, err := c.table.Get(s.PS, resource.KindShader)
	if err != nil {
		return nil, err
	}
	call.VS, call.PS = vs.Object, ps.Object
	return call, nil
}

// checkVertices verifies that vertices lo..hi of every element lie inside
// their buffers.
func checkVertices(call *backend.DrawCall, lo, hi int64) error {
	for _, el := range call.Layout {
		st := call.Streams[el.Slot]
		base := int64(st.Offset) + int64(el.Offset)
		size := int64(el.Format.Size())
		for _, idx := range [...]int64{lo, hi} {
			end := base + idx*int64(st.Stride) + size
			if end > int64(len(st.Data)) {
				return vgpu.Errorf(vgpu.KindOutOfRange, "", "vertex %d of slot %d ends at byte %d of %d", idx, el.Slot, end, len(st.Data))
			}
		}
	}
	return nil
}

// checkCounts rejects draws larger than the protocol limits.
func checkCounts(vertices, instances uint32) error {
	if vertices > protocol.MaxDrawVertices {
		return vgpu.Errorf(vgpu.KindInvalidField, "", "%d vertices exceed limit %d", vertices, protocol.MaxDrawVertices)
	}
	if instances > protocol.MaxDrawInstances {
		return vgpu.Errorf(vgpu.KindInvalidField, "", "%d instances exceed limit %d", instances, protocol.MaxDrawInstances)
	}
	return nil
}

func (c *Context) draw(op *protocol.Draw) error {
	if err := checkCounts(op.VertexCount, op.InstanceCount); err != nil {
		return err
	}
	call, err := c.pipeline()
	if err != nil {
		return err
	}
	if op.VertexCount == 0 || op.InstanceCount == 0 {
		return nil
	}
	first := int64(op.FirstVertex)
	if err := checkVertices(call, first, first+int64(op.VertexCount)-1); err != nil {
		return err
	}
	call.FirstVertex = op.FirstVertex
	call.VertexCount = op.VertexCount
	call.InstanceCount = op.InstanceCount
	return c.backend.Draw(call)
}

func (c *Context) drawIndexed(op *protocol.DrawIndexed) error {
	if !c.caps.Has(backend.FeatureIndexedDraw) {
		return vgpu.Errorf(vgpu.KindUnsupportedCapability, "", "indexed draws")
	}
	if err := checkCounts(op.IndexCount, op.InstanceCount); err != nil {
		return err
	}
	call, err := c.pipeline()
	if err != nil {
		return err
	}
	ib := c.state.Index
	if ib.Buffer == 0 {
		return vgpu.Errorf(vgpu.KindPipelineNotReady, "", "no index buffer bound")
	}
	e, err := c.table.Get(ib.Buffer, resource.KindBuffer)
	if err != nil {
		return err
	}
	if op.IndexCount == 0 || op.InstanceCount == 0 {
		return nil
	}
	size := uint64(ib.Format.Size())
	start := uint64(ib.Offset) + uint64(op.FirstIndex)*size
	end := start + uint64(op.IndexCount)*size
	if end > uint64(len(e.Data)) {
		return vgpu.Errorf(vgpu.KindOutOfRange, "", "indices [%d, %d) exceed index buffer of %d bytes", start, end, len(e.Data))
	}

	indices := make([]uint32, op.IndexCount)
	lo, hi := int64(1)<<62, int64(-1)<<62
	for i := range indices {
		off := start + uint64(i)*size
		if ib.Format == protocol.IndexUint16 {
			indices[i] = uint32(binary.LittleEndian.Uint16(e.Data[off:]))
		} else {
			indices[i] = binary.LittleEndian.Uint32(e.Data[off:])
		}
		v := int64(op.BaseVertex) + int64(indices[i])
		lo, hi = min(lo, v), max(hi, v)
	}
	if lo < 0 {
		return vgpu.Errorf(vgpu.KindOutOfRange, "", "vertex index %d", lo)
	}
	if err := checkVertices(call, lo, hi); err != nil {
		return err
	}
	call.Indices = indices
	call.BaseVertex = op.BaseVertex
	call.InstanceCount = op.InstanceCount
	return c.backend.Draw(call)
}

package protocol

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/vgpu"
)

// encoder appends little-endian fields to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) f32(v float32) {
	e.u32(math.Float32bits(v))
}

// bytes appends b followed by zero padding to a 4-byte boundary.
func (e *encoder) bytes(b []byte) {
	e.buf = append(e.buf, b...)
	for i := len(b); i%4 != 0; i++ {
		e.buf = append(e.buf, 0)
	}
}

// AppendOp appends the packet encoding of op to dst.
func AppendOp(dst []byte, op Op) ([]byte, error) {
	if op == nil {
		return dst, vgpu.Errorf(vgpu.KindInvalidField, "encode", "nil op")
	}
	start := len(dst)
	e := encoder{buf: dst}
	e.u32(uint32(op.Opcode()))
	e.u32(0) // size, patched below
	if err := op.encode(&e); err != nil {
		return dst, err
	}
	size := len(e.buf) - start
	if size > math.MaxUint32 {
		return dst, vgpu.Errorf(vgpu.KindInvalidField, op.Opcode().String(), "packet too large")
	}
	binary.LittleEndian.PutUint32(e.buf[start+4:], uint32(size))
	return e.buf, nil
}

func (*Nop) encode(*encoder) error { return nil }

func (op *DebugMarker) encode(e *encoder) error {
	e.u32(uint32(len(op.Text)))
	e.bytes([]byte(op.Text))
	return nil
}

func (op *CreateBuffer) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(uint32(op.Usage))
	e.u64(op.Size)
	return nil
}

func (op *CreateTexture2D) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(uint32(op.Usage))
	e.u32(uint32(op.Format))
	e.u32(op.Width)
	e.u32(op.Height)
	e.u32(op.MipLevels)
	e.u32(op.ArrayLayers)
	e.u32(op.RowPitch)
	return nil
}

func (op *DestroyResource) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	return nil
}

func (op *UploadResource) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	e.u64(op.Offset)
	e.u64(uint64(len(op.Data)))
	e.bytes(op.Data)
	return nil
}

func (op *CopyBuffer) encode(e *encoder) error {
	e.u32(uint32(op.Dst))
	e.u32(uint32(op.Src))
	e.u64(op.DstOffset)
	e.u64(op.SrcOffset)
	e.u64(op.Size)
	return nil
}

func (op *CreateShader) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(uint32(op.Stage))
	e.u32(uint32(op.Language))
	e.u32(uint32(len(op.Code)))
	e.bytes(op.Code)
	return nil
}

func (op *DestroyShader) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	return nil
}

func (op *BindShaders) encode(e *encoder) error {
	e.u32(uint32(op.VS))
	e.u32(uint32(op.PS))
	e.u32(uint32(op.CS))
	e.u32(0)
	return nil
}

func (op *SetShaderConstantsF) encode(e *encoder) error {
	e.u32(uint32(op.Stage))
	e.u32(op.StartRegister)
	e.u32(uint32(len(op.Values)))
	e.u32(0)
	for _, v := range op.Values {
		for _, f := range v {
			e.f32(f)
		}
	}
	return nil
}

func (op *CreateInputLayout) encode(e *encoder) error {
	if len(op.Elements) > MaxInputElements {
		return vgpu.Errorf(vgpu.KindInvalidField, op.Opcode().String(), "%d elements, max %d", len(op.Elements), MaxInputElements)
	}
	e.u32(uint32(op.Handle))
	e.u32(uint32(len(op.Elements)))
	for _, el := range op.Elements {
		e.u32(uint32(el.Semantic))
		e.u32(el.SemanticIndex)
		e.u32(uint32(el.Format))
		e.u32(el.Slot)
		e.u32(el.Offset)
	}
	return nil
}

func (op *DestroyInputLayout) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	return nil
}

func (op *SetInputLayout) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	return nil
}

func (op *SetRenderTargets) encode(e *encoder) error {
	if len(op.Colors) > MaxRenderTargets {
		return vgpu.Errorf(vgpu.KindInvalidField, op.Opcode().String(), "%d color targets, max %d", len(op.Colors), MaxRenderTargets)
	}
	e.u32(uint32(len(op.Colors)))
	e.u32(uint32(op.DepthStencil))
	for i := 0; i < MaxRenderTargets; i++ {
		var h Handle
		if i < len(op.Colors) {
			h = op.Colors[i]
		}
		e.u32(uint32(h))
	}
	return nil
}

func (op *SetViewport) encode(e *encoder) error {
	v := op.Viewport
	e.f32(v.X)
	e.f32(v.Y)
	e.f32(v.Width)
	e.f32(v.Height)
	e.f32(v.MinDepth)
	e.f32(v.MaxDepth)
	return nil
}

func (op *SetScissor) encode(e *encoder) error {
	e.i32(op.Rect.X)
	e.i32(op.Rect.Y)
	e.i32(op.Rect.Width)
	e.i32(op.Rect.Height)
	return nil
}

func (op *SetVertexBuffers) encode(e *encoder) error {
	if len(op.Bindings) > MaxVertexBufferSlots {
		return vgpu.Errorf(vgpu.KindInvalidField, op.Opcode().String(), "%d bindings, max %d", len(op.Bindings), MaxVertexBufferSlots)
	}
	e.u32(op.StartSlot)
	e.u32(uint32(len(op.Bindings)))
	for _, b := range op.Bindings {
		e.u32(uint32(b.Buffer))
		e.u32(b.Stride)
		e.u32(b.Offset)
		e.u32(0)
	}
	return nil
}

func (op *SetIndexBuffer) encode(e *encoder) error {
	e.u32(uint32(op.Buffer))
	e.u32(uint32(op.Format))
	e.u32(op.Offset)
	e.u32(0)
	return nil
}

func (op *SetPrimitiveTopology) encode(e *encoder) error {
	e.u32(uint32(op.Topology))
	e.u32(0)
	return nil
}

func (op *SetRenderState) encode(e *encoder) error {
	e.u32(uint32(op.State))
	e.u32(op.Value)
	return nil
}

func (op *Clear) encode(e *encoder) error {
	e.u32(uint32(op.Flags))
	for _, c := range op.Color {
		e.f32(c)
	}
	e.f32(op.Depth)
	e.u32(op.Stencil)
	return nil
}

func (op *Draw) encode(e *encoder) error {
	e.u32(op.VertexCount)
	e.u32(op.InstanceCount)
	e.u32(op.FirstVertex)
	e.u32(op.FirstInstance)
	return nil
}

func (op *DrawIndexed) encode(e *encoder) error {
	e.u32(op.IndexCount)
	e.u32(op.InstanceCount)
	e.u32(op.FirstIndex)
	e.i32(op.BaseVertex)
	e.u32(op.FirstInstance)
	e.u32(0)
	return nil
}

func (op *Present) encode(e *encoder) error {
	e.u32(op.ScanoutID)
	e.u32(op.Flags)
	return nil
}

func (op *ExportSharedSurface) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	e.u64(op.Token)
	return nil
}

func (op *ImportSharedSurface) encode(e *encoder) error {
	e.u32(uint32(op.Handle))
	e.u32(0)
	e.u64(op.Token)
	return nil
}

func (op *ReleaseSharedSurface) encode(e *encoder) error {
	e.u64(op.Token)
	return nil
}

func (*Flush) encode(e *encoder) error {
	e.u32(0)
	e.u32(0)
	return nil
}

func (op *Unknown) encode(e *encoder) error {
	if !op.Code.IsExtension() {
		return vgpu.Errorf(vgpu.KindUnknownOp, "encode", "%v is outside the extension range", op.Code)
	}
	e.bytes(op.Payload)
	return nil
}

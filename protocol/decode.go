package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/gogpu/vgpu"
)

// reader reads little-endian fields from one packet payload. The first
// failure is sticky: later reads return zero values and the error is
// reported once by the caller.
type reader struct {
	op  Opcode
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = vgpu.Errorf(vgpu.KindTruncatedStream, r.op.String(), "payload needs %d more bytes, %d left", n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) handle() Handle { return Handle(r.u32()) }

// bytes reads n bytes and skips the padding to the next 4-byte boundary.
// The result aliases the stream and is nil when n is zero.
func (r *reader) bytes(n uint64) []byte {
	if n > uint64(len(r.buf)) {
		r.need(len(r.buf) + 1)
		return nil
	}
	if !r.need(int(n)) {
		return nil
	}
	var b []byte
	if n > 0 {
		b = r.buf[r.off : r.off+int(n) : r.off+int(n)]
	}
	r.off += int(n)
	pad := align4(r.off) - r.off
	if len(r.buf)-r.off < pad {
		pad = len(r.buf) - r.off
	}
	r.off += pad
	return b
}

// invalid records an InvalidField error unless an earlier read failed.
func (r *reader) invalid(format string, args ...any) {
	if r.err == nil {
		r.err = vgpu.Errorf(vgpu.KindInvalidField, r.op.String(), format, args...)
	}
}

// liveHandle checks a handle that must name a resource.
func (r *reader) liveHandle(h Handle, field string) {
	if h == 0 {
		r.invalid("%s: handle 0 is reserved", field)
	}
}

// DecodeNext decodes the packet at cursor. stream must be the stream bytes
// limited to the size declared in its header, and cursor must be a packet
// boundary at or after HeaderSize. On success the returned cursor is
// strictly greater than the input and no greater than len(stream).
//
// When cursor == len(stream), DecodeNext returns io.EOF.
func DecodeNext(stream []byte, cursor int) (Op, int, error) {
	if cursor == len(stream) {
		return nil, cursor, io.EOF
	}
	if cursor < HeaderSize || cursor > len(stream) {
		return nil, cursor, vgpu.Errorf(vgpu.KindInvalidField, "decode", "cursor %d outside stream of %d bytes", cursor, len(stream))
	}
	remaining := len(stream) - cursor
	if remaining < PacketHeaderSize {
		return nil, cursor, vgpu.Errorf(vgpu.KindTruncatedStream, "decode", "%d trailing bytes, need packet header", remaining)
	}
	opcode := Opcode(binary.LittleEndian.Uint32(stream[cursor:]))
	size := binary.LittleEndian.Uint32(stream[cursor+4:])
	switch {
	case size < PacketHeaderSize || size%4 != 0:
		return nil, cursor, vgpu.Errorf(vgpu.KindInvalidField, opcode.String(), "bad packet size %d", size)
	case uint64(size) > uint64(remaining):
		return nil, cursor, vgpu.Errorf(vgpu.KindTruncatedStream, opcode.String(), "packet declares %d bytes, %d left", size, remaining)
	}
	end := cursor + int(size)
	payload := stream[cursor+PacketHeaderSize : end : end]

	if opcode.IsExtension() {
		op := &Unknown{Code: opcode}
		if len(payload) > 0 {
			op.Payload = payload
		}
		return op, end, nil
	}
	decode, ok := decoders[opcode]
	if !ok {
		return nil, cursor, vgpu.Errorf(vgpu.KindUnknownOp, "decode", "unassigned opcode %#x", uint32(opcode))
	}
	r := &reader{op: opcode, buf: payload}
	op := decode(r)
	if r.err != nil {
		return nil, cursor, r.err
	}
	return op, end, nil
}

// Decoder iterates over the ops of one stream.
type Decoder struct {
	header Header
	stream []byte
	cursor int
	last   int
}

// NewDecoder validates the stream header of buf. Bytes after the declared
// stream size are ignored.
func NewDecoder(buf []byte) (*Decoder, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Decoder{header: h, stream: buf[:h.SizeBytes], cursor: HeaderSize, last: HeaderSize}, nil
}

// Header returns the stream header.
func (d *Decoder) Header() Header { return d.header }

// Next decodes the next op. It returns io.EOF after the last op. After any
// other error the decoder does not advance.
func (d *Decoder) Next() (Op, error) {
	op, next, err := DecodeNext(d.stream, d.cursor)
	if err != nil {
		return nil, err
	}
	d.last = d.cursor
	d.cursor = next
	return op, nil
}

// Offset returns the byte offset of the next packet.
func (d *Decoder) Offset() int { return d.cursor }

// LastOffset returns the byte offset of the packet returned by the most
// recent successful Next.
func (d *Decoder) LastOffset() int { return d.last }

// Decode decodes every op of buf.
func Decode(buf []byte) ([]Op, error) {
	d, err := NewDecoder(buf)
	if err != nil {
		return nil, err
	}
	var ops []Op
	for {
		op, err := d.Next()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return ops, vgpu.WithOffset(err, "", d.Offset())
		}
		ops = append(ops, op)
	}
}

var decoders = map[Opcode]func(r *reader) Op{
	OpNop: func(*reader) Op { return &Nop{} },
	OpDebugMarker: func(r *reader) Op {
		n := r.u32()
		return &DebugMarker{Text: string(r.bytes(uint64(n)))}
	},
	OpCreateBuffer: func(r *reader) Op {
		op := &CreateBuffer{Handle: r.handle(), Usage: Usage(r.u32()), Size: r.u64()}
		r.liveHandle(op.Handle, "handle")
		checkUsage(r, op.Usage)
		if op.Size == 0 {
			r.invalid("size 0")
		}
		return op
	},
	OpCreateTexture2D: func(r *reader) Op {
		op := &CreateTexture2D{
			Handle:      r.handle(),
			Usage:       Usage(r.u32()),
			Format:      Format(r.u32()),
			Width:       r.u32(),
			Height:      r.u32(),
			MipLevels:   r.u32(),
			ArrayLayers: r.u32(),
			RowPitch:    r.u32(),
		}
		r.liveHandle(op.Handle, "handle")
		checkUsage(r, op.Usage)
		switch {
		case !op.Format.Valid():
			r.invalid("format %d", op.Format)
		case op.Width == 0 || op.Height == 0 || op.Width > MaxTextureDimension || op.Height > MaxTextureDimension:
			r.invalid("size %dx%d", op.Width, op.Height)
		case op.MipLevels != 1 || op.ArrayLayers != 1:
			r.invalid("mip levels %d, array layers %d", op.MipLevels, op.ArrayLayers)
		case op.RowPitch != 0 && (op.RowPitch%4 != 0 || uint64(op.RowPitch) < uint64(op.Width)*uint64(op.Format.BytesPerPixel())):
			r.invalid("row pitch %d for width %d", op.RowPitch, op.Width)
		}
		return op
	},
	OpDestroyResource: func(r *reader) Op {
		op := &DestroyResource{Handle: r.handle()}
		r.u32()
		r.liveHandle(op.Handle, "handle")
		return op
	},
	OpUploadResource: func(r *reader) Op {
		op := &UploadResource{Handle: r.handle()}
		r.u32()
		op.Offset = r.u64()
		op.Data = r.bytes(r.u64())
		r.liveHandle(op.Handle, "handle")
		return op
	},
	OpCopyBuffer: func(r *reader) Op {
		op := &CopyBuffer{Dst: r.handle(), Src: r.handle(), DstOffset: r.u64(), SrcOffset: r.u64(), Size: r.u64()}
		r.liveHandle(op.Dst, "dst")
		r.liveHandle(op.Src, "src")
		return op
	},
	OpCreateShader: func(r *reader) Op {
		op := &CreateShader{Handle: r.handle(), Stage: ShaderStage(r.u32()), Language: ShaderLanguage(r.u32())}
		op.Code = r.bytes(uint64(r.u32()))
		r.liveHandle(op.Handle, "handle")
		checkStage(r, op.Stage)
		if op.Language != LanguageDXBC && op.Language != LanguageWGSL {
			r.invalid("shader language %d", op.Language)
		}
		return op
	},
	OpDestroyShader: func(r *reader) Op {
		op := &DestroyShader{Handle: r.handle()}
		r.u32()
		r.liveHandle(op.Handle, "handle")
		return op
	},
	OpBindShaders: func(r *reader) Op {
		op := &BindShaders{VS: r.handle(), PS: r.handle(), CS: r.handle()}
		r.u32()
		return op
	},
	OpSetShaderConstantsF: func(r *reader) Op {
		op := &SetShaderConstantsF{Stage: ShaderStage(r.u32()), StartRegister: r.u32()}
		count := r.u32()
		r.u32()
		checkStage(r, op.Stage)
		if r.err == nil && count == 0 {
			r.invalid("vec4 count 0")
		}
		if r.err == nil && uint64(count)*16 > uint64(len(r.buf)-r.off) {
			r.need(int(min(uint64(count)*16, math.MaxInt32)))
		}
		if r.err != nil {
			return op
		}
		op.Values = make([][4]float32, count)
		for i := range op.Values {
			for j := range op.Values[i] {
				op.Values[i][j] = r.f32()
			}
		}
		return op
	},
	OpCreateInputLayout: func(r *reader) Op {
		op := &CreateInputLayout{Handle: r.handle()}
		count := r.u32()
		r.liveHandle(op.Handle, "handle")
		if count > MaxInputElements {
			r.invalid("%d elements, max %d", count, MaxInputElements)
		}
		if r.err != nil {
			return op
		}
		if count > 0 {
			op.Elements = make([]InputElement, count)
		}
		for i := range op.Elements {
			el := InputElement{
				Semantic:      Semantic(r.u32()),
				SemanticIndex: r.u32(),
				Format:        VertexFormat(r.u32()),
				Slot:          r.u32(),
				Offset:        r.u32(),
			}
			switch {
			case el.Semantic > SemanticNormal:
				r.invalid("element %d: semantic %d", i, el.Semantic)
			case el.Format.Size() == 0:
				r.invalid("element %d: vertex format %d", i, el.Format)
			case el.Slot >= MaxVertexBufferSlots:
				r.invalid("element %d: slot %d", i, el.Slot)
			}
			op.Elements[i] = el
		}
		return op
	},
	OpDestroyInputLayout: func(r *reader) Op {
		op := &DestroyInputLayout{Handle: r.handle()}
		r.u32()
		r.liveHandle(op.Handle, "handle")
		return op
	},
	OpSetInputLayout: func(r *reader) Op {
		op := &SetInputLayout{Handle: r.handle()}
		r.u32()
		return op
	},
	OpSetRenderTargets: func(r *reader) Op {
		count := r.u32()
		op := &SetRenderTargets{DepthStencil: r.handle()}
		var colors [MaxRenderTargets]Handle
		for i := range colors {
			colors[i] = r.handle()
		}
		if r.err != nil {
			return op
		}
		if count > MaxRenderTargets {
			r.invalid("%d color targets, max %d", count, MaxRenderTargets)
			return op
		}
		if count > 0 {
			op.Colors = append([]Handle(nil), colors[:count]...)
		}
		for i, h := range op.Colors {
			if h == 0 {
				r.invalid("color target %d: handle 0 is reserved", i)
			}
		}
		return op
	},
	OpSetViewport: func(r *reader) Op {
		v := Viewport{X: r.f32(), Y: r.f32(), Width: r.f32(), Height: r.f32(), MinDepth: r.f32(), MaxDepth: r.f32()}
		for _, f := range [...]float32{v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth} {
			if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
				r.invalid("non-finite viewport")
				break
			}
		}
		if v.Width < 0 || v.Height < 0 {
			r.invalid("negative viewport size %gx%g", v.Width, v.Height)
		}
		return &SetViewport{Viewport: v}
	},
	OpSetScissor: func(r *reader) Op {
		s := Scissor{X: r.i32(), Y: r.i32(), Width: r.i32(), Height: r.i32()}
		if s.Width < 0 || s.Height < 0 {
			r.invalid("negative scissor size %dx%d", s.Width, s.Height)
		}
		return &SetScissor{Rect: s}
	},
	OpSetVertexBuffers: func(r *reader) Op {
		op := &SetVertexBuffers{StartSlot: r.u32()}
		count := r.u32()
		if r.err == nil && uint64(op.StartSlot)+uint64(count) > MaxVertexBufferSlots {
			r.invalid("slots %d+%d exceed %d", op.StartSlot, count, MaxVertexBufferSlots)
		}
		if r.err != nil {
			return op
		}
		if count > 0 {
			op.Bindings = make([]VertexBufferBinding, count)
		}
		for i := range op.Bindings {
			op.Bindings[i] = VertexBufferBinding{Buffer: r.handle(), Stride: r.u32(), Offset: r.u32()}
			r.u32()
		}
		return op
	},
	OpSetIndexBuffer: func(r *reader) Op {
		op := &SetIndexBuffer{Buffer: r.handle(), Format: IndexFormat(r.u32()), Offset: r.u32()}
		r.u32()
		if op.Format != IndexUint16 && op.Format != IndexUint32 {
			r.invalid("index format %d", op.Format)
		}
		return op
	},
	OpSetPrimitiveTopology: func(r *reader) Op {
		op := &SetPrimitiveTopology{Topology: Topology(r.u32())}
		r.u32()
		if !op.Topology.Valid() {
			r.invalid("topology %d", op.Topology)
		}
		return op
	},
	OpSetRenderState: func(r *reader) Op {
		op := &SetRenderState{State: RenderStateID(r.u32()), Value: r.u32()}
		switch op.State {
		case RenderStateCullMode:
			if CullMode(op.Value) > CullBack {
				r.invalid("cull mode %d", op.Value)
			}
		case RenderStateFrontCCW, RenderStateScissorEnable, RenderStateDepthEnable, RenderStateBlendEnable:
			if op.Value > 1 {
				r.invalid("boolean state %d = %d", op.State, op.Value)
			}
		default:
			r.invalid("render state %d", op.State)
		}
		return op
	},
	OpClear: func(r *reader) Op {
		op := &Clear{Flags: ClearFlags(r.u32())}
		for i := range op.Color {
			op.Color[i] = r.f32()
		}
		op.Depth = r.f32()
		op.Stencil = r.u32()
		if op.Flags&^clearAll != 0 {
			r.invalid("clear flags %#x", uint32(op.Flags))
		}
		return op
	},
	OpDraw: func(r *reader) Op {
		return &Draw{VertexCount: r.u32(), InstanceCount: r.u32(), FirstVertex: r.u32(), FirstInstance: r.u32()}
	},
	OpDrawIndexed: func(r *reader) Op {
		op := &DrawIndexed{IndexCount: r.u32(), InstanceCount: r.u32(), FirstIndex: r.u32(), BaseVertex: r.i32(), FirstInstance: r.u32()}
		r.u32()
		return op
	},
	OpPresent: func(r *reader) Op {
		return &Present{ScanoutID: r.u32(), Flags: r.u32()}
	},
	OpExportSharedSurface: func(r *reader) Op {
		op := &ExportSharedSurface{Handle: r.handle()}
		r.u32()
		op.Token = r.u64()
		r.liveHandle(op.Handle, "handle")
		if op.Token == 0 {
			r.invalid("token 0")
		}
		return op
	},
	OpImportSharedSurface: func(r *reader) Op {
		op := &ImportSharedSurface{Handle: r.handle()}
		r.u32()
		op.Token = r.u64()
		r.liveHandle(op.Handle, "handle")
		if op.Token == 0 {
			r.invalid("token 0")
		}
		return op
	},
	OpReleaseSharedSurface: func(r *reader) Op {
		op := &ReleaseSharedSurface{Token: r.u64()}
		if op.Token == 0 {
			r.invalid("token 0")
		}
		return op
	},
	OpFlush: func(r *reader) Op {
		r.u32()
		r.u32()
		return &Flush{}
	},
}

func checkUsage(r *reader, u Usage) {
	if u&^usageAll != 0 {
		r.invalid("usage %#x", uint32(u))
	}
}

func checkStage(r *reader, s ShaderStage) {
	if s >= StageCount {
		r.invalid("shader stage %d", s)
	}
}

package protocol

// Op is one decoded command. The set of implementations is closed; the
// engine dispatches on the concrete type.
type Op interface {
	// Opcode returns the wire opcode of the op.
	Opcode() Opcode

	encode(e *encoder) error
}

// Nop does nothing.
type Nop struct{}

// DebugMarker annotates the stream for tooling.
type DebugMarker struct {
	Text string
}

// CreateBuffer creates a linear buffer resource.
type CreateBuffer struct {
	Handle Handle
	Usage  Usage
	Size   uint64
}

// CreateTexture2D creates a two-dimensional texture resource. A zero
// RowPitch means tightly packed rows.
type CreateTexture2D struct {
	Handle      Handle
	Usage       Usage
	Format      Format
	Width       uint32
	Height      uint32
	MipLevels   uint32
	ArrayLayers uint32
	RowPitch    uint32
}

// DestroyResource releases a buffer or texture.
type DestroyResource struct {
	Handle Handle
}

// UploadResource writes Data into a resource at Offset.
type UploadResource struct {
	Handle Handle
	Offset uint64
	Data   []byte
}

// CopyBuffer copies Size bytes between two buffers.
type CopyBuffer struct {
	Dst       Handle
	Src       Handle
	DstOffset uint64
	SrcOffset uint64
	Size      uint64
}

// CreateShader creates a shader object for one stage.
type CreateShader struct {
	Handle   Handle
	Stage    ShaderStage
	Language ShaderLanguage
	Code     []byte
}

// DestroyShader releases a shader object.
type DestroyShader struct {
	Handle Handle
}

// BindShaders binds the programmable stages. A zero handle unbinds a stage.
type BindShaders struct {
	VS, PS, CS Handle
}

// SetShaderConstantsF writes float4 constant registers of one stage.
type SetShaderConstantsF struct {
	Stage         ShaderStage
	StartRegister uint32
	Values        [][4]float32
}

// InputElement describes one attribute of a vertex.
type InputElement struct {
	Semantic      Semantic
	SemanticIndex uint32
	Format        VertexFormat
	Slot          uint32
	Offset        uint32
}

// CreateInputLayout creates a vertex input layout object.
type CreateInputLayout struct {
	Handle   Handle
	Elements []InputElement
}

// DestroyInputLayout releases an input layout object.
type DestroyInputLayout struct {
	Handle Handle
}

// SetInputLayout binds an input layout. A zero handle unbinds.
type SetInputLayout struct {
	Handle Handle
}

// SetRenderTargets binds color targets in order plus an optional
// depth/stencil target.
type SetRenderTargets struct {
	Colors       []Handle
	DepthStencil Handle
}

// SetViewport sets the viewport transform.
type SetViewport struct {
	Viewport Viewport
}

// SetScissor sets the scissor rectangle.
type SetScissor struct {
	Rect Scissor
}

// VertexBufferBinding binds a buffer to one input slot. A zero buffer
// unbinds the slot.
type VertexBufferBinding struct {
	Buffer Handle
	Stride uint32
	Offset uint32
}

// SetVertexBuffers binds consecutive vertex buffer slots.
type SetVertexBuffers struct {
	StartSlot uint32
	Bindings  []VertexBufferBinding
}

// SetIndexBuffer binds the index buffer. A zero buffer unbinds it.
type SetIndexBuffer struct {
	Buffer Handle
	Format IndexFormat
	Offset uint32
}

// SetPrimitiveTopology selects the topology for subsequent draws.
type SetPrimitiveTopology struct {
	Topology Topology
}

// SetRenderState sets one fixed-function state.
type SetRenderState struct {
	State RenderStateID
	Value uint32
}

// Clear clears the bound targets.
type Clear struct {
	Flags   ClearFlags
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// Draw issues a non-indexed draw.
type Draw struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// DrawIndexed issues an indexed draw.
type DrawIndexed struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// Present hands the first bound render target to the scanout.
type Present struct {
	ScanoutID uint32
	Flags     uint32
}

// ExportSharedSurface publishes a texture under Token.
type ExportSharedSurface struct {
	Handle Handle
	Token  uint64
}

// ImportSharedSurface creates Handle as a new texture aliasing the surface
// published under Token.
type ImportSharedSurface struct {
	Handle Handle
	Token  uint64
}

// ReleaseSharedSurface retires Token. Imported handles stay valid.
type ReleaseSharedSurface struct {
	Token uint64
}

// Flush marks a point where pending backend work should be submitted.
type Flush struct{}

// Unknown is an op from the extension range that this ABI does not define.
type Unknown struct {
	Code    Opcode
	Payload []byte
}

func (*Nop) Opcode() Opcode                  { return OpNop }
func (*DebugMarker) Opcode() Opcode          { return OpDebugMarker }
func (*CreateBuffer) Opcode() Opcode         { return OpCreateBuffer }
func (*CreateTexture2D) Opcode() Opcode      { return OpCreateTexture2D }
func (*DestroyResource) Opcode() Opcode      { return OpDestroyResource }
func (*UploadResource) Opcode() Opcode       { return OpUploadResource }
func (*CopyBuffer) Opcode() Opcode           { return OpCopyBuffer }
func (*CreateShader) Opcode() Opcode         { return OpCreateShader }
func (*DestroyShader) Opcode() Opcode        { return OpDestroyShader }
func (*BindShaders) Opcode() Opcode          { return OpBindShaders }
func (*SetShaderConstantsF) Opcode() Opcode  { return OpSetShaderConstantsF }
func (*CreateInputLayout) Opcode() Opcode    { return OpCreateInputLayout }
func (*DestroyInputLayout) Opcode() Opcode   { return OpDestroyInputLayout }
func (*SetInputLayout) Opcode() Opcode       { return OpSetInputLayout }
func (*SetRenderTargets) Opcode() Opcode     { return OpSetRenderTargets }
func (*SetViewport) Opcode() Opcode          { return OpSetViewport }
func (*SetScissor) Opcode() Opcode           { return OpSetScissor }
func (*SetVertexBuffers) Opcode() Opcode     { return OpSetVertexBuffers }
func (*SetIndexBuffer) Opcode() Opcode       { return OpSetIndexBuffer }
func (*SetPrimitiveTopology) Opcode() Opcode { return OpSetPrimitiveTopology }
func (*SetRenderState) Opcode() Opcode       { return OpSetRenderState }
func (*Clear) Opcode() Opcode                { return OpClear }
func (*Draw) Opcode() Opcode                 { return OpDraw }
func (*DrawIndexed) Opcode() Opcode          { return OpDrawIndexed }
func (*Present) Opcode() Opcode              { return OpPresent }
func (*ExportSharedSurface) Opcode() Opcode  { return OpExportSharedSurface }
func (*ImportSharedSurface) Opcode() Opcode  { return OpImportSharedSurface }
func (*ReleaseSharedSurface) Opcode() Opcode { return OpReleaseSharedSurface }
func (*Flush) Opcode() Opcode                { return OpFlush }
func (u *Unknown) Opcode() Opcode            { return u.Code }

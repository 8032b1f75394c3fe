package protocol

import "fmt"

// Opcode identifies a packet kind.
type Opcode uint32

// Assigned opcodes.
const (
	OpNop         Opcode = 0x000
	OpDebugMarker Opcode = 0x001

	OpCreateBuffer    Opcode = 0x100
	OpCreateTexture2D Opcode = 0x101
	OpDestroyResource Opcode = 0x102
	OpUploadResource  Opcode = 0x104
	OpCopyBuffer      Opcode = 0x105

	OpCreateShader        Opcode = 0x200
	OpDestroyShader       Opcode = 0x201
	OpBindShaders         Opcode = 0x202
	OpSetShaderConstantsF Opcode = 0x203
	OpCreateInputLayout   Opcode = 0x204
	OpDestroyInputLayout  Opcode = 0x205
	OpSetInputLayout      Opcode = 0x206

	OpSetRenderTargets Opcode = 0x400
	OpSetViewport      Opcode = 0x401
	OpSetScissor       Opcode = 0x402

	OpSetVertexBuffers     Opcode = 0x500
	OpSetIndexBuffer       Opcode = 0x501
	OpSetPrimitiveTopology Opcode = 0x502
	OpSetRenderState       Opcode = 0x512

	OpClear       Opcode = 0x600
	OpDraw        Opcode = 0x601
	OpDrawIndexed Opcode = 0x602

	OpPresent              Opcode = 0x700
	OpExportSharedSurface  Opcode = 0x710
	OpImportSharedSurface  Opcode = 0x711
	OpReleaseSharedSurface Opcode = 0x712
	OpFlush                Opcode = 0x720
)

// Extension range bounds. Opcodes inside the range are reserved for
// forward-compatible additions and decode to Unknown.
const (
	ExtensionFirst Opcode = 0x8000
	ExtensionLast  Opcode = 0xFFFF
)

var opcodeNames = map[Opcode]string{
	OpNop:                  "nop",
	OpDebugMarker:          "debug_marker",
	OpCreateBuffer:         "create_buffer",
	OpCreateTexture2D:      "create_texture2d",
	OpDestroyResource:      "destroy_resource",
	OpUploadResource:       "upload_resource",
	OpCopyBuffer:           "copy_buffer",
	OpCreateShader:         "create_shader",
	OpDestroyShader:        "destroy_shader",
	OpBindShaders:          "bind_shaders",
	OpSetShaderConstantsF:  "set_shader_constants_f",
	OpCreateInputLayout:    "create_input_layout",
	OpDestroyInputLayout:   "destroy_input_layout",
	OpSetInputLayout:       "set_input_layout",
	OpSetRenderTargets:     "set_render_targets",
	OpSetViewport:          "set_viewport",
	OpSetScissor:           "set_scissor",
	OpSetVertexBuffers:     "set_vertex_buffers",
	OpSetIndexBuffer:       "set_index_buffer",
	OpSetPrimitiveTopology: "set_primitive_topology",
	OpSetRenderState:       "set_render_state",
	OpClear:                "clear",
	OpDraw:                 "draw",
	OpDrawIndexed:          "draw_indexed",
	OpPresent:              "present",
	OpExportSharedSurface:  "export_shared_surface",
	OpImportSharedSurface:  "import_shared_surface",
	OpReleaseSharedSurface: "release_shared_surface",
	OpFlush:                "flush",
}

// String returns the op name, or a hex form for unassigned opcodes.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	if o.IsExtension() {
		return fmt.Sprintf("extension(%#04x)", uint32(o))
	}
	return fmt.Sprintf("opcode(%#x)", uint32(o))
}

// IsExtension reports whether o lies in the reserved extension range.
func (o Opcode) IsExtension() bool {
	return o >= ExtensionFirst && o <= ExtensionLast
}

// IsAssigned reports whether o is a known opcode of this ABI.
func (o Opcode) IsAssigned() bool {
	_, ok := opcodeNames[o]
	return ok
}

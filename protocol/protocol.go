package protocol

import (
	"encoding/binary"

	"github.com/gogpu/vgpu"
)

// Stream constants.
const (
	// Magic identifies a command stream ("ACMD" in little-endian).
	Magic uint32 = 0x444D4341

	// VersionMajor is the ABI major version understood by this package.
	VersionMajor = 1

	// VersionMinor is the ABI minor version written by this package.
	VersionMinor = 0

	// ABIVersion is the packed version written into stream headers.
	ABIVersion uint32 = VersionMajor<<16 | VersionMinor

	// HeaderSize is the size of the stream header in bytes.
	HeaderSize = 24

	// PacketHeaderSize is the size of a packet header in bytes.
	PacketHeaderSize = 8
)

// Limits enforced at decode time.
const (
	MaxTextureDimension  = 16384
	MaxRenderTargets     = 8
	MaxVertexBufferSlots = 16
	MaxInputElements     = 16
	MaxConstantRegisters = 256
)

// Limits enforced when a draw executes. Vertex and index counts share
// MaxDrawVertices.
const (
	MaxDrawVertices  = 1 << 20
	MaxDrawInstances = 1 << 10
)

// Handle identifies a resource within one context. Handle 0 is reserved
// and never refers to a live resource.
type Handle uint32

// Header is the decoded stream header.
type Header struct {
	Magic      uint32
	ABIVersion uint32
	SizeBytes  uint32
	Flags      uint32
}

// Major returns the ABI major version.
func (h Header) Major() uint32 { return h.ABIVersion >> 16 }

// Minor returns the ABI minor version.
func (h Header) Minor() uint32 { return h.ABIVersion & 0xFFFF }

// ParseHeader decodes and validates the stream header at the start of buf.
// The returned header's SizeBytes is guaranteed to be within buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, vgpu.Errorf(vgpu.KindTruncatedStream, "header", "%d bytes, need %d", len(buf), HeaderSize)
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(buf[0:]),
		ABIVersion: binary.LittleEndian.Uint32(buf[4:]),
		SizeBytes:  binary.LittleEndian.Uint32(buf[8:]),
		Flags:      binary.LittleEndian.Uint32(buf[12:]),
	}
	switch {
	case h.Magic != Magic:
		return Header{}, vgpu.Errorf(vgpu.KindInvalidHeader, "header", "bad magic %#08x", h.Magic)
	case h.Major() != VersionMajor:
		return Header{}, vgpu.Errorf(vgpu.KindInvalidHeader, "header", "abi %d.%d incompatible with %d.x", h.Major(), h.Minor(), VersionMajor)
	case h.SizeBytes < HeaderSize || h.SizeBytes%4 != 0:
		return Header{}, vgpu.Errorf(vgpu.KindInvalidHeader, "header", "bad stream size %d", h.SizeBytes)
	case uint64(h.SizeBytes) > uint64(len(buf)):
		return Header{}, vgpu.Errorf(vgpu.KindTruncatedStream, "header", "stream declares %d bytes, have %d", h.SizeBytes, len(buf))
	}
	return h, nil
}

func putHeader(dst []byte, size uint32) {
	binary.LittleEndian.PutUint32(dst[0:], Magic)
	binary.LittleEndian.PutUint32(dst[4:], ABIVersion)
	binary.LittleEndian.PutUint32(dst[8:], size)
	binary.LittleEndian.PutUint32(dst[12:], 0)
	binary.LittleEndian.PutUint32(dst[16:], 0)
	binary.LittleEndian.PutUint32(dst[20:], 0)
}

func align4(n int) int { return (n + 3) &^ 3 }

// Package protocol defines the binary command stream consumed by the engine.
//
// A stream is a 24-byte header followed by a sequence of packets. Every
// packet starts with an 8-byte header (opcode, size in bytes including the
// header) and is 4-byte aligned. All multi-byte fields are fixed-width
// little-endian.
//
//	stream:  magic u32 | abi_version u32 | size_bytes u32 | flags u32 | reserved u32 | reserved u32
//	packet:  opcode u32 | size_bytes u32 | payload ...
//
// The ABI version is major<<16 | minor. Decoders accept any stream with the
// same major version; fields appended by newer minor versions are ignored
// because every packet carries its own size.
//
// Opcodes 0x8000-0xFFFF form the extension range. They decode to [Unknown]
// and are skipped by consumers, which keeps forward compatibility decidable:
// any other unassigned opcode is an UnknownOp error, never silently skipped.
//
// Building a stream:
//
//	w := protocol.NewWriter()
//	_ = w.Append(&protocol.CreateTexture2D{Handle: 1, Format: protocol.FormatR8G8B8A8Unorm, Width: 64, Height: 64})
//	_ = w.Append(&protocol.SetRenderTargets{Colors: []protocol.Handle{1}})
//	_ = w.Append(&protocol.Clear{Flags: protocol.ClearColor, Color: [4]float32{0, 1, 0, 1}})
//	_ = w.Append(&protocol.Present{})
//	stream := w.Bytes()
//
// Decoding it again:
//
//	d, err := protocol.NewDecoder(stream)
//	for err == nil {
//	    var op protocol.Op
//	    op, err = d.Next()
//	    ...
//	}
package protocol

package protocol

import (
	"errors"
	"io"
	"testing"

	"github.com/gogpu/vgpu"
)

// FuzzDecode checks that arbitrary bytes either decode to ops with a cursor
// that strictly advances inside the stream, or fail with a classified error.
func FuzzDecode(f *testing.F) {
	for _, op := range allOps() {
		stream, err := Build(op)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(stream)
	}
	full, _ := Build(allOps()...)
	f.Add(full)
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		d, err := NewDecoder(data)
		if err != nil {
			if vgpu.KindOf(err) == vgpu.KindBackendFailure {
				t.Fatalf("unclassified header error: %v", err)
			}
			return
		}
		limit := int(d.Header().SizeBytes)
		for {
			before := d.Offset()
			op, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if k := vgpu.KindOf(err); !k.IsDecode() {
					t.Fatalf("decode error with kind %v: %v", k, err)
				}
				return
			}
			if op == nil {
				t.Fatal("nil op without error")
			}
			if d.Offset() <= before || d.Offset() > limit {
				t.Fatalf("cursor %d -> %d outside (%d, %d]", before, d.Offset(), before, limit)
			}
			// Re-encoding a decoded op must succeed and decode to the same opcode.
			buf, err := AppendOp(nil, op)
			if err != nil {
				t.Fatalf("re-encode %v: %v", op.Opcode(), err)
			}
			if len(buf) < PacketHeaderSize {
				t.Fatalf("re-encoded %v is %d bytes", op.Opcode(), len(buf))
			}
		}
	})
}

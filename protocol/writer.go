package protocol

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/vgpu"
)

// Writer builds a command stream. The first encoding error is sticky and
// returned by every later Append and by Finish.
//
// Writer is not safe for concurrent use.
type Writer struct {
	buf []byte
	ops int
	err error
}

// NewWriter returns a Writer holding an empty stream.
func NewWriter() *Writer {
	w := &Writer{}
	w.Reset()
	return w
}

// Reset discards all appended ops.
func (w *Writer) Reset() {
	w.buf = append(w.buf[:0], make([]byte, HeaderSize)...)
	w.ops = 0
	w.err = nil
}

// Append encodes op at the end of the stream.
func (w *Writer) Append(op Op) error {
	if w.err != nil {
		return w.err
	}
	buf, err := AppendOp(w.buf, op)
	if err != nil {
		w.err = err
		return err
	}
	if len(buf) > math.MaxUint32 {
		w.err = vgpu.Errorf(vgpu.KindInvalidField, "writer", "stream exceeds 4 GiB")
		return w.err
	}
	w.buf = buf
	w.ops++
	return nil
}

// Len returns the number of ops appended so far.
func (w *Writer) Len() int { return w.ops }

// Err returns the sticky encoding error, if any.
func (w *Writer) Err() error { return w.err }

// Finish returns a copy of the stream with its header filled in.
func (w *Writer) Finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	putHeader(out, uint32(len(out)))
	return out, nil
}

// Bytes is like Finish but returns nil on error.
func (w *Writer) Bytes() []byte {
	out, _ := w.Finish()
	return out
}

// Build encodes ops into a complete stream.
func Build(ops ...Op) ([]byte, error) {
	w := NewWriter()
	for _, op := range ops {
		if err := w.Append(op); err != nil {
			return nil, err
		}
	}
	return w.Finish()
}

// SetSize rewrites the declared size of a stream in place. It exists for
// tools that splice or truncate recorded streams.
func SetSize(stream []byte, size uint32) {
	if len(stream) >= HeaderSize {
		binary.LittleEndian.PutUint32(stream[8:], size)
	}
}

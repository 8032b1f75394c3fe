// Package trace records command-stream sessions and replays them.
//
// A trace file is little-endian throughout:
//
//	header   "VGPT", container version u32, command ABI u32,
//	         name length u32, name (padded to 4 bytes)
//	records  tag u32, payload length u32, payload (padded to 4 bytes)
//	end      an End record listing the frame count, the record count and
//	         the file offset of every BeginFrame record
//
// Records are BeginFrame{index}, Submit{context, fence, stream},
// Tick{frame time}, Present{index} and End.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// Container constants.
const (
	// Magic starts every trace file.
	Magic = "VGPT"

	// Version is the container version written and read by this package.
	Version = 1

	headerSize = 16
	recordSize = 8
)

// Trace errors.
var (
	ErrBadMagic           = errors.New("trace: bad magic")
	ErrUnsupportedVersion = errors.New("trace: unsupported container version")
	ErrTruncated          = errors.New("trace: truncated")
	ErrCorrupt            = errors.New("trace: corrupt")
	ErrFinished           = errors.New("trace: writer already finished")
)

// Tag identifies a record kind.
type Tag uint32

// Record tags.
const (
	TagBeginFrame Tag = 1
	TagSubmit     Tag = 2
	TagTick       Tag = 3
	TagPresent    Tag = 4
	TagEnd        Tag = 0xFF
)

// Meta is the trace header.
type Meta struct {
	Name string
	// ABI is the packed command ABI version of the recorded streams.
	ABI uint32
}

// Record is one entry of a trace.
type Record interface{ Tag() Tag }

// BeginFrame opens frame Index.
type BeginFrame struct{ Index uint32 }

// Submit is a recorded submission.
type Submit struct {
	Context uint32
	Fence   uint64
	Stream  []byte
}

// Tick is a recorded presentation tick.
type Tick struct{ FrameTimeMs float64 }

// Present closes frame Index; replay captures the frame here.
type Present struct{ Index uint32 }

func (BeginFrame) Tag() Tag { return TagBeginFrame }
func (Submit) Tag() Tag     { return TagSubmit }
func (Tick) Tag() Tag       { return TagTick }
func (Present) Tag() Tag    { return TagPresent }

// Writer writes a trace. Errors are sticky.
type Writer struct {
	w       io.Writer
	off     int64
	frames  []uint64
	records uint32
	err     error
	done    bool
}

// NewWriter writes the trace header to w.
func NewWriter(w io.Writer, meta Meta) (*Writer, error) {
	tw := &Writer{w: w}
	name := []byte(meta.Name)
	buf := make([]byte, 0, headerSize+pad(len(name)))
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, Version)
	buf = binary.LittleEndian.AppendUint32(buf, meta.ABI)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = append(buf, make([]byte, pad(len(name))-len(name))...)
	if err := tw.write(buf); err != nil {
		return nil, err
	}
	return tw, nil
}

func pad(n int) int { return (n + 3) &^ 3 }

func (tw *Writer) write(b []byte) error {
	if tw.err != nil {
		return tw.err
	}
	n, err := tw.w.Write(b)
	tw.off += int64(n)
	if err != nil {
		tw.err = fmt.Errorf("trace: write: %w", err)
	}
	return tw.err
}

func (tw *Writer) record(tag Tag, payload []byte) error {
	if tw.done {
		return ErrFinished
	}
	if uint64(len(payload)) > math.MaxUint32-recordSize {
		return fmt.Errorf("%w: record of %d bytes", ErrCorrupt, len(payload))
	}
	buf := make([]byte, 0, recordSize+pad(len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tag))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, make([]byte, pad(len(payload))-len(payload))...)
	if err := tw.write(buf); err != nil {
		return err
	}
	if tag != TagEnd {
		tw.records++
	}
	return nil
}

// BeginFrame starts frame index.
func (tw *Writer) BeginFrame(index uint32) error {
	off := uint64(tw.off)
	if err := tw.record(TagBeginFrame, binary.LittleEndian.AppendUint32(nil, index)); err != nil {
		return err
	}
	tw.frames = append(tw.frames, off)
	return nil
}

// Submit records a stream submitted to context ctx under fence.
func (tw *Writer) Submit(ctx uint32, fence uint64, stream []byte) error {
	p := make([]byte, 0, 16+len(stream))
	p = binary.LittleEndian.AppendUint32(p, ctx)
	p = binary.LittleEndian.AppendUint32(p, uint32(len(stream)))
	p = binary.LittleEndian.AppendUint64(p, fence)
	p = append(p, stream...)
	return tw.record(TagSubmit, p)
}

// Tick records a presentation tick.
func (tw *Writer) Tick(frameTimeMs float64) error {
	return tw.record(TagTick, binary.LittleEndian.AppendUint64(nil, math.Float64bits(frameTimeMs)))
}

// Present ends frame index.
func (tw *Writer) Present(index uint32) error {
	return tw.record(TagPresent, binary.LittleEndian.AppendUint32(nil, index))
}

// Close writes the End record. It does not close the underlying writer.
func (tw *Writer) Close() error {
	if tw.done {
		return tw.err
	}
	p := make([]byte, 0, 8+8*len(tw.frames))
	p = binary.LittleEndian.AppendUint32(p, uint32(len(tw.frames)))
	p = binary.LittleEndian.AppendUint32(p, tw.records)
	for _, off := range tw.frames {
		p = binary.LittleEndian.AppendUint64(p, off)
	}
	err := tw.record(TagEnd, p)
	tw.done = true
	return err
}

// Trace is a parsed trace file.
type Trace struct {
	Meta    Meta
	Records []Record
	// Frames holds, per frame, the index into Records of its BeginFrame.
	Frames []int
}

// Read parses a whole trace from r.
func Read(r io.Reader) (*Trace, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("trace: read: %w", err)
	}
	return Parse(data)
}

type cursor struct {
	data []byte
	off  int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || n > len(c.data)-c.off {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, c.off)
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

// Parse decodes a trace held in memory. Submit streams alias data.
func Parse(data []byte) (*Trace, error) {
	c := &cursor{data: data}
	h, err := c.take(headerSize)
	if err != nil {
		return nil, err
	}
	if string(h[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint32(h[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	t := &Trace{Meta: Meta{ABI: binary.LittleEndian.Uint32(h[8:])}}
	nameLen := binary.LittleEndian.Uint32(h[12:])
	if uint64(nameLen) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: name of %d bytes", ErrTruncated, nameLen)
	}
	name, err := c.take(pad(int(nameLen)))
	if err != nil {
		return nil, err
	}
	t.Meta.Name = strings.ToValidUTF8(string(name[:nameLen]), "\uFFFD")

	offsets := map[int]int{} // file offset of a BeginFrame -> record index
	for {
		start := c.off
		rh, err := c.take(recordSize)
		if err != nil {
			return nil, err
		}
		tag := Tag(binary.LittleEndian.Uint32(rh))
		n := binary.LittleEndian.Uint32(rh[4:])
		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: record of %d bytes at offset %d", ErrTruncated, n, start)
		}
		body, err := c.take(pad(int(n)))
		if err != nil {
			return nil, err
		}
		p := body[:n]
		if tag == TagEnd {
			if err := t.checkEnd(p, offsets); err != nil {
				return nil, err
			}
			return t, nil
		}
		rec, err := decodeRecord(tag, p)
		if err != nil {
			return nil, fmt.Errorf("%w at offset %d", err, start)
		}
		if tag == TagBeginFrame {
			offsets[start] = len(t.Records)
		}
		t.Records = append(t.Records, rec)
	}
}

func decodeRecord(tag Tag, p []byte) (Record, error) {
	le := binary.LittleEndian
	switch tag {
	case TagBeginFrame, TagPresent:
		if len(p) != 4 {
			return nil, fmt.Errorf("%w: frame record of %d bytes", ErrCorrupt, len(p))
		}
		if tag == TagBeginFrame {
			return BeginFrame{Index: le.Uint32(p)}, nil
		}
		return Present{Index: le.Uint32(p)}, nil
	case TagSubmit:
		if len(p) < 16 {
			return nil, fmt.Errorf("%w: submit record of %d bytes", ErrCorrupt, len(p))
		}
		n := le.Uint32(p[4:])
		if uint64(n) != uint64(len(p)-16) {
			return nil, fmt.Errorf("%w: submit declares %d stream bytes, has %d", ErrCorrupt, n, len(p)-16)
		}
		return Submit{Context: le.Uint32(p), Fence: le.Uint64(p[8:]), Stream: p[16:]}, nil
	case TagTick:
		if len(p) != 8 {
			return nil, fmt.Errorf("%w: tick record of %d bytes", ErrCorrupt, len(p))
		}
		return Tick{FrameTimeMs: math.Float64frombits(le.Uint64(p))}, nil
	}
	return nil, fmt.Errorf("%w: unknown record tag %d", ErrCorrupt, tag)
}

// checkEnd validates the End record against the records read so far.
func (t *Trace) checkEnd(p []byte, offsets map[int]int) error {
	le := binary.LittleEndian
	if len(p) < 8 {
		return fmt.Errorf("%w: end record of %d bytes", ErrCorrupt, len(p))
	}
	frames, records := le.Uint32(p), le.Uint32(p[4:])
	if uint64(records) != uint64(len(t.Records)) {
		return fmt.Errorf("%w: end lists %d records, found %d", ErrCorrupt, records, len(t.Records))
	}
	if uint64(len(p)-8) != uint64(frames)*8 || int(frames) != len(offsets) {
		return fmt.Errorf("%w: end lists %d frames, found %d", ErrCorrupt, frames, len(offsets))
	}
	t.Frames = make([]int, frames)
	for i := range t.Frames {
		off := le.Uint64(p[8+8*i:])
		idx, ok := offsets[int(min(off, math.MaxInt32))]
		if !ok {
			return fmt.Errorf("%w: frame %d offset %d is not a frame start", ErrCorrupt, i, off)
		}
		t.Frames[i] = idx
	}
	return nil
}

// Write encodes t to w.
func (t *Trace) Write(w io.Writer) error {
	tw, err := NewWriter(w, t.Meta)
	if err != nil {
		return err
	}
	for _, rec := range t.Records {
		switch r := rec.(type) {
		case BeginFrame:
			err = tw.BeginFrame(r.Index)
		case Submit:
			err = tw.Submit(r.Context, r.Fence, r.Stream)
		case Tick:
			err = tw.Tick(r.FrameTimeMs)
		case Present:
			err = tw.Present(r.Index)
		default:
			err = fmt.Errorf("%w: record %T", ErrCorrupt, rec)
		}
		if err != nil {
			return err
		}
	}
	return tw.Close()
}

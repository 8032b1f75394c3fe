package trace

import (
	"io"

	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/worker"
)

// Recorder captures worker messages into a trace. Every Tick ends a
// frame: the recorder writes the tick followed by a Present record, and
// the next submission opens a new frame.
type Recorder struct {
	w     *Writer
	frame uint32
	open  bool
}

// NewRecorder starts a trace named name on w.
func NewRecorder(w io.Writer, name string) (*Recorder, error) {
	tw, err := NewWriter(w, Meta{Name: name, ABI: protocol.ABIVersion})
	if err != nil {
		return nil, err
	}
	return &Recorder{w: tw}, nil
}

// Frames returns the number of frames closed so far.
func (r *Recorder) Frames() uint32 { return r.frame }

// Record appends msg. Messages other than Submit and Tick are not part of
// a trace and are ignored.
func (r *Recorder) Record(msg worker.Message) error {
	switch m := msg.(type) {
	case worker.Submit:
		if err := r.begin(); err != nil {
			return err
		}
		return r.w.Submit(m.ContextID, m.Fence, m.Stream)
	case worker.Tick:
		if err := r.begin(); err != nil {
			return err
		}
		if err := r.w.Tick(m.FrameTimeMs); err != nil {
			return err
		}
		return r.end()
	}
	return nil
}

func (r *Recorder) begin() error {
	if r.open {
		return nil
	}
	if err := r.w.BeginFrame(r.frame); err != nil {
		return err
	}
	r.open = true
	return nil
}

func (r *Recorder) end() error {
	if err := r.w.Present(r.frame); err != nil {
		return err
	}
	r.frame++
	r.open = false
	return nil
}

// Close ends an open frame and writes the End record.
func (r *Recorder) Close() error {
	if r.open {
		if err := r.end(); err != nil {
			return err
		}
	}
	return r.w.Close()
}

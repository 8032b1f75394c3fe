package trace

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/submit"
)

// ErrNotPresented is returned when a frame ends before anything was
// presented.
var ErrNotPresented = errors.New("trace: frame ended without a present")

// Frame is a frame captured at a Present record.
type Frame struct {
	Index  uint32
	Width  int
	Height int
	// RGBA holds Width*Height RGBA8 texels, rows top to bottom.
	RGBA []byte
}

// SHA256 returns the hex digest of width and height (u32 little-endian)
// followed by the pixels.
func (f Frame) SHA256() string {
	h := sha256.New()
	var dims [8]byte
	binary.LittleEndian.PutUint32(dims[0:], uint32(f.Width))
	binary.LittleEndian.PutUint32(dims[4:], uint32(f.Height))
	h.Write(dims[:])
	h.Write(f.RGBA)
	return hex.EncodeToString(h.Sum(nil))
}

// Image returns the frame as an image sharing its pixels.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{Pix: f.RGBA, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}
}

// pollInterval is how long a capture waits between ticks while a backend
// finishes outstanding work.
const pollInterval = time.Millisecond

// Replay executes t on the initialized backend b and returns the frame
// captured at every Present record. Faulted streams are logged and do not
// stop the replay; they are part of what was recorded.
func Replay(ctx context.Context, t *Trace, b backend.Backend) ([]Frame, error) {
	m := submit.New(b, submit.WithQueueDepth(len(t.Records)+1))
	defer m.Shutdown()

	var frames []Frame
	var request uint64
	for _, rec := range t.Records {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		switch r := rec.(type) {
		case Submit:
			request++
			if err := m.Submit(request, r.Context, r.Fence, r.Stream); err != nil {
				return frames, fmt.Errorf("trace: submit fence %d to context %d: %w", r.Fence, r.Context, err)
			}
		case Tick:
			logFaults(b, m.Tick(r.FrameTimeMs))
		case Present:
			f, err := capture(ctx, m, b, r.Index)
			if err != nil {
				return frames, err
			}
			frames = append(frames, f)
		}
	}
	return frames, nil
}

func logFaults(b backend.Backend, res submit.TickResult) {
	for _, c := range res.Completed {
		if c.Err != nil {
			vgpu.Logger().Warn("replayed stream faulted", "backend", b.Name(), "context", c.Context, "fence", c.Fence, "error", c.Err)
		}
	}
}

// capture takes a screenshot, ticking until every submitted fence is
// reached.
func capture(ctx context.Context, m *submit.Manager, b backend.Backend, index uint32) (Frame, error) {
	id := uint64(index)
	shot, ok, err := m.Screenshot(id)
	for err == nil && !ok {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(pollInterval):
		}
		res := m.Tick(0)
		logFaults(b, res)
		for _, s := range res.Screenshots {
			if s.RequestID == id {
				shot, ok = s, true
			}
		}
	}
	if err == nil {
		err = shot.Err
	}
	if err != nil {
		return Frame{}, fmt.Errorf("trace: frame %d: %w", index, err)
	}
	if shot.Width == 0 || shot.Height == 0 {
		return Frame{}, fmt.Errorf("%w: frame %d", ErrNotPresented, index)
	}
	return Frame{Index: index, Width: shot.Width, Height: shot.Height, RGBA: shot.Pixels}, nil
}

// ReplayOn opens the named backend, replays t on it and closes it.
func ReplayOn(ctx context.Context, t *Trace, name string) ([]Frame, error) {
	b, err := backend.Open(name)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return Replay(ctx, t, b)
}

// Mismatch is the first frame whose pixels differ between two backends.
type Mismatch struct {
	Frame    int
	Backend  string
	Want     string
	Got      string
	Baseline string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("trace: frame %d differs: %s %s, %s %s", m.Frame, m.Baseline, m.Want, m.Backend, m.Got)
}

// Report is the outcome of a conformance run.
type Report struct {
	Backends []string
	// Frames holds the replayed frames per backend, in Backends order.
	Frames [][]Frame
	// Mismatch is nil when every backend produced identical frames.
	Mismatch *Mismatch
}

// Conformance replays t on every named backend concurrently and compares
// the frames against those of the first backend.
func Conformance(ctx context.Context, t *Trace, names ...string) (*Report, error) {
	if len(names) < 2 {
		return nil, fmt.Errorf("trace: conformance needs at least two backends, got %d", len(names))
	}
	rep := &Report{Backends: names, Frames: make([][]Frame, len(names))}
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			frames, err := ReplayOn(gctx, t, name)
			if err != nil {
				return fmt.Errorf("backend %s: %w", name, err)
			}
			rep.Frames[i] = frames
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	base := rep.Frames[0]
	for i := 1; i < len(names) && rep.Mismatch == nil; i++ {
		frames := rep.Frames[i]
		for j := 0; j < max(len(base), len(frames)); j++ {
			var want, got string
			if j < len(base) {
				want = base[j].SHA256()
			}
			if j < len(frames) {
				got = frames[j].SHA256()
			}
			if want != got {
				rep.Mismatch = &Mismatch{Frame: j, Backend: names[i], Want: want, Got: got, Baseline: names[0]}
				break
			}
		}
	}
	if rep.Mismatch != nil {
		vgpu.Logger().Warn("conformance mismatch", "frame", rep.Mismatch.Frame, "backend", rep.Mismatch.Backend)
	}
	return rep, nil
}

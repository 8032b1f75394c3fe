// Package submit queues command streams per context and makes their
// completion visible on the presentation clock.
//
// Submit enqueues a stream under a caller-chosen fence. Pump executes
// queued streams and hands them to the backend. Tick advances the clock:
// every stream whose backend work has finished retires in submission
// order, its fence becomes Reached and a Completed record is returned.
// A fence is never Reached between ticks, even when the backend finished
// earlier.
package submit

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/bridge"
	"github.com/gogpu/vgpu/engine"
)

// DefaultQueueDepth is the number of unretired streams a context may hold.
const DefaultQueueDepth = 16

// FenceState is the answer of PollFence.
type FenceState uint8

// Fence states.
const (
	// FenceUnknown means the fence was never submitted to the context, or
	// the context does not exist or was shut down before reaching it.
	FenceUnknown FenceState = iota
	// FencePending means the fence was submitted and is not reached yet.
	FencePending
	// FenceReached means the fence retired at a tick.
	FenceReached
)

func (s FenceState) String() string {
	switch s {
	case FencePending:
		return "pending"
	case FenceReached:
		return "reached"
	}
	return "unknown"
}

// Completed reports a retired stream.
type Completed struct {
	RequestID uint64
	Context   uint32
	Fence     uint64
	// Ops is the number of ops that executed.
	Ops int
	// Presents is the cumulative present count of the context.
	Presents uint64
	// Err is the fault of the stream, or nil.
	Err error
}

// Screenshot is a resolved screenshot request. A frame with zero size
// means nothing was presented.
type Screenshot struct {
	RequestID uint64
	Width     int
	Height    int
	// Pixels holds Width*Height RGBA8 texels, rows top to bottom.
	Pixels []byte
	Err    error
}

// TickResult is everything that became visible at one tick.
type TickResult struct {
	Completed   []Completed
	Screenshots []Screenshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueueDepth bounds the number of unretired streams per context.
// Values below 1 are ignored.
func WithQueueDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.depth = n
		}
	}
}

// WithContextOptions passes options to every context the manager creates.
func WithContextOptions(opts ...engine.Option) Option {
	return func(m *Manager) { m.ctxOpts = append(m.ctxOpts, opts...) }
}

type submission struct {
	request uint64
	fence   uint64
	stream  []byte

	executed bool
	result   engine.Result
	done     *backend.Completion
}

type slot struct {
	ctx     *engine.Context
	queue   []*submission // unretired, in submission order
	last    uint64        // highest submitted fence
	reached uint64        // highest retired fence
}

type screenshotRequest struct {
	id      uint64
	targets map[uint32]uint64
}

// Manager owns the contexts of one backend. All methods are safe for
// concurrent use; streams still execute one at a time.
type Manager struct {
	mu      sync.Mutex
	backend backend.Backend
	bridge  *bridge.Table
	depth   int
	ctxOpts []engine.Option

	slots     map[uint32]*slot
	shots     []screenshotRequest
	scanout   uint32 // context that presented last
	presented bool
	frames    uint64
	closed    bool

	// changed is closed and replaced whenever fences move.
	changed chan struct{}
}

// New returns a Manager executing on b, which must be initialized.
func New(b backend.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: b,
		bridge:  bridge.NewTable(),
		depth:   DefaultQueueDepth,
		slots:   make(map[uint32]*slot),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the backend streams execute on.
func (m *Manager) Backend() backend.Backend { return m.backend }

// Frames returns the number of ticks so far.
func (m *Manager) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Context returns the context with the given id, or nil.
func (m *Manager) Context(id uint32) *engine.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[id]; ok {
		return s.ctx
	}
	return nil
}

// Contexts returns the ids of all contexts in ascending order.
func (m *Manager) Contexts() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Submit enqueues stream for context ctxID under fence. The context is
// created on first use. Fences must strictly increase per context. The
// stream is not copied; the caller must not modify it afterwards.
func (m *Manager) Submit(request uint64, ctxID uint32, fence uint64, stream []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return vgpu.Errorf(vgpu.KindContextShutdown, "submit", "manager is shut down")
	}
	s, err := m.slot(ctxID)
	if err != nil {
		return err
	}
	if err := s.ctx.Lost(); err != nil {
		return err
	}
	if fence <= s.last {
		return vgpu.Errorf(vgpu.KindInvalidField, "submit", "fence %d not above %d", fence, s.last)
	}
	if len(s.queue) >= m.depth {
		return vgpu.Errorf(vgpu.KindQueueFull, "submit", "context %d has %d unretired streams", ctxID, len(s.queue))
	}
	s.queue = append(s.queue, &submission{request: request, fence: fence, stream: stream})
	s.last = fence
	return nil
}

func (m *Manager) slot(id uint32) (*slot, error) {
	if s, ok := m.slots[id]; ok {
		return s, nil
	}
	opts := append([]engine.Option{engine.WithBridge(m.bridge), engine.WithID(id)}, m.ctxOpts...)
	ctx, err := engine.NewContext(m.backend, opts...)
	if err != nil {
		return nil, err
	}
	s := &slot{ctx: ctx}
	m.slots[id] = s
	return s, nil
}

// Pump executes every queued stream that has not run yet, in context id
// order and submission order within a context. It returns the number of
// streams executed.
func (m *Manager) Pump() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pump()
}

func (m *Manager) pump() int {
	n := 0
	for _, id := range m.ids() {
		s := m.slots[id]
		for _, sub := range s.queue {
			if sub.executed {
				continue
			}
			sub.result = s.ctx.Execute(sub.stream)
			sub.executed = true
			sub.stream = nil
			sub.done = m.backend.Flush()
			if sub.result.Presents > 0 {
				m.scanout, m.presented = id, true
			}
			n++
		}
	}
	return n
}

func (m *Manager) ids() []uint32 {
	ids := make([]uint32, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Tick advances the presentation clock by one frame. Queued streams are
// executed first; then each context retires, in order, every stream whose
// backend work has completed, stopping at the first that has not.
// Screenshot requests whose fences are all reached resolve last.
func (m *Manager) Tick(frameTimeMs float64) TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res TickResult
	if m.closed {
		return res
	}
	m.frames++
	m.pump()
	for _, id := range m.ids() {
		s := m.slots[id]
		n := 0
		for _, sub := range s.queue {
			if !sub.done.Ready() {
				break
			}
			err := sub.result.Err
			if ferr := sub.done.Err(); err == nil && ferr != nil {
				err = vgpu.Wrap(vgpu.KindBackendFailure, "flush", ferr)
			}
			res.Completed = append(res.Completed, Completed{
				RequestID: sub.request,
				Context:   id,
				Fence:     sub.fence,
				Ops:       sub.result.Ops,
				Presents:  s.ctx.Presents(),
				Err:       err,
			})
			s.reached = sub.fence
			n++
		}
		s.queue = slices.Delete(s.queue, 0, n)
	}

	kept := m.shots[:0]
	for _, req := range m.shots {
		if m.settled(req.targets) {
			res.Screenshots = append(res.Screenshots, m.capture(req.id))
		} else {
			kept = append(kept, req)
		}
	}
	m.shots = kept

	if len(res.Completed) > 0 {
		vgpu.Logger().Debug("tick", "frame", m.frames, "frame_time_ms", frameTimeMs, "retired", len(res.Completed))
	}
	m.broadcast()
	return res
}

func (m *Manager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// settled reports whether every target fence is reached.
func (m *Manager) settled(targets map[uint32]uint64) bool {
	for id, fence := range targets {
		if s, ok := m.slots[id]; ok && s.reached < fence {
			return false
		}
	}
	return true
}

// capture reads the most recently presented frame of any context.
func (m *Manager) capture(id uint64) Screenshot {
	shot := Screenshot{RequestID: id}
	if !m.presented {
		return shot
	}
	s, ok := m.slots[m.scanout]
	if !ok {
		return shot
	}
	img, err := s.ctx.Screenshot()
	if err != nil {
		shot.Err = err
		return shot
	}
	if img == nil {
		return shot
	}
	b := img.Bounds()
	shot.Width, shot.Height = b.Dx(), b.Dy()
	shot.Pixels = make([]byte, 0, b.Dx()*b.Dy()*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		shot.Pixels = append(shot.Pixels, img.Pix[off:off+b.Dx()*4]...)
	}
	return shot
}

// Screenshot requests the most recently presented frame. When no stream
// is unretired the frame is captured at once and returned with ok set.
// Otherwise the request resolves at the tick that reaches every fence
// submitted so far.
func (m *Manager) Screenshot(id uint64) (shot Screenshot, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Screenshot{}, false, vgpu.Errorf(vgpu.KindContextShutdown, "screenshot", "manager is shut down")
	}
	targets := make(map[uint32]uint64)
	for cid, s := range m.slots {
		if s.reached < s.last {
			targets[cid] = s.last
		}
	}
	if len(targets) == 0 {
		return m.capture(id), true, nil
	}
	m.shots = append(m.shots, screenshotRequest{id: id, targets: targets})
	return Screenshot{}, false, nil
}

// PollFence reports the state of fence in context ctxID.
func (m *Manager) PollFence(ctxID uint32, fence uint64) FenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poll(ctxID, fence)
}

func (m *Manager) poll(ctxID uint32, fence uint64) FenceState {
	s, ok := m.slots[ctxID]
	switch {
	case !ok || fence == 0:
		return FenceUnknown
	case fence <= s.reached:
		return FenceReached
	case fence <= s.last && !m.closed:
		return FencePending
	}
	return FenceUnknown
}

// Wait blocks until fence is reached in context ctxID. It fails with
// ContextShutdown when the manager shuts down first and with InvalidField
// when the fence was never submitted.
func (m *Manager) Wait(ctx context.Context, ctxID uint32, fence uint64) error {
	for {
		m.mu.Lock()
		state, closed, ch := m.poll(ctxID, fence), m.closed, m.changed
		m.mu.Unlock()
		switch {
		case state == FenceReached:
			return nil
		case closed:
			return vgpu.Errorf(vgpu.KindContextShutdown, "wait", "fence %d of context %d abandoned", fence, ctxID)
		case state == FenceUnknown:
			return vgpu.Errorf(vgpu.KindInvalidField, "wait", "fence %d was not submitted to context %d", fence, ctxID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Shutdown stops the manager: no further streams run, every unretired
// stream fails with ContextShutdown, pending screenshots fail the same
// way and all contexts release their resources. In-flight backend work is
// abandoned. The backend itself is left open.
func (m *Manager) Shutdown() TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res TickResult
	if m.closed {
		return res
	}
	m.closed = true
	shutdown := vgpu.Errorf(vgpu.KindContextShutdown, "shutdown", "stream abandoned")
	for _, id := range m.ids() {
		s := m.slots[id]
		for _, sub := range s.queue {
			res.Completed = append(res.Completed, Completed{
				RequestID: sub.request,
				Context:   id,
				Fence:     sub.fence,
				Ops:       sub.result.Ops,
				Presents:  s.ctx.Presents(),
				Err:       shutdown,
			})
		}
		if len(s.queue) > 0 {
			vgpu.Logger().Warn("abandoned fences", "context", id, "count", len(s.queue))
		}
		s.queue = nil
		s.ctx.Destroy()
	}
	for _, req := range m.shots {
		res.Screenshots = append(res.Screenshots, Screenshot{RequestID: req.id, Err: shutdown})
	}
	m.shots = nil
	m.broadcast()
	vgpu.Logger().Info("submission manager shut down", "contexts", len(m.slots))
	return res
}

// Closed reports whether Shutdown was called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// IsShutdown reports whether err is a ContextShutdown failure.
func IsShutdown(err error) bool { return errors.Is(err, vgpu.KindContextShutdown) }

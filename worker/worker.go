// Package worker implements the message protocol between a producer and
// the GPU worker.
//
// The producer sends Init once, then any number of Submit, Tick and
// ScreenshotRequest messages, and finally Shutdown. The worker answers
// with Ready, SubmitComplete, Screenshot and Error events. A Worker is
// driven either message by message through Handle or as a loop over
// channels through Run.
package worker

import (
	"context"
	"fmt"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/engine"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/submit"

	// Register the backends selectable by name.
	_ "github.com/gogpu/vgpu/backend/compat"
	_ "github.com/gogpu/vgpu/backend/native"
	_ "github.com/gogpu/vgpu/backend/software"
)

// Message is a request to the worker.
type Message interface{ message() }

// InitOptions configures the worker at Init.
type InitOptions struct {
	// Backend names the backend to open. Empty selects the best available.
	Backend string
	// QueueDepth bounds unretired streams per context. Zero means
	// submit.DefaultQueueDepth.
	QueueDepth int
	// Formats and Features every context requires.
	Formats  []protocol.Format
	Features backend.Feature
}

// Init opens the backend and makes the worker ready.
type Init struct{ Options InitOptions }

// Submit enqueues a command stream.
type Submit struct {
	RequestID uint64
	ContextID uint32
	Fence     uint64
	Stream    []byte
}

// Tick advances the presentation clock.
type Tick struct{ FrameTimeMs float64 }

// ScreenshotRequest asks for the most recently presented frame.
type ScreenshotRequest struct{ RequestID uint64 }

// Shutdown stops the worker.
type Shutdown struct{}

func (Init) message()              {}
func (Submit) message()            {}
func (Tick) message()              {}
func (ScreenshotRequest) message() {}
func (Shutdown) message()          {}

// Event is a notification from the worker.
type Event interface{ event() }

// Ready reports the backend the worker opened.
type Ready struct{ Backend string }

// SubmitComplete reports a retired or rejected stream. Rejected streams
// carry their requested fence and a non-empty ErrorKind.
type SubmitComplete struct {
	RequestID      uint64
	ContextID      uint32
	CompletedFence uint64
	PresentCount   uint64
	// ErrorKind is the machine-readable kind, empty on success.
	ErrorKind string
	// Error is a single-line description, empty on success.
	Error string
}

// OK reports whether the stream executed without fault.
func (e SubmitComplete) OK() bool { return e.ErrorKind == "" }

// Screenshot carries a frame as RGBA8 rows. Width and Height are zero
// when nothing was presented.
type Screenshot struct {
	RequestID uint64
	Pixels    []byte
	Width     int
	Height    int
	Error     string
}

// Error reports protocol misuse or a failed Init.
type Error struct{ Message string }

func (Ready) event()          {}
func (SubmitComplete) event() {}
func (Screenshot) event()     {}
func (Error) event()          {}

// Option configures a Worker.
type Option func(*Worker)

// WithBackend makes Init use b instead of opening a backend by name. The
// worker initializes b and closes it on Shutdown.
func WithBackend(b backend.Backend) Option {
	return func(w *Worker) { w.preset = b }
}

// Worker executes the message protocol. It is not safe for concurrent
// use; Run serializes messages.
type Worker struct {
	preset  backend.Backend
	backend backend.Backend
	manager *submit.Manager
	done    bool
}

// New returns a worker waiting for Init.
func New(opts ...Option) *Worker {
	w := &Worker{}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Manager returns the submission manager, or nil before Init.
func (w *Worker) Manager() *submit.Manager { return w.manager }

// Done reports whether the worker has shut down.
func (w *Worker) Done() bool { return w.done }

// Handle processes one message and returns the events it produced.
func (w *Worker) Handle(msg Message) []Event {
	if w.done {
		return []Event{Error{Message: "worker is shut down"}}
	}
	if _, ok := msg.(Init); !ok && w.manager == nil {
		return []Event{Error{Message: fmt.Sprintf("%s before init", name(msg))}}
	}
	switch msg := msg.(type) {
	case Init:
		return w.init(msg.Options)
	case Submit:
		err := w.manager.Submit(msg.RequestID, msg.ContextID, msg.Fence, msg.Stream)
		if err != nil {
			vgpu.Logger().Warn("submit rejected", "context", msg.ContextID, "fence", msg.Fence, "error", err)
			ev := SubmitComplete{RequestID: msg.RequestID, ContextID: msg.ContextID, CompletedFence: msg.Fence}
			ev.ErrorKind, ev.Error = vgpu.KindOf(err).String(), err.Error()
			if c := w.manager.Context(msg.ContextID); c != nil {
				ev.PresentCount = c.Presents()
			}
			return []Event{ev}
		}
		return nil
	case Tick:
		return events(w.manager.Tick(msg.FrameTimeMs))
	case ScreenshotRequest:
		shot, ok, err := w.manager.Screenshot(msg.RequestID)
		if err != nil {
			return []Event{Screenshot{RequestID: msg.RequestID, Error: err.Error()}}
		}
		if ok {
			return []Event{screenshot(shot)}
		}
		return nil
	case Shutdown:
		evs := events(w.manager.Shutdown())
		w.backend.Close()
		w.done = true
		vgpu.Logger().Info("worker shut down")
		return evs
	}
	return []Event{Error{Message: fmt.Sprintf("unknown message %T", msg)}}
}

func (w *Worker) init(opts InitOptions) []Event {
	if w.manager != nil {
		return []Event{Error{Message: "init: already initialized"}}
	}
	b, err := w.open(opts.Backend)
	if err != nil {
		return []Event{Error{Message: "init: " + err.Error()}}
	}
	req := backend.DefaultRequirements()
	if len(opts.Formats) > 0 {
		req.Formats = opts.Formats
	}
	req.Features = opts.Features
	if err := b.Capabilities().Check(req); err != nil {
		b.Close()
		return []Event{Error{Message: "init: " + err.Error()}}
	}
	w.backend = b
	w.manager = submit.New(b,
		submit.WithQueueDepth(opts.QueueDepth),
		submit.WithContextOptions(engine.WithRequirements(req)),
	)
	vgpu.Logger().Info("worker ready", "backend", b.Name())
	return []Event{Ready{Backend: b.Name()}}
}

func (w *Worker) open(name string) (backend.Backend, error) {
	if w.preset == nil {
		return backend.Open(name)
	}
	if name != "" && name != w.preset.Name() {
		return nil, fmt.Errorf("%w: %q (worker uses %s)", backend.ErrBackendNotAvailable, name, w.preset.Name())
	}
	if err := w.preset.Init(); err != nil {
		return nil, err
	}
	return w.preset, nil
}

func events(res submit.TickResult) []Event {
	var evs []Event
	for _, c := range res.Completed {
		ev := SubmitComplete{
			RequestID:      c.RequestID,
			ContextID:      c.Context,
			CompletedFence: c.Fence,
			PresentCount:   c.Presents,
		}
		if c.Err != nil {
			ev.ErrorKind, ev.Error = vgpu.KindOf(c.Err).String(), c.Err.Error()
		}
		evs = append(evs, ev)
	}
	for _, s := range res.Screenshots {
		evs = append(evs, screenshot(s))
	}
	return evs
}

func screenshot(s submit.Screenshot) Screenshot {
	ev := Screenshot{RequestID: s.RequestID, Pixels: s.Pixels, Width: s.Width, Height: s.Height}
	if s.Err != nil {
		ev.Error = s.Err.Error()
	}
	return ev
}

func name(msg Message) string {
	switch msg.(type) {
	case Submit:
		return "submit"
	case Tick:
		return "tick"
	case ScreenshotRequest:
		return "screenshot"
	case Shutdown:
		return "shutdown"
	}
	return fmt.Sprintf("%T", msg)
}

// Run handles messages from in until Shutdown, until in is closed or
// until ctx is done, sending every event to out. Closing in without
// Shutdown shuts the worker down as well. When ctx is done the worker is
// shut down without reporting the abandoned submissions.
func (w *Worker) Run(ctx context.Context, in <-chan Message, out chan<- Event) error {
	for {
		var msg Message
		select {
		case <-ctx.Done():
			w.stop()
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				if w.manager != nil && !w.done {
					return send(ctx, out, w.Handle(Shutdown{}))
				}
				return nil
			}
			msg = m
		}
		if err := send(ctx, out, w.Handle(msg)); err != nil {
			w.stop()
			return err
		}
		if w.done {
			return nil
		}
	}
}

// stop shuts down an initialized worker and drops the resulting events.
func (w *Worker) stop() {
	if w.manager != nil && !w.done {
		w.Handle(Shutdown{})
	}
}

func send(ctx context.Context, out chan<- Event, evs []Event) error {
	for _, ev := range evs {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

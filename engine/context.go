// Package engine executes command streams against a backend.
//
// A Context owns the resource table, render state and present bookkeeping
// of one guest device. Execute decodes a stream op by op, validates each op
// against the table and state, and issues the matching backend calls. The
// first failing op aborts the rest of the stream; everything committed
// before it stays in place.
package engine

import (
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/bridge"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/resource"
	"github.com/gogpu/vgpu/state"
)

// Status is the execution state of a context.
type Status uint8

// Context states.
const (
	// StatusIdle means no stream is executing. It is also the state after
	// a stream completed without error.
	StatusIdle Status = iota
	// StatusExecuting means a stream is being decoded and dispatched.
	StatusExecuting
	// StatusFaulted means the most recent stream aborted with an error.
	StatusFaulted
	// StatusLost means the device was lost. The context rejects every
	// further stream with ContextLost.
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusExecuting:
		return "executing"
	case StatusFaulted:
		return "faulted"
	case StatusLost:
		return "lost"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Option configures a Context.
type Option func(*Context)

// WithRequirements sets what the context needs from its backend. Context
// creation fails when the backend cannot meet them.
func WithRequirements(r backend.Requirements) Option {
	return func(c *Context) { c.req = r }
}

// WithBridge enables shared surfaces through b.
func WithBridge(b bridge.Bridge) Option {
	return func(c *Context) { c.bridge = b }
}

// WithID sets the context identifier used in logs.
func WithID(id uint32) Option {
	return func(c *Context) { c.id = id }
}

// Context is the execution state of one guest device. A Context is not
// safe for concurrent use.
type Context struct {
	id      uint32
	backend backend.Backend
	caps    backend.Capabilities
	req     backend.Requirements
	bridge  bridge.Bridge

	table  *resource.Table
	state  *state.State
	status Status
	lost   error

	presents uint64
	scanout  protocol.Handle
	frame    *image.RGBA // copy of scanout taken at present
}

// NewContext creates a context on an initialized backend. Capabilities are
// checked once here; a backend that cannot meet the requirements fails
// with UnsupportedCapability.
func NewContext(b backend.Backend, opts ...Option) (*Context, error) {
	c := &Context{
		backend: b,
		req:     backend.DefaultRequirements(),
		table:   resource.NewTable(),
		state:   state.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.caps = b.Capabilities()
	if err := c.caps.Check(c.req); err != nil {
		return nil, err
	}
	vgpu.ContextLogger(c.id).Info("context created", "backend", b.Name())
	return c, nil
}

// ID returns the context identifier.
func (c *Context) ID() uint32 { return c.id }

// Backend returns the backend the context executes on.
func (c *Context) Backend() backend.Backend { return c.backend }

// Status returns the execution state.
func (c *Context) Status() Status { return c.status }

// Table returns the resource table.
func (c *Context) Table() *resource.Table { return c.table }

// State returns the render state.
func (c *Context) State() *state.State { return c.state }

// Presents returns the number of presents executed over the context's
// lifetime.
func (c *Context) Presents() uint64 { return c.presents }

// Lost returns the error that tore the context down, or nil.
func (c *Context) Lost() error { return c.lost }

// Screenshot returns the frame captured by the most recent present, or
// nil when nothing is on scanout. Rendering after the present does not
// show up until the next present.
func (c *Context) Screenshot() (*image.RGBA, error) {
	if c.frame == nil {
		return nil, nil
	}
	return snapshot(c.frame), nil
}

// Destroy releases every resource and resets the render state. The
// context can still execute streams afterwards.
func (c *Context) Destroy() {
	n := c.table.Len()
	for _, e := range c.table.Clear() {
		c.release(e)
	}
	c.state.Reset()
	c.scanout, c.frame = 0, nil
	c.status = StatusIdle
	vgpu.ContextLogger(c.id).Info("context destroyed", "resources", n)
}

// release frees the backend object behind a removed entry. Shared
// textures are destroyed only with their last reference.
func (c *Context) release(e *resource.Entry) {
	if e.Object == nil {
		return
	}
	if e.Shared && c.bridge != nil && !c.bridge.Drop(e.Object) {
		return
	}
	c.backend.Destroy(e.Object)
}

// lose tears the context down after an unrecoverable backend error.
func (c *Context) lose(err error) {
	if c.lost != nil {
		return
	}
	c.lost = vgpu.Wrap(vgpu.KindContextLost, "", err)
	vgpu.ContextLogger(c.id).Warn("context lost", "error", err)
	c.Destroy()
	c.status = StatusLost
}

// Result is the outcome of one stream.
type Result struct {
	// Ops is the number of ops that executed successfully.
	Ops int
	// Presents is the number of presents in the executed prefix.
	Presents int
	// Err is the fault that aborted the stream, or nil.
	Err error
}

// Execute runs one command stream. A fault aborts the remaining ops of
// this stream only; the returned Result reports how far it got.
func (c *Context) Execute(stream []byte) Result {
	if c.lost != nil {
		return Result{Err: c.lost}
	}
	c.status = StatusExecuting
	res := c.execute(stream)
	if res.Err != nil {
		c.status = StatusFaulted
		if errors.Is(res.Err, backend.ErrDeviceLost) {
			c.lose(res.Err)
		}
		vgpu.ContextLogger(c.id).Warn("stream faulted", "ops", res.Ops, "error", res.Err)
	} else {
		c.status = StatusIdle
	}
	return res
}

func (c *Context) execute(stream []byte) Result {
	var res Result
	d, err := protocol.NewDecoder(stream)
	if err != nil {
		res.Err = vgpu.WithOffset(err, "header", 0)
		return res
	}
	for {
		op, err := d.Next()
		if err == nil {
			err = c.exec(op)
			if err != nil {
				res.Err = vgpu.WithOffset(err, op.Opcode().String(), d.LastOffset())
				return res
			}
			res.Ops++
			if _, ok := op.(*protocol.Present); ok {
				res.Presents++
			}
			continue
		}
		if err == io.EOF {
			return res
		}
		res.Err = vgpu.WithOffset(err, "", d.Offset())
		return res
	}
}

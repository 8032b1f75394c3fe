// Package resource implements the per-context resource table.
//
// Handles are chosen by the producer of a command stream, so the table
// accepts arbitrary non-sequential values and rejects reuse of a live
// handle. Entries are looked up by handle on every access; after Destroy
// a handle fails closed with UnknownHandle.
package resource

import (
	"fmt"
	"sort"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/protocol"
)

// Kind is the type of resource behind a handle.
type Kind uint8

// Resource kinds.
const (
	KindTexture2D Kind = iota + 1
	KindBuffer
	KindShader
	KindInputLayout
)

func (k Kind) String() string {
	switch k {
	case KindTexture2D:
		return "texture2d"
	case KindBuffer:
		return "buffer"
	case KindShader:
		return "shader"
	case KindInputLayout:
		return "input_layout"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Entry is one live resource.
type Entry struct {
	Handle protocol.Handle
	Kind   Kind
	Usage  protocol.Usage

	// Texture2D metadata.
	Width, Height uint32
	Format        protocol.Format
	RowPitch      uint32

	// Size is the byte length of a buffer or texture.
	Size uint64

	// Shader metadata.
	Stage    protocol.ShaderStage
	Language protocol.ShaderLanguage
	Code     []byte

	// Elements of an input layout.
	Elements []protocol.InputElement

	// Data holds the contents of a buffer. Draws read vertex and index
	// data from here; textures keep their contents in the backend only.
	Data []byte

	// Object is the backend-owned object realizing the resource, if any.
	Object any

	// Shared marks an entry whose Object is reference-counted through the
	// shared-surface bridge.
	Shared bool
}

// Table maps handles to entries for one context.
//
// Table is not safe for concurrent use; it is owned by exactly one engine
// context.
type Table struct {
	entries map[protocol.Handle]*Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[protocol.Handle]*Entry)}
}

// Len returns the number of live entries.
func (t *Table) Len() int { return len(t.entries) }

// Create inserts e. It fails with HandleAlreadyLive if e.Handle is in use;
// an existing entry is never replaced.
func (t *Table) Create(e *Entry) error {
	if e.Handle == 0 {
		return vgpu.Errorf(vgpu.KindInvalidField, "", "handle 0 is reserved")
	}
	if old, ok := t.entries[e.Handle]; ok {
		return vgpu.Errorf(vgpu.KindHandleAlreadyLive, "", "handle %d is a live %v", e.Handle, old.Kind)
	}
	if e.Kind == KindBuffer && e.Data == nil {
		e.Data = make([]byte, e.Size)
	}
	t.entries[e.Handle] = e
	return nil
}

// CheckFree returns HandleAlreadyLive if h is in use.
func (t *Table) CheckFree(h protocol.Handle) error {
	if h == 0 {
		return vgpu.Errorf(vgpu.KindInvalidField, "", "handle 0 is reserved")
	}
	if old, ok := t.entries[h]; ok {
		return vgpu.Errorf(vgpu.KindHandleAlreadyLive, "", "handle %d is a live %v", h, old.Kind)
	}
	return nil
}

// Lookup returns the entry for h regardless of kind.
func (t *Table) Lookup(h protocol.Handle) (*Entry, error) {
	e, ok := t.entries[h]
	if !ok {
		return nil, vgpu.Errorf(vgpu.KindUnknownHandle, "", "handle %d", h)
	}
	return e, nil
}

// Get returns the entry for h if it has the expected kind.
func (t *Table) Get(h protocol.Handle, kind Kind) (*Entry, error) {
	e, err := t.Lookup(h)
	if err != nil {
		return nil, err
	}
	if e.Kind != kind {
		return nil, vgpu.Errorf(vgpu.KindMismatch, "", "handle %d is a %v, want %v", h, e.Kind, kind)
	}
	return e, nil
}

// Upload validates that [offset, offset+len(data)) lies within the
// resource before touching it. Buffer contents are updated; texture uploads
// are validated only and carried out by the backend. Uploads are
// all-or-nothing.
func (t *Table) Upload(h protocol.Handle, offset uint64, data []byte) (*Entry, error) {
	e, err := t.Lookup(h)
	if err != nil {
		return nil, err
	}
	if e.Kind != KindBuffer && e.Kind != KindTexture2D {
		return nil, vgpu.Errorf(vgpu.KindMismatch, "", "handle %d is a %v, want buffer or texture", h, e.Kind)
	}
	if err := checkRange(e, offset, uint64(len(data))); err != nil {
		return nil, err
	}
	if e.Kind == KindBuffer {
		copy(e.Data[offset:], data)
	}
	return e, nil
}

// Copy copies size bytes between two buffers after validating both ranges.
// Overlapping ranges within one buffer behave like memmove.
func (t *Table) Copy(dst, src protocol.Handle, dstOffset, srcOffset, size uint64) (d, s *Entry, err error) {
	if d, err = t.Get(dst, KindBuffer); err != nil {
		return nil, nil, err
	}
	if s, err = t.Get(src, KindBuffer); err != nil {
		return nil, nil, err
	}
	if err = checkRange(d, dstOffset, size); err != nil {
		return nil, nil, err
	}
	if err = checkRange(s, srcOffset, size); err != nil {
		return nil, nil, err
	}
	copy(d.Data[dstOffset:dstOffset+size], s.Data[srcOffset:srcOffset+size])
	return d, s, nil
}

// Destroy removes h and returns the removed entry so the caller can release
// its backend object.
func (t *Table) Destroy(h protocol.Handle) (*Entry, error) {
	e, err := t.Lookup(h)
	if err != nil {
		return nil, err
	}
	delete(t.entries, h)
	return e, nil
}

// Handles returns the live handles in ascending order.
func (t *Table) Handles() []protocol.Handle {
	hs := make([]protocol.Handle, 0, len(t.entries))
	for h := range t.entries {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Clear removes every entry and returns them in ascending handle order.
func (t *Table) Clear() []*Entry {
	hs := t.Handles()
	out := make([]*Entry, len(hs))
	for i, h := range hs {
		out[i] = t.entries[h]
	}
	clear(t.entries)
	return out
}

func checkRange(e *Entry, offset, n uint64) error {
	if offset > e.Size || n > e.Size-offset {
		return vgpu.Errorf(vgpu.KindOutOfRange, "", "range [%d, +%d) exceeds %v %d of %d bytes", offset, n, e.Kind, e.Handle, e.Size)
	}
	return nil
}

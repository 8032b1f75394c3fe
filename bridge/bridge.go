// Package bridge shares textures between contexts.
//
// A context exports one of its textures under a producer-chosen token.
// Another context (or the same one) imports the token into a new local
// handle that aliases the same backend object. Backend objects are
// reference counted across every handle and token that holds them, and
// are destroyed only when the last reference goes away.
//
// The OS-level exchange of shared handles happens outside this package;
// a Bridge only ever sees tokens.
package bridge

import (
	"sync"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/protocol"
)

// Surface describes a shared texture.
type Surface struct {
	Object   backend.Object
	Width    uint32
	Height   uint32
	Format   protocol.Format
	Usage    protocol.Usage
	RowPitch uint32
}

// Bridge hands shared textures between contexts.
type Bridge interface {
	// Export publishes s under token. The exporting handle keeps its own
	// reference.
	Export(token uint64, s Surface) error

	// Import returns the surface published under token and takes a
	// reference for the importing handle.
	Import(token uint64) (Surface, error)

	// Release retires token. last reports whether the token held the final
	// reference, in which case the caller destroys the backend object.
	Release(token uint64) (s Surface, last bool, err error)

	// Drop releases the reference of a destroyed handle and reports
	// whether it was the final one.
	Drop(obj backend.Object) bool
}

// Table is the in-process Bridge. It is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	tokens map[uint64]Surface
	refs   map[backend.Object]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		tokens: make(map[uint64]Surface),
		refs:   make(map[backend.Object]int),
	}
}

// Export publishes s under token. Exporting a token that is already
// published fails with HandleAlreadyLive.
func (t *Table) Export(token uint64, s Surface) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tokens[token]; ok {
		return vgpu.Errorf(vgpu.KindHandleAlreadyLive, "export_shared_surface", "token %#x already exported", token)
	}
	t.tokens[token] = s
	if t.refs[s.Object] == 0 {
		// First export: count the exporting handle.
		t.refs[s.Object] = 1
	}
	t.refs[s.Object]++
	vgpu.Logger().Debug("bridge: export", "token", token, "refs", t.refs[s.Object])
	return nil
}

// Import looks up token. Unknown tokens fail with UnknownHandle.
func (t *Table) Import(token uint64) (Surface, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.tokens[token]
	if !ok {
		return Surface{}, vgpu.Errorf(vgpu.KindUnknownHandle, "import_shared_surface", "token %#x not exported", token)
	}
	t.refs[s.Object]++
	return s, nil
}

// Release retires token.
func (t *Table) Release(token uint64) (Surface, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.tokens[token]
	if !ok {
		return Surface{}, false, vgpu.Errorf(vgpu.KindUnknownHandle, "release_shared_surface", "token %#x not exported", token)
	}
	delete(t.tokens, token)
	return s, t.drop(s.Object), nil
}

// Drop releases one handle reference to obj.
func (t *Table) Drop(obj backend.Object) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drop(obj)
}

func (t *Table) drop(obj backend.Object) bool {
	n, ok := t.refs[obj]
	if !ok {
		return true
	}
	if n <= 1 {
		delete(t.refs, obj)
		return true
	}
	t.refs[obj] = n - 1
	return false
}

// Tokens returns the number of published tokens.
func (t *Table) Tokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

// Refs returns the reference count of obj.
func (t *Table) Refs(obj backend.Object) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[obj]
}

var _ Bridge = (*Table)(nil)

package bridge

import (
	"errors"
	"testing"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/protocol"
)

type object struct{ name string }

func TestExportImportRelease(t *testing.T) {
	tb := NewTable()
	obj := &object{"rt"}
	s := Surface{Object: obj, Width: 4, Height: 4, Format: protocol.FormatR8G8B8A8Unorm}

	if err := tb.Export(7, s); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if err := tb.Export(7, s); !errors.Is(err, vgpu.KindHandleAlreadyLive) {
		t.Errorf("second Export() error = %v", err)
	}
	if got := tb.Refs(obj); got != 2 {
		t.Errorf("Refs() after export = %d, want 2", got)
	}

	got, err := tb.Import(7)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if got.Object != obj || got.Width != 4 {
		t.Errorf("Import() = %+v", got)
	}
	if _, err := tb.Import(8); !errors.Is(err, vgpu.KindUnknownHandle) {
		t.Errorf("Import(unknown) error = %v", err)
	}

	// Exporter, importer and token hold references.
	if tb.Drop(obj) {
		t.Error("Drop(exporter) reported last reference")
	}
	if _, last, err := tb.Release(7); err != nil || last {
		t.Errorf("Release() last=%v err=%v", last, err)
	}
	if !tb.Drop(obj) {
		t.Error("Drop(importer) should release the last reference")
	}
	if tb.Tokens() != 0 || tb.Refs(obj) != 0 {
		t.Errorf("tokens=%d refs=%d after release", tb.Tokens(), tb.Refs(obj))
	}
	if _, _, err := tb.Release(7); !errors.Is(err, vgpu.KindUnknownHandle) {
		t.Errorf("Release(retired) error = %v", err)
	}
}

func TestReleaseLastReference(t *testing.T) {
	tb := NewTable()
	obj := &object{"rt"}
	_ = tb.Export(1, Surface{Object: obj})
	// The exporting handle goes away while the token is still published.
	if tb.Drop(obj) {
		t.Fatal("Drop(exporter) reported last reference")
	}
	_, last, err := tb.Release(1)
	if err != nil || !last {
		t.Errorf("Release() last=%v err=%v, want last", last, err)
	}
}

func TestDropUnshared(t *testing.T) {
	if !NewTable().Drop(&object{}) {
		t.Error("Drop() of an untracked object must report last")
	}
}

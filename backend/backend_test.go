package backend

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/protocol"
)

// mockBackend is a minimal Backend for registry tests.
type mockBackend struct {
	name    string
	initErr error
}

func (m *mockBackend) Name() string                              { return m.name }
func (m *mockBackend) Init() error                               { return m.initErr }
func (m *mockBackend) Close()                                    {}
func (m *mockBackend) Capabilities() Capabilities                { return Capabilities{} }
func (m *mockBackend) CreateTexture(TextureDesc) (Object, error) { return nil, nil }
func (m *mockBackend) CreateBuffer(BufferDesc) (Object, error)   { return nil, nil }
func (m *mockBackend) CreateShader(ShaderDesc) (Object, error)   { return nil, nil }
func (m *mockBackend) Destroy(Object)                            {}
func (m *mockBackend) WriteBuffer(Object, uint64, []byte) error  { return nil }
func (m *mockBackend) WriteTexture(Object, uint64, []byte) error { return nil }
func (m *mockBackend) CopyBuffer(_, _ Object, _, _, _ uint64) error {
	return nil
}
func (m *mockBackend) Clear(*ClearCall) error                 { return nil }
func (m *mockBackend) Draw(*DrawCall) error                   { return nil }
func (m *mockBackend) Present(Object, uint32) error           { return nil }
func (m *mockBackend) ReadPixels(Object) (*image.RGBA, error) { return nil, nil }
func (m *mockBackend) Flush() *Completion                     { return Completed(nil) }

func withRegistry(t *testing.T, entries map[string]Factory) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]Factory)
	for k, v := range entries {
		backends[k] = v
	}
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func TestRegistryGet(t *testing.T) {
	withRegistry(t, nil)
	Register("mock", func() Backend { return &mockBackend{name: "mock"} })

	if !IsRegistered("mock") {
		t.Fatal("IsRegistered(mock) = false")
	}
	if b := Get("mock"); b == nil || b.Name() != "mock" {
		t.Errorf("Get(mock) = %v", b)
	}
	if b := Get("missing"); b != nil {
		t.Errorf("Get(missing) = %v, want nil", b)
	}
	Unregister("mock")
	if IsRegistered("mock") {
		t.Error("mock still registered after Unregister")
	}
}

func TestDefaultPriority(t *testing.T) {
	withRegistry(t, map[string]Factory{
		BackendSoftware: func() Backend { return &mockBackend{name: BackendSoftware} },
		BackendCompat:   func() Backend { return &mockBackend{name: BackendCompat} },
		"zzz":           func() Backend { return &mockBackend{name: "zzz"} },
	})
	if got := Default().Name(); got != BackendCompat {
		t.Errorf("Default() = %q, want compat", got)
	}
	if got := Available(); len(got) != 3 || got[0] != BackendCompat {
		t.Errorf("Available() = %v", got)
	}
}

func TestDefaultEmpty(t *testing.T) {
	withRegistry(t, nil)
	if Default() != nil {
		t.Error("Default() with empty registry != nil")
	}
	defer func() {
		if recover() == nil {
			t.Error("MustDefault() did not panic")
		}
	}()
	MustDefault()
}

func TestOpenFallsBackOnInitFailure(t *testing.T) {
	withRegistry(t, map[string]Factory{
		BackendNative:   func() Backend { return &mockBackend{name: BackendNative, initErr: errors.New("no adapter")} },
		BackendSoftware: func() Backend { return &mockBackend{name: BackendSoftware} },
	})
	b, err := Open("")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if b.Name() != BackendSoftware {
		t.Errorf("Open() = %q, want software", b.Name())
	}
	if _, err := Open(BackendNative); err == nil {
		t.Error("Open(native) succeeded despite init failure")
	}
	if _, err := Open("nope"); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open(nope) error = %v", err)
	}
}

func TestCapabilitiesCheck(t *testing.T) {
	caps := Capabilities{
		Formats:  []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
		Features: FeatureBlend | FeatureScissor,
		Limits:   gputypes.Limits{MaxTextureDimension2D: 4096},
	}
	if err := caps.Check(DefaultRequirements()); err != nil {
		t.Errorf("Check(default) = %v", err)
	}
	if !caps.SupportsFormat(protocol.FormatR8G8B8X8Unorm) {
		t.Error("X8 format should share RGBA storage")
	}

	tests := []Requirements{
		{Formats: []protocol.Format{protocol.FormatB8G8R8A8Unorm}},
		{Features: FeatureBlend | FeatureDepthStencil},
		{MinTextureDimension: 8192},
	}
	for _, r := range tests {
		if err := caps.Check(r); !errors.Is(err, vgpu.KindUnsupportedCapability) {
			t.Errorf("Check(%+v) = %v, want unsupported_capability", r, err)
		}
	}
	if got := caps.MaxTextureDimension(); got != 4096 {
		t.Errorf("MaxTextureDimension() = %d", got)
	}
	if got := (Capabilities{}).MaxTextureDimension(); got != protocol.MaxTextureDimension {
		t.Errorf("zero limits MaxTextureDimension() = %d", got)
	}
}

func TestFeatureString(t *testing.T) {
	if got := (FeatureBlend | FeatureScissor).String(); got != "blend|scissor" {
		t.Errorf("String() = %q", got)
	}
	if got := Feature(0).String(); got != "none" {
		t.Errorf("String() = %q", got)
	}
}

func TestCompletion(t *testing.T) {
	c := NewCompletion()
	if c.Ready() {
		t.Fatal("new completion is ready")
	}
	want := errors.New("fault")
	go func() {
		time.Sleep(time.Millisecond)
		c.Resolve(want)
	}()
	<-c.Done()
	if !c.Ready() || c.Err() != want {
		t.Errorf("Ready=%v Err=%v", c.Ready(), c.Err())
	}
	c.Resolve(nil)
	if c.Err() != want {
		t.Error("second Resolve overwrote the result")
	}
	if err := Completed(nil).Err(); err != nil {
		t.Errorf("Completed(nil).Err() = %v", err)
	}
}

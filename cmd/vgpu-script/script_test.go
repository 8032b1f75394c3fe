package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/trace"
)

func runScript(t *testing.T, src string) (*trace.Trace, error) {
	t.Helper()
	var buf bytes.Buffer
	s, err := NewScript(&buf, "test")
	if err != nil {
		t.Fatal(err)
	}
	runErr := s.RunString(src)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if runErr != nil {
		return nil, runErr
	}
	tr, err := trace.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tr, nil
}

func TestGreenHelper(t *testing.T) {
	tr, err := runScript(t, `vgpu.submit(0, 1, vgpu.green(64, 64)) vgpu.tick(16)`)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	frames, err := trace.ReplayOn(ctx, tr, backend.BackendSoftware)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if got, want := frames[0].SHA256(), "654e833481a9bda84c9a9cccca20a2e1bbe27ae6dbf523c95ee210e85b6916c5"; got != want {
		t.Fatalf("hash = %s, want %s", got, want)
	}
}

func TestBuilderMatchesHelper(t *testing.T) {
	src := `
local s = vgpu.stream()
s:texture(1, 8, 8, "rgba8")
 :buffer(2, 72)
 :upload(2, 0, {-1,-1, 0,1,0,1,  3,-1, 0,1,0,1,  -1,3, 0,1,0,1})
 :shader(3, "vertex")
 :shader(4, "pixel")
 :bind_shaders(3, 4)
 :layout(5)
 :vertex_buffer(2, 24)
 :target(1)
 :viewport(0, 0, 8, 8)
 :topology("triangles")
 :marker("frame")
 :clear(0, 1, 0, 1)
 :draw(3)
 :present()
vgpu.submit(0, 1, s)
vgpu.tick()
vgpu.submit(1, 1, vgpu.green(8, 8))
vgpu.tick()
`
	tr, err := runScript(t, src)
	if err != nil {
		t.Fatal(err)
	}
	frames, err := trace.ReplayOn(context.Background(), tr, backend.BackendSoftware)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].SHA256() != frames[1].SHA256() {
		t.Fatal("builder frame differs from the reference frame")
	}
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name, src, want string
	}{
		{"unknown format", `vgpu.stream():texture(1, 4, 4, "rgb565")`, "unknown name"},
		{"not a stream", `vgpu.submit(0, 1, 5)`, "userdata expected"},
		{"negative handle", `vgpu.stream():destroy(-1)`, "out of range"},
		{"bad floats", `vgpu.stream():upload(1, 0, {1, "x"})`, "not a number"},
		{"unknown topology", `vgpu.stream():topology("quads")`, "unknown name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runScript(t, tt.src)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

package raster

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/protocol"
)

// Vertex is an assembled vertex: position in normalized device coordinates
// and a straight-alpha color.
type Vertex struct {
	X, Y, Z float32
	Color   [4]float32
}

var white = [4]float32{1, 1, 1, 1}

// Assemble fetches the vertices referenced by a draw. Position comes from
// the POSITION element (semantic index 0). Color comes from the COLOR
// element when the layout has one, otherwise from pixel constant c0, and
// is opaque white when neither exists.
func Assemble(call *backend.DrawCall) ([]Vertex, error) {
	var pos, col *protocol.InputElement
	for i := range call.Layout {
		el := &call.Layout[i]
		if el.SemanticIndex != 0 {
			continue
		}
		switch {
		case el.Semantic == protocol.SemanticPosition && pos == nil:
			pos = el
		case el.Semantic == protocol.SemanticColor && col == nil:
			col = el
		}
	}
	if pos == nil {
		return nil, vgpu.Errorf(vgpu.KindPipelineNotReady, "draw", "input layout has no position element")
	}
	fallback := white
	if len(call.PSConstants) > 0 {
		fallback = call.PSConstants[0]
	}

	n := int(call.VertexCount)
	if call.Indices != nil {
		n = len(call.Indices)
	}
	if n > protocol.MaxDrawVertices {
		return nil, vgpu.Errorf(vgpu.KindInvalidField, "draw", "%d vertices exceed limit %d", n, protocol.MaxDrawVertices)
	}
	out := make([]Vertex, n)
	var scratch [4]float32
	for i := range out {
		var index int64
		if call.Indices != nil {
			index = int64(call.BaseVertex) + int64(call.Indices[i])
		} else {
			index = int64(call.FirstVertex) + int64(i)
		}
		if index < 0 {
			return nil, vgpu.Errorf(vgpu.KindOutOfRange, "draw", "vertex index %d", index)
		}
		if err := fetch(call, pos, index, &scratch, [4]float32{0, 0, 0, 1}); err != nil {
			return nil, err
		}
		v := Vertex{X: scratch[0], Y: scratch[1], Z: scratch[2]}
		if w := scratch[3]; w != 1 && w != 0 {
			v.X, v.Y, v.Z = v.X/w, v.Y/w, v.Z/w
		}
		v.Color = fallback
		if col != nil {
			if err := fetch(call, col, index, &scratch, [4]float32{0, 0, 0, 1}); err != nil {
				return nil, err
			}
			v.Color = scratch
		}
		out[i] = v
	}
	return out, nil
}

// fetch decodes one element of vertex index into dst. Missing components
// take their value from def.
func fetch(call *backend.DrawCall, el *protocol.InputElement, index int64, dst *[4]float32, def [4]float32) error {
	s := &call.Streams[el.Slot]
	size := int64(el.Format.Size())
	off := int64(s.Offset) + index*int64(s.Stride) + int64(el.Offset)
	if s.Data == nil || off < 0 || off+size > int64(len(s.Data)) {
		return vgpu.Errorf(vgpu.KindOutOfRange, "draw", "vertex %d reads [%d, +%d) of slot %d (%d bytes)", index, off, size, el.Slot, len(s.Data))
	}
	b := s.Data[off : off+size]
	*dst = def
	if el.Format == protocol.VertexUnorm8x4 {
		for i := 0; i < 4; i++ {
			dst[i] = float32(b[i]) / 255
		}
		return nil
	}
	for i := 0; i < el.Format.Components(); i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return nil
}

// screenVertex is a vertex after the viewport transform.
type screenVertex struct {
	x, y, z float64
	color   [4]float64
}

type rasterizer struct {
	targets []*Surface
	depth   *Surface
	clip    image.Rectangle
	call    *backend.DrawCall
}

// Draw assembles and rasterizes call onto targets. depth may be nil.
func Draw(targets []*Surface, depth *Surface, call *backend.DrawCall) error {
	if len(targets) == 0 {
		return vgpu.Errorf(vgpu.KindPipelineNotReady, "draw", "no render target")
	}
	verts, err := Assemble(call)
	if err != nil {
		return err
	}
	if len(verts) == 0 || call.InstanceCount == 0 {
		return nil
	}

	r := &rasterizer{targets: targets, call: call, clip: targets[0].Bounds()}
	if depth != nil && call.DepthEnable {
		r.depth = depth
		r.clip = r.clip.Intersect(depth.Bounds())
	}
	if call.Scissor != nil {
		sc := call.Scissor
		r.clip = r.clip.Intersect(image.Rect(int(sc.X), int(sc.Y), int(sc.X)+int(sc.Width), int(sc.Y)+int(sc.Height)))
	}
	vp := call.Viewport
	if vp.Width == 0 || vp.Height == 0 {
		vp = protocol.Viewport{Width: float32(targets[0].Width), Height: float32(targets[0].Height), MinDepth: 0, MaxDepth: 1}
	}
	x0, x1 := span(float64(vp.X), float64(vp.X+vp.Width)-1, r.clip.Min.X, r.clip.Max.X)
	y0, y1 := span(float64(vp.Y), float64(vp.Y+vp.Height)-1, r.clip.Min.Y, r.clip.Max.Y)
	r.clip = r.clip.Intersect(image.Rect(x0, y0, x1+1, y1+1))
	if r.clip.Empty() {
		return nil
	}
	sv := make([]screenVertex, len(verts))
	for i, v := range verts {
		sv[i] = screenVertex{
			x: float64(vp.X) + (float64(v.X)*0.5+0.5)*float64(vp.Width),
			y: float64(vp.Y) + (-float64(v.Y)*0.5+0.5)*float64(vp.Height),
			z: float64(vp.MinDepth) + float64(v.Z)*float64(vp.MaxDepth-vp.MinDepth),
		}
		for c := 0; c < 4; c++ {
			sv[i].color[c] = float64(v.Color[c])
		}
	}

	// Instances share every vertex, so only blending can make a repeat
	// pass change the result.
	passes := uint32(1)
	if call.BlendEnable {
		passes = min(call.InstanceCount, protocol.MaxDrawInstances)
	}
	for inst := uint32(0); inst < passes; inst++ {
		r.primitives(sv)
	}
	return nil
}

func (r *rasterizer) primitives(v []screenVertex) {
	switch r.call.Topology {
	case protocol.TopologyPointList:
		for i := range v {
			r.point(v[i])
		}
	case protocol.TopologyLineList:
		for i := 0; i+1 < len(v); i += 2 {
			r.line(v[i], v[i+1])
		}
	case protocol.TopologyLineStrip:
		for i := 0; i+1 < len(v); i++ {
			r.line(v[i], v[i+1])
		}
	case protocol.TopologyTriangleStrip:
		for i := 0; i+2 < len(v); i++ {
			if i%2 == 0 {
				r.triangle(v[i], v[i+1], v[i+2])
			} else {
				r.triangle(v[i+1], v[i], v[i+2])
			}
		}
	case protocol.TopologyTriangleFan:
		for i := 1; i+1 < len(v); i++ {
			r.triangle(v[0], v[i], v[i+1])
		}
	default:
		for i := 0; i+2 < len(v); i += 3 {
			r.triangle(v[i], v[i+1], v[i+2])
		}
	}
}

func edge(ax, ay, bx, by, px, py float64) float64 {
	return (bx-ax)*(py-ay) - (by-ay)*(px-ax)
}

func finite(vs ...screenVertex) bool {
	for _, v := range vs {
		if math.IsNaN(v.x) || math.IsInf(v.x, 0) || math.IsNaN(v.y) || math.IsInf(v.y, 0) {
			return false
		}
	}
	return true
}

// span clamps the pixel range covering [lo, hi] to [min, max).
func span(lo, hi float64, minV, maxV int) (int, int) {
	a := math.Min(math.Max(math.Floor(lo), float64(minV)), float64(maxV))
	b := math.Max(math.Min(math.Ceil(hi), float64(maxV-1)), float64(minV-1))
	return int(a), int(b)
}

func (r *rasterizer) triangle(a, b, c screenVertex) {
	if !finite(a, b, c) {
		return
	}
	area := edge(a.x, a.y, b.x, b.y, c.x, c.y)
	if area == 0 {
		return
	}
	// Screen space is y-down, so a counter-clockwise triangle in NDC has
	// negative area here.
	front := (area < 0) == r.call.FrontCCW
	switch r.call.CullMode {
	case protocol.CullFront:
		if front {
			return
		}
	case protocol.CullBack:
		if !front {
			return
		}
	}

	x0, x1 := span(min(a.x, b.x, c.x), max(a.x, b.x, c.x), r.clip.Min.X, r.clip.Max.X)
	y0, y1 := span(min(a.y, b.y, c.y), max(a.y, b.y, c.y), r.clip.Min.Y, r.clip.Max.Y)
	for py := y0; py <= y1; py++ {
		fy := float64(py) + 0.5
		for px := x0; px <= x1; px++ {
			fx := float64(px) + 0.5
			w0 := edge(b.x, b.y, c.x, c.y, fx, fy)
			w1 := edge(c.x, c.y, a.x, a.y, fx, fy)
			w2 := edge(a.x, a.y, b.x, b.y, fx, fy)
			if area > 0 {
				if w0 < 0 || w1 < 0 || w2 < 0 {
					continue
				}
			} else if w0 > 0 || w1 > 0 || w2 > 0 {
				continue
			}
			l0, l1, l2 := w0/area, w1/area, w2/area
			z := l0*a.z + l1*b.z + l2*c.z
			var col [4]float64
			for i := range col {
				col[i] = l0*a.color[i] + l1*b.color[i] + l2*c.color[i]
			}
			r.shade(px, py, z, col)
		}
	}
}

func (r *rasterizer) line(a, b screenVertex) {
	if !finite(a, b) {
		return
	}
	dx, dy := b.x-a.x, b.y-a.y
	steps := int(math.Min(math.Ceil(math.Max(math.Abs(dx), math.Abs(dy))), 1<<16))
	for i := 0; i <= steps; i++ {
		t := 0.0
		if steps > 0 {
			t = float64(i) / float64(steps)
		}
		v := screenVertex{x: a.x + t*dx, y: a.y + t*dy, z: a.z + t*(b.z-a.z)}
		for c := range v.color {
			v.color[c] = a.color[c] + t*(b.color[c]-a.color[c])
		}
		r.point(v)
	}
}

func (r *rasterizer) point(v screenVertex) {
	if !finite(v) {
		return
	}
	px, py := math.Floor(v.x), math.Floor(v.y)
	if px < float64(r.clip.Min.X) || px >= float64(r.clip.Max.X) || py < float64(r.clip.Min.Y) || py >= float64(r.clip.Max.Y) {
		return
	}
	r.shade(int(px), int(py), v.z, v.color)
}

func (r *rasterizer) shade(x, y int, z float64, col [4]float64) {
	if r.depth != nil {
		if float32(z) > r.depth.Depth(x, y) {
			return
		}
		r.depth.SetDepth(x, y, float32(z))
	}
	for _, t := range r.targets {
		if x >= t.Width || y >= t.Height {
			continue
		}
		src := [4]float32{float32(col[0]), float32(col[1]), float32(col[2]), float32(col[3])}
		if r.call.BlendEnable {
			src = blend(src, t.At(x, y))
		}
		t.Set(x, y, Unorm8x4(src))
	}
}

// blend composites src over dst with straight source alpha.
func blend(src [4]float32, dst [4]uint8) [4]float32 {
	a := clamp01(src[3])
	var out [4]float32
	for i := 0; i < 3; i++ {
		out[i] = clamp01(src[i])*a + float32(dst[i])/255*(1-a)
	}
	out[3] = a + float32(dst[3])/255*(1-a)
	return out
}

func clamp01(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package raster is the reference rasterizer shared by every backend.
//
// All backends run draws through this package so that identical command
// streams produce identical pixels regardless of the backend executing
// them. Surfaces are four bytes per texel in host memory.
package raster

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/gogpu/vgpu/protocol"
)

// Surface is a texture in host memory.
type Surface struct {
	Width, Height int
	Stride        int
	Format        protocol.Format
	Pix           []byte
}

// NewSurface allocates a zeroed surface. A rowPitch of zero means tightly
// packed rows.
func NewSurface(width, height, rowPitch int, format protocol.Format) *Surface {
	if rowPitch == 0 {
		rowPitch = width * format.BytesPerPixel()
	}
	return &Surface{
		Width:  width,
		Height: height,
		Stride: rowPitch,
		Format: format,
		Pix:    make([]byte, rowPitch*height),
	}
}

// FromRGBA wraps img as an R8G8B8A8 surface without copying.
func FromRGBA(img *image.RGBA) *Surface {
	b := img.Bounds()
	return &Surface{Width: b.Dx(), Height: b.Dy(), Stride: img.Stride, Format: protocol.FormatR8G8B8A8Unorm, Pix: img.Pix}
}

// Bounds returns the surface rectangle.
func (s *Surface) Bounds() image.Rectangle { return image.Rect(0, 0, s.Width, s.Height) }

// Write copies raw texel bytes at a byte offset. The caller has validated
// the range.
func (s *Surface) Write(offset uint64, data []byte) {
	copy(s.Pix[offset:], data)
}

// Unorm8 converts a normalized channel value to 8 bits: clamp to [0, 1],
// scale by 255 and round half away from zero.
func Unorm8(c float32) uint8 {
	if !(c > 0) { // also catches NaN
		return 0
	}
	if c >= 1 {
		return 255
	}
	return uint8(math.Round(float64(c) * 255))
}

// Unorm8x4 converts a color to 8-bit channels.
func Unorm8x4(c [4]float32) [4]uint8 {
	return [4]uint8{Unorm8(c[0]), Unorm8(c[1]), Unorm8(c[2]), Unorm8(c[3])}
}

// Set stores an RGBA color at (x, y) in the surface's channel order.
func (s *Surface) Set(x, y int, c [4]uint8) {
	i := y*s.Stride + x*4
	p := s.Pix[i : i+4 : i+4]
	if s.Format.IsBGRA() {
		p[0], p[1], p[2], p[3] = c[2], c[1], c[0], c[3]
	} else {
		p[0], p[1], p[2], p[3] = c[0], c[1], c[2], c[3]
	}
	if s.Format.IgnoresAlpha() {
		p[3] = 255
	}
}

// At returns the RGBA color at (x, y).
func (s *Surface) At(x, y int) [4]uint8 {
	i := y*s.Stride + x*4
	p := s.Pix[i : i+4 : i+4]
	c := [4]uint8{p[0], p[1], p[2], p[3]}
	if s.Format.IsBGRA() {
		c[0], c[2] = c[2], c[0]
	}
	if s.Format.IgnoresAlpha() {
		c[3] = 255
	}
	return c
}

// ClearColor fills the surface with one color.
func (s *Surface) ClearColor(c [4]float32) {
	px := Unorm8x4(c)
	if s.Width == 0 || s.Height == 0 {
		return
	}
	s.Set(0, 0, px)
	first := s.Pix[0:4]
	for x := 1; x < s.Width; x++ {
		copy(s.Pix[x*4:], first)
	}
	row := s.Pix[:s.Width*4]
	for y := 1; y < s.Height; y++ {
		copy(s.Pix[y*s.Stride:], row)
	}
}

// Depth returns the depth value at (x, y) of a depth surface.
func (s *Surface) Depth(x, y int) float32 {
	v := binary.LittleEndian.Uint32(s.Pix[y*s.Stride+x*4:])
	if s.Format == protocol.FormatD32Float {
		return math.Float32frombits(v)
	}
	return float32(v&0xFFFFFF) / 0xFFFFFF
}

// SetDepth stores a depth value, keeping the stencil bits of packed formats.
func (s *Surface) SetDepth(x, y int, z float32) {
	i := y*s.Stride + x*4
	if s.Format == protocol.FormatD32Float {
		binary.LittleEndian.PutUint32(s.Pix[i:], math.Float32bits(z))
		return
	}
	v := binary.LittleEndian.Uint32(s.Pix[i:])
	binary.LittleEndian.PutUint32(s.Pix[i:], v&0xFF000000|depth24(z))
}

// ClearDepthStencil clears the aspects selected by flags.
func (s *Surface) ClearDepthStencil(flags protocol.ClearFlags, z float32, stencil uint32) {
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			i := y*s.Stride + x*4
			v := binary.LittleEndian.Uint32(s.Pix[i:])
			switch {
			case s.Format == protocol.FormatD32Float:
				if flags&protocol.ClearDepth != 0 {
					v = math.Float32bits(z)
				}
			default:
				if flags&protocol.ClearDepth != 0 {
					v = v&0xFF000000 | depth24(z)
				}
				if flags&protocol.ClearStencil != 0 {
					v = v&0x00FFFFFF | (stencil&0xFF)<<24
				}
			}
			binary.LittleEndian.PutUint32(s.Pix[i:], v)
		}
	}
}

// RGBA returns a tightly packed RGBA copy of a color surface.
func (s *Surface) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			c := s.At(x, y)
			copy(img.Pix[y*img.Stride+x*4:], c[:])
		}
	}
	return img
}

func depth24(z float32) uint32 {
	if !(z > 0) {
		return 0
	}
	if z >= 1 {
		return 0xFFFFFF
	}
	return uint32(math.Round(float64(z) * 0xFFFFFF))
}

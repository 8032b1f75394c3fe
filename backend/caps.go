package backend

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/protocol"
)

// Feature is an optional backend capability.
type Feature uint32

// Optional features.
const (
	FeatureIndexedDraw Feature = 1 << iota
	FeatureBlend
	FeatureDepthStencil
	FeatureScissor
	FeatureSharedSurfaces
	FeatureWGSLShaders
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureIndexedDraw, "indexed_draw"},
	{FeatureBlend, "blend"},
	{FeatureDepthStencil, "depth_stencil"},
	{FeatureScissor, "scissor"},
	{FeatureSharedSurfaces, "shared_surfaces"},
	{FeatureWGSLShaders, "wgsl_shaders"},
}

func (f Feature) String() string {
	var parts []string
	for _, n := range featureNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Capabilities describes what a backend can execute.
type Capabilities struct {
	// Formats lists the texture formats the backend can create.
	Formats []gputypes.TextureFormat

	// Features is the set of optional features.
	Features Feature

	// Limits are the device limits. Only MaxTextureDimension2D and
	// MaxBufferSize are consulted by the engine.
	Limits gputypes.Limits
}

// Requirements is what a context asks of its backend at creation time.
type Requirements struct {
	Formats             []protocol.Format
	Features            Feature
	MinTextureDimension uint32
}

// DefaultRequirements is what a context needs when the caller does not
// say otherwise: RGBA render targets.
func DefaultRequirements() Requirements {
	return Requirements{Formats: []protocol.Format{protocol.FormatR8G8B8A8Unorm}}
}

// TextureFormat maps a stream format to the device format that stores it.
// Formats without alpha share storage with their alpha counterpart.
func TextureFormat(f protocol.Format) gputypes.TextureFormat {
	switch f {
	case protocol.FormatB8G8R8A8Unorm, protocol.FormatB8G8R8X8Unorm:
		return gputypes.TextureFormatBGRA8Unorm
	case protocol.FormatR8G8B8A8Unorm, protocol.FormatR8G8B8X8Unorm:
		return gputypes.TextureFormatRGBA8Unorm
	case protocol.FormatD24UnormS8Uint:
		return gputypes.TextureFormatDepth24PlusStencil8
	case protocol.FormatD32Float:
		return gputypes.TextureFormatDepth32Float
	}
	return gputypes.TextureFormatUndefined
}

// SupportsFormat reports whether textures of format f can be created.
func (c Capabilities) SupportsFormat(f protocol.Format) bool {
	tf := TextureFormat(f)
	return tf != gputypes.TextureFormatUndefined && slices.Contains(c.Formats, tf)
}

// Has reports whether all features in f are supported.
func (c Capabilities) Has(f Feature) bool { return c.Features&f == f }

// MaxTextureDimension returns the largest supported texture edge, capped
// at what the stream format can express.
func (c Capabilities) MaxTextureDimension() uint32 {
	m := c.Limits.MaxTextureDimension2D
	if m == 0 || m > protocol.MaxTextureDimension {
		m = protocol.MaxTextureDimension
	}
	return m
}

// Check returns an UnsupportedCapability error naming every requirement the
// backend does not meet.
func (c Capabilities) Check(r Requirements) error {
	var missing []string
	for _, f := range r.Formats {
		if !c.SupportsFormat(f) {
			missing = append(missing, "format "+f.String())
		}
	}
	if !c.Has(r.Features) {
		missing = append(missing, "features "+(r.Features&^c.Features).String())
	}
	if r.MinTextureDimension > c.MaxTextureDimension() {
		missing = append(missing, fmt.Sprintf("texture dimension %d", r.MinTextureDimension))
	}
	if len(missing) > 0 {
		return vgpu.Errorf(vgpu.KindUnsupportedCapability, "create_context", "%s", strings.Join(missing, ", "))
	}
	return nil
}

package engine

import (
	"fmt"
	"image"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	"github.com/gogpu/vgpu/bridge"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/resource"
	"github.com/gogpu/vgpu/state"
)

// exec validates and dispatches one op.
func (c *Context) exec(op protocol.Op) error {
	switch op := op.(type) {
	case *protocol.Nop, *protocol.Flush:
		return nil
	case *protocol.DebugMarker:
		vgpu.ContextLogger(c.id).Debug("debug marker", "text", op.Text)
		return nil
	case *protocol.CreateBuffer:
		return c.createBuffer(op)
	case *protocol.CreateTexture2D:
		return c.createTexture(op)
	case *protocol.DestroyResource:
		e, err := c.table.Lookup(op.Handle)
		if err != nil {
			return err
		}
		if e.Kind != resource.KindBuffer && e.Kind != resource.KindTexture2D {
			return vgpu.Errorf(vgpu.KindMismatch, "", "handle %d is a %v, want buffer or texture", op.Handle, e.Kind)
		}
		return c.destroy(op.Handle)
	case *protocol.UploadResource:
		return c.upload(op)
	case *protocol.CopyBuffer:
		d, s, err := c.table.Copy(op.Dst, op.Src, op.DstOffset, op.SrcOffset, op.Size)
		if err != nil {
			return err
		}
		return c.backend.CopyBuffer(d.Object, s.Object, op.DstOffset, op.SrcOffset, op.Size)
	case *protocol.CreateShader:
		return c.createShader(op)
	case *protocol.DestroyShader:
		if _, err := c.table.Get(op.Handle, resource.KindShader); err != nil {
			return err
		}
		return c.destroy(op.Handle)
	case *protocol.BindShaders:
		return c.state.BindShaders(c.table, op.VS, op.PS, op.CS)
	case *protocol.SetShaderConstantsF:
		return c.state.SetShaderConstants(op.Stage, op.StartRegister, op.Values)
	case *protocol.CreateInputLayout:
		if err := c.table.CheckFree(op.Handle); err != nil {
			return err
		}
		return c.table.Create(&resource.Entry{
			Handle:   op.Handle,
			Kind:     resource.KindInputLayout,
			Elements: append([]protocol.InputElement(nil), op.Elements...),
		})
	case *protocol.DestroyInputLayout:
		if _, err := c.table.Get(op.Handle, resource.KindInputLayout); err != nil {
			return err
		}
		return c.destroy(op.Handle)
	case *protocol.SetInputLayout:
		return c.state.SetInputLayout(c.table, op.Handle)
	case *protocol.SetRenderTargets:
		return c.state.SetRenderTargets(c.table, op.Colors, op.DepthStencil)
	case *protocol.SetViewport:
		return c.state.SetViewport(op.Viewport)
	case *protocol.SetScissor:
		return c.state.SetScissor(op.Rect)
	case *protocol.SetVertexBuffers:
		bindings := make([]state.VertexBinding, len(op.Bindings))
		for i, b := range op.Bindings {
			bindings[i] = state.VertexBinding{Buffer: b.Buffer, Stride: b.Stride, Offset: b.Offset}
		}
		return c.state.SetVertexBuffers(c.table, op.StartSlot, bindings)
	case *protocol.SetIndexBuffer:
		return c.state.SetIndexBuffer(c.table, state.IndexBinding{Buffer: op.Buffer, Format: op.Format, Offset: op.Offset})
	case *protocol.SetPrimitiveTopology:
		return c.state.SetTopology(op.Topology)
	case *protocol.SetRenderState:
		if err := c.requireState(op.State, op.Value); err != nil {
			return err
		}
		return c.state.SetRenderState(op.State, op.Value)
	case *protocol.Clear:
		return c.clear(op)
	case *protocol.Draw:
		return c.draw(op)
	case *protocol.DrawIndexed:
		return c.drawIndexed(op)
	case *protocol.Present:
		return c.present(op)
	case *protocol.ExportSharedSurface:
		return c.exportSurface(op)
	case *protocol.ImportSharedSurface:
		return c.importSurface(op)
	case *protocol.ReleaseSharedSurface:
		if err := c.requireBridge(); err != nil {
			return err
		}
		s, last, err := c.bridge.Release(op.Token)
		if err != nil {
			return err
		}
		if last {
			c.backend.Destroy(s.Object)
		}
		return nil
	case *protocol.Unknown:
		vgpu.ContextLogger(c.id).Debug("skipping extension op", "opcode", op.Code)
		return nil
	default:
		return vgpu.Errorf(vgpu.KindInvalidField, "", "unhandled op %T", op)
	}
}

func (c *Context) createBuffer(op *protocol.CreateBuffer) error {
	if err := c.table.CheckFree(op.Handle); err != nil {
		return err
	}
	if limit := c.caps.Limits.MaxBufferSize; limit != 0 && op.Size > limit {
		return vgpu.Errorf(vgpu.KindInvalidField, "", "buffer size %d exceeds %d", op.Size, limit)
	}
	obj, err := c.backend.CreateBuffer(backend.BufferDesc{
		Label: fmt.Sprintf("buffer %d", op.Handle),
		Size:  op.Size,
		Usage: op.Usage,
	})
	if err != nil {
		return err
	}
	return c.insert(&resource.Entry{Handle: op.Handle, Kind: resource.KindBuffer, Usage: op.Usage, Size: op.Size, Object: obj})
}

func (c *Context) createTexture(op *protocol.CreateTexture2D) error {
	if err := c.table.CheckFree(op.Handle); err != nil {
		return err
	}
	if !c.caps.SupportsFormat(op.Format) {
		return vgpu.Errorf(vgpu.KindUnsupportedCapability, "", "format %v", op.Format)
	}
	if limit := c.caps.MaxTextureDimension(); op.Width > limit || op.Height > limit {
		return vgpu.Errorf(vgpu.KindInvalidField, "", "size %dx%d exceeds %d", op.Width, op.Height, limit)
	}
	pitch := op.RowPitch
	if pitch == 0 {
		pitch = op.Width * uint32(op.Format.BytesPerPixel())
	}
	obj, err := c.backend.CreateTexture(backend.TextureDesc{
		Label:    fmt.Sprintf("texture %d", op.Handle),
		Width:    op.Width,
		Height:   op.Height,
		Format:   op.Format,
		Usage:    op.Usage,
		RowPitch: pitch,
	})
	if err != nil {
		return err
	}
	return c.insert(&resource.Entry{
		Handle:   op.Handle,
		Kind:     resource.KindTexture2D,
		Usage:    op.Usage,
		Width:    op.Width,
		Height:   op.Height,
		Format:   op.Format,
		RowPitch: pitch,
		Size:     uint64(pitch) * uint64(op.Height),
		Object:   obj,
	})
}

func (c *Context) createShader(op *protocol.CreateShader) error {
	if err := c.table.CheckFree(op.Handle); err != nil {
		return err
	}
	if op.Language == protocol.LanguageWGSL && !c.caps.Has(backend.FeatureWGSLShaders) {
		return vgpu.Errorf(vgpu.KindUnsupportedCapability, "", "WGSL shaders")
	}
	code := append([]byte(nil), op.Code...)
	obj, err := c.backend.CreateShader(backend.ShaderDesc{
		Label:    fmt.Sprintf("shader %d", op.Handle),
		Stage:    op.Stage,
		Language: op.Language,
		Code:     code,
	})
	if err != nil {
		return err
	}
	return c.insert(&resource.Entry{
		Handle:   op.Handle,
		Kind:     resource.KindShader,
		Stage:    op.Stage,
		Language: op.Language,
		Code:     code,
		Object:   obj,
	})
}

// insert adds e to the table, destroying its backend object on failure.
func (c *Context) insert(e *resource.Entry) error {
	if err := c.table.Create(e); err != nil {
		c.release(e)
		return err
	}
	return nil
}

// destroy removes h, unbinds it everywhere and releases its object.
// Destroying the scanout texture takes the frame off scanout.
func (c *Context) destroy(h protocol.Handle) error {
	e, err := c.table.Destroy(h)
	if err != nil {
		return err
	}
	if h == c.scanout {
		c.scanout, c.frame = 0, nil
	}
	c.state.Unbind(h)
	c.release(e)
	return nil
}

func (c *Context) upload(op *protocol.UploadResource) error {
	e, err := c.table.Upload(op.Handle, op.Offset, op.Data)
	if err != nil {
		return err
	}
	if len(op.Data) == 0 {
		return nil
	}
	if e.Kind == resource.KindBuffer {
		return c.backend.WriteBuffer(e.Object, op.Offset, op.Data)
	}
	return c.backend.WriteTexture(e.Object, op.Offset, op.Data)
}

// requireState rejects render states the backend cannot honor.
func (c *Context) requireState(id protocol.RenderStateID, value uint32) error {
	if value == 0 {
		return nil
	}
	var need backend.Feature
	switch id {
	case protocol.RenderStateBlendEnable:
		need = backend.FeatureBlend
	case protocol.RenderStateDepthEnable:
		need = backend.FeatureDepthStencil
	case protocol.RenderStateScissorEnable:
		need = backend.FeatureScissor
	default:
		return nil
	}
	if !c.caps.Has(need) {
		return vgpu.Errorf(vgpu.KindUnsupportedCapability, "", "%v", need)
	}
	return nil
}

func (c *Context) object(h protocol.Handle) (backend.Object, error) {
	e, err := c.table.Get(h, resource.KindTexture2D)
	if err != nil {
		return nil, err
	}
	return e.Object, nil
}

func (c *Context) clear(op *protocol.Clear) error {
	rts := c.state.RenderTargets()
	if op.Flags&protocol.ClearColor != 0 && len(rts) == 0 {
		return vgpu.Errorf(vgpu.KindPipelineNotReady, "", "no render target bound")
	}
	ds := c.state.DepthStencil
	if op.Flags&(protocol.ClearDepth|protocol.ClearStencil) != 0 && ds == 0 {
		return vgpu.Errorf(vgpu.KindPipelineNotReady, "", "no depth-stencil target bound")
	}
	call := &backend.ClearCall{Flags: op.Flags, Color: op.Color, Depth: op.Depth, Stencil: op.Stencil}
	if op.Flags&protocol.ClearColor != 0 {
		for _, h := range rts {
			if h == 0 {
				continue
			}
			obj, err := c.object(h)
			if err != nil {
				return err
			}
			call.Colors = append(call.Colors, obj)
		}
	}
	if op.Flags&(protocol.ClearDepth|protocol.ClearStencil) != 0 {
		obj, err := c.object(ds)
		if err != nil {
			return err
		}
		call.DepthStencil = obj
	}
	if len(call.Colors) == 0 && call.DepthStencil == nil {
		return nil
	}
	return c.backend.Clear(call)
}

func (c *Context) present(op *protocol.Present) error {
	rts := c.state.RenderTargets()
	switch {
	case len(rts) == 0:
		return vgpu.Errorf(vgpu.KindPipelineNotReady, "", "no render target bound")
	case rts[0] == 0:
		return vgpu.Errorf(vgpu.KindPipelineNotReady, "", "render target slot 0 is unbound")
	}
	obj, err := c.object(rts[0])
	if err != nil {
		return err
	}
	if err := c.backend.Present(obj, op.ScanoutID); err != nil {
		return err
	}
	img, err := c.backend.ReadPixels(obj)
	if err != nil {
		return err
	}
	c.scanout, c.frame = rts[0], img
	c.presents++
	return nil
}

func (c *Context) requireBridge() error {
	if c.bridge == nil || !c.caps.Has(backend.FeatureSharedSurfaces) {
		return vgpu.Errorf(vgpu.KindUnsupportedCapability, "", "shared surfaces")
	}
	return nil
}

func (c *Context) exportSurface(op *protocol.ExportSharedSurface) error {
	if err := c.requireBridge(); err != nil {
		return err
	}
	e, err := c.table.Get(op.Handle, resource.KindTexture2D)
	if err != nil {
		return err
	}
	err = c.bridge.Export(op.Token, bridge.Surface{
		Object:   e.Object,
		Width:    e.Width,
		Height:   e.Height,
		Format:   e.Format,
		Usage:    e.Usage,
		RowPitch: e.RowPitch,
	})
	if err != nil {
		return err
	}
	e.Shared = true
	return nil
}

func (c *Context) importSurface(op *protocol.ImportSharedSurface) error {
	if err := c.requireBridge(); err != nil {
		return err
	}
	if err := c.table.CheckFree(op.Handle); err != nil {
		return err
	}
	s, err := c.bridge.Import(op.Token)
	if err != nil {
		return err
	}
	return c.insert(&resource.Entry{
		Handle:   op.Handle,
		Kind:     resource.KindTexture2D,
		Usage:    s.Usage,
		Width:    s.Width,
		Height:   s.Height,
		Format:   s.Format,
		RowPitch: s.RowPitch,
		Size:     uint64(s.RowPitch) * uint64(s.Height),
		Object:   s.Object,
		Shared:   true,
	})
}

// snapshot copies img.
func snapshot(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	return out
}

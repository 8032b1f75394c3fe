// Package vgpu is the command-stream core of a virtual 3D GPU.
//
// # Overview
//
// A guest graphics driver records its API calls into a versioned binary
// command stream. vgpu decodes that stream op by op, validates every op
// against a per-context resource table and render state, and replays it
// against one of several interchangeable backends. Completion of submitted
// work is tracked with per-context fences that only become visible on a
// presentation tick.
//
// # Architecture
//
// The module is organized leaf-first:
//   - protocol: wire format, op table, encoder and decoder
//   - resource: per-context handle table (textures, buffers, shaders, input layouts)
//   - state: render state (targets, viewport, bindings, constants, fixed-function flags)
//   - engine: the interpreter binding the above to a backend
//   - backend: capability-negotiated backend interface and registry,
//     with native (gogpu/wgpu), compat and software implementations
//   - submit: submission queues, fences, presentation ticks and screenshots
//   - worker: the message protocol spoken across the worker boundary
//   - bridge: shared surfaces between contexts
//   - trace: capture container, replay and cross-backend conformance
//
// # Errors
//
// Every failure carries a [Kind] from a closed taxonomy. Use errors.Is with a
// Kind value, or [KindOf], to classify an error:
//
//	if errors.Is(err, vgpu.KindUnknownHandle) {
//	    // producer referenced a handle that is not live
//	}
//
// # Logging
//
// vgpu is silent by default. See [SetLogger].
package vgpu

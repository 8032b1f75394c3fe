// Package backend provides the capability-negotiated backend abstraction
// that the engine executes command streams against.
//
// A backend realizes resources as opaque objects and performs clears, draws,
// presents and readbacks. The engine is backend-agnostic: swapping backends
// never changes resource bookkeeping, render state or dispatch, only the
// Backend implementation.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime.
// Import the implementations you want:
//
//	import (
//		_ "github.com/gogpu/vgpu/backend/compat"
//		_ "github.com/gogpu/vgpu/backend/native"
//		_ "github.com/gogpu/vgpu/backend/software"
//	)
//
// # Backend Selection
//
// Use Open("") to get the best available, initialized backend, or
// Open(name) to request a specific one:
//
//	b, err := backend.Open(backend.BackendSoftware)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
// # Capabilities
//
// Each backend reports the texture formats and optional features it
// supports. Contexts check their Requirements against Capabilities once at
// creation and fail with UnsupportedCapability instead of failing
// individual ops later.
//
// # Available Backends
//
//   - "native": gogpu/wgpu HAL device (Vulkan when present, otherwise the noop device)
//   - "compat": RGBA-only shim over image.RGBA surfaces
//   - "software": CPU rasterizer over host memory (always available)
package backend

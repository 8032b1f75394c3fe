// Command vgpu-replay replays a recorded command-stream trace against one or
// more backends, prints the hash of every presented frame and optionally
// writes the frames as PNG files.
//
// Usage:
//
//	vgpu-replay [flags] trace.vgpt
//	vgpu-replay -conform software,compat,native trace.vgpt
//	vgpu-replay -demo -out frames
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/term"

	"github.com/gogpu/vgpu"
	"github.com/gogpu/vgpu/backend"
	_ "github.com/gogpu/vgpu/backend/compat"
	_ "github.com/gogpu/vgpu/backend/native"
	_ "github.com/gogpu/vgpu/backend/software"
	"github.com/gogpu/vgpu/internal/scenario"
	"github.com/gogpu/vgpu/protocol"
	"github.com/gogpu/vgpu/trace"
	"github.com/gogpu/vgpu/worker"
)

func main() {
	var (
		backendName = flag.String("backend", backend.BackendSoftware, "backend to replay on")
		conform     = flag.String("conform", "", "comma-separated backends to compare frame by frame")
		outDir      = flag.String("out", "", "directory for PNG frames (none when empty)")
		scale       = flag.Int("scale", 1, "integer upscale factor for PNG frames")
		demo        = flag.Bool("demo", false, "replay the built-in demo session instead of a trace file")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [trace]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "backends: %s\n", strings.Join(backend.Available(), ", "))
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	vgpu.SetLogger(logger)

	if *scale < 1 {
		logger.Error("scale must be at least 1", "scale", *scale)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, *demo, *backendName, *conform, *outDir, *scale); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, demo bool, name, conform, outDir string, scale int) error {
	t, err := load(demo)
	if err != nil {
		return err
	}
	logger.Info("trace loaded", "name", t.Meta.Name, "records", len(t.Records), "frames", len(t.Frames))
	if t.Meta.ABI>>16 != protocol.ABIVersion>>16 {
		logger.Warn("trace was recorded with another command ABI", "trace", t.Meta.ABI, "decoder", protocol.ABIVersion)
	}

	if conform != "" {
		names := strings.Split(conform, ",")
		rep, err := trace.Conformance(ctx, t, names...)
		if err != nil {
			return err
		}
		printFrames(rep.Backends[0], rep.Frames[0])
		if rep.Mismatch != nil {
			return rep.Mismatch
		}
		fmt.Printf("%d frames identical on %s\n", len(rep.Frames[0]), strings.Join(rep.Backends, ", "))
		return writeFrames(outDir, rep.Frames[0], scale)
	}

	frames, err := trace.ReplayOn(ctx, t, name)
	if err != nil {
		return err
	}
	printFrames(name, frames)
	return writeFrames(outDir, frames, scale)
}

// load reads the trace named by the first argument ("-" for stdin) or
// records the demo session.
func load(demo bool) (*trace.Trace, error) {
	if demo {
		return demoTrace()
	}
	switch path := flag.Arg(0); path {
	case "":
		flag.Usage()
		return nil, errors.New("no trace given")
	case "-":
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, errors.New("refusing to read a binary trace from a terminal")
		}
		return trace.Read(os.Stdin)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return trace.Read(f)
	}
}

// demoTrace records a green frame on context 0 followed by a blended
// gradient on context 1.
func demoTrace() (*trace.Trace, error) {
	var buf bytes.Buffer
	rec, err := trace.NewRecorder(&buf, "demo")
	if err != nil {
		return nil, err
	}
	for _, msg := range []worker.Message{
		worker.Submit{RequestID: 1, ContextID: 0, Fence: 1, Stream: scenario.Stream(scenario.Green(64, 64)...)},
		worker.Tick{FrameTimeMs: 16},
		worker.Submit{RequestID: 2, ContextID: 1, Fence: 1, Stream: scenario.Stream(scenario.Gradient(64, 64, protocol.FormatB8G8R8X8Unorm)...)},
		worker.Tick{FrameTimeMs: 16},
	} {
		if err := rec.Record(msg); err != nil {
			return nil, err
		}
	}
	if err := rec.Close(); err != nil {
		return nil, err
	}
	return trace.Parse(buf.Bytes())
}

func printFrames(name string, frames []trace.Frame) {
	for _, f := range frames {
		fmt.Printf("%s frame %d %dx%d %s\n", name, f.Index, f.Width, f.Height, f.SHA256())
	}
}

func writeFrames(dir string, frames []trace.Frame, scale int) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range frames {
		path := filepath.Join(dir, fmt.Sprintf("frame%04d.png", f.Index))
		if err := writePNG(path, upscale(f.Image(), scale)); err != nil {
			return fmt.Errorf("frame %d: %w", f.Index, err)
		}
	}
	return nil
}

func upscale(src *image.RGBA, scale int) image.Image {
	if scale == 1 {
		return src
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func writePNG(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, img)
}

// Command vgpu-script runs a Lua producer script and writes the command
// streams it submits as a trace.
//
// Usage:
//
//	vgpu-script -o session.vgpt producer.lua
//	vgpu-script -e 'vgpu.submit(0, 1, vgpu.green(64, 64)) vgpu.tick()' > green.vgpt
package main

import (
	"bufio"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/gogpu/vgpu"
)

func main() {
	var (
		output  = flag.String("o", "", "output trace file (stdout when empty)")
		expr    = flag.String("e", "", "run this Lua source instead of a script file")
		name    = flag.String("name", "", "trace name (script base name by default)")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	vgpu.SetLogger(logger)

	if err := run(logger, *output, *expr, *name, flag.Arg(0)); err != nil {
		logger.Error("script failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, output, expr, name, path string) (err error) {
	if expr == "" && path == "" {
		return errors.New("no script given")
	}
	if name == "" {
		name = "inline"
		if path != "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
	}

	var w io.Writer = os.Stdout
	if output == "" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return errors.New("refusing to write a binary trace to a terminal; use -o")
		}
	} else {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	bw := bufio.NewWriter(w)

	s, err := NewScript(bw, name)
	if err != nil {
		return err
	}
	if expr != "" {
		err = s.RunString(expr)
	} else {
		err = s.RunFile(path)
	}
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	logger.Info("trace written", "name", name, "frames", s.Frames())
	return bw.Flush()
}

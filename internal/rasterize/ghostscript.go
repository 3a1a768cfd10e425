package rasterize

import (
	"context"
	"fmt"
	"strconv"
)

// Ghostscript renders pages with the gs command line tool.
type Ghostscript struct {
	Binary      string
	JPEGQuality int
	runner      CommandRunner
}

// NewGhostscript returns a Ghostscript engine. An empty binary means "gs" on
// PATH; a nil runner means os/exec.
func NewGhostscript(binary string, jpegQuality int, runner CommandRunner) *Ghostscript {
	if binary == "" {
		binary = "gs"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Ghostscript{Binary: binary, JPEGQuality: jpegQuality, runner: runner}
}

func (g *Ghostscript) Name() string { return "ghostscript" }

func (g *Ghostscript) Check(_ context.Context) error {
	if _, err := g.runner.LookPath(g.Binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEngineUnavailable, g.Binary, err)
	}
	return nil
}

func (g *Ghostscript) RenderPage(ctx context.Context, job Job) error {
	return g.runner.Run(ctx, g.Binary, g.Args(job)...)
}

// Args builds the gs argument list for job.
func (g *Ghostscript) Args(job Job) []string {
	page := strconv.Itoa(job.Page)
	args := []string{
		"-dSAFER", "-dBATCH", "-dNOPAUSE", "-dQUIET",
		"-dTextAlphaBits=4", "-dGraphicsAlphaBits=4",
	}
	switch job.Device {
	case DevicePNG:
		args = append(args, "-sDEVICE=png16m")
	default:
		args = append(args, "-sDEVICE=jpeg")
		if g.JPEGQuality > 0 {
			args = append(args, "-dJPEGQ="+strconv.Itoa(g.JPEGQuality))
		}
	}
	return append(args,
		"-r"+strconv.Itoa(job.DPI),
		"-dFirstPage="+page,
		"-dLastPage="+page,
		"-sOutputFile="+job.OutputPath,
		job.PDFPath,
	)
}

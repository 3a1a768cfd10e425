package rasterize

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Pdftoppm renders pages with poppler's pdftoppm.
type Pdftoppm struct {
	Binary      string
	JPEGQuality int
	runner      CommandRunner
}

// NewPdftoppm returns a Pdftoppm engine. An empty binary means "pdftoppm".
func NewPdftoppm(binary string, jpegQuality int, runner CommandRunner) *Pdftoppm {
	if binary == "" {
		binary = "pdftoppm"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Pdftoppm{Binary: binary, JPEGQuality: jpegQuality, runner: runner}
}

func (p *Pdftoppm) Name() string { return "pdftoppm" }

func (p *Pdftoppm) Check(_ context.Context) error {
	if _, err := p.runner.LookPath(p.Binary); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEngineUnavailable, p.Binary, err)
	}
	return nil
}

func (p *Pdftoppm) RenderPage(ctx context.Context, job Job) error {
	return p.runner.Run(ctx, p.Binary, p.Args(job)...)
}

// Args builds the pdftoppm argument list for job. pdftoppm appends the
// extension itself, so the output prefix drops it.
func (p *Pdftoppm) Args(job Job) []string {
	page := strconv.Itoa(job.Page)
	args := []string{"-f", page, "-l", page}
	switch job.Device {
	case DevicePNG:
		args = append(args, "-png")
	default:
		args = append(args, "-jpeg")
		if p.JPEGQuality > 0 {
			args = append(args, "-jpegopt", "quality="+strconv.Itoa(p.JPEGQuality))
		}
	}
	prefix := strings.TrimSuffix(job.OutputPath, filepath.Ext(job.OutputPath))
	return append(args, "-r", strconv.Itoa(job.DPI), "-singlefile", job.PDFPath, prefix)
}

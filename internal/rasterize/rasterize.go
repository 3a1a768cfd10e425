// Package rasterize turns PDF pages into web-displayable images by driving a
// page-imaging engine once per page.
package rasterize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/pagemill/internal/config"
)

// Resolution presets. Historical artifacts were produced at LegacyDPI.
const (
	StandardDPI = 300
	LegacyDPI   = 150
)

// Device is the raster output format.
type Device string

const (
	DeviceJPEG Device = "jpeg"
	DevicePNG  Device = "png"
)

// ParseDevice maps a config value onto a Device.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return DeviceJPEG, nil
	case "png":
		return DevicePNG, nil
	}
	return "", fmt.Errorf("unsupported device %q", s)
}

// Ext returns the file extension for the device, without the dot.
func (d Device) Ext() string {
	if d == DevicePNG {
		return "png"
	}
	return "jpg"
}

// PageFileName is the file name used for a page's image and thumbnail.
func PageFileName(page int, d Device) string {
	return fmt.Sprintf("page-%03d.%s", page, d.Ext())
}

// Job is a single engine invocation: one page at one resolution.
type Job struct {
	PDFPath    string
	Page       int
	DPI        int
	Device     Device
	OutputPath string
}

// Engine renders a single PDF page to an image file.
type Engine interface {
	Name() string
	// Check reports ErrEngineUnavailable when the engine cannot run at all.
	Check(ctx context.Context) error
	RenderPage(ctx context.Context, job Job) error
}

// Request asks for a set of pages of one PDF.
type Request struct {
	PDFPath   string
	PageCount int
	Pages     []int
	DPI       int
	Device    Device
	OutputDir string
	ThumbDir  string
}

// Artifact is the set of files produced for one page.
type Artifact struct {
	Page          int
	ImagePath     string
	ThumbnailPath string
	DPI           int
}

// Result is the per-page outcome of a Rasterize call. Exactly one of
// Artifact and Err is set.
type Result struct {
	Page     int
	Artifact *Artifact
	Err      error
}

// Options tune how a Rasterizer drives its engine.
type Options struct {
	Concurrency  int
	Timeout      time.Duration
	ThumbnailDPI int
}

// Rasterizer runs an Engine over the pages of a request.
type Rasterizer struct {
	engine Engine
	opts   Options
}

// New creates a Rasterizer around engine.
func New(engine Engine, opts Options) *Rasterizer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Rasterizer{engine: engine, opts: opts}
}

// NewFromConfig builds the configured engine and wraps it in a Rasterizer.
func NewFromConfig(cfg *config.Config) (*Rasterizer, error) {
	engine, err := NewEngine(cfg.Rasterizer)
	if err != nil {
		return nil, err
	}
	return New(engine, Options{
		Concurrency:  cfg.Rasterizer.Concurrency,
		Timeout:      cfg.Rasterizer.Timeout,
		ThumbnailDPI: cfg.Rasterizer.ThumbnailDPI,
	}), nil
}

// Validate checks a request before any engine is invoked.
func (r *Rasterizer) Validate(req Request) error {
	if req.DPI < config.MinDPI || req.DPI > config.MaxDPI {
		return fmt.Errorf("dpi %d outside supported range [%d, %d]", req.DPI, config.MinDPI, config.MaxDPI)
	}
	if req.Device != DeviceJPEG && req.Device != DevicePNG {
		return fmt.Errorf("unsupported device %q", req.Device)
	}
	if req.PageCount < 1 {
		return fmt.Errorf("page count must be positive, got %d", req.PageCount)
	}
	for _, p := range req.Pages {
		if p < 1 || p > req.PageCount {
			return fmt.Errorf("page %d outside document range [1, %d]", p, req.PageCount)
		}
	}
	if req.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if _, err := os.Stat(req.PDFPath); err != nil {
		return fmt.Errorf("source PDF: %w", err)
	}
	return nil
}

// Rasterize renders every requested page and returns one Result per page in
// request order. A failing page never stops its siblings, and files written
// for successful pages are kept when others fail.
//
// The returned error is non-nil only when nothing could be attempted: an
// invalid request or an unavailable engine.
func (r *Rasterizer) Rasterize(ctx context.Context, req Request) ([]Result, error) {
	if err := r.Validate(req); err != nil {
		return nil, err
	}
	if err := r.engine.Check(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if req.ThumbDir != "" {
		if err := os.MkdirAll(req.ThumbDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating thumbnail directory: %w", err)
		}
	}

	results := make([]Result, len(req.Pages))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)

	for i, page := range req.Pages {
		g.Go(func() error {
			results[i] = r.renderPage(ctx, req, page)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	log.Printf("Rasterized %s with %s: %d pages ok, %d failed",
		filepath.Base(req.PDFPath), r.engine.Name(), len(results)-failed, failed)
	return results, nil
}

func (r *Rasterizer) renderPage(ctx context.Context, req Request, page int) Result {
	name := PageFileName(page, req.Device)
	art := &Artifact{Page: page, DPI: req.DPI, ImagePath: filepath.Join(req.OutputDir, name)}

	if err := r.renderTo(ctx, req, page, req.DPI, art.ImagePath); err != nil {
		return Result{Page: page, Err: err}
	}

	if req.ThumbDir != "" && r.opts.ThumbnailDPI > 0 {
		art.ThumbnailPath = filepath.Join(req.ThumbDir, name)
		if err := r.renderTo(ctx, req, page, r.opts.ThumbnailDPI, art.ThumbnailPath); err != nil {
			return Result{Page: page, Err: err}
		}
	}
	return Result{Page: page, Artifact: art}
}

// renderTo runs one engine invocation into a temporary file and renames it
// into place, so a reader never observes a partially written image.
func (r *Rasterizer) renderTo(ctx context.Context, req Request, page, dpi int, dest string) error {
	tmp := filepath.Join(filepath.Dir(dest), ".tmp-"+filepath.Base(dest))
	defer os.Remove(tmp)

	jobCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	err := r.engine.RenderPage(jobCtx, Job{
		PDFPath:    req.PDFPath,
		Page:       page,
		DPI:        dpi,
		Device:     req.Device,
		OutputPath: tmp,
	})
	if err == nil && jobCtx.Err() != nil {
		err = jobCtx.Err()
	}
	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", r.opts.Timeout, err)
		}
		return newFailure(page, r.engine.Name(), err)
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		return newFailure(page, r.engine.Name(), errors.New("engine produced no output"))
	}
	if err := os.Rename(tmp, dest); err != nil {
		return newFailure(page, r.engine.Name(), fmt.Errorf("moving output into place: %w", err))
	}
	return nil
}

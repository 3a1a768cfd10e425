package rasterize

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/gen2brain/go-fitz"
)

// Fitz renders pages in-process with MuPDF through go-fitz.
type Fitz struct {
	JPEGQuality int
}

// NewFitz returns an in-process MuPDF engine.
func NewFitz(jpegQuality int) *Fitz {
	return &Fitz{JPEGQuality: jpegQuality}
}

func (f *Fitz) Name() string { return "fitz" }

func (f *Fitz) Check(_ context.Context) error { return nil }

// RenderPage opens the document per call; a go-fitz Document is not safe for
// concurrent use. MuPDF cannot be interrupted, so on cancellation the render
// finishes in the background and its output is discarded.
func (f *Fitz) RenderPage(ctx context.Context, job Job) error {
	done := make(chan error, 1)
	go func() {
		done <- f.render(job)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fitz) render(job Job) error {
	doc, err := fitz.New(job.PDFPath)
	if err != nil {
		return fmt.Errorf("opening document: %w", err)
	}
	defer doc.Close()

	if job.Page < 1 || job.Page > doc.NumPage() {
		return fmt.Errorf("page %d outside document range [1, %d]", job.Page, doc.NumPage())
	}
	img, err := doc.ImageDPI(job.Page-1, float64(job.DPI))
	if err != nil {
		return fmt.Errorf("rendering page: %w", err)
	}
	return writeImage(job.OutputPath, img, job.Device, f.JPEGQuality)
}

func writeImage(path string, img image.Image, device Device, quality int) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if device == DevicePNG {
		err = png.Encode(out, img)
	} else {
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// Package pdfdoc inspects source PDFs: page count and physical page size.
package pdfdoc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	ledongthucpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PointsPerInch is the PDF user-space unit density.
const PointsPerInch = 72.0

// ErrInvalidPDF marks a file that neither parser could read.
var ErrInvalidPDF = errors.New("pdfdoc: invalid or corrupt PDF")

// PageSize is a page's MediaBox in PDF points.
type PageSize struct {
	Width  float64
	Height float64
}

// PixelWidth returns the raster width of the page at dpi.
func (s PageSize) PixelWidth(dpi int) int {
	return int(s.Width / PointsPerInch * float64(dpi))
}

// PixelHeight returns the raster height of the page at dpi.
func (s PageSize) PixelHeight(dpi int) int {
	return int(s.Height / PointsPerInch * float64(dpi))
}

// Info describes an inspected PDF.
type Info struct {
	PageCount int
	// Pages is empty when only the fallback parser could read the file.
	Pages []PageSize
}

// Inspector reports what a PDF contains.
type Inspector interface {
	Inspect(path string) (*Info, error)
}

// FileInspector reads PDFs with pdfcpu and falls back to ledongthuc/pdf for
// files pdfcpu refuses but which still have a readable page tree.
type FileInspector struct{}

// NewInspector returns the default file-backed inspector.
func NewInspector() *FileInspector {
	return &FileInspector{}
}

// Inspect returns the page count and page sizes of the PDF at path.
func (i *FileInspector) Inspect(path string) (*Info, error) {
	if err := checkFile(path); err != nil {
		return nil, err
	}

	count, err := api.PageCountFile(path)
	if err == nil && count > 0 {
		info := &Info{PageCount: count}
		dims, dimErr := api.PageDimsFile(path)
		if dimErr != nil {
			log.Printf("pdfdoc: page sizes unavailable for %s: %v", path, dimErr)
		}
		for _, d := range dims {
			info.Pages = append(info.Pages, PageSize{Width: d.Width, Height: d.Height})
		}
		return info, nil
	}
	pdfcpuErr := err

	count, err = countWithLedongthuc(path)
	if err == nil && count > 0 {
		log.Printf("pdfdoc: pdfcpu could not read %s (%v), using fallback page count %d", path, pdfcpuErr, count)
		return &Info{PageCount: count}, nil
	}

	if pdfcpuErr == nil {
		pdfcpuErr = fmt.Errorf("document has no pages")
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPDF, path, pdfcpuErr)
}

func countWithLedongthuc(path string) (n int, err error) {
	// The fallback parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parser panic: %v", r)
		}
	}()
	f, r, err := ledongthucpdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}

func checkFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPDF)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("source PDF: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidPDF, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidPDF, path)
	}
	return nil
}

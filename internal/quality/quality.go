// Package quality scores rasterized page images from their pixel dimensions
// and file size. It never reads pixel content and never writes.
package quality

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/TobiSchelling/pagemill/internal/config"
)

// ResolutionWeight equals the default premium threshold, so a page at the
// reference width grades premium whatever its file size.
const (
	ResolutionWeight = 85.0
	SizeWeight       = 15.0
	bytesPerMB       = 1024 * 1024
)

// Grade is a human-facing quality tier.
type Grade string

const (
	GradePremium  Grade = "premium"
	GradeHigh     Grade = "high"
	GradeStandard Grade = "standard"
	GradeBasic    Grade = "basic"
)

// Label returns the display form of the grade.
func (g Grade) Label() string {
	switch g {
	case GradePremium:
		return "Premium"
	case GradeHigh:
		return "High"
	case GradeStandard:
		return "Standard"
	}
	return "Basic"
}

// Thresholds are the minimum scores for each tier above basic.
type Thresholds struct {
	Premium  float64
	High     float64
	Standard float64
}

// Report is the derived quality view of one image.
type Report struct {
	Width         int
	Height        int
	FileSizeBytes int64
	FileSizeMB    float64
	Score         float64
	Grade         Grade
}

// Scorer computes Reports against fixed reference values.
type Scorer struct {
	ReferenceWidth  int
	ReferenceSizeMB float64
	Thresholds      Thresholds
}

// NewScorer builds a Scorer from the quality config section.
func NewScorer(cfg config.Quality) *Scorer {
	return &Scorer{
		ReferenceWidth:  cfg.ReferenceWidth,
		ReferenceSizeMB: cfg.ReferenceSizeMB,
		Thresholds: Thresholds{
			Premium:  cfg.Premium,
			High:     cfg.High,
			Standard: cfg.Standard,
		},
	}
}

// Score reads the image header and file size at path.
func (s *Scorer) Score(path string) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("reading image header %s: %w", path, err)
	}
	return s.Evaluate(cfg.Width, cfg.Height, info.Size()), nil
}

// Evaluate scores known dimensions and size without touching the filesystem.
func (s *Scorer) Evaluate(width, height int, sizeBytes int64) *Report {
	mb := float64(sizeBytes) / bytesPerMB
	score := ResolutionWeight*ratio(float64(width), float64(s.ReferenceWidth)) +
		SizeWeight*ratio(mb, s.ReferenceSizeMB)
	score = math.Round(score*10) / 10

	return &Report{
		Width:         width,
		Height:        height,
		FileSizeBytes: sizeBytes,
		FileSizeMB:    math.Round(mb*100) / 100,
		Score:         score,
		Grade:         s.Grade(score),
	}
}

// Grade maps a score onto its tier. Every score maps to exactly one tier.
func (s *Scorer) Grade(score float64) Grade {
	switch {
	case score >= s.Thresholds.Premium:
		return GradePremium
	case score >= s.Thresholds.High:
		return GradeHigh
	case score >= s.Thresholds.Standard:
		return GradeStandard
	}
	return GradeBasic
}

func ratio(v, ref float64) float64 {
	if ref <= 0 || v <= 0 {
		return 0
	}
	return math.Min(v/ref, 1)
}

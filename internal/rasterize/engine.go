package rasterize

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/pagemill/internal/config"
)

// Engine names accepted in configuration.
const (
	EngineGhostscript = "ghostscript"
	EnginePdftoppm    = "pdftoppm"
	EngineFitz        = "fitz"
)

// NewEngine builds the engine named in cfg.
func NewEngine(cfg config.Rasterizer) (Engine, error) {
	switch strings.ToLower(cfg.Engine) {
	case EngineGhostscript, "":
		return NewGhostscript(cfg.Binary, cfg.JPEGQuality, nil), nil
	case EnginePdftoppm:
		return NewPdftoppm(cfg.Binary, cfg.JPEGQuality, nil), nil
	case EngineFitz:
		return NewFitz(cfg.JPEGQuality), nil
	}
	return nil, fmt.Errorf("unknown rasterizer engine %q", cfg.Engine)
}

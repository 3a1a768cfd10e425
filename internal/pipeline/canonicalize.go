package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/TobiSchelling/pagemill/internal/database"
)

// CanonicalizeReport summarizes a maintenance pass over stored paths.
type CanonicalizeReport struct {
	PathsChecked    int
	Rewritten       int
	Unresolvable    []string
	PagesFailed     int
	EditionsSkipped int
}

// CanonicalizeAll rewrites drifted paths across the whole ledger. Paths that
// cannot be resolved are reported and left as stored; pages whose image is
// gone are marked failed so the next pass re-rasterizes them.
func (p *Pipeline) CanonicalizeAll(ctx context.Context) (*CanonicalizeReport, error) {
	editions, err := p.db.ListEditions()
	if err != nil {
		return nil, fmt.Errorf("listing editions: %w", err)
	}

	owner := "canonicalize-" + uuid.NewString()
	r := &CanonicalizeReport{}
	for _, ed := range editions {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		if err := p.db.AcquireLock(ed.ID, owner, p.cfg.Scheduler.LockTTL); err != nil {
			if errors.Is(err, database.ErrLocked) {
				log.Printf("Edition %d: locked, skipping canonicalization", ed.ID)
				r.EditionsSkipped++
				continue
			}
			return r, err
		}
		err := p.canonicalizeEdition(ed, r)
		if relErr := p.db.ReleaseLock(ed.ID, owner); relErr != nil {
			log.Printf("Edition %d: releasing lock: %v", ed.ID, relErr)
		}
		if err != nil {
			return r, err
		}
	}

	log.Printf("Canonicalized %d paths: %d rewritten, %d unresolvable, %d pages marked failed",
		r.PathsChecked, r.Rewritten, len(r.Unresolvable), r.PagesFailed)
	return r, nil
}

func (p *Pipeline) canonicalizeEdition(ed database.Edition, r *CanonicalizeReport) error {
	r.PathsChecked++
	fixed, err := p.paths.Canonicalize(ed.PDFPath)
	switch {
	case err != nil:
		r.Unresolvable = append(r.Unresolvable, ed.PDFPath)
	case fixed != ed.PDFPath:
		if err := p.db.UpdateEditionPDFPath(ed.ID, fixed); err != nil {
			return err
		}
		r.Rewritten++
	}

	pages, err := p.db.GetPages(ed.ID)
	if err != nil {
		return fmt.Errorf("loading pages for edition %d: %w", ed.ID, err)
	}
	for _, pg := range pages {
		if pg.ImagePath == "" {
			continue
		}
		img, thumb := pg.ImagePath, pg.ThumbnailPath

		r.PathsChecked++
		fixedImg, imgErr := p.paths.Canonicalize(pg.ImagePath)
		if imgErr != nil {
			r.Unresolvable = append(r.Unresolvable, pg.ImagePath)
			if pg.Status != database.PageFailed {
				if err := p.db.MarkPageFailed(ed.ID, pg.PageNumber, imgErr.Error()); err != nil {
					return err
				}
				r.PagesFailed++
			}
		} else {
			img = fixedImg
		}

		if pg.ThumbnailPath != "" {
			r.PathsChecked++
			if fixedThumb, err := p.paths.Canonicalize(pg.ThumbnailPath); err != nil {
				r.Unresolvable = append(r.Unresolvable, pg.ThumbnailPath)
			} else {
				thumb = fixedThumb
			}
		}

		if img != pg.ImagePath || thumb != pg.ThumbnailPath {
			if err := p.db.UpdatePagePaths(pg.ID, img, thumb); err != nil {
				return err
			}
			if img != pg.ImagePath {
				r.Rewritten++
			}
			if thumb != pg.ThumbnailPath {
				r.Rewritten++
			}
		}
	}
	return nil
}

// Package reconcile drives one edition toward a consistent ledger state:
// it compares the PDF's page count with the recorded pages, repairs or
// re-rasterizes only what is missing, and advances the edition state once
// every page write for the pass has committed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/pathfix"
	"github.com/TobiSchelling/pagemill/internal/pdfdoc"
	"github.com/TobiSchelling/pagemill/internal/quality"
	"github.com/TobiSchelling/pagemill/internal/rasterize"
)

// maxErrorLen bounds diagnostics stored in the ledger. Full engine output
// only goes to the run log.
const maxErrorLen = 500

// resolutionSlack absorbs engines that round page dimensions differently.
const resolutionSlack = 2

// Ledger is the subset of the processing ledger the engine needs.
type Ledger interface {
	AcquireLock(editionID int64, owner string, ttl time.Duration) error
	RenewLock(editionID int64, owner string, ttl time.Duration) error
	ReleaseLock(editionID int64, owner string) error
	GetEdition(editionID int64) (*database.Edition, error)
	GetPages(editionID int64) ([]database.Page, error)
	UpsertPage(p database.Page) error
	MarkPageFailed(editionID int64, pageNumber int, reason string) error
	UpdatePagePaths(pageID int64, imagePath, thumbnailPath string) error
	DeletePagesAbove(editionID int64, maxPage int) ([]database.Page, error)
	UpdateEditionState(editionID int64, u database.StateUpdate) error
	UpdateEditionPDFPath(editionID int64, pdfPath string) error
}

// Options configure how missing pages are produced.
type Options struct {
	DPI      int
	Device   rasterize.Device
	PagesDir string
	LockTTL  time.Duration
	Owner    string
}

// Engine reconciles editions against the ledger.
type Engine struct {
	ledger     Ledger
	inspector  pdfdoc.Inspector
	rasterizer *rasterize.Rasterizer
	scorer     *quality.Scorer
	paths      *pathfix.Canonicalizer
	opts       Options
	now        func() time.Time
}

// New creates a reconciliation engine.
func New(
	ledger Ledger,
	inspector pdfdoc.Inspector,
	rasterizer *rasterize.Rasterizer,
	scorer *quality.Scorer,
	paths *pathfix.Canonicalizer,
	opts Options,
) *Engine {
	if opts.DPI == 0 {
		opts.DPI = rasterize.StandardDPI
	}
	if opts.Device == "" {
		opts.Device = rasterize.DeviceJPEG
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Owner == "" {
		opts.Owner = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return &Engine{
		ledger:     ledger,
		inspector:  inspector,
		rasterizer: rasterizer,
		scorer:     scorer,
		paths:      paths,
		opts:       opts,
		now:        time.Now,
	}
}

// WithOwner returns a copy of the engine that takes locks as owner.
func (e *Engine) WithOwner(owner string) *Engine {
	c := *e
	c.opts.Owner = owner
	return &c
}

// Reconcile runs one pass over a single edition. Page-scoped failures are
// recorded and reported through the Outcome. The error is non-nil only when
// the pass was aborted; a *database.WriteFailure means the ledger itself
// rejected a write and no edition state was advanced.
//
// The edition lock is renewed for as long as the pass runs. If the lease is
// lost anyway, in-flight renders are cancelled and the pass aborts with
// database.ErrLockLost before writing anything further.
func (e *Engine) Reconcile(ctx context.Context, editionID int64) (*Outcome, error) {
	out := &Outcome{EditionID: editionID}

	if err := e.ledger.AcquireLock(editionID, e.opts.Owner, e.opts.LockTTL); err != nil {
		if errors.Is(err, database.ErrLocked) {
			out.Result = ResultSkipped
			out.Diagnostic = "locked by another run"
			return out, nil
		}
		return e.abort(out, err)
	}
	defer func() {
		if err := e.ledger.ReleaseLock(editionID, e.opts.Owner); err != nil {
			log.Printf("Edition %d: releasing lock: %v", editionID, err)
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := e.keepLease(ctx, cancel, editionID)
	defer stop()

	ed, err := e.ledger.GetEdition(editionID)
	if err != nil {
		return e.abort(out, fmt.Errorf("loading edition: %w", err))
	}
	if ed == nil {
		return e.abort(out, fmt.Errorf("edition %d not found", editionID))
	}
	out.From, out.To = ed.State, ed.State

	if ed.State == database.StateFailed {
		out.Result = ResultSkipped
		out.Diagnostic = "failed; waiting for reset"
		return out, nil
	}

	p := &pass{Engine: e, ctx: ctx, ed: ed, out: out}
	if err := p.run(); err != nil {
		return e.abort(out, err)
	}
	return out, nil
}

// keepLease renews the edition lock every third of its TTL until stop is
// called. Losing the lease cancels ctx with database.ErrLockLost.
func (e *Engine) keepLease(ctx context.Context, cancel context.CancelCauseFunc, editionID int64) (stop func()) {
	interval := max(e.opts.LockTTL/3, 10*time.Millisecond)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := e.ledger.RenewLock(editionID, e.opts.Owner, e.opts.LockTTL)
			if errors.Is(err, database.ErrLockLost) {
				log.Printf("Edition %d: lock lost to another run, abandoning pass", editionID)
				cancel(err)
				return
			}
			if err != nil {
				log.Printf("Edition %d: renewing lock: %v", editionID, err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Engine) abort(out *Outcome, err error) (*Outcome, error) {
	out.Result = ResultAborted
	out.Diagnostic = err.Error()
	return out, err
}

// pass holds the working state of one reconciliation of one edition.
type pass struct {
	*Engine
	ctx context.Context
	ed  *database.Edition
	out *Outcome

	pdfPath   string
	pageCount int
	sizes     []pdfdoc.PageSize
	complete  map[int]bool
	changed   bool
	lastError string
}

func (p *pass) run() error {
	id := p.ed.ID

	pdfPath, err := p.paths.Canonicalize(p.ed.PDFPath)
	if err != nil {
		return p.fail(fmt.Sprintf("source PDF unresolvable: %s", p.ed.PDFPath))
	}
	if pdfPath != p.ed.PDFPath {
		log.Printf("Edition %d: source path %s -> %s", id, p.ed.PDFPath, pdfPath)
		if err := p.ledger.UpdateEditionPDFPath(id, pdfPath); err != nil {
			return err
		}
		p.changed = true
	}
	p.pdfPath = pdfPath

	info, err := p.inspector.Inspect(p.paths.Resolve(pdfPath))
	if err != nil {
		return p.fail(fmt.Sprintf("cannot read source PDF: %v", err))
	}
	p.pageCount = info.PageCount
	if p.pageCount < 1 {
		return p.fail("source PDF has no pages")
	}
	if len(info.Pages) == p.pageCount {
		p.sizes = info.Pages
	}

	if p.ed.PageCount > 0 && p.ed.PageCount != p.pageCount {
		p.out.Mismatch = &PageCountMismatch{Recorded: p.ed.PageCount, Actual: p.pageCount}
		log.Printf("Edition %d: %v", id, p.out.Mismatch)
		p.changed = true
	}

	pages, err := p.ledger.GetPages(id)
	if err != nil {
		return fmt.Errorf("loading pages: %w", err)
	}
	if err := p.dropStalePages(pages); err != nil {
		return err
	}
	if err := p.verifyPages(pages); err != nil {
		return err
	}

	outstanding := p.outstanding()
	if len(outstanding) > 0 {
		if err := p.rasterize(outstanding); err != nil {
			return err
		}
		outstanding = p.outstanding()
	}
	return p.finish(outstanding)
}

// dropStalePages removes records and files for pages past the current end
// of the document.
func (p *pass) dropStalePages(pages []database.Page) error {
	if len(pages) == 0 || pages[len(pages)-1].PageNumber <= p.pageCount {
		return nil
	}
	removed, err := p.ledger.DeletePagesAbove(p.ed.ID, p.pageCount)
	if err != nil {
		return err
	}
	for _, pg := range removed {
		p.removeFile(pg.ImagePath)
		p.removeFile(pg.ThumbnailPath)
	}
	log.Printf("Edition %d: removed %d stale page records beyond page %d", p.ed.ID, len(removed), p.pageCount)
	p.changed = true
	return nil
}

// verifyPages checks that every complete page still resolves to its files,
// rewriting drifted paths and failing pages that cannot be found.
func (p *pass) verifyPages(pages []database.Page) error {
	p.complete = make(map[int]bool)
	for _, pg := range pages {
		if pg.PageNumber > p.pageCount || pg.Status != database.PageComplete {
			continue
		}

		img, imgErr := p.paths.Canonicalize(pg.ImagePath)
		thumb, thumbErr := pg.ThumbnailPath, error(nil)
		if pg.ThumbnailPath != "" {
			thumb, thumbErr = p.paths.Canonicalize(pg.ThumbnailPath)
		}
		if imgErr != nil || thumbErr != nil {
			reason := firstErr(imgErr, thumbErr).Error()
			log.Printf("Edition %d page %d: %s", p.ed.ID, pg.PageNumber, reason)
			if err := p.ledger.MarkPageFailed(p.ed.ID, pg.PageNumber, truncate(reason)); err != nil {
				return err
			}
			p.changed = true
			continue
		}

		if img != pg.ImagePath || thumb != pg.ThumbnailPath {
			if err := p.ledger.UpdatePagePaths(pg.ID, img, thumb); err != nil {
				return err
			}
			p.changed = true
		}
		p.complete[pg.PageNumber] = true
	}
	return nil
}

func (p *pass) outstanding() []int {
	var missing []int
	for n := 1; n <= p.pageCount; n++ {
		if !p.complete[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

func (p *pass) rasterize(pages []int) error {
	id := p.ed.ID
	relDir := path.Join(p.opts.PagesDir, strconv.FormatInt(id, 10), p.now().Format("2006-01-02"))
	outDir := p.paths.Resolve(relDir)

	log.Printf("Edition %d: rasterizing %d of %d pages at %d DPI", id, len(pages), p.pageCount, p.opts.DPI)
	results, err := p.rasterizer.Rasterize(p.ctx, rasterize.Request{
		PDFPath:   p.paths.Resolve(p.pdfPath),
		PageCount: p.pageCount,
		Pages:     pages,
		DPI:       p.opts.DPI,
		Device:    p.opts.Device,
		OutputDir: outDir,
		ThumbDir:  filepath.Join(outDir, "thumbs"),
	})
	if lost := p.leaseLost(); lost != nil {
		return lost
	}
	if err != nil {
		if errors.Is(err, rasterize.ErrEngineUnavailable) {
			return p.fail(err.Error())
		}
		return fmt.Errorf("rasterizing: %w", err)
	}
	p.changed = true

	for _, res := range results {
		if lost := p.leaseLost(); lost != nil {
			return lost
		}
		if res.Err != nil {
			p.out.PagesFailed++
			p.noteError(res.Err)
			p.out.Failures = append(p.out.Failures, res.Err)
			if err := p.ledger.MarkPageFailed(id, res.Page, truncate(res.Err.Error())); err != nil {
				return err
			}
			continue
		}

		art := res.Artifact
		report, err := p.scorer.Score(art.ImagePath)
		if err != nil {
			p.out.PagesFailed++
			p.noteError(err)
			p.out.Failures = append(p.out.Failures, err)
			if err := p.ledger.MarkPageFailed(id, res.Page, truncate("scoring: "+err.Error())); err != nil {
				return err
			}
			continue
		}
		if err := p.checkResolution(res.Page, art.DPI, report); err != nil {
			p.out.PagesFailed++
			p.noteError(err)
			p.out.Failures = append(p.out.Failures, err)
			if err := p.ledger.MarkPageFailed(id, res.Page, truncate(err.Error())); err != nil {
				return err
			}
			continue
		}

		if err := p.ledger.UpsertPage(database.Page{
			EditionID:     id,
			PageNumber:    res.Page,
			ImagePath:     p.paths.Relative(art.ImagePath),
			ThumbnailPath: p.paths.Relative(art.ThumbnailPath),
			Width:         report.Width,
			Height:        report.Height,
			FileSize:      report.FileSizeBytes,
			QualityScore:  report.Score,
			DPI:           art.DPI,
			Status:        database.PageComplete,
		}); err != nil {
			return err
		}
		p.complete[res.Page] = true
		p.out.PagesWritten++
	}
	return nil
}

// finish advances the edition state. Every page write of the pass has
// committed by the time it runs.
func (p *pass) finish(outstanding []int) error {
	if lost := p.leaseLost(); lost != nil {
		return lost
	}
	state := database.StateComplete
	result := ResultSuccess
	if len(outstanding) > 0 {
		state = database.StatePartial
		result = ResultPartial
	}
	p.out.To = state
	p.out.Result = result
	p.out.Outstanding = outstanding
	if p.lastError != "" {
		p.out.Diagnostic = p.lastError
	}

	// A published edition with nothing to show serves its PDF until a page
	// completes.
	var fallback *string
	if p.ed.Published() && len(p.complete) == 0 {
		if p.ed.FallbackPDFPath == nil || *p.ed.FallbackPDFPath != p.pdfPath {
			fallback = ptr(p.pdfPath)
		}
	}

	if !p.changed && fallback == nil && p.ed.State == state && p.ed.PageCount == p.pageCount && p.ed.LastError == nil {
		return nil
	}

	var lastErr *string
	if p.lastError != "" {
		s := truncate(p.lastError)
		lastErr = &s
	}
	return p.ledger.UpdateEditionState(p.ed.ID, database.StateUpdate{
		State:           state,
		PageCount:       p.pageCount,
		Outstanding:     outstanding,
		LastError:       lastErr,
		FallbackPDFPath: fallback,
	})
}

// fail moves the edition to the terminal failed state. A published edition
// with no finished pages falls back to serving its PDF.
func (p *pass) fail(reason string) error {
	if lost := p.leaseLost(); lost != nil {
		return lost
	}
	log.Printf("Edition %d: failed: %s", p.ed.ID, reason)

	update := database.StateUpdate{
		State:       database.StateFailed,
		PageCount:   p.ed.PageCount,
		Outstanding: p.ed.Outstanding,
		LastError:   ptr(truncate(reason)),
	}
	if p.pageCount > 0 {
		update.PageCount = p.pageCount
	}

	if p.ed.Published() {
		pages, err := p.ledger.GetPages(p.ed.ID)
		if err != nil {
			return fmt.Errorf("loading pages: %w", err)
		}
		if !hasComplete(pages) {
			fallback := p.ed.PDFPath
			if p.pdfPath != "" {
				fallback = p.pdfPath
			}
			update.FallbackPDFPath = &fallback
		}
	}

	if err := p.ledger.UpdateEditionState(p.ed.ID, update); err != nil {
		return err
	}
	p.out.To = database.StateFailed
	p.out.Result = ResultFailure
	p.out.Diagnostic = reason
	return nil
}

// leaseLost returns database.ErrLockLost once the lock has been lost.
func (p *pass) leaseLost() error {
	if cause := context.Cause(p.ctx); errors.Is(cause, database.ErrLockLost) {
		return cause
	}
	return nil
}

// checkResolution rejects output smaller than the page's MediaBox at dpi in
// either orientation. Pages of unknown size are accepted.
func (p *pass) checkResolution(page, dpi int, r *quality.Report) error {
	if page < 1 || page > len(p.sizes) {
		return nil
	}
	size := p.sizes[page-1]
	w, h := size.PixelWidth(dpi), size.PixelHeight(dpi)
	if covers(r.Width, r.Height, w, h) || covers(r.Width, r.Height, h, w) {
		return nil
	}
	return fmt.Errorf("page %d under resolution: rendered %dx%d, expected %dx%d at %d DPI",
		page, r.Width, r.Height, w, h, dpi)
}

func covers(width, height, wantWidth, wantHeight int) bool {
	return width+resolutionSlack >= wantWidth && height+resolutionSlack >= wantHeight
}

func (p *pass) noteError(err error) {
	if p.lastError == "" {
		p.lastError = err.Error()
	}
}

func (p *pass) removeFile(stored string) {
	if stored == "" {
		return
	}
	if err := os.Remove(p.paths.Resolve(stored)); err != nil && !os.IsNotExist(err) {
		log.Printf("Edition %d: removing %s: %v", p.ed.ID, stored, err)
	}
}

func hasComplete(pages []database.Page) bool {
	for _, pg := range pages {
		if pg.Status == database.PageComplete {
			return true
		}
	}
	return false
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// truncate bounds s to maxErrorLen bytes without splitting a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func ptr(s string) *string { return &s }


package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/pagemill/internal/config"
	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/pathfix"
	"github.com/TobiSchelling/pagemill/internal/pdfdoc"
	"github.com/TobiSchelling/pagemill/internal/quality"
	"github.com/TobiSchelling/pagemill/internal/rasterize"
	"github.com/TobiSchelling/pagemill/internal/reconcile"
	"github.com/TobiSchelling/pagemill/internal/runlog"
)

// Pipeline is the single entry point for processing passes. The CLI, the
// watch loop and the status server's reprocess action all go through it.
type Pipeline struct {
	cfg       *config.Config
	db        *database.DB
	engine    *reconcile.Engine
	inspector pdfdoc.Inspector
	paths     *pathfix.Canonicalizer
	runLog    *runlog.Log
	now       func() time.Time
}

// New creates a pipeline with the configured rasterizer engine.
func New(cfg *config.Config, db *database.DB, runLog *runlog.Log) (*Pipeline, error) {
	rasterizer, err := rasterize.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	device, err := rasterize.ParseDevice(cfg.Rasterizer.Device)
	if err != nil {
		return nil, err
	}

	paths := pathfix.New(cfg.GetSiteRoot())
	inspector := pdfdoc.NewInspector()
	engine := reconcile.New(db, inspector, rasterizer, quality.NewScorer(cfg.Quality), paths, reconcile.Options{
		DPI:      cfg.Rasterizer.DPI,
		Device:   device,
		PagesDir: cfg.Storage.PagesDir,
		LockTTL:  cfg.Scheduler.LockTTL,
	})
	return NewWithEngine(cfg, db, engine, inspector, paths, runLog), nil
}

// NewWithEngine assembles a pipeline from prebuilt parts.
func NewWithEngine(
	cfg *config.Config,
	db *database.DB,
	engine *reconcile.Engine,
	inspector pdfdoc.Inspector,
	paths *pathfix.Canonicalizer,
	runLog *runlog.Log,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		db:        db,
		engine:    engine,
		inspector: inspector,
		paths:     paths,
		runLog:    runLog,
		now:       time.Now,
	}
}

// DB returns the ledger the pipeline writes to.
func (p *Pipeline) DB() *database.DB {
	return p.db
}

// RunOnce performs one pass over every edition in the ledger. Editions are
// processed independently; one edition's failure never stops the others.
// An error is returned only when the ledger could not be enumerated or the
// run report could not be stored.
func (p *Pipeline) RunOnce(ctx context.Context) (*RunSummary, error) {
	s := &RunSummary{RunID: uuid.NewString(), StartedAt: p.now()}
	log.Printf("Run %s starting", s.ShortID())

	if p.runLog != nil {
		retention := time.Duration(p.cfg.Scheduler.LogRetentionDays) * 24 * time.Hour
		pruned, err := p.runLog.Prune(retention, s.StartedAt)
		if err != nil {
			log.Printf("Warning: pruning run log: %v", err)
		}
		s.Pruned = pruned
	}

	editions, err := p.db.ListEditions()
	if err != nil {
		return nil, fmt.Errorf("listing editions: %w", err)
	}

	engine := p.engine.WithOwner("run-" + s.RunID)
	for _, ed := range editions {
		if ctx.Err() != nil {
			log.Printf("Run %s interrupted, %d editions not visited", s.ShortID(), len(editions)-len(s.Outcomes))
			s.Interrupted = true
			break
		}

		var out *reconcile.Outcome
		if ed.State == database.StateFailed {
			out = &reconcile.Outcome{
				EditionID:  ed.ID,
				Result:     reconcile.ResultSkipped,
				From:       ed.State,
				To:         ed.State,
				Diagnostic: "failed; waiting for reset",
			}
		} else {
			out, err = engine.Reconcile(ctx, ed.ID)
			if err != nil {
				log.Printf("Edition %d (%s): pass aborted: %v", ed.ID, ed.Title, err)
			}
		}
		s.add(ed.Title, out)
		p.record(s.RunID, out)
	}

	s.FinishedAt = p.now()
	s.Success = !s.anyFailed()
	if p.runLog != nil {
		p.runLog.RunComplete(s.RunID, s.Success, len(s.Outcomes), s.FinishedAt.Sub(s.StartedAt))
	}

	if _, err := p.db.InsertRunReport(s.Report()); err != nil {
		return s, fmt.Errorf("storing run report: %w", err)
	}

	log.Printf("Run %s finished: %s", s.ShortID(), s.Line())
	return s, nil
}

func (p *Pipeline) record(runID string, o *reconcile.Outcome) {
	if p.runLog == nil {
		return
	}
	diag := o.Diagnostic
	if len(o.Failures) > 0 {
		msgs := make([]string, 0, len(o.Failures))
		for _, f := range o.Failures {
			msgs = append(msgs, f.Error())
		}
		diag = strings.Join(msgs, "; ")
	}
	p.runLog.Record(runlog.Entry{
		RunID:        runID,
		EditionID:    o.EditionID,
		Outcome:      string(o.Result),
		State:        string(o.To),
		PagesWritten: o.PagesWritten,
		PagesFailed:  o.PagesFailed,
		Outstanding:  o.Outstanding,
		Diagnostic:   diag,
	})
}

// Plan describes what a pass would do for one edition.
type Plan struct {
	EditionID int64
	Title     string
	State     database.EditionState
	Action    string
}

// DryRun reports what RunOnce would do without rasterizing or writing.
func (p *Pipeline) DryRun() ([]Plan, error) {
	editions, err := p.db.ListEditions()
	if err != nil {
		return nil, fmt.Errorf("listing editions: %w", err)
	}

	plans := make([]Plan, 0, len(editions))
	for _, ed := range editions {
		plan := Plan{EditionID: ed.ID, Title: ed.Title, State: ed.State}
		plan.Action = p.plannedAction(ed)
		plans = append(plans, plan)
	}
	return plans, nil
}

func (p *Pipeline) plannedAction(ed database.Edition) string {
	if ed.State == database.StateFailed {
		return "skip (failed; reset required)"
	}

	stored, err := p.paths.Canonicalize(ed.PDFPath)
	if err != nil {
		return "fail (source PDF unresolvable)"
	}
	info, err := p.inspector.Inspect(p.paths.Resolve(stored))
	if err != nil {
		return "fail (source PDF unreadable)"
	}

	pages, err := p.db.GetPages(ed.ID)
	if err != nil {
		return fmt.Sprintf("unknown (%v)", err)
	}
	var done int
	for _, pg := range pages {
		if pg.Status == database.PageComplete && pg.PageNumber <= info.PageCount {
			done++
		}
	}

	var action string
	switch missing := info.PageCount - done; {
	case missing == 0:
		action = fmt.Sprintf("validate %d pages", info.PageCount)
	case done == 0:
		action = fmt.Sprintf("rasterize all %d pages", info.PageCount)
	default:
		action = fmt.Sprintf("rasterize %d of %d pages", missing, info.PageCount)
	}
	if ed.PageCount > 0 && ed.PageCount != info.PageCount {
		action += fmt.Sprintf(" (page count changed %d -> %d)", ed.PageCount, info.PageCount)
	}
	return action
}

// Watch runs a pass immediately and then every interval until ctx is done.
func (p *Pipeline) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("watch interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			log.Printf("Run failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/pipeline"
	"github.com/TobiSchelling/pagemill/internal/quality"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func printStats(w io.Writer, s *database.Stats, latest *database.RunReport, engine string) {
	fmt.Fprintln(w, "Editions:")
	fmt.Fprintf(w, "  Total: %s (%d published)\n", humanize.Comma(int64(s.TotalEditions)), s.PublishedEditions)
	for _, state := range []database.EditionState{
		database.StateComplete, database.StatePartial, database.StateUnprocessed, database.StateFailed,
	} {
		fmt.Fprintf(w, "  %s: %d\n", strings.ToUpper(string(state[:1]))+string(state[1:]), s.ByState[state])
	}
	fmt.Fprintln(w, "\nPages:")
	fmt.Fprintf(w, "  Complete: %s of %s\n", humanize.Comma(int64(s.CompletePages)), humanize.Comma(int64(s.TotalPages)))
	fmt.Fprintf(w, "  Failed: %d\n", s.FailedPages)
	fmt.Fprintf(w, "  Image bytes: %s\n", humanize.Bytes(uint64(s.TotalImageBytes)))
	fmt.Fprintln(w, "\nRuns:")
	fmt.Fprintf(w, "  Engine: %s\n", engine)
	fmt.Fprintf(w, "  Recorded: %d\n", s.RunCount)
	if latest != nil {
		result := "success"
		if !latest.Success {
			result = "failed"
		}
		fmt.Fprintf(w, "  Last: %s (%s)\n", latest.StartedAt, result)
		fmt.Fprintf(w, "    %d editions: %d complete, %d partial, %d failed, %d skipped, %d pages written\n",
			latest.EditionCount, latest.CompletedCount, latest.PartialCount, latest.FailedCount,
			latest.SkippedCount, latest.PagesWritten)
	}
}

func printEditions(w io.Writer, editions []database.Edition, locks map[int64]string) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Title", "Status", "State", "Pages", "Outstanding", "Processed", "Locked by"})
	for _, ed := range editions {
		processed := "-"
		if ed.ProcessedAt != nil {
			processed = *ed.ProcessedAt
		}
		lock := locks[ed.ID]
		if lock == "" {
			lock = "-"
		}
		t.AppendRow(table.Row{ed.ID, ed.Title, ed.Status, ed.State, ed.PageCount, pageList(ed.Outstanding), processed, lock})
	}
	t.Render()
}

func printPlans(w io.Writer, plans []pipeline.Plan) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Title", "State", "Action"})
	for _, p := range plans {
		t.AppendRow(table.Row{p.EditionID, p.Title, p.State, p.Action})
	}
	t.Render()
}

func printOutcomes(w io.Writer, s *pipeline.RunSummary) {
	if len(s.Outcomes) == 0 {
		fmt.Fprintln(w, "No editions in the ledger.")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Title", "Outcome", "State", "Written", "Failed", "Outstanding", "Diagnostic"})
	for _, o := range s.Outcomes {
		state := string(o.To)
		if o.From != o.To {
			state = fmt.Sprintf("%s -> %s", o.From, o.To)
		}
		t.AppendRow(table.Row{
			o.EditionID, s.Titles[o.EditionID], o.Result, state,
			o.PagesWritten, o.PagesFailed, pageList(o.Outstanding), o.Diagnostic,
		})
	}
	t.Render()
}

func printPageQuality(w io.Writer, scorer *quality.Scorer, pages []database.Page) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Page", "Status", "Pixels", "Size", "DPI", "Score", "Grade"})
	var total float64
	var scored int
	for _, pg := range pages {
		grade := "-"
		if pg.Status == database.PageComplete && pg.QualityScore > 0 {
			grade = scorer.Grade(pg.QualityScore).Label()
			total += pg.QualityScore
			scored++
		}
		t.AppendRow(table.Row{
			pg.PageNumber, pg.Status, fmt.Sprintf("%dx%d", pg.Width, pg.Height),
			humanize.Bytes(uint64(pg.FileSize)), pg.DPI, fmt.Sprintf("%.1f", pg.QualityScore), grade,
		})
	}
	if scored > 0 {
		avg := total / float64(scored)
		t.AppendFooter(table.Row{"", "", "", "", "Mean", fmt.Sprintf("%.1f", avg), scorer.Grade(avg).Label()})
	}
	t.Render()
}

func printImageQuality(w io.Writer, path string, r *quality.Report) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Image", "Pixels", "Size", "Score", "Grade"})
	t.AppendRow(table.Row{
		path, fmt.Sprintf("%dx%d", r.Width, r.Height), humanize.Bytes(uint64(r.FileSizeBytes)),
		fmt.Sprintf("%.1f", r.Score), r.Grade.Label(),
	})
	t.Render()
}

func pageList(pages []int) string {
	if len(pages) == 0 {
		return "-"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}

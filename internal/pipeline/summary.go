package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/reconcile"
)

// RunSummary is the machine-readable result of one pass.
type RunSummary struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Success     bool
	Interrupted bool
	Outcomes    []*reconcile.Outcome
	Titles      map[int64]string

	Completed    int
	Partial      int
	Failed       int
	Skipped      int
	Aborted      int
	PagesWritten int
	PagesFailed  int
	Pruned       int
}

func (s *RunSummary) add(title string, o *reconcile.Outcome) {
	if s.Titles == nil {
		s.Titles = make(map[int64]string)
	}
	s.Titles[o.EditionID] = title
	s.Outcomes = append(s.Outcomes, o)
	s.PagesWritten += o.PagesWritten
	s.PagesFailed += o.PagesFailed

	switch o.Result {
	case reconcile.ResultSuccess:
		s.Completed++
	case reconcile.ResultPartial:
		s.Partial++
	case reconcile.ResultFailure:
		s.Failed++
	case reconcile.ResultSkipped:
		s.Skipped++
	case reconcile.ResultAborted:
		s.Aborted++
	}
}

// anyFailed reports whether some edition entered the failed state during
// this pass. Partial progress is not a failure.
func (s *RunSummary) anyFailed() bool {
	for _, o := range s.Outcomes {
		if o.TransitionedToFailed() {
			return true
		}
	}
	return false
}

// ShortID is the first block of the run ID, for log lines.
func (s *RunSummary) ShortID() string {
	if i := strings.IndexByte(s.RunID, '-'); i > 0 {
		return s.RunID[:i]
	}
	return s.RunID
}

// Line is a one-line human summary.
func (s *RunSummary) Line() string {
	status := "success"
	if !s.Success {
		status = "FAILED"
	}
	return fmt.Sprintf("%s: %d editions (%d complete, %d partial, %d failed, %d skipped, %d aborted), %d pages written",
		status, len(s.Outcomes), s.Completed, s.Partial, s.Failed, s.Skipped, s.Aborted, s.PagesWritten)
}

// Report converts the summary into a ledger row.
func (s *RunSummary) Report() database.RunReport {
	return database.RunReport{
		RunID:           s.RunID,
		StartedAt:       s.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:      s.FinishedAt.UTC().Format(time.RFC3339),
		Success:         s.Success,
		EditionCount:    len(s.Outcomes),
		CompletedCount:  s.Completed,
		PartialCount:    s.Partial,
		FailedCount:     s.Failed,
		SkippedCount:    s.Skipped + s.Aborted,
		PagesWritten:    s.PagesWritten,
		SummaryMarkdown: s.Markdown(),
	}
}

// Markdown renders the summary for the status pages. Raw engine output is
// left out; it lives in the run log.
func (s *RunSummary) Markdown() string {
	var b strings.Builder
	status := "Success"
	if !s.Success {
		status = "Failed"
	}
	fmt.Fprintf(&b, "## Run %s\n\n", s.ShortID())
	fmt.Fprintf(&b, "- **Result:** %s\n", status)
	fmt.Fprintf(&b, "- **Started:** %s\n", s.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Duration:** %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "- **Pages written:** %d\n", s.PagesWritten)
	if s.Interrupted {
		b.WriteString("- **Interrupted** before all editions were visited\n")
	}
	b.WriteString("\n")

	if len(s.Outcomes) == 0 {
		b.WriteString("No editions in the ledger.\n")
		return b.String()
	}

	b.WriteString("| Edition | Title | Outcome | State | Pages written | Outstanding |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, o := range s.Outcomes {
		state := string(o.To)
		if o.From != o.To {
			state = fmt.Sprintf("%s → %s", o.From, o.To)
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %d | %s |\n",
			o.EditionID, escapeCell(s.Titles[o.EditionID]), o.Result, state, o.PagesWritten, formatPages(o.Outstanding))
	}
	return b.String()
}

func formatPages(pages []int) string {
	if len(pages) == 0 {
		return "-"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ", ")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/TobiSchelling/pagemill/internal/config"
	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/pipeline"
	"github.com/TobiSchelling/pagemill/internal/quality"
	"github.com/TobiSchelling/pagemill/internal/reconcile"
)

func TestPageList(t *testing.T) {
	if got := pageList(nil); got != "-" {
		t.Errorf("expected '-', got %q", got)
	}
	if got := pageList([]int{2, 5, 9}); got != "2, 5, 9" {
		t.Errorf("expected '2, 5, 9', got %q", got)
	}
}

func TestPrintPlans(t *testing.T) {
	var buf bytes.Buffer
	printPlans(&buf, []pipeline.Plan{
		{EditionID: 3, Title: "Weekly", State: database.StateUnprocessed, Action: "rasterize all 12 pages"},
	})
	out := buf.String()
	for _, want := range []string{"Weekly", "unprocessed", "rasterize all 12 pages"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPrintOutcomesShowsTransition(t *testing.T) {
	var buf bytes.Buffer
	printOutcomes(&buf, &pipeline.RunSummary{
		Titles:   map[int64]string{7: "Daily"},
		Outcomes: []*reconcile.Outcome{{
			EditionID:   7,
			Result:      reconcile.ResultPartial,
			From:        database.StateUnprocessed,
			To:          database.StatePartial,
			Outstanding: []int{4},
		}},
	})
	out := buf.String()
	if !strings.Contains(out, "unprocessed -> partial") {
		t.Errorf("expected state transition in output:\n%s", out)
	}
	if !strings.Contains(out, "Daily") {
		t.Errorf("expected title in output:\n%s", out)
	}
}

func TestPrintPageQualityMean(t *testing.T) {
	scorer := quality.NewScorer(config.Default().Quality)
	var buf bytes.Buffer
	printPageQuality(&buf, scorer, []database.Page{
		{PageNumber: 1, Status: database.PageComplete, Width: 2550, Height: 3300, FileSize: 1_500_000, QualityScore: 100, DPI: 300},
		{PageNumber: 2, Status: database.PageComplete, Width: 1275, Height: 1650, FileSize: 500_000, QualityScore: 45, DPI: 150},
		{PageNumber: 3, Status: database.PageFailed},
	})
	out := buf.String()
	if !strings.Contains(out, "72.5") {
		t.Errorf("expected mean of scored pages in output:\n%s", out)
	}
	if !strings.Contains(out, "Premium") {
		t.Errorf("expected grade label in output:\n%s", out)
	}
}

package reconcile

import (
	"fmt"

	"github.com/TobiSchelling/pagemill/internal/database"
)

// Result classifies how a reconciliation pass ended for one edition.
type Result string

const (
	// ResultSuccess: the edition is complete.
	ResultSuccess Result = "success"
	// ResultPartial: pages remain outstanding and the next pass retries them.
	ResultPartial Result = "partial"
	// ResultFailure: the edition moved to the failed state.
	ResultFailure Result = "failure"
	// ResultSkipped: the edition was locked or already failed.
	ResultSkipped Result = "skipped"
	// ResultAborted: the pass stopped before writing an edition state.
	ResultAborted Result = "aborted"
)

// Outcome reports one reconciliation pass over one edition.
type Outcome struct {
	EditionID    int64
	Result       Result
	From         database.EditionState
	To           database.EditionState
	PagesWritten int
	PagesFailed  int
	Outstanding  []int
	Mismatch     *PageCountMismatch
	// Diagnostic is a one-line summary; Failures carry the full page errors.
	Diagnostic string
	Failures   []error
}

// TransitionedToFailed reports whether this pass moved the edition into the
// failed state.
func (o *Outcome) TransitionedToFailed() bool {
	return o.To == database.StateFailed && o.From != database.StateFailed
}

// PageCountMismatch records that the source PDF changed length since the
// edition was last processed. It triggers reprocessing of the delta and is
// never returned as an error.
type PageCountMismatch struct {
	Recorded int
	Actual   int
}

func (m *PageCountMismatch) Error() string {
	return fmt.Sprintf("page count changed: recorded %d, document has %d", m.Recorded, m.Actual)
}

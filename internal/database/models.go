package database

// EditionState is the reconciliation state of an edition.
type EditionState string

const (
	StateUnprocessed EditionState = "unprocessed"
	StatePartial     EditionState = "partial"
	StateComplete    EditionState = "complete"
	StateFailed      EditionState = "failed"
)

// Publication status values owned by the admin surface.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// PageStatus is the processing status of a single page record.
type PageStatus string

const (
	PagePending  PageStatus = "pending"
	PageComplete PageStatus = "complete"
	PageFailed   PageStatus = "failed"
)

// Edition is an uploaded PDF and its processing state.
type Edition struct {
	ID              int64
	PDFPath         string
	Title           string
	Status          string
	State           EditionState
	PageCount       int
	Outstanding     []int
	FallbackPDFPath *string
	LastError       *string
	CreatedAt       *string
	ProcessedAt     *string
}

// Published reports whether the admin surface has published the edition.
func (e *Edition) Published() bool {
	return e.Status == StatusPublished
}

// Page is one rasterized page of an edition.
type Page struct {
	ID            int64
	EditionID     int64
	PageNumber    int
	ImagePath     string
	ThumbnailPath string
	Width         int
	Height        int
	FileSize      int64
	QualityScore  float64
	DPI           int
	Status        PageStatus
	Error         *string
	UpdatedAt     *string
}

// StateUpdate carries the fields written when a reconciliation pass ends.
type StateUpdate struct {
	State       EditionState
	PageCount   int
	Outstanding []int
	LastError   *string
	// FallbackPDFPath is only written when non-nil.
	FallbackPDFPath *string
}

// RunReport is the persisted summary of one scheduler pass.
type RunReport struct {
	ID              int64
	RunID           string
	StartedAt       string
	FinishedAt      string
	Success         bool
	EditionCount    int
	CompletedCount  int
	PartialCount    int
	FailedCount     int
	SkippedCount    int
	PagesWritten    int
	SummaryMarkdown string
}

// Stats contains aggregate ledger statistics.
type Stats struct {
	TotalEditions     int
	PublishedEditions int
	ByState           map[EditionState]int
	TotalPages        int
	CompletePages     int
	FailedPages       int
	TotalImageBytes   int64
	RunCount          int
	LastRunAt         *string
	LastRunSuccess    *bool
}

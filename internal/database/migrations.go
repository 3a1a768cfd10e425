package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "editions and pages",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS editions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pdf_path TEXT NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'published')),
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    edition_id INTEGER NOT NULL REFERENCES editions(id) ON DELETE CASCADE,
    page_number INTEGER NOT NULL CHECK(page_number >= 1),
    image_path TEXT NOT NULL DEFAULT '',
    thumbnail_path TEXT NOT NULL DEFAULT '',
    width INTEGER DEFAULT 0,
    height INTEGER DEFAULT 0,
    file_size INTEGER DEFAULT 0,
    UNIQUE(edition_id, page_number)
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "processing state, page quality, locks, run reports",
		Up: func(tx *sql.Tx) error {
			editionCols := []struct{ name, def string }{
				{"state", "TEXT NOT NULL DEFAULT 'unprocessed' CHECK(state IN ('unprocessed', 'partial', 'complete', 'failed'))"},
				{"page_count", "INTEGER NOT NULL DEFAULT 0"},
				{"outstanding_pages", "TEXT"},
				{"fallback_pdf_path", "TEXT"},
				{"last_error", "TEXT"},
				{"processed_at", "TEXT"},
			}
			for _, c := range editionCols {
				if err := addColumn(tx, "editions", c.name, c.def); err != nil {
					return err
				}
			}

			pageCols := []struct{ name, def string }{
				{"quality_score", "REAL DEFAULT 0"},
				{"dpi", "INTEGER DEFAULT 0"},
				{"status", "TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'complete', 'failed'))"},
				{"error", "TEXT"},
				{"updated_at", "TEXT"},
			}
			for _, c := range pageCols {
				if err := addColumn(tx, "pages", c.name, c.def); err != nil {
					return err
				}
			}

			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS edition_locks (
    edition_id INTEGER PRIMARY KEY,
    owner TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT UNIQUE NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    success INTEGER NOT NULL DEFAULT 0,
    edition_count INTEGER DEFAULT 0,
    completed_count INTEGER DEFAULT 0,
    partial_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0,
    skipped_count INTEGER DEFAULT 0,
    pages_written INTEGER DEFAULT 0,
    summary_markdown TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_editions_state ON editions(state);
CREATE INDEX IF NOT EXISTS idx_pages_edition ON pages(edition_id);
CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(status);
CREATE INDEX IF NOT EXISTS idx_run_reports_started ON run_reports(started_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

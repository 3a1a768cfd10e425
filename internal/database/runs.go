package database

import (
	"database/sql"
)

// InsertRunReport records the summary of a scheduler pass.
func (db *DB) InsertRunReport(r RunReport) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO run_reports (run_id, started_at, finished_at, success, edition_count,
			completed_count, partial_count, failed_count, skipped_count, pages_written, summary_markdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StartedAt, r.FinishedAt, boolToInt(r.Success), r.EditionCount,
		r.CompletedCount, r.PartialCount, r.FailedCount, r.SkippedCount, r.PagesWritten, r.SummaryMarkdown,
	)
	if err != nil {
		return 0, writeErr("insert run report", err)
	}
	return result.LastInsertId()
}

// GetRunReports returns the most recent run reports, newest first.
func (db *DB) GetRunReports(limit int) ([]RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, run_id, started_at, finished_at, success, edition_count, completed_count,
			partial_count, failed_count, skipped_count, pages_written, summary_markdown
		FROM run_reports ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []RunReport
	for rows.Next() {
		r, err := scanRunReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// GetRunReport returns a single run report by run ID, or nil if missing.
func (db *DB) GetRunReport(runID string) (*RunReport, error) {
	row := db.conn.QueryRow(
		`SELECT id, run_id, started_at, finished_at, success, edition_count, completed_count,
			partial_count, failed_count, skipped_count, pages_written, summary_markdown
		FROM run_reports WHERE run_id = ?`, runID,
	)
	r, err := scanRunReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetLatestRunReport returns the newest run report, or nil if none exist.
func (db *DB) GetLatestRunReport() (*RunReport, error) {
	reports, err := db.GetRunReports(1)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return &reports[0], nil
}

// GetStats returns aggregate ledger statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{ByState: make(map[EditionState]int)}

	rows, err := db.conn.Query(`SELECT state, COUNT(*) FROM editions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByState[EditionState(state)] = n
		s.TotalEditions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM editions WHERE status = 'published'`,
	).Scan(&s.PublishedEditions); err != nil {
		return nil, err
	}

	var complete, failed *int
	var bytes *int64
	if err := db.conn.QueryRow(
		`SELECT COUNT(*),
			SUM(CASE WHEN status = 'complete' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'complete' THEN file_size ELSE 0 END)
		FROM pages`,
	).Scan(&s.TotalPages, &complete, &failed, &bytes); err != nil {
		return nil, err
	}
	if complete != nil {
		s.CompletePages = *complete
	}
	if failed != nil {
		s.FailedPages = *failed
	}
	if bytes != nil {
		s.TotalImageBytes = *bytes
	}

	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM run_reports`).Scan(&s.RunCount); err != nil {
		return nil, err
	}
	if s.RunCount > 0 {
		var at string
		var success int
		if err := db.conn.QueryRow(
			`SELECT finished_at, success FROM run_reports ORDER BY started_at DESC, id DESC LIMIT 1`,
		).Scan(&at, &success); err != nil {
			return nil, err
		}
		ok := success != 0
		s.LastRunAt = &at
		s.LastRunSuccess = &ok
	}

	return s, nil
}

func scanRunReport(s rowScanner) (*RunReport, error) {
	var r RunReport
	var success int
	if err := s.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &success, &r.EditionCount,
		&r.CompletedCount, &r.PartialCount, &r.FailedCount, &r.SkippedCount, &r.PagesWritten,
		&r.SummaryMarkdown); err != nil {
		return nil, err
	}
	r.Success = success != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

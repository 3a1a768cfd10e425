package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

const editionColumns = `id, pdf_path, title, status, state, page_count, outstanding_pages,
	fallback_pdf_path, last_error, created_at, processed_at`

// InsertEdition registers an uploaded PDF. New editions start unprocessed.
func (db *DB) InsertEdition(pdfPath, title, status string) (int64, error) {
	if status == "" {
		status = StatusDraft
	}
	result, err := db.conn.Exec(
		`INSERT INTO editions (pdf_path, title, status) VALUES (?, ?, ?)`,
		pdfPath, title, status,
	)
	if err != nil {
		return 0, writeErr("insert edition", err)
	}
	return result.LastInsertId()
}

// GetEdition returns a single edition by ID, or nil if it does not exist.
func (db *DB) GetEdition(editionID int64) (*Edition, error) {
	row := db.conn.QueryRow(
		`SELECT `+editionColumns+` FROM editions WHERE id = ?`, editionID,
	)
	e, err := scanEdition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListEditions returns all editions ordered by ID.
func (db *DB) ListEditions() ([]Edition, error) {
	rows, err := db.conn.Query(`SELECT ` + editionColumns + ` FROM editions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEditions(rows)
}

// ListEditionsByState returns editions in the given state ordered by ID.
func (db *DB) ListEditionsByState(state EditionState) ([]Edition, error) {
	rows, err := db.conn.Query(
		`SELECT `+editionColumns+` FROM editions WHERE state = ? ORDER BY id`, state,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEditions(rows)
}

// UpdateEditionState writes the outcome of a reconciliation pass.
func (db *DB) UpdateEditionState(editionID int64, u StateUpdate) error {
	outstanding, err := encodePages(u.Outstanding)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		`UPDATE editions SET state = ?, page_count = ?, outstanding_pages = ?, last_error = ?,
			fallback_pdf_path = COALESCE(?, fallback_pdf_path), processed_at = datetime('now')
		WHERE id = ?`,
		u.State, u.PageCount, outstanding, u.LastError, u.FallbackPDFPath, editionID,
	)
	return writeErr("update edition state", err)
}

// UpdateEditionPDFPath rewrites the stored source path after canonicalization.
func (db *DB) UpdateEditionPDFPath(editionID int64, pdfPath string) error {
	_, err := db.conn.Exec("UPDATE editions SET pdf_path = ? WHERE id = ?", pdfPath, editionID)
	return writeErr("update edition pdf path", err)
}

// SetEditionStatus changes the draft/published flag.
func (db *DB) SetEditionStatus(editionID int64, status string) error {
	if status != StatusDraft && status != StatusPublished {
		return fmt.Errorf("invalid edition status %q", status)
	}
	_, err := db.conn.Exec("UPDATE editions SET status = ? WHERE id = ?", status, editionID)
	return writeErr("set edition status", err)
}

// ResetEdition clears a failed edition so the next pass retries it. Editions
// with finished pages resume as partial, the rest start over as unprocessed.
// It returns false when the edition does not exist.
func (db *DB) ResetEdition(editionID int64) (bool, error) {
	result, err := db.conn.Exec(
		`UPDATE editions SET
			state = CASE WHEN EXISTS (
				SELECT 1 FROM pages WHERE edition_id = editions.id AND status = 'complete'
			) THEN 'partial' ELSE 'unprocessed' END,
			last_error = NULL
		WHERE id = ?`, editionID,
	)
	if err != nil {
		return false, writeErr("reset edition", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func encodePages(pages []int) (*string, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(pages)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodePages(raw *string) []int {
	if raw == nil || *raw == "" {
		return nil
	}
	var pages []int
	if err := json.Unmarshal([]byte(*raw), &pages); err != nil {
		return nil
	}
	return pages
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEditionRow(s rowScanner) (*Edition, error) {
	var e Edition
	var state string
	var outstanding *string
	if err := s.Scan(&e.ID, &e.PDFPath, &e.Title, &e.Status, &state, &e.PageCount,
		&outstanding, &e.FallbackPDFPath, &e.LastError, &e.CreatedAt, &e.ProcessedAt); err != nil {
		return nil, err
	}
	e.State = EditionState(state)
	e.Outstanding = decodePages(outstanding)
	return &e, nil
}

func scanEditions(rows *sql.Rows) ([]Edition, error) {
	var editions []Edition
	for rows.Next() {
		e, err := scanEditionRow(rows)
		if err != nil {
			return nil, err
		}
		editions = append(editions, *e)
	}
	return editions, rows.Err()
}

func scanEdition(row *sql.Row) (*Edition, error) {
	return scanEditionRow(row)
}

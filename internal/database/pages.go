package database

import (
	"database/sql"
)

// Legacy importer rows may carry NULL dimensions.
const pageColumns = `id, edition_id, page_number, image_path, thumbnail_path,
	COALESCE(width, 0), COALESCE(height, 0), COALESCE(file_size, 0),
	COALESCE(quality_score, 0), COALESCE(dpi, 0), status, error, updated_at`

// UpsertPage writes a page record, overwriting any earlier record for the
// same (edition, page number). The last writer wins.
func (db *DB) UpsertPage(p Page) error {
	status := p.Status
	if status == "" {
		status = PagePending
	}
	_, err := db.conn.Exec(
		`INSERT INTO pages (edition_id, page_number, image_path, thumbnail_path, width, height,
			file_size, quality_score, dpi, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(edition_id, page_number) DO UPDATE SET
			image_path = excluded.image_path,
			thumbnail_path = excluded.thumbnail_path,
			width = excluded.width,
			height = excluded.height,
			file_size = excluded.file_size,
			quality_score = excluded.quality_score,
			dpi = excluded.dpi,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		p.EditionID, p.PageNumber, p.ImagePath, p.ThumbnailPath, p.Width, p.Height,
		p.FileSize, p.QualityScore, p.DPI, status, p.Error,
	)
	return writeErr("upsert page", err)
}

// MarkPageFailed flags a page as failed with a diagnostic. Existing paths are
// kept so operators can see what the record pointed at.
func (db *DB) MarkPageFailed(editionID int64, pageNumber int, reason string) error {
	_, err := db.conn.Exec(
		`INSERT INTO pages (edition_id, page_number, status, error, updated_at)
		VALUES (?, ?, 'failed', ?, datetime('now'))
		ON CONFLICT(edition_id, page_number) DO UPDATE SET
			status = 'failed',
			error = excluded.error,
			updated_at = excluded.updated_at`,
		editionID, pageNumber, reason,
	)
	return writeErr("mark page failed", err)
}

// UpdatePagePaths rewrites stored paths after canonicalization.
func (db *DB) UpdatePagePaths(pageID int64, imagePath, thumbnailPath string) error {
	_, err := db.conn.Exec(
		`UPDATE pages SET image_path = ?, thumbnail_path = ?, updated_at = datetime('now') WHERE id = ?`,
		imagePath, thumbnailPath, pageID,
	)
	return writeErr("update page paths", err)
}

// GetPages returns an edition's page records ordered by page number.
func (db *DB) GetPages(editionID int64) ([]Page, error) {
	rows, err := db.conn.Query(
		`SELECT `+pageColumns+` FROM pages WHERE edition_id = ? ORDER BY page_number`, editionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPages(rows)
}

// GetPage returns one page record, or nil if it does not exist.
func (db *DB) GetPage(editionID int64, pageNumber int) (*Page, error) {
	row := db.conn.QueryRow(
		`SELECT `+pageColumns+` FROM pages WHERE edition_id = ? AND page_number = ?`,
		editionID, pageNumber,
	)
	p, err := scanPageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePagesAbove removes records for page numbers greater than maxPage and
// returns what was removed so the caller can clean up files.
func (db *DB) DeletePagesAbove(editionID int64, maxPage int) ([]Page, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, writeErr("delete stale pages", err)
	}

	rows, err := tx.Query(
		`SELECT `+pageColumns+` FROM pages WHERE edition_id = ? AND page_number > ? ORDER BY page_number`,
		editionID, maxPage,
	)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	removed, err := scanPages(rows)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM pages WHERE edition_id = ? AND page_number > ?`, editionID, maxPage); err != nil {
		tx.Rollback()
		return nil, writeErr("delete stale pages", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, writeErr("delete stale pages", err)
	}
	return removed, nil
}

func scanPageRow(s rowScanner) (*Page, error) {
	var p Page
	var status string
	if err := s.Scan(&p.ID, &p.EditionID, &p.PageNumber, &p.ImagePath, &p.ThumbnailPath,
		&p.Width, &p.Height, &p.FileSize, &p.QualityScore, &p.DPI, &status, &p.Error, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = PageStatus(status)
	return &p, nil
}

func scanPages(rows *sql.Rows) ([]Page, error) {
	var pages []Page
	for rows.Next() {
		p, err := scanPageRow(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, *p)
	}
	return pages, rows.Err()
}

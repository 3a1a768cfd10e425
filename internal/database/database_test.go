package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func TestInsertEdition(t *testing.T) {
	db := openTestDB(t)
	id, err := db.InsertEdition("uploads/pdfs/e12.pdf", "Spring issue", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero edition ID")
	}

	e, err := db.GetEdition(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e == nil {
		t.Fatal("expected edition")
	}
	if e.State != StateUnprocessed {
		t.Errorf("expected state unprocessed, got %q", e.State)
	}
	if e.Status != StatusDraft {
		t.Errorf("expected status draft, got %q", e.Status)
	}
	if e.PageCount != 0 || e.Outstanding != nil {
		t.Errorf("expected zero page count and no outstanding, got %d %v", e.PageCount, e.Outstanding)
	}
}

func TestGetEditionMissing(t *testing.T) {
	db := openTestDB(t)
	e, err := db.GetEdition(999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != nil {
		t.Error("expected nil for missing edition")
	}
}

func TestInsertEditionRejectsBadStatus(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertEdition("a.pdf", "A", "archived")
	if err == nil {
		t.Fatal("expected check constraint failure")
	}
	if !IsWriteFailure(err) {
		t.Errorf("expected WriteFailure, got %T", err)
	}
}

func TestSetEditionStatus(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", StatusDraft)

	if err := db.SetEditionStatus(id, StatusPublished); err != nil {
		t.Fatalf("SetEditionStatus: %v", err)
	}
	e, _ := db.GetEdition(id)
	if !e.Published() {
		t.Errorf("expected published, got %s", e.Status)
	}

	if err := db.SetEditionStatus(id, "archived"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestUpdateEditionState(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", StatusPublished)

	if err := db.UpdateEditionState(id, StateUpdate{
		State:       StatePartial,
		PageCount:   5,
		Outstanding: []int{3},
		LastError:   ptr("page 3: gs exited 1"),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := db.GetEdition(id)
	if e.State != StatePartial {
		t.Errorf("expected partial, got %q", e.State)
	}
	if e.PageCount != 5 {
		t.Errorf("expected page count 5, got %d", e.PageCount)
	}
	if len(e.Outstanding) != 1 || e.Outstanding[0] != 3 {
		t.Errorf("expected outstanding [3], got %v", e.Outstanding)
	}
	if e.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}

	// Fallback is sticky unless a new one is given.
	if err := db.UpdateEditionState(id, StateUpdate{State: StateFailed, FallbackPDFPath: ptr("a.pdf")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.UpdateEditionState(id, StateUpdate{State: StateFailed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, _ = db.GetEdition(id)
	if e.FallbackPDFPath == nil || *e.FallbackPDFPath != "a.pdf" {
		t.Errorf("expected fallback path to persist, got %v", e.FallbackPDFPath)
	}
	if e.Outstanding != nil {
		t.Errorf("expected outstanding cleared, got %v", e.Outstanding)
	}
}

func TestListEditionsByState(t *testing.T) {
	db := openTestDB(t)
	a, _ := db.InsertEdition("a.pdf", "A", "")
	db.InsertEdition("b.pdf", "B", "")
	db.UpdateEditionState(a, StateUpdate{State: StateFailed})

	failed, err := db.ListEditionsByState(StateFailed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != a {
		t.Errorf("expected edition %d failed, got %+v", a, failed)
	}

	all, _ := db.ListEditions()
	if len(all) != 2 {
		t.Errorf("expected 2 editions, got %d", len(all))
	}
}

func TestResetEdition(t *testing.T) {
	db := openTestDB(t)
	fresh, _ := db.InsertEdition("a.pdf", "A", "")
	resumed, _ := db.InsertEdition("b.pdf", "B", "")
	db.UpdateEditionState(fresh, StateUpdate{State: StateFailed, LastError: ptr("corrupt")})
	db.UpsertPage(Page{EditionID: resumed, PageNumber: 1, ImagePath: "p1.jpg", Status: PageComplete})
	db.UpdateEditionState(resumed, StateUpdate{State: StateFailed})

	ok, err := db.ResetEdition(fresh)
	if err != nil || !ok {
		t.Fatalf("expected reset to succeed, got %v %v", ok, err)
	}
	db.ResetEdition(resumed)

	e, _ := db.GetEdition(fresh)
	if e.State != StateUnprocessed {
		t.Errorf("expected unprocessed after reset, got %q", e.State)
	}
	if e.LastError != nil {
		t.Error("expected last_error cleared")
	}
	e, _ = db.GetEdition(resumed)
	if e.State != StatePartial {
		t.Errorf("expected partial after reset with pages, got %q", e.State)
	}

	ok, err = db.ResetEdition(12345)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected reset of missing edition to report false")
	}
}

func TestUpsertPageOverwritesInPlace(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")

	if err := db.UpsertPage(Page{EditionID: id, PageNumber: 1, ImagePath: "old.jpg", Width: 1275, DPI: 150, Status: PageComplete}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.UpsertPage(Page{EditionID: id, PageNumber: 1, ImagePath: "new.jpg", Width: 2550, DPI: 300, QualityScore: 91.5, Status: PageComplete}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pages, err := db.GetPages(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	p := pages[0]
	if p.ImagePath != "new.jpg" || p.Width != 2550 || p.DPI != 300 {
		t.Errorf("expected overwritten record, got %+v", p)
	}
	if p.QualityScore != 91.5 {
		t.Errorf("expected quality 91.5, got %v", p.QualityScore)
	}
}

func TestMarkPageFailedKeepsPaths(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")
	db.UpsertPage(Page{EditionID: id, PageNumber: 2, ImagePath: "p2.jpg", Status: PageComplete})

	if err := db.MarkPageFailed(id, 2, "image missing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.MarkPageFailed(id, 3, "gs timeout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, _ := db.GetPage(id, 2)
	if p.Status != PageFailed || p.ImagePath != "p2.jpg" {
		t.Errorf("expected failed page keeping path, got %+v", p)
	}
	if p.Error == nil || *p.Error != "image missing" {
		t.Errorf("expected error recorded, got %v", p.Error)
	}
	p, _ = db.GetPage(id, 3)
	if p == nil || p.Status != PageFailed || p.ImagePath != "" {
		t.Errorf("expected new failed page without path, got %+v", p)
	}
}

func TestDeletePagesAbove(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")
	for i := 1; i <= 7; i++ {
		db.UpsertPage(Page{EditionID: id, PageNumber: i, Status: PageComplete})
	}

	removed, err := db.DeletePagesAbove(id, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(removed) != 2 || removed[0].PageNumber != 6 || removed[1].PageNumber != 7 {
		t.Errorf("expected pages 6-7 removed, got %+v", removed)
	}
	pages, _ := db.GetPages(id)
	if len(pages) != 5 {
		t.Errorf("expected 5 pages left, got %d", len(pages))
	}
}

func TestUpdatePagePaths(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")
	db.UpsertPage(Page{EditionID: id, PageNumber: 1, ImagePath: "../uploads/p1.jpg", ThumbnailPath: "../uploads/t1.jpg", Status: PageComplete})
	p, _ := db.GetPage(id, 1)

	if err := db.UpdatePagePaths(p.ID, "uploads/p1.jpg", "uploads/t1.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ = db.GetPage(id, 1)
	if p.ImagePath != "uploads/p1.jpg" || p.ThumbnailPath != "uploads/t1.jpg" {
		t.Errorf("expected rewritten paths, got %q %q", p.ImagePath, p.ThumbnailPath)
	}
}

func TestLockLifecycle(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")

	if err := db.AcquireLock(id, "run-a", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.AcquireLock(id, "run-b", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	owner, _ := db.LockOwner(id)
	if owner != "run-a" {
		t.Errorf("expected owner run-a, got %q", owner)
	}

	// Releasing someone else's lock does nothing.
	db.ReleaseLock(id, "run-b")
	if err := db.AcquireLock(id, "run-b", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected lock still held, got %v", err)
	}

	if err := db.ReleaseLock(id, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.AcquireLock(id, "run-b", time.Minute); err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")

	// A crashed run leaves behind a lease that is already past its expiry.
	if err := db.AcquireLock(id, "crashed", -time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.AcquireLock(id, "next", time.Minute); err != nil {
		t.Fatalf("expected expired lock to be taken over, got %v", err)
	}
	owner, _ := db.LockOwner(id)
	if owner != "next" {
		t.Errorf("expected owner next, got %q", owner)
	}
}

func TestRenewLockExtendsLease(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")

	if err := db.AcquireLock(id, "run-a", 200*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.RenewLock(id, "run-a", time.Minute); err != nil {
		t.Fatalf("unexpected renew error: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if err := db.AcquireLock(id, "run-b", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected renewed lease to hold, got %v", err)
	}
	if err := db.RenewLock(id, "run-b", time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost for non-owner, got %v", err)
	}
}

func TestRenewLockAfterTakeover(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.InsertEdition("a.pdf", "A", "")

	if err := db.AcquireLock(id, "slow", -time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.RenewLock(id, "slow", time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected expired lease not to be renewed, got %v", err)
	}
	if err := db.AcquireLock(id, "next", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.RenewLock(id, "slow", time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost after takeover, got %v", err)
	}
	if err := db.ReleaseLock(id, "next"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.RenewLock(id, "next", time.Minute); !errors.Is(err, ErrLockLost) {
		t.Errorf("expected ErrLockLost after release, got %v", err)
	}
}

func TestRunReports(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertRunReport(RunReport{
		RunID: "r1", StartedAt: "2026-10-18T10:00:00Z", FinishedAt: "2026-10-18T10:01:00Z",
		Success: true, EditionCount: 2, CompletedCount: 2, PagesWritten: 8, SummaryMarkdown: "## Run r1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	db.InsertRunReport(RunReport{
		RunID: "r2", StartedAt: "2026-10-19T10:00:00Z", FinishedAt: "2026-10-19T10:01:00Z",
		Success: false, EditionCount: 1, FailedCount: 1,
	})

	reports, err := db.GetRunReports(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 2 || reports[0].RunID != "r2" {
		t.Fatalf("expected newest first, got %+v", reports)
	}
	if reports[0].Success {
		t.Error("expected r2 to be unsuccessful")
	}

	r, _ := db.GetRunReport("r1")
	if r == nil || r.PagesWritten != 8 || !r.Success {
		t.Errorf("unexpected run report %+v", r)
	}
	missing, _ := db.GetRunReport("nope")
	if missing != nil {
		t.Error("expected nil for missing run report")
	}

	latest, err := db.GetLatestRunReport()
	if err != nil || latest == nil || latest.RunID != "r2" {
		t.Errorf("expected latest run r2, got %+v (err %v)", latest, err)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	a, _ := db.InsertEdition("a.pdf", "A", StatusPublished)
	b, _ := db.InsertEdition("b.pdf", "B", "")
	db.UpdateEditionState(a, StateUpdate{State: StateComplete, PageCount: 2})
	db.UpsertPage(Page{EditionID: a, PageNumber: 1, FileSize: 1000, Status: PageComplete})
	db.UpsertPage(Page{EditionID: a, PageNumber: 2, FileSize: 500, Status: PageComplete})
	db.MarkPageFailed(b, 1, "boom")

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalEditions != 2 || stats.PublishedEditions != 1 {
		t.Errorf("unexpected edition counts %+v", stats)
	}
	if stats.ByState[StateComplete] != 1 || stats.ByState[StateUnprocessed] != 1 {
		t.Errorf("unexpected state breakdown %v", stats.ByState)
	}
	if stats.TotalPages != 3 || stats.CompletePages != 2 || stats.FailedPages != 1 {
		t.Errorf("unexpected page counts %+v", stats)
	}
	if stats.TotalImageBytes != 1500 {
		t.Errorf("expected 1500 bytes, got %d", stats.TotalImageBytes)
	}
	if stats.LastRunAt != nil {
		t.Error("expected no last run")
	}
}

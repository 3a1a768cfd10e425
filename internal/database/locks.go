package database

import (
	"database/sql"
	"time"
)

// Lease times in edition_locks are Unix milliseconds.

// AcquireLock takes the per-edition lock for owner. A lock whose lease has
// expired is treated as abandoned by a crashed run and is taken over.
// Returns ErrLocked if a live lease is held by anyone, including owner.
func (db *DB) AcquireLock(editionID int64, owner string, ttl time.Duration) error {
	now := time.Now()

	tx, err := db.conn.Begin()
	if err != nil {
		return writeErr("acquire lock", err)
	}

	if _, err := tx.Exec(
		`DELETE FROM edition_locks WHERE edition_id = ? AND expires_at <= ?`,
		editionID, now.UnixMilli(),
	); err != nil {
		tx.Rollback()
		return writeErr("acquire lock", err)
	}

	result, err := tx.Exec(
		`INSERT OR IGNORE INTO edition_locks (edition_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		editionID, owner, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		tx.Rollback()
		return writeErr("acquire lock", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return writeErr("acquire lock", err)
	}
	if n == 0 {
		tx.Rollback()
		return ErrLocked
	}

	return writeErr("acquire lock", tx.Commit())
}

// RenewLock extends owner's lease to ttl from now. It returns ErrLockLost
// when owner no longer holds the lock, either because the lease expired and
// another run took it over or because it was released.
func (db *DB) RenewLock(editionID int64, owner string, ttl time.Duration) error {
	now := time.Now()
	result, err := db.conn.Exec(
		`UPDATE edition_locks SET expires_at = ? WHERE edition_id = ? AND owner = ? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), editionID, owner, now.UnixMilli(),
	)
	if err != nil {
		return writeErr("renew lock", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return writeErr("renew lock", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// ReleaseLock drops owner's lock on the edition. Releasing a lock that was
// already taken over or never held is a no-op.
func (db *DB) ReleaseLock(editionID int64, owner string) error {
	_, err := db.conn.Exec(
		`DELETE FROM edition_locks WHERE edition_id = ? AND owner = ?`, editionID, owner,
	)
	return writeErr("release lock", err)
}

// LockOwner returns the current holder of an edition's lock, or "" if unlocked.
func (db *DB) LockOwner(editionID int64) (string, error) {
	var owner string
	err := db.conn.QueryRow(
		`SELECT owner FROM edition_locks WHERE edition_id = ? AND expires_at > ?`,
		editionID, time.Now().UnixMilli(),
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

package store

import (
	"database/sql"
	"time"
)

const watermarkKey = "watermark"

// Watermark returns the persisted synchronization watermark, or "" if no
// cycle has completed yet.
func (db *DB) Watermark() (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, watermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetWatermark persists the synchronization watermark.
func (db *DB) SetWatermark(value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		watermarkKey, value, now)
	return err
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IngestRemote upserts a server-described message in one transaction and
// returns the affected local message and chat ids. Safe to run twice with
// the same descriptor: a failed sync cycle re-presents the same pages.
func (db *DB) IngestRemote(rm *RemoteMessage) (messageID, chatID int64, err error) {
	// The server id is the idempotency key; an item without one cannot be
	// deduplicated across cycles.
	if rm.ServerID == "" {
		return 0, 0, fmt.Errorf("remote message without server id")
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	var recordingID sql.NullInt64
	err = tx.QueryRow(`SELECT id, chat_id, recording_id FROM messages WHERE server_id = ?`, rm.ServerID).
		Scan(&messageID, &chatID, &recordingID)
	switch {
	case err == nil:
		if err := updateRemote(tx, rm, messageID, recordingID.Int64); err != nil {
			return 0, 0, err
		}
	case err == sql.ErrNoRows:
		messageID, chatID, err = createRemote(tx, rm, now)
		if err != nil {
			return 0, 0, err
		}
	default:
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit ingest: %w", err)
	}
	return messageID, chatID, nil
}

// updateRemote refreshes the mutable fields of an already-known message
// without duplicating recipient associations.
func updateRemote(tx *sql.Tx, rm *RemoteMessage, messageID, recordingID int64) error {
	played := rm.Received && rm.ReadAt > 0
	if _, err := tx.Exec(`
		UPDATE messages SET
			read_at = MAX(read_at, ?),
			played = played OR ?,
			canonical_url = CASE WHEN ? != '' THEN ? ELSE canonical_url END,
			short_url = CASE WHEN ? != '' THEN ? ELSE short_url END
		WHERE id = ?`,
		rm.ReadAt, played,
		rm.AudioURL, rm.AudioURL,
		rm.ShortURL, rm.ShortURL,
		messageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	if recordingID != 0 && rm.Transcript != "" {
		if _, err := tx.Exec(`
			UPDATE recordings SET transcript = ?, transcript_confidence = ?, transcript_lang = ?
			WHERE id = ?`,
			rm.Transcript, rm.TranscriptConfidence, rm.TranscriptLang, recordingID); err != nil {
			return fmt.Errorf("update transcript: %w", err)
		}
	}

	for _, email := range rm.RecipientEmails {
		rid, err := ensureRecipient(tx, email)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO message_recipients (message_id, recipient_id, confirmed)
			VALUES (?, ?, 0)`, messageID, rid); err != nil {
			return fmt.Errorf("associate recipient: %w", err)
		}
	}
	return nil
}

func createRemote(tx *sql.Tx, rm *RemoteMessage, now int64) (messageID, chatID int64, err error) {
	peer := rm.SenderEmail
	if !rm.Received && len(rm.RecipientEmails) > 0 {
		peer = rm.RecipientEmails[0]
	}

	if _, err := tx.Exec(`
		INSERT INTO chats (peer_email, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_email) DO UPDATE SET updated_at = excluded.updated_at`,
		peer, now, now); err != nil {
		return 0, 0, fmt.Errorf("upsert chat: %w", err)
	}
	if err := tx.QueryRow(`SELECT id FROM chats WHERE peer_email = ?`, peer).Scan(&chatID); err != nil {
		return 0, 0, err
	}

	var recordingID any
	if rm.AudioURL != "" {
		res, err := tx.Exec(`
			INSERT INTO recordings (path, duration_ms, transcript, transcript_confidence, transcript_lang)
			VALUES (?, ?, ?, ?, ?)`,
			rm.AudioURL, rm.DurationMS, rm.Transcript, rm.TranscriptConfidence, rm.TranscriptLang)
		if err != nil {
			return 0, 0, fmt.Errorf("insert recording: %w", err)
		}
		recordingID, _ = res.LastInsertId()
	}

	played := rm.Received && rm.ReadAt > 0
	res, err := tx.Exec(`
		INSERT INTO messages (chat_id, recording_id, author_email, registered_at,
			sent, received, played, read_at, server_id, canonical_url, short_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chatID, recordingID, rm.SenderEmail, rm.RegisteredAt,
		!rm.Received, rm.Received, played, rm.ReadAt, rm.ServerID,
		rm.AudioURL, rm.ShortURL, now)
	if err != nil {
		return 0, 0, fmt.Errorf("insert message: %w", err)
	}
	messageID, err = res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}

	for _, email := range rm.RecipientEmails {
		rid, err := ensureRecipient(tx, email)
		if err != nil {
			return 0, 0, err
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO message_recipients (message_id, recipient_id, confirmed)
			VALUES (?, ?, 0)`, messageID, rid); err != nil {
			return 0, 0, fmt.Errorf("associate recipient: %w", err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE chats SET last_message_at = MAX(last_message_at, ?) WHERE id = ?`,
		rm.RegisteredAt, chatID); err != nil {
		return 0, 0, fmt.Errorf("touch chat: %w", err)
	}

	return messageID, chatID, nil
}

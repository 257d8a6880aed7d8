package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateMessage inserts a locally authored message with its recipient
// associations in one transaction. Sets m.ID.
func (db *DB) CreateMessage(m *Message, recipientEmails []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if m.RegisteredAt == 0 {
		m.RegisteredAt = now
	}

	res, err := tx.Exec(`
		INSERT INTO messages (chat_id, recording_id, author_email, subject, body,
			registered_at, sent, received, played, read_at, server_id,
			canonical_url, short_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, nullableID(m.RecordingID), m.AuthorEmail, m.Subject, m.Body,
		m.RegisteredAt, m.Sent, m.Received, m.Played, m.ReadAt, nullableStr(m.ServerID),
		m.CanonicalURL, m.ShortURL, now)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	for _, email := range recipientEmails {
		rid, err := ensureRecipient(tx, email)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO message_recipients (message_id, recipient_id, confirmed)
			VALUES (?, ?, 0)`, m.ID, rid); err != nil {
			return fmt.Errorf("associate recipient: %w", err)
		}
	}

	return tx.Commit()
}

// GetMessage returns a message by local id, or nil if absent.
func (db *DB) GetMessage(id int64) (*Message, error) {
	return db.getMessage(`WHERE id = ?`, id)
}

// GetMessageByServerID returns a message by server-assigned id, or nil if absent.
func (db *DB) GetMessageByServerID(serverID string) (*Message, error) {
	return db.getMessage(`WHERE server_id = ?`, serverID)
}

func (db *DB) getMessage(where string, arg any) (*Message, error) {
	var m Message
	var serverID sql.NullString
	var recordingID sql.NullInt64
	err := db.QueryRow(`
		SELECT id, chat_id, recording_id, author_email, subject, body,
			registered_at, sent, received, played, read_at, server_id,
			canonical_url, short_url
		FROM messages `+where, arg).
		Scan(&m.ID, &m.ChatID, &recordingID, &m.AuthorEmail, &m.Subject, &m.Body,
			&m.RegisteredAt, &m.Sent, &m.Received, &m.Played, &m.ReadAt, &serverID,
			&m.CanonicalURL, &m.ShortURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	m.RecordingID = recordingID.Int64
	return &m, nil
}

// SetServerID records the backend-assigned identifier for a message.
func (db *DB) SetServerID(id int64, serverID string) error {
	_, err := db.Exec(`UPDATE messages SET server_id = ? WHERE id = ?`, serverID, id)
	return err
}

// SetMessageURLs records the server-issued canonical and short URLs.
func (db *DB) SetMessageURLs(id int64, canonical, short string) error {
	_, err := db.Exec(`UPDATE messages SET canonical_url = ?, short_url = ? WHERE id = ?`, canonical, short, id)
	return err
}

// MarkSent sets the aggregate sent flag.
func (db *DB) MarkSent(id int64) error {
	_, err := db.Exec(`UPDATE messages SET sent = 1 WHERE id = ?`, id)
	return err
}

// MarkPlayed sets the played flag and read timestamp.
func (db *DB) MarkPlayed(id int64, readAt int64) error {
	_, err := db.Exec(`UPDATE messages SET played = 1, read_at = ? WHERE id = ?`, readAt, id)
	return err
}

// ConfirmRecipients marks the given recipients as individually confirmed
// for the message.
func (db *DB) ConfirmRecipients(messageID int64, emails []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, email := range emails {
		if _, err := tx.Exec(`
			UPDATE message_recipients SET confirmed = 1
			WHERE message_id = ?
			AND recipient_id = (SELECT id FROM recipients WHERE email = ?)`,
			messageID, email); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recipients returns the recipient associations of a message.
func (db *DB) Recipients(messageID int64) ([]MessageRecipient, error) {
	rows, err := db.Query(`
		SELECT r.id, r.email, mr.confirmed
		FROM message_recipients mr
		JOIN recipients r ON r.id = mr.recipient_id
		WHERE mr.message_id = ?
		ORDER BY r.email`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []MessageRecipient
	for rows.Next() {
		var mr MessageRecipient
		if err := rows.Scan(&mr.RecipientID, &mr.Email, &mr.Confirmed); err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

// ListMessages returns messages for a chat using keyset pagination by
// registration timestamp.
func (db *DB) ListMessages(chatID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, recording_id, author_email, subject, body,
			registered_at, sent, received, played, read_at, server_id,
			canonical_url, short_url
		FROM messages
		WHERE chat_id = ? AND registered_at < ?
		ORDER BY registered_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var serverID sql.NullString
		var recordingID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ChatID, &recordingID, &m.AuthorEmail, &m.Subject, &m.Body,
			&m.RegisteredAt, &m.Sent, &m.Received, &m.Played, &m.ReadAt, &serverID,
			&m.CanonicalURL, &m.ShortURL); err != nil {
			return nil, err
		}
		m.ServerID = serverID.String
		m.RecordingID = recordingID.Int64
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func ensureRecipient(tx *sql.Tx, email string) (int64, error) {
	if _, err := tx.Exec(`INSERT OR IGNORE INTO recipients (email) VALUES (?)`, email); err != nil {
		return 0, fmt.Errorf("ensure recipient: %w", err)
	}
	var id int64
	if err := tx.QueryRow(`SELECT id FROM recipients WHERE email = ?`, email).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

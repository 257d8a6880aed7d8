package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat keyed by peer email and returns its id.
// An empty title never overwrites an existing one.
func (db *DB) UpsertChat(peerEmail, title string) (int64, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (peer_email, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_email) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
			updated_at = excluded.updated_at`,
		peerEmail, title, now, now)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := db.QueryRow(`SELECT id FROM chats WHERE peer_email = ?`, peerEmail).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// TouchChat advances a chat's last-message marker if ts is newer.
func (db *DB) TouchChat(id int64, ts int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE id = ?`,
		ts, ts, preview, now, id)
	return err
}

// GetChat returns a chat by id, or nil if absent.
func (db *DB) GetChat(id int64) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, peer_email, title, last_message_at, last_message_preview
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.PeerEmail, &c.Title, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns chats ordered by most recent activity.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, peer_email, title, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.PeerEmail, &c.Title, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueDelivery inserts a queued delivery row for a message. At most one
// active row (queued, inflight or suspended) exists per message: a repeat
// enqueue on the same channel coalesces onto it and returns its task uid,
// while an enqueue on a different channel is rejected until the active
// delivery settles.
func (db *DB) EnqueueDelivery(taskUID string, messageID int64, channel string) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing, activeChannel string
	err = tx.QueryRow(`
		SELECT task_uid, channel FROM deliveries
		WHERE message_id = ? AND status IN ('queued', 'inflight', 'suspended')`,
		messageID).Scan(&existing, &activeChannel)
	if err == nil {
		if activeChannel != channel {
			return "", fmt.Errorf("message %d already has an active %s delivery", messageID, activeChannel)
		}
		return existing, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO deliveries (task_uid, message_id, channel, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		taskUID, messageID, channel, now, now); err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return taskUID, tx.Commit()
}

// GetDelivery returns a delivery by task uid, or nil if absent.
func (db *DB) GetDelivery(taskUID string) (*Delivery, error) {
	return db.getDelivery(`WHERE task_uid = ?`, taskUID)
}

// ActiveDelivery returns the active delivery for a message, or nil.
func (db *DB) ActiveDelivery(messageID int64) (*Delivery, error) {
	return db.getDelivery(`WHERE message_id = ? AND status IN ('queued', 'inflight', 'suspended')`, messageID)
}

// LastDelivery returns the most recent delivery for a message regardless
// of status, or nil.
func (db *DB) LastDelivery(messageID int64) (*Delivery, error) {
	return db.getDelivery(`WHERE message_id = ? ORDER BY id DESC LIMIT 1`, messageID)
}

func (db *DB) getDelivery(where string, arg any) (*Delivery, error) {
	var d Delivery
	err := db.QueryRow(`
		SELECT id, task_uid, message_id, channel, status, attempts, handle, last_error, next_attempt_at
		FROM deliveries `+where, arg).
		Scan(&d.ID, &d.TaskUID, &d.MessageID, &d.Channel, &d.Status, &d.Attempts, &d.Handle, &d.LastError, &d.NextAttemptAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ClaimDueDeliveries marks up to limit queued deliveries that are due as
// inflight and returns them in enqueue order.
func (db *DB) ClaimDueDeliveries(now int64, limit int) ([]Delivery, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, task_uid, message_id, channel, status, attempts, handle, last_error, next_attempt_at
		FROM deliveries
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}

	var claimed []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.TaskUID, &d.MessageID, &d.Channel, &d.Status, &d.Attempts, &d.Handle, &d.LastError, &d.NextAttemptAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range claimed {
		if _, err := tx.Exec(`
			UPDATE deliveries SET status = 'inflight', updated_at = ? WHERE id = ?`,
			now, claimed[i].ID); err != nil {
			return nil, err
		}
		claimed[i].Status = DeliveryInflight
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDeliverySent marks a delivery as completed.
func (db *DB) MarkDeliverySent(taskUID string) error {
	return db.setDeliveryStatus(taskUID, DeliverySent, "")
}

// MarkDeliveryFailed marks a delivery as permanently failed.
func (db *DB) MarkDeliveryFailed(taskUID, errMsg string) error {
	return db.setDeliveryStatus(taskUID, DeliveryFailed, errMsg)
}

// MarkDeliveryCancelled marks a delivery as cancelled.
func (db *DB) MarkDeliveryCancelled(taskUID string) error {
	return db.setDeliveryStatus(taskUID, DeliveryCancelled, "")
}

func (db *DB) setDeliveryStatus(taskUID, status, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE deliveries SET status = ?, last_error = ?, updated_at = ? WHERE task_uid = ?`,
		status, errMsg, now, taskUID)
	return err
}

// RequeueDelivery schedules another attempt with an incremented counter.
func (db *DB) RequeueDelivery(taskUID, errMsg string, nextAttemptAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE deliveries SET status = 'queued', attempts = attempts + 1,
			last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE task_uid = ?`,
		errMsg, nextAttemptAt, now, taskUID)
	return err
}

// SuspendDelivery parks a delivery pending out-of-band user action,
// recording the resumable handle.
func (db *DB) SuspendDelivery(taskUID, handle, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE deliveries SET status = 'suspended', handle = ?, last_error = ?, updated_at = ?
		WHERE task_uid = ?`,
		handle, errMsg, now, taskUID)
	return err
}

// ResumeDelivery moves a suspended delivery back to queued.
func (db *DB) ResumeDelivery(taskUID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE deliveries SET status = 'queued', handle = '', next_attempt_at = 0, updated_at = ?
		WHERE task_uid = ? AND status = 'suspended'`,
		now, taskUID)
	return err
}

// RequeueStaleInflight resets deliveries stuck inflight since before
// staleBefore back to queued. Run at startup: inflight rows from a previous
// process are orphans.
func (db *DB) RequeueStaleInflight(staleBefore int64) (int, error) {
	res, err := db.Exec(`
		UPDATE deliveries SET status = 'queued', updated_at = ?
		WHERE status = 'inflight' AND updated_at < ?`,
		time.Now().UnixMilli(), staleBefore)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

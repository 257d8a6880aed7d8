package store

import "time"

// RecordPendingLogout persists a compensating logout action. Called before
// any destructive local logout step so the action survives a crash.
func (db *DB) RecordPendingLogout(deviceID, accountID, token string) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO pending_logout (device_id, account_id, token, created_at)
		VALUES (?, ?, ?, ?)`,
		deviceID, accountID, token, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PendingLogouts returns all recorded compensating actions in creation order.
func (db *DB) PendingLogouts() ([]PendingLogout, error) {
	rows, err := db.Query(`
		SELECT id, device_id, account_id, token, created_at
		FROM pending_logout ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingLogout
	for rows.Next() {
		var p PendingLogout
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.AccountID, &p.Token, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingLogout removes an acknowledged (or moot) action.
func (db *DB) DeletePendingLogout(id int64) error {
	_, err := db.Exec(`DELETE FROM pending_logout WHERE id = ?`, id)
	return err
}

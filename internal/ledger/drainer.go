// Package ledger implements the compensating logout queue. A destructive
// local logout first records the intent, token included, so the backend
// notification can be replayed until it lands.
package ledger

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/store"
)

// Notifier performs the backend logout call with a snapshot token.
type Notifier interface {
	NotifyLogout(ctx context.Context, token, deviceID, accountID string) error
}

// Drainer replays recorded logouts against the backend.
type Drainer struct {
	db       *store.DB
	notifier Notifier
	logger   *zap.Logger
}

// NewDrainer creates a logout drainer.
func NewDrainer(db *store.DB, n Notifier, logger *zap.Logger) *Drainer {
	return &Drainer{db: db, notifier: n, logger: logger}
}

// Record persists a pending logout. Call this BEFORE destroying local
// credentials: the stored token snapshot is what authorizes the later
// notification.
func (d *Drainer) Record(deviceID, accountID, token string) error {
	id, err := d.db.RecordPendingLogout(deviceID, accountID, token)
	if err != nil {
		return err
	}
	d.logger.Info("logout recorded", zap.Int64("id", id), zap.String("device_id", deviceID))
	return nil
}

// DrainAll replays every recorded logout. Entries the backend has
// definitively answered are removed, including rejections: a dead token
// means the server-side session is already gone and the entry is moot.
// Only connectivity failures and server errors keep an entry for a later
// pass. One stuck entry does not block the rest.
func (d *Drainer) DrainAll(ctx context.Context) error {
	pending, err := d.db.PendingLogouts()
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.notifier.NotifyLogout(ctx, p.Token, p.DeviceID, p.AccountID)
		if err != nil && transient(err) {
			d.logger.Warn("logout notification deferred",
				zap.Int64("id", p.ID), zap.Error(err))
			continue
		}
		if err != nil {
			d.logger.Info("logout entry settled by rejection",
				zap.Int64("id", p.ID), zap.Error(err))
		} else {
			d.logger.Info("logout notified", zap.Int64("id", p.ID))
		}
		if err := d.db.DeletePendingLogout(p.ID); err != nil {
			d.logger.Error("delete logout entry", zap.Int64("id", p.ID), zap.Error(err))
		}
	}
	return nil
}

func transient(err error) bool {
	var conn *backend.ConnectivityError
	if errors.As(err, &conn) {
		return true
	}
	var se *backend.StatusError
	return errors.As(err, &se) && se.Code >= 500
}

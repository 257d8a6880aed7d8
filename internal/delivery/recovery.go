package delivery

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/channel"
	"github.com/gbarbosa/vox/internal/store"
)

// accountSelector is implemented by channels whose authenticator binds to
// one of several provider accounts.
type accountSelector interface {
	Authenticator() *channel.MailAuthenticator
}

// Recovery decides what happens to a delivery after a failed attempt:
// requeue, suspend with a handle, or give up.
type Recovery struct {
	db          *store.DB
	bus         *bus.Bus
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

// NewRecovery creates the failure handler for the delivery queue.
func NewRecovery(db *store.DB, eb *bus.Bus, maxAttempts int, retryDelay time.Duration, logger *zap.Logger) *Recovery {
	return &Recovery{db: db, bus: eb, maxAttempts: maxAttempts, retryDelay: retryDelay, logger: logger}
}

// Handle applies the recovery policy for one failed attempt.
func (r *Recovery) Handle(d store.Delivery, ch channel.Channel, sendErr error) {
	class, handle := Classify(sendErr)

	// A missing account selection with exactly one candidate needs no
	// user decision: select it and retry immediately.
	var noAccount *channel.NoAccountError
	if errors.As(sendErr, &noAccount) && len(noAccount.Candidates) == 1 {
		if sel, ok := ch.(accountSelector); ok {
			sel.Authenticator().SelectAccount(noAccount.Candidates[0])
			r.logger.Info("auto-selected sole provider account",
				zap.String("task_uid", d.TaskUID), zap.String("account", noAccount.Candidates[0]))
			class, handle = RetryNow, ""
		}
	}

	switch class {
	case NeedsUserAction:
		if err := r.db.SuspendDelivery(d.TaskUID, handle, sendErr.Error()); err != nil {
			r.logger.Error("suspend delivery", zap.String("task_uid", d.TaskUID), zap.Error(err))
			return
		}
		r.bus.Emit(bus.KindDeliverySuspended, bus.DeliveryEvent{
			MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID,
			Attempt: d.Attempts, Handle: handle, Err: sendErr.Error(),
		})

	case RetryNow, RetryLater:
		if d.Attempts+1 >= r.maxAttempts {
			r.fail(d, sendErr)
			return
		}
		next := time.Now()
		if class == RetryLater {
			next = next.Add(r.retryDelay)
		}
		if err := r.db.RequeueDelivery(d.TaskUID, sendErr.Error(), next.UnixMilli()); err != nil {
			r.logger.Error("requeue delivery", zap.String("task_uid", d.TaskUID), zap.Error(err))
			return
		}
		r.logger.Info("delivery requeued",
			zap.String("task_uid", d.TaskUID), zap.Int("attempt", d.Attempts+1),
			zap.String("class", class.String()), zap.Error(sendErr))
		r.bus.Emit(bus.KindDeliveryQueued, bus.DeliveryEvent{
			MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID,
			Attempt: d.Attempts + 1, Err: sendErr.Error(),
		})

	default:
		r.fail(d, sendErr)
	}
}

func (r *Recovery) fail(d store.Delivery, sendErr error) {
	if err := r.db.MarkDeliveryFailed(d.TaskUID, sendErr.Error()); err != nil {
		r.logger.Error("mark delivery failed", zap.String("task_uid", d.TaskUID), zap.Error(err))
		return
	}
	r.logger.Warn("delivery failed permanently",
		zap.String("task_uid", d.TaskUID), zap.Int("attempts", d.Attempts+1), zap.Error(sendErr))
	r.bus.Emit(bus.KindDeliveryError, bus.DeliveryEvent{
		MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID,
		Attempt: d.Attempts + 1, Err: sendErr.Error(),
	})
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/channel"
	"github.com/gbarbosa/vox/internal/config"
	"github.com/gbarbosa/vox/internal/store"
)

const claimBatchSize = 8

// Queue drives the outbound pipeline. Deliveries are durable rows; the
// queue claims due ones, runs them as tasks and applies the recovery
// policy on failure. At most one delivery per message is active at a
// time, enforced by the store.
type Queue struct {
	db       *store.DB
	backend  Backend
	channels map[channel.Kind]channel.Channel
	bus      *bus.Bus
	cfg      config.Delivery
	recovery *Recovery
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // task uid -> cancel

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates the delivery queue.
func NewQueue(db *store.DB, b Backend, channels map[channel.Kind]channel.Channel, eb *bus.Bus, cfg config.Delivery, logger *zap.Logger) *Queue {
	return &Queue{
		db:       db,
		backend:  b,
		channels: channels,
		bus:      eb,
		cfg:      cfg,
		recovery: NewRecovery(db, eb, cfg.MaxAttempts, cfg.RetryDelay(), logger),
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Start begins draining the queue in the background.
func (q *Queue) Start() {
	q.runCtx, q.cancel = context.WithCancel(context.Background())
	q.wg.Add(1)
	go q.run()
}

// Stop cancels in-flight tasks and waits for them to unwind. Interrupted
// rows stay inflight in the store and are requeued on the next start.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
			q.drain()
		}
	}
}

func (q *Queue) drain() {
	claimed, err := q.db.ClaimDueDeliveries(time.Now().UnixMilli(), claimBatchSize)
	if err != nil {
		q.logger.Error("claim deliveries", zap.Error(err))
		return
	}
	for _, d := range claimed {
		q.wg.Add(1)
		go q.runTask(d)
	}
}

func (q *Queue) runTask(d store.Delivery) {
	defer q.wg.Done()

	ctx, cancel := context.WithCancel(q.runCtx)
	defer cancel()
	q.mu.Lock()
	q.inflight[d.TaskUID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, d.TaskUID)
		q.mu.Unlock()
	}()

	ch, ok := q.channels[channel.Kind(d.Channel)]
	if !ok {
		q.logger.Error("no such channel", zap.String("channel", d.Channel), zap.String("task_uid", d.TaskUID))
		if err := q.db.MarkDeliveryFailed(d.TaskUID, "unknown channel "+d.Channel); err != nil {
			q.logger.Error("mark delivery failed", zap.Error(err))
		}
		return
	}

	q.bus.Emit(bus.KindDeliveryStarted, bus.DeliveryEvent{
		MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID, Attempt: d.Attempts,
	})

	err := newTask(q.db, q.backend, ch, q.bus, q.logger, d).Run(ctx)
	switch {
	case err == nil:
		if err := q.db.MarkDeliverySent(d.TaskUID); err != nil {
			q.logger.Error("mark delivery sent", zap.String("task_uid", d.TaskUID), zap.Error(err))
			return
		}
		q.bus.Emit(bus.KindDeliveryFinished, bus.DeliveryEvent{
			MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID, Attempt: d.Attempts,
		})

	case errors.Is(err, context.Canceled):
		if q.runCtx.Err() != nil {
			// Shutdown: leave the row inflight, startup recovery requeues it.
			return
		}
		if err := q.db.MarkDeliveryCancelled(d.TaskUID); err != nil {
			q.logger.Error("mark delivery cancelled", zap.String("task_uid", d.TaskUID), zap.Error(err))
			return
		}
		q.bus.Emit(bus.KindDeliveryCancelled, bus.DeliveryEvent{
			MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID, Attempt: d.Attempts,
		})

	default:
		q.recovery.Handle(d, ch, err)
	}
}

// Enqueue creates a delivery for a message on a channel. An already
// active delivery on the same channel is reused, keeping its task uid;
// one on a different channel makes the enqueue fail.
func (q *Queue) Enqueue(messageID int64, kind channel.Kind) (string, error) {
	if _, ok := q.channels[kind]; !ok {
		return "", fmt.Errorf("unknown channel %q", kind)
	}
	uid, err := q.db.EnqueueDelivery(uuid.NewString(), messageID, string(kind))
	if err != nil {
		return "", err
	}
	q.bus.Emit(bus.KindDeliveryQueued, bus.DeliveryEvent{
		MessageID: messageID, Channel: string(kind), TaskUID: uid,
	})
	return uid, nil
}

// Cancel stops the active delivery for a message. A running task is
// interrupted; a waiting one is marked cancelled directly.
func (q *Queue) Cancel(messageID int64) error {
	d, err := q.db.ActiveDelivery(messageID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("no active delivery for message %d", messageID)
	}

	q.mu.Lock()
	cancel, running := q.inflight[d.TaskUID]
	q.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	if err := q.db.MarkDeliveryCancelled(d.TaskUID); err != nil {
		return err
	}
	q.bus.Emit(bus.KindDeliveryCancelled, bus.DeliveryEvent{
		MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID, Attempt: d.Attempts,
	})
	return nil
}

// Retry makes a message deliverable again. A queued delivery becomes due
// immediately; a failed or cancelled one is re-enqueued on its previous
// channel with a fresh task uid.
func (q *Queue) Retry(messageID int64) (string, error) {
	if d, err := q.db.ActiveDelivery(messageID); err != nil {
		return "", err
	} else if d != nil {
		if d.Status == store.DeliverySuspended {
			return "", fmt.Errorf("delivery %s is suspended, resume it instead", d.TaskUID)
		}
		if err := q.db.RequeueDelivery(d.TaskUID, d.LastError, time.Now().UnixMilli()); err != nil {
			return "", err
		}
		return d.TaskUID, nil
	}

	last, err := q.db.LastDelivery(messageID)
	if err != nil {
		return "", err
	}
	if last == nil {
		return "", fmt.Errorf("message %d was never enqueued", messageID)
	}
	return q.Enqueue(messageID, channel.Kind(last.Channel))
}

// Resume unblocks a suspended delivery. An empty outcome abandons it; for
// an account-selection handle the outcome names the chosen account.
func (q *Queue) Resume(messageID int64, outcome string) error {
	d, err := q.db.ActiveDelivery(messageID)
	if err != nil {
		return err
	}
	if d == nil || d.Status != store.DeliverySuspended {
		return fmt.Errorf("no suspended delivery for message %d", messageID)
	}

	if outcome == "" {
		if err := q.db.MarkDeliveryFailed(d.TaskUID, "abandoned: "+d.LastError); err != nil {
			return err
		}
		q.bus.Emit(bus.KindDeliveryError, bus.DeliveryEvent{
			MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID,
			Attempt: d.Attempts, Err: "abandoned",
		})
		return nil
	}

	if strings.HasPrefix(d.Handle, channel.HandleSelectAccount) {
		ch := q.channels[channel.Kind(d.Channel)]
		sel, ok := ch.(accountSelector)
		if !ok {
			return fmt.Errorf("channel %s cannot select accounts", d.Channel)
		}
		sel.Authenticator().SelectAccount(outcome)
	}

	if err := q.db.ResumeDelivery(d.TaskUID); err != nil {
		return err
	}
	q.bus.Emit(bus.KindDeliveryQueued, bus.DeliveryEvent{
		MessageID: d.MessageID, Channel: d.Channel, TaskUID: d.TaskUID, Attempt: d.Attempts,
	})
	return nil
}

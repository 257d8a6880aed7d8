package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/channel"
	"github.com/gbarbosa/vox/internal/store"
)

// Pipeline stages, published on delivery.progress events.
const (
	StageRegistering  = "registering"
	StageUploading    = "uploading"
	StageTranscribing = "transcribing"
	StageSending      = "sending"
	StageConfirming   = "confirming"
)

// Backend is the subset of the backend client a delivery task needs.
type Backend interface {
	EnsureAccount(ctx context.Context) error
	RegisterMessage(ctx context.Context, taskUID, subject string, recipients []string, registeredAt time.Time) (string, error)
	UploadRecording(ctx context.Context, taskUID, serverID, path string) (backend.UploadResult, error)
	Transcribe(ctx context.Context, serverID string) (backend.Transcription, error)
}

// Task runs one claimed delivery through the pipeline. Completed stages
// persist their results, so a requeued task resumes past them instead of
// repeating work.
type Task struct {
	db      *store.DB
	backend Backend
	channel channel.Channel
	bus     *bus.Bus
	logger  *zap.Logger
	d       store.Delivery
}

func newTask(db *store.DB, b Backend, ch channel.Channel, eb *bus.Bus, logger *zap.Logger, d store.Delivery) *Task {
	return &Task{db: db, backend: b, channel: ch, bus: eb, logger: logger, d: d}
}

// Run executes the pipeline for the task's message. It stops at the first
// failing stage and returns the raw error for classification.
func (t *Task) Run(ctx context.Context) error {
	msg, err := t.db.GetMessage(t.d.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message %d not found", t.d.MessageID)
	}

	assoc, err := t.db.Recipients(msg.ID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	recipients := make([]string, 0, len(assoc))
	for _, r := range assoc {
		recipients = append(recipients, r.Email)
	}

	var rec *store.Recording
	if msg.RecordingID != 0 {
		if rec, err = t.db.GetRecording(msg.RecordingID); err != nil {
			return fmt.Errorf("load recording: %w", err)
		}
	}

	if msg.ServerID == "" {
		t.progress(StageRegistering)
		// The account must exist server-side before the message can;
		// registration is idempotent, a duplicate counts as success.
		if err := t.backend.EnsureAccount(ctx); err != nil {
			return err
		}
		serverID, err := t.backend.RegisterMessage(ctx, t.d.TaskUID, msg.Subject, recipients, time.UnixMilli(msg.RegisteredAt))
		if err != nil {
			return err
		}
		if err := t.db.SetServerID(msg.ID, serverID); err != nil {
			return fmt.Errorf("persist server id: %w", err)
		}
		msg.ServerID = serverID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if rec != nil && rec.Path != "" && msg.ShortURL == "" {
		t.progress(StageUploading)
		res, err := t.backend.UploadRecording(ctx, t.d.TaskUID, msg.ServerID, rec.Path)
		if err != nil {
			return err
		}
		if err := t.db.SetMessageURLs(msg.ID, res.CanonicalURL, res.ShortURL); err != nil {
			return fmt.Errorf("persist urls: %w", err)
		}
		msg.CanonicalURL = res.CanonicalURL
		msg.ShortURL = res.ShortURL
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Transcription enriches the outgoing text but never blocks delivery.
	if rec != nil && rec.Transcript == "" {
		t.progress(StageTranscribing)
		if tr, err := t.backend.Transcribe(ctx, msg.ServerID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("transcription failed, sending without it",
				zap.String("task_uid", t.d.TaskUID), zap.Error(err))
		} else {
			if err := t.db.SetTranscript(rec.ID, tr.Text, tr.Confidence, tr.Language); err != nil {
				return fmt.Errorf("persist transcript: %w", err)
			}
			rec.Transcript = tr.Text
			rec.TranscriptConfidence = tr.Confidence
			rec.TranscriptLang = tr.Language
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.progress(StageSending)
	if err := t.channel.Send(ctx, &channel.SendContext{
		TaskUID:    t.d.TaskUID,
		Message:    msg,
		Recipients: recipients,
		Recording:  rec,
	}); err != nil {
		return err
	}

	// A channel that cannot observe remote delivery only hands the message
	// off; the sent flag then comes from a later sync cycle.
	if t.channel.ConfirmsDelivery() {
		t.progress(StageConfirming)
		if err := t.db.ConfirmRecipients(msg.ID, recipients); err != nil {
			return fmt.Errorf("confirm recipients: %w", err)
		}
		if err := t.db.MarkSent(msg.ID); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
	}
	return nil
}

func (t *Task) progress(stage string) {
	t.bus.Emit(bus.KindDeliveryProgress, bus.DeliveryEvent{
		MessageID: t.d.MessageID,
		Channel:   t.d.Channel,
		TaskUID:   t.d.TaskUID,
		Stage:     stage,
		Attempt:   t.d.Attempts,
	})
}

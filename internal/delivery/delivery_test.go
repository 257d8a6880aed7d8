package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/bus"
	"github.com/gbarbosa/vox/internal/channel"
	"github.com/gbarbosa/vox/internal/config"
	"github.com/gbarbosa/vox/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedMessage(t *testing.T, db *store.DB, withRecording bool) *store.Message {
	t.Helper()
	chatID, err := db.UpsertChat("bob@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	m := &store.Message{
		ChatID:       chatID,
		AuthorEmail:  "alice@example.com",
		Subject:      "voice message",
		RegisteredAt: time.Now().UnixMilli(),
	}
	if withRecording {
		rec := &store.Recording{Path: "/tmp/does-not-matter.opus", DurationMS: 3000}
		if err := db.CreateRecording(rec); err != nil {
			t.Fatal(err)
		}
		m.RecordingID = rec.ID
	}
	if err := db.CreateMessage(m, []string{"bob@example.com"}); err != nil {
		t.Fatal(err)
	}
	return m
}

// fakeBackend scripts the pipeline's backend stages.
type fakeBackend struct {
	mu          sync.Mutex
	ensured     int
	registered  int
	uploaded    int
	transcribed int

	ensureErrs    []error // consumed in order; exhausted means success
	registerErr   error
	uploadErr     error
	transcribeErr error
}

func (f *fakeBackend) EnsureAccount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.ensured
	f.ensured++
	if n < len(f.ensureErrs) {
		return f.ensureErrs[n]
	}
	return nil
}

func (f *fakeBackend) RegisterMessage(_ context.Context, _, _ string, _ []string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	f.registered++
	return "srv-1", nil
}

func (f *fakeBackend) UploadRecording(_ context.Context, _, _, _ string) (backend.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return backend.UploadResult{}, f.uploadErr
	}
	f.uploaded++
	return backend.UploadResult{CanonicalURL: "https://vox.example.com/m/srv-1", ShortURL: "https://vox.to/x1"}, nil
}

func (f *fakeBackend) Transcribe(_ context.Context, _ string) (backend.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transcribeErr != nil {
		return backend.Transcription{}, f.transcribeErr
	}
	f.transcribed++
	return backend.Transcription{Text: "hello bob", Confidence: 0.9, Language: "en"}, nil
}

// fakeChannel scripts Send outcomes, one per attempt.
type fakeChannel struct {
	kind     channel.Kind
	confirms bool

	mu       sync.Mutex
	sends    int
	outcomes []error // consumed in order; exhausted means success
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeChannel) Kind() channel.Kind { return f.kind }

func (f *fakeChannel) ConfirmsDelivery() bool { return f.confirms }

func (f *fakeChannel) Send(ctx context.Context, _ *channel.SendContext) error {
	f.mu.Lock()
	n := f.sends
	f.sends++
	var out error
	if n < len(f.outcomes) {
		out = f.outcomes[n]
	}
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return out
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func fastConfig() config.Delivery {
	return config.Delivery{MaxAttempts: 3, RetryDelaySeconds: 0, PollIntervalMillis: 10}
}

func newTestQueue(t *testing.T, db *store.DB, fb *fakeBackend, ch *fakeChannel) (*Queue, *bus.Bus) {
	t.Helper()
	eb := bus.New()
	q := NewQueue(db, fb, map[channel.Kind]channel.Channel{ch.kind: ch}, eb, fastConfig(), zap.NewNop())
	return q, eb
}

func waitForStatus(t *testing.T, db *store.DB, taskUID, want string) *store.Delivery {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		d, err := db.GetDelivery(taskUID)
		if err != nil {
			t.Fatal(err)
		}
		if d != nil && d.Status == want {
			return d
		}
		select {
		case <-deadline:
			status := "<nil>"
			if d != nil {
				status = d.Status + " (" + d.LastError + ")"
			}
			t.Fatalf("delivery never reached %q, last seen %s", want, status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueueDeliversThroughAllStages(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, true)
	fb := &fakeBackend{}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid, store.DeliverySent)

	if fb.registered != 1 || fb.uploaded != 1 || fb.transcribed != 1 {
		t.Errorf("stages = register %d upload %d transcribe %d", fb.registered, fb.uploaded, fb.transcribed)
	}
	got, err := db.GetMessage(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerID != "srv-1" || got.ShortURL != "https://vox.to/x1" {
		t.Errorf("message = %+v", got)
	}
	if !got.Sent {
		t.Error("message not marked sent")
	}
	recips, err := db.Recipients(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recips) != 1 || !recips[0].Confirmed {
		t.Errorf("recipients = %+v", recips)
	}
}

func TestQueueSkipsCompletedStagesOnRequeue(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, true)
	fb := &fakeBackend{}
	// First send attempt fails with a transient error; second succeeds.
	ch := &fakeChannel{kind: channel.KindMail, confirms: true, outcomes: []error{&backend.ConnectivityError{Err: errors.New("conn reset")}}}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	d := waitForStatus(t, db, uid, store.DeliverySent)

	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if ch.sendCount() != 2 {
		t.Errorf("sends = %d, want 2", ch.sendCount())
	}
	// Register, upload and transcribe completed on the first attempt and
	// must not repeat. Account registration rides with the register stage.
	if fb.ensured != 1 || fb.registered != 1 || fb.uploaded != 1 || fb.transcribed != 1 {
		t.Errorf("stages = ensure %d register %d upload %d transcribe %d, want 1 each",
			fb.ensured, fb.registered, fb.uploaded, fb.transcribed)
	}
}

func TestQueueRegistersAccountBeforeMessage(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	// The account registration fails once with a transient error; the
	// message must not be registered until it succeeds.
	fb := &fakeBackend{ensureErrs: []error{&backend.ConnectivityError{Err: errors.New("dns failure")}}}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	d := waitForStatus(t, db, uid, store.DeliverySent)

	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if fb.ensured != 2 || fb.registered != 1 {
		t.Errorf("ensure %d register %d, want ensure retried before one registration", fb.ensured, fb.registered)
	}
}

func TestQueueRejectsCrossChannelWhileActive(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	mail := &fakeChannel{kind: channel.KindMail, confirms: true}
	sms := &fakeChannel{kind: channel.KindSMS, confirms: true}
	eb := bus.New()
	q := NewQueue(db, fb, map[channel.Kind]channel.Channel{
		channel.KindMail: mail,
		channel.KindSMS:  sms,
	}, eb, fastConfig(), zap.NewNop())

	if _, err := q.Enqueue(msg.ID, channel.KindMail); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(msg.ID, channel.KindSMS); err == nil {
		t.Fatal("enqueue on a second channel accepted while the mail delivery is active")
	}

	d, err := db.ActiveDelivery(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Channel != string(channel.KindMail) {
		t.Errorf("active delivery = %+v, want the original mail one", d)
	}
}

func TestQueueTranscriptionFailureDoesNotBlockSend(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, true)
	fb := &fakeBackend{transcribeErr: &backend.StatusError{Code: http.StatusUnprocessableEntity, Reason: "audio_too_short"}}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid, store.DeliverySent)

	rec, err := db.GetRecording(msg.RecordingID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Transcript != "" {
		t.Errorf("transcript = %q, want empty", rec.Transcript)
	}
}

func TestQueueExhaustsAttempts(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	connErr := &backend.ConnectivityError{Err: errors.New("no route to host")}
	ch := &fakeChannel{kind: channel.KindSMS, confirms: true, outcomes: []error{connErr, connErr, connErr}}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindSMS)
	if err != nil {
		t.Fatal(err)
	}
	d := waitForStatus(t, db, uid, store.DeliveryFailed)

	if ch.sendCount() != 3 {
		t.Errorf("sends = %d, want max attempts 3", ch.sendCount())
	}
	if d.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestQueueUnrecoverableFailsImmediately(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{registerErr: &backend.StatusError{Code: http.StatusBadRequest, Reason: "invalid_recipient"}}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid, store.DeliveryFailed)

	if ch.sendCount() != 0 {
		t.Errorf("sends = %d, want none after registration failure", ch.sendCount())
	}
}

func TestQueueCancelRunningTask(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true, block: make(chan struct{}), started: make(chan struct{}, 1)}
	q, eb := newTestQueue(t, db, fb, ch)

	events, unsub := eb.Subscribe("delivery.cancelled", 4)
	defer unsub()

	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch.started:
	case <-time.After(5 * time.Second):
		t.Fatal("send never started")
	}
	if err := q.Cancel(msg.ID); err != nil {
		t.Fatal(err)
	}

	d := waitForStatus(t, db, uid, store.DeliveryCancelled)
	if d.Attempts != 0 {
		t.Errorf("attempts = %d", d.Attempts)
	}
	select {
	case evt := <-events:
		de := evt.Payload.(bus.DeliveryEvent)
		if de.TaskUID != uid {
			t.Errorf("event uid = %q", de.TaskUID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cancelled event")
	}
}

func TestQueueCoalescesActiveDeliveries(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true, block: make(chan struct{})}
	q, _ := newTestQueue(t, db, fb, ch)

	uid1, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	uid2, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	if uid1 != uid2 {
		t.Errorf("second enqueue got new uid %q, want reuse of %q", uid2, uid1)
	}
}

type selectableChannel struct {
	fakeChannel
	auth *channel.MailAuthenticator
}

func (s *selectableChannel) Authenticator() *channel.MailAuthenticator { return s.auth }

func TestQueueAutoSelectsSoleAccount(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	auth := channel.NewMailAuthenticator("http://invalid.test/token", "", []string{"only@example.com"}, nil, nil)
	ch := &selectableChannel{
		fakeChannel: fakeChannel{kind: channel.KindMail, confirms: true,
			outcomes: []error{&channel.NoAccountError{Candidates: []string{"only@example.com"}}}},
		auth: auth,
	}
	eb := bus.New()
	q := NewQueue(db, fb, map[channel.Kind]channel.Channel{channel.KindMail: ch}, eb, fastConfig(), zap.NewNop())
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid, store.DeliverySent)

	if got := auth.Account(); got != "only@example.com" {
		t.Errorf("account = %q, want auto-selected candidate", got)
	}
	if ch.sendCount() != 2 {
		t.Errorf("sends = %d, want immediate retry after selection", ch.sendCount())
	}
}

func TestQueueSuspendsOnAccountChoice(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	auth := channel.NewMailAuthenticator("http://invalid.test/token", "", []string{"a@x.com", "b@x.com"}, nil, nil)
	noAcct := &channel.NoAccountError{Candidates: []string{"a@x.com", "b@x.com"}}
	ch := &selectableChannel{
		fakeChannel: fakeChannel{kind: channel.KindMail, confirms: true, outcomes: []error{noAcct}},
		auth:        auth,
	}
	eb := bus.New()
	q := NewQueue(db, fb, map[channel.Kind]channel.Channel{channel.KindMail: ch}, eb, fastConfig(), zap.NewNop())
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	d := waitForStatus(t, db, uid, store.DeliverySuspended)
	if d.Handle != "select-account:a@x.com,b@x.com" {
		t.Errorf("handle = %q", d.Handle)
	}

	// The user picks an account; the delivery resumes and completes.
	if err := q.Resume(msg.ID, "b@x.com"); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid, store.DeliverySent)
	if got := auth.Account(); got != "b@x.com" {
		t.Errorf("account = %q", got)
	}
}

func TestQueueSuspendsOnConsentDenied(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	denied := &backend.AuthorizationDeniedError{Handle: "https://mail.example.com/consent/42"}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true, outcomes: []error{denied}}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	d := waitForStatus(t, db, uid, store.DeliverySuspended)
	if d.Handle != "https://mail.example.com/consent/42" {
		t.Errorf("handle = %q", d.Handle)
	}

	// The user declines; the delivery is abandoned.
	if err := q.Resume(msg.ID, ""); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid, store.DeliveryFailed)
}

func TestQueueRetryAfterPermanentFailure(t *testing.T) {
	db := testDB(t)
	msg := seedMessage(t, db, false)
	fb := &fakeBackend{}
	badReq := &backend.StatusError{Code: http.StatusBadRequest, Reason: "bad"}
	ch := &fakeChannel{kind: channel.KindMail, confirms: true, outcomes: []error{badReq}}
	q, _ := newTestQueue(t, db, fb, ch)
	q.Start()
	defer q.Stop()

	uid1, err := q.Enqueue(msg.ID, channel.KindMail)
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, db, uid1, store.DeliveryFailed)

	uid2, err := q.Retry(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if uid2 == uid1 {
		t.Error("retry of a failed delivery reused the old task uid")
	}
	waitForStatus(t, db, uid2, store.DeliverySent)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		class  Class
		handle string
	}{
		{"connectivity", &backend.ConnectivityError{Err: errors.New("x")}, RetryLater, ""},
		{"invalid token", fmt.Errorf("wrapped: %w", backend.ErrInvalidToken), RetryLater, ""},
		{"ack timeout", channel.ErrAckTimeout, RetryLater, ""},
		{"sms failed", &channel.SMSFailedError{Detail: "x"}, RetryLater, ""},
		{"rate limited", &backend.StatusError{Code: http.StatusTooManyRequests}, RetryLater, ""},
		{"server error", &backend.StatusError{Code: http.StatusBadGateway}, RetryLater, ""},
		{"not provisioned", &backend.StatusError{Code: http.StatusConflict, Reason: "recipient_not_provisioned"}, RetryLater, ""},
		{"bad request", &backend.StatusError{Code: http.StatusBadRequest, Reason: "bad"}, Unrecoverable, ""},
		{"consent", &backend.AuthorizationDeniedError{Handle: "https://x/consent"}, NeedsUserAction, "https://x/consent"},
		{"no account", &channel.NoAccountError{Candidates: []string{"a", "b"}}, NeedsUserAction, "select-account:a,b"},
		{"unknown", errors.New("boom"), Unrecoverable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, handle := Classify(tc.err)
			if class != tc.class || handle != tc.handle {
				t.Errorf("Classify(%v) = %v %q, want %v %q", tc.err, class, handle, tc.class, tc.handle)
			}
		})
	}
}

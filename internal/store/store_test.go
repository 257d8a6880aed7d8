package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + queue)", result.Version)
	}
}

func TestChatUpsertKeepsTitle(t *testing.T) {
	db := testDB(t)

	id, err := db.UpsertChat("alice@example.com", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	// Empty title must not wipe the stored one.
	id2, err := db.UpsertChat("alice@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Errorf("upsert created a second chat: %d != %d", id, id2)
	}
	c, err := db.GetChat(id)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Title != "Alice" {
		t.Errorf("chat = %+v, want title Alice", c)
	}
}

func TestCreateMessageAndDualLookup(t *testing.T) {
	db := testDB(t)

	chatID, err := db.UpsertChat("bob@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	rec := &Recording{Path: "/tmp/a.ogg", DurationMS: 4200}
	if err := db.CreateRecording(rec); err != nil {
		t.Fatal(err)
	}

	m := &Message{ChatID: chatID, RecordingID: rec.ID, AuthorEmail: "me@example.com", Subject: "hi"}
	if err := db.CreateMessage(m, []string{"bob@example.com", "carol@example.com"}); err != nil {
		t.Fatal(err)
	}
	if m.ID == 0 || m.RegisteredAt == 0 {
		t.Fatalf("message not populated: %+v", m)
	}

	if err := db.SetServerID(m.ID, "srv-1"); err != nil {
		t.Fatal(err)
	}

	byLocal, err := db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	byServer, err := db.GetMessageByServerID("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if byLocal == nil || byServer == nil || byLocal.ID != byServer.ID {
		t.Fatalf("lookup paths disagree: %+v vs %+v", byLocal, byServer)
	}

	recips, err := db.Recipients(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recips) != 2 {
		t.Fatalf("got %d recipients, want 2", len(recips))
	}
}

func TestConfirmRecipientsSubset(t *testing.T) {
	db := testDB(t)

	chatID, _ := db.UpsertChat("bob@example.com", "")
	m := &Message{ChatID: chatID}
	if err := db.CreateMessage(m, []string{"bob@example.com", "carol@example.com"}); err != nil {
		t.Fatal(err)
	}

	if err := db.ConfirmRecipients(m.ID, []string{"bob@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSent(m.ID); err != nil {
		t.Fatal(err)
	}

	recips, err := db.Recipients(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	confirmed := 0
	for _, r := range recips {
		if r.Confirmed {
			confirmed++
			if r.Email != "bob@example.com" {
				t.Errorf("confirmed %q, want bob@example.com", r.Email)
			}
		}
	}
	if confirmed != 1 {
		t.Errorf("confirmed = %d, want 1", confirmed)
	}

	got, _ := db.GetMessage(m.ID)
	if !got.Sent {
		t.Error("sent flag not set")
	}
}

func TestIngestRemoteIdempotent(t *testing.T) {
	db := testDB(t)

	rm := &RemoteMessage{
		ServerID:        "srv-9",
		SenderEmail:     "dave@example.com",
		RecipientEmails: []string{"me@example.com"},
		AudioURL:        "https://cdn.example.com/a.ogg",
		ShortURL:        "https://vox.to/x1",
		RegisteredAt:    5000,
		Received:        true,
	}

	id1, chat1, err := db.IngestRemote(rm)
	if err != nil {
		t.Fatal(err)
	}
	// Second ingest of the same descriptor must not duplicate anything.
	rm.ReadAt = 6000
	id2, chat2, err := db.IngestRemote(rm)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 || chat1 != chat2 {
		t.Fatalf("ids changed on re-ingest: (%d,%d) vs (%d,%d)", id1, chat1, id2, chat2)
	}

	msgs, err := db.ListMessages(chat1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if !msgs[0].Received || !msgs[0].Played || msgs[0].ReadAt != 6000 {
		t.Errorf("mutable fields not updated: %+v", msgs[0])
	}

	recips, _ := db.Recipients(id1)
	if len(recips) != 1 {
		t.Errorf("got %d recipient associations, want 1", len(recips))
	}
}

func TestIngestRemoteSentPartition(t *testing.T) {
	db := testDB(t)

	rm := &RemoteMessage{
		ServerID:        "srv-10",
		SenderEmail:     "me@example.com",
		RecipientEmails: []string{"erin@example.com"},
		RegisteredAt:    7000,
		Received:        false,
	}
	id, chatID, err := db.IngestRemote(rm)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage(id)
	if !m.Sent || m.Received {
		t.Errorf("sent-partition flags wrong: %+v", m)
	}
	// Chat keyed by the correspondent, not ourselves.
	c, _ := db.GetChat(chatID)
	if c.PeerEmail != "erin@example.com" {
		t.Errorf("peer = %q, want erin@example.com", c.PeerEmail)
	}
}

func TestDeliveryLifecycle(t *testing.T) {
	db := testDB(t)

	chatID, _ := db.UpsertChat("bob@example.com", "")
	m := &Message{ChatID: chatID}
	if err := db.CreateMessage(m, []string{"bob@example.com"}); err != nil {
		t.Fatal(err)
	}

	uid, err := db.EnqueueDelivery("task-1", m.ID, "mail")
	if err != nil {
		t.Fatal(err)
	}
	if uid != "task-1" {
		t.Errorf("uid = %q", uid)
	}

	// A second enqueue while active keeps the original task uid.
	uid2, err := db.EnqueueDelivery("task-2", m.ID, "mail")
	if err != nil {
		t.Fatal(err)
	}
	if uid2 != "task-1" {
		t.Errorf("coalesced uid = %q, want task-1", uid2)
	}

	// A different channel cannot open a second active delivery.
	if _, err := db.EnqueueDelivery("task-3", m.ID, "sms"); err == nil {
		t.Error("enqueue on a second channel succeeded while mail is active")
	}

	claimed, err := db.ClaimDueDeliveries(time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].Status != DeliveryInflight {
		t.Fatalf("claimed = %+v", claimed)
	}

	// Nothing left to claim.
	claimed, _ = db.ClaimDueDeliveries(time.Now().UnixMilli(), 10)
	if len(claimed) != 0 {
		t.Errorf("second claim = %+v, want empty", claimed)
	}

	if err := db.RequeueDelivery("task-1", "no connectivity", time.Now().UnixMilli()-1); err != nil {
		t.Fatal(err)
	}
	d, _ := db.GetDelivery("task-1")
	if d.Attempts != 1 || d.Status != DeliveryQueued {
		t.Errorf("requeued = %+v", d)
	}

	if err := db.SuspendDelivery("task-1", "consent:https://example.com/grant", "authorization denied"); err != nil {
		t.Fatal(err)
	}
	d, _ = db.GetDelivery("task-1")
	if d.Status != DeliverySuspended || d.Handle == "" {
		t.Errorf("suspended = %+v", d)
	}

	if err := db.ResumeDelivery("task-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkDeliverySent("task-1"); err != nil {
		t.Fatal(err)
	}
	active, _ := db.ActiveDelivery(m.ID)
	if active != nil {
		t.Errorf("active after sent = %+v, want nil", active)
	}
}

func TestRequeueStaleInflight(t *testing.T) {
	db := testDB(t)

	chatID, _ := db.UpsertChat("bob@example.com", "")
	m := &Message{ChatID: chatID}
	if err := db.CreateMessage(m, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := db.EnqueueDelivery("task-s", m.ID, "sms"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimDueDeliveries(time.Now().UnixMilli(), 10); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueStaleInflight(time.Now().UnixMilli() + 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	d, _ := db.GetDelivery("task-s")
	if d.Status != DeliveryQueued {
		t.Errorf("status = %q, want queued", d.Status)
	}
}

func TestWatermark(t *testing.T) {
	db := testDB(t)

	w, err := db.Watermark()
	if err != nil {
		t.Fatal(err)
	}
	if w != "" {
		t.Errorf("initial watermark = %q, want empty", w)
	}

	if err := db.SetWatermark("2026-08-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetWatermark("2026-08-15T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	w, _ = db.Watermark()
	if w != "2026-08-15T00:00:00Z" {
		t.Errorf("watermark = %q", w)
	}
}

// TestPendingLogoutSurvivesReopen simulates a crash between recording the
// compensating action and draining it.
func TestPendingLogoutSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RecordPendingLogout("dev-1", "acct-1", "tok-snapshot"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db2.Close() }()

	pending, err := db2.PendingLogouts()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	p := pending[0]
	if p.Token != "tok-snapshot" || p.DeviceID != "dev-1" {
		t.Errorf("record = %+v", p)
	}

	if err := db2.DeletePendingLogout(p.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = db2.PendingLogouts()
	if len(pending) != 0 {
		t.Errorf("got %d pending after delete, want 0", len(pending))
	}
}

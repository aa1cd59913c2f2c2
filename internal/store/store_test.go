package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := Open(filepath.Join(t.TempDir(), "syncd.sqlite"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(accountID, providerID string) *model.Message {
	return &model.Message{
		AccountID:         accountID,
		ProviderMessageID: providerID,
		Labels:            []string{"INBOX"},
		Folder:            "inbox",
		From:              []model.Address{{Email: "a@example.com", Name: "A"}},
		To:                []model.Address{{Email: "b@example.com"}},
		Subject:           "hello",
	}
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []*model.Message{
		testMessage("acct-1", "m-1"),
		testMessage("acct-1", "m-2"),
	}
	n, err := s.UpsertMessages(ctx, batch)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	// Re-ingesting the same batch must insert nothing.
	again := []*model.Message{
		testMessage("acct-1", "m-1"),
		testMessage("acct-1", "m-2"),
		testMessage("acct-1", "m-3"),
	}
	n, err = s.UpsertMessages(ctx, again)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted = %d, want 1 (only the new row)", n)
	}

	count, err := s.CountMessages(ctx, "acct-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestUpsertMessageSameIDDifferentAccounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertMessage(ctx, testMessage("acct-1", "m-1")); err != nil {
		t.Fatal(err)
	}
	ok, err := s.UpsertMessage(ctx, testMessage("acct-2", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("same provider id under a different account should insert")
	}
}

func TestUpdateMessageFolderTargeted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMessage("acct-1", "m-1")
	m.BodyText = "body stays"
	if _, err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateMessageFolder(ctx, "acct-1", "m-1", "archive")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected update to hit a row")
	}

	got, err := s.GetMessage(ctx, "acct-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Folder != "archive" {
		t.Errorf("folder = %q, want archive", got.Folder)
	}
	if got.BodyText != "body stays" {
		t.Errorf("targeted update clobbered body: %q", got.BodyText)
	}

	ok, err = s.UpdateMessageFolder(ctx, "acct-1", "missing", "archive")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("update of missing message should report no rows")
	}
}

func TestMarkMessageTrashedSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertMessage(ctx, testMessage("acct-1", "m-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkMessageTrashed(ctx, "acct-1", "m-1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessage(ctx, "acct-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("soft-deleted message must still exist")
	}
	if !got.IsTrashed {
		t.Error("is_trashed not set")
	}
}

func TestCursorMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := &model.Account{Email: "u@example.com"}
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateFolderCursor(ctx, acct.ID, "INBOX", 120); err != nil {
		t.Fatal(err)
	}
	// A stale checkpoint must not move the cursor backwards.
	if err := s.UpdateFolderCursor(ctx, acct.ID, "INBOX", 50); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cursor("INBOX") != 120 {
		t.Errorf("cursor = %d, want 120", got.Cursor("INBOX"))
	}

	if err := s.UpdateFolderCursor(ctx, acct.ID, "INBOX", 170); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAccount(ctx, acct.ID)
	if got.Cursor("INBOX") != 170 {
		t.Errorf("cursor = %d, want 170", got.Cursor("INBOX"))
	}
}

func TestAccountByGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := &model.Account{Email: "u@example.com", GrantID: "grant-42"}
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	got, err := s.AccountByGrant(ctx, "grant-42")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != acct.ID {
		t.Fatalf("AccountByGrant = %+v, want account %s", got, acct.ID)
	}

	missing, err := s.AccountByGrant(ctx, "grant-nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("unknown grant should resolve to nil, not error")
	}
}

func TestSaveAccountPreservesSyncState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct := &model.Account{Email: "u@example.com"}
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateAccountStatus(ctx, acct.ID, model.SyncStatusError, "auth failed"); err != nil {
		t.Fatal(err)
	}

	// Re-saving credentials (onboarding update) must not reset status.
	acct.Credentials.Host = "imap.example.com"
	if err := s.SaveAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.SyncStatus != model.SyncStatusError {
		t.Errorf("status = %q, want error", got.SyncStatus)
	}
	if got.LastError != "auth failed" {
		t.Errorf("last_error = %q", got.LastError)
	}
	if got.Credentials.Host != "imap.example.com" {
		t.Errorf("host not updated: %q", got.Credentials.Host)
	}
}

func TestEventLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &model.WebhookEvent{
		ProviderEventID: "ev-1",
		Type:            "message.created",
		Payload:         `{"type":"message.created"}`,
	}
	inserted, err := s.InsertEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first insert should create a row")
	}

	// Provider redelivery of the same event id is ignored but resolves to
	// the original row.
	dup := &model.WebhookEvent{ProviderEventID: "ev-1", Type: "message.created", Payload: "{}"}
	inserted, err = s.InsertEvent(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("redelivered event should not insert twice")
	}
	if dup.ID != ev.ID {
		t.Errorf("redelivery resolved to %s, want %s", dup.ID, ev.ID)
	}

	if err := s.MarkEventProcessed(ctx, ev.ID); err != nil {
		t.Fatal(err)
	}
	pending, err := s.UnprocessedEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}

	got, err := s.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Processed {
		t.Error("processed event row must be retained and flagged")
	}
}

func TestRecentMessagesWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		if _, err := s.UpsertMessage(ctx, testMessage("acct-1", id)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.RecentMessages(ctx, 24*time.Hour, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want cap of 2", len(msgs))
	}
	if len(msgs[0].Labels) != 1 || msgs[0].Labels[0] != "INBOX" {
		t.Errorf("labels did not round-trip: %v", msgs[0].Labels)
	}
}

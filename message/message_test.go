package message_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/sqlite"

	"coremail/clock"
	"coremail/folder"
	"coremail/message"
	"coremail/store"
)

func newTestService(t *testing.T) (*message.Service, *store.Store, *folder.Manager, int64, int64) {
	t.Helper()
	dir, err := ioutil.TempDir("", "coremail-message-test-")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(dir, "coremail.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(now)
	ctx := context.Background()

	domainID, err := st.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	userID, err := st.CreateUser(ctx, store.User{Username: "alice", DomainID: domainID, CanReceive: true, CanLogin: true}, now)
	if err != nil {
		t.Fatal(err)
	}
	fm := folder.NewManager(st, fc)
	if err := st.WithTx(ctx, func(conn *sqlite.Conn) error {
		return fm.CreateDefaultFolders(ctx, conn, userID, domainID, now)
	}); err != nil {
		t.Fatal(err)
	}

	return message.NewService(st, fc), st, fm, userID, domainID
}

func TestCreateIntoSent(t *testing.T) {
	svc, st, _, userID, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.Create(ctx, userID, "alice@example.com", message.CreateRequest{
		To:      "bob@example.com",
		Subject: "hello",
		Body:    "hi there",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !item.Flags.Seen {
		t.Fatal("expected sender's own SENT copy to be \\Seen")
	}

	sent, err := st.GetFolderByName(ctx, userID, "SENT")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Exists != 1 {
		t.Fatalf("SENT.Exists=%d, want 1", sent.Exists)
	}
	if item.FolderID != sent.ID {
		t.Fatalf("FolderID=%d, want %d", item.FolderID, sent.ID)
	}
	if sent.Unseen != 0 {
		t.Fatalf("SENT.Unseen=%d, want 0: a \\Seen SENT copy is not unseen mail", sent.Unseen)
	}
	if sent.Recent != 0 {
		t.Fatalf("SENT.Recent=%d, want 0: Create is not inbound delivery", sent.Recent)
	}
}

func TestGetReturnsNotFoundForOtherUser(t *testing.T) {
	svc, _, _, userID, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.Create(ctx, userID, "alice@example.com", message.CreateRequest{Subject: "x", Body: "y"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, userID+1, item.UserMessageID); err == nil {
		t.Fatal("expected not-found for mismatched user")
	}
}

func TestUpdateRequiresDraftForContentEdits(t *testing.T) {
	svc, _, _, userID, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.Create(ctx, userID, "alice@example.com", message.CreateRequest{Subject: "x", Body: "y"})
	if err != nil {
		t.Fatal(err)
	}
	newSubject := "edited"
	_, err = svc.Update(ctx, userID, item.UserMessageID, message.UpdatePatch{Subject: &newSubject})
	if err == nil {
		t.Fatal("expected error editing content without \\Draft")
	}

	_, err = svc.Update(ctx, userID, item.UserMessageID, message.UpdatePatch{
		Flags: map[string]bool{string(store.FlagDraft): true},
	})
	if err != nil {
		t.Fatal(err)
	}
	updated, err := svc.Update(ctx, userID, item.UserMessageID, message.UpdatePatch{Subject: &newSubject})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Message.Subject != "edited" {
		t.Fatalf("Subject=%q, want edited", updated.Message.Subject)
	}
}

func TestDeleteMovesToTrash(t *testing.T) {
	svc, st, _, userID, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.Create(ctx, userID, "alice@example.com", message.CreateRequest{Subject: "x", Body: "y"})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, userID, item.UserMessageID); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(ctx, userID, item.UserMessageID)
	if err != nil {
		t.Fatal(err)
	}
	trash, err := st.GetFolderByName(ctx, userID, "TRASH")
	if err != nil {
		t.Fatal(err)
	}
	if got.FolderID != trash.ID {
		t.Fatalf("FolderID=%d, want TRASH %d", got.FolderID, trash.ID)
	}
	if !got.Flags.Deleted {
		t.Fatal("expected \\Deleted to be set")
	}
	if trash.Recent != 0 || trash.Unseen != 0 {
		t.Fatalf("TRASH.Recent=%d Unseen=%d, want 0/0: moving a message in is not new mail", trash.Recent, trash.Unseen)
	}
}

func TestListPaginatesAndClampsTake(t *testing.T) {
	svc, _, _, userID, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(ctx, userID, "alice@example.com", message.CreateRequest{Subject: "s", Body: "b"}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := svc.List(ctx, message.ListRequest{UserID: userID, Take: 1000, Filter: message.Filter{FolderName: "SENT"}})
	if err != nil {
		t.Fatal(err)
	}
	if page.Take != 100 {
		t.Fatalf("Take=%d, want clamped to 100", page.Take)
	}
	if page.TotalCount != 5 {
		t.Fatalf("TotalCount=%d, want 5", page.TotalCount)
	}
	if page.NextURL != "" {
		t.Fatalf("NextURL=%q, want empty when everything fits on one page", page.NextURL)
	}

	page, err = svc.List(ctx, message.ListRequest{UserID: userID, Take: 2, Filter: message.Filter{FolderName: "SENT"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("len(Items)=%d, want 2", len(page.Items))
	}
	if page.NextURL == "" {
		t.Fatal("expected NextURL when more items remain")
	}
}

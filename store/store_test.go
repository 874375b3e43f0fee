package store_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/sqlite"

	"coremail/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := ioutil.TempDir("", "coremail-store-test-")
	if err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(filepath.Join(dir, "coremail.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDomainAndUserLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	domainID, err := s.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if domainID == 0 {
		t.Fatal("expected non-zero domain id")
	}

	if _, err := s.CreateDomain(ctx, "example.com", now); err == nil {
		t.Fatal("expected unique violation on duplicate domain name")
	}

	u := store.User{
		Username:     "alice",
		DomainID:     domainID,
		PasswordHash: "hash",
		PasswordSalt: "salt",
		FullName:     "Alice Example",
		Role:         store.RoleUser,
		CanReceive:   true,
		CanLogin:     true,
	}
	userID, err := s.CreateUser(ctx, u, now)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetUserByUsernameAndDomainName(ctx, "alice", "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email() != "alice@example.com" {
		t.Fatalf("Email()=%q, want alice@example.com", got.Email())
	}
	if got.ID != userID {
		t.Fatalf("ID=%d, want %d", got.ID, userID)
	}

	if err := s.RecordLoginFailure(ctx, userID, 3, now.Add(15*time.Minute), now); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetUser(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailedLoginAttempts != 3 {
		t.Fatalf("FailedLoginAttempts=%d, want 3", got.FailedLoginAttempts)
	}
	if got.LockoutEnd.IsZero() {
		t.Fatal("expected non-zero LockoutEnd")
	}

	if err := s.RecordLoginSuccess(ctx, userID, now); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetUser(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailedLoginAttempts != 0 || !got.LockoutEnd.IsZero() {
		t.Fatalf("expected lockout state cleared, got %+v", got)
	}
}

func TestFolderUIDAllocation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	domainID, err := s.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	userID, err := s.CreateUser(ctx, store.User{Username: "bob", DomainID: domainID}, now)
	if err != nil {
		t.Fatal(err)
	}
	uidValidity, err := s.NextUIDValidity(ctx, domainID)
	if err != nil {
		t.Fatal(err)
	}

	var folderID int64
	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		id, err := s.CreateFolder(ctx, conn, store.Folder{
			UserID:      userID,
			Name:        "INBOX",
			Delimiter:   '/',
			SystemType:  store.SystemInbox,
			UIDValidity: uidValidity,
		}, now)
		folderID = id
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	var uid1, uid2 int64
	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		uid1, err = s.AllocateUID(conn, folderID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		uid2, err = s.AllocateUID(conn, folderID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if uid2 != uid1+1 {
		t.Fatalf("uid2=%d, want %d", uid2, uid1+1)
	}

	f, err := s.GetFolder(ctx, folderID)
	if err != nil {
		t.Fatal(err)
	}
	if f.Exists != 2 {
		t.Fatalf("Exists=%d, want 2", f.Exists)
	}
	if f.UIDNext != uid2+1 {
		t.Fatalf("UIDNext=%d, want %d", f.UIDNext, uid2+1)
	}
	if f.Recent != 0 || f.Unseen != 0 {
		t.Fatalf("Recent=%d Unseen=%d, want 0/0: AllocateUID alone is not delivery", f.Recent, f.Unseen)
	}

	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		return s.BumpRecentUnseen(conn, folderID)
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err = s.GetFolder(ctx, folderID)
	if err != nil {
		t.Fatal(err)
	}
	if f.Recent != 1 || f.Unseen != 1 {
		t.Fatalf("Recent=%d Unseen=%d, want 1/1 after BumpRecentUnseen", f.Recent, f.Unseen)
	}
}

func TestMessagePlacementUniqueConstraint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	domainID, err := s.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	userID, err := s.CreateUser(ctx, store.User{Username: "carol", DomainID: domainID}, now)
	if err != nil {
		t.Fatal(err)
	}
	uidValidity, _ := s.NextUIDValidity(ctx, domainID)

	var folderID, messageID int64
	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		fid, err := s.CreateFolder(ctx, conn, store.Folder{
			UserID: userID, Name: "INBOX", Delimiter: '/',
			SystemType: store.SystemInbox, UIDValidity: uidValidity,
		}, now)
		if err != nil {
			return err
		}
		folderID = fid
		mid, err := s.CreateMessage(conn, store.Message{From: "x@y.com", Headers: "Subject: hi\r\n"}, now)
		if err != nil {
			return err
		}
		messageID = mid
		uid, err := s.AllocateUID(conn, folderID)
		if err != nil {
			return err
		}
		_, err = s.CreateUserMessage(conn, store.UserMessage{
			UserID: userID, MessageID: messageID, FolderID: folderID, UID: uid, SequenceNumber: 1,
		}, now)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithTx(ctx, func(conn *sqlite.Conn) error {
		_, err := s.CreateUserMessage(conn, store.UserMessage{
			UserID: userID, MessageID: messageID, FolderID: folderID, UID: 1, SequenceNumber: 2,
		}, now)
		return err
	})
	if err == nil {
		t.Fatal("expected conflict inserting duplicate (FolderID, UID)")
	}
}

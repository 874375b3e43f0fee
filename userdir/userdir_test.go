package userdir_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"coremail/clock"
	"coremail/folder"
	"coremail/store"
	"coremail/userdir"
)

func newTestDirectory(t *testing.T) (*userdir.Directory, int64) {
	t.Helper()
	dir, err := ioutil.TempDir("", "coremail-userdir-test-")
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
	domainID, err := st.CreateDomain(context.Background(), "example.com", now)
	if err != nil {
		t.Fatal(err)
	}

	fm := folder.NewManager(st, fc)
	return userdir.NewDirectory(st, fc, fm), domainID
}

func TestCreateUserProvisionsDefaultFolders(t *testing.T) {
	d, domainID := newTestDirectory(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, userdir.NewUser{
		Username:   "alice",
		DomainID:   domainID,
		Password:   "correct horse battery staple",
		FullName:   "Alice Example",
		CanReceive: true,
		CanLogin:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := d.GetByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u.ID {
		t.Fatalf("ID=%d, want %d", got.ID, u.ID)
	}

	folders, err := d.Folders.List(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != len(store.DefaultSystemFolders) {
		t.Fatalf("len(folders)=%d, want %d", len(folders), len(store.DefaultSystemFolders))
	}
}

func TestCreateUserRejectsShortPassword(t *testing.T) {
	d, domainID := newTestDirectory(t)
	_, err := d.CreateUser(context.Background(), userdir.NewUser{
		Username: "bob",
		DomainID: domainID,
		Password: "short",
	})
	if err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestCreateUserRejectsInvalidUsername(t *testing.T) {
	d, domainID := newTestDirectory(t)
	_, err := d.CreateUser(context.Background(), userdir.NewUser{
		Username: "bob smith!",
		DomainID: domainID,
		Password: "correct horse battery staple",
	})
	if err == nil {
		t.Fatal("expected error for username with disallowed characters")
	}
}

func TestChangePassword(t *testing.T) {
	d, domainID := newTestDirectory(t)
	ctx := context.Background()
	u, err := d.CreateUser(ctx, userdir.NewUser{
		Username: "carol", DomainID: domainID, Password: "original password", CanLogin: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ChangePassword(ctx, u.ID, "a brand new password"); err != nil {
		t.Fatal(err)
	}
	got, err := d.Get(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PasswordHash == u.PasswordHash {
		t.Fatal("expected password hash to change")
	}
}

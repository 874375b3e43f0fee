// Package folder implements the FolderManager of spec.md §4.E: per-user
// mailbox creation, rename (with descendant prefix rewrite), deletion,
// and listing. Grounded on spilldb/imapdb's mailbox bookkeeping (UIDNext/
// UIDValidity/Exists/Recent/Unseen counters kept on the Folders row
// itself rather than recomputed per query) but built against coremail's
// own store package instead of a per-session sqlite handle.
package folder

import (
	"context"
	"strings"
	"time"

	"crawshaw.io/sqlite"

	"coremail/clock"
	"coremail/store"
	"coremail/storeerr"
)

// Manager owns folder lifecycle operations for every user on the host.
type Manager struct {
	Store *store.Store
	Clock clock.Clock
	Logf  func(format string, v ...interface{})
}

// NewManager wires a ready-to-use Manager.
func NewManager(st *store.Store, c clock.Clock) *Manager {
	return &Manager{Store: st, Clock: c, Logf: func(string, ...interface{}) {}}
}

// CreateDefaultFolders creates the six mandatory system folders for a new
// user (invariant 3 of spec §3), each with its own freshly minted
// UIDVALIDITY drawn from the user's domain counter. Must run inside the
// same transaction as the user's creation so a partially-provisioned
// user is never observable.
func (m *Manager) CreateDefaultFolders(ctx context.Context, conn *sqlite.Conn, userID, domainID int64, now time.Time) error {
	for _, sysType := range store.DefaultSystemFolders {
		uidValidity, err := m.Store.NextUIDValidity(ctx, domainID)
		if err != nil {
			return err
		}
		_, err = m.Store.CreateFolder(ctx, conn, store.Folder{
			UserID:      userID,
			Name:        string(sysType),
			Delimiter:   '/',
			SystemType:  sysType,
			UIDValidity: uidValidity,
		}, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// Create makes a new user-defined folder. Names colliding with a system
// folder name, or already in use, are rejected.
func (m *Manager) Create(ctx context.Context, userID, domainID int64, name string, delimiter byte) (store.Folder, error) {
	if name == "" {
		return store.Folder{}, storeerr.New(storeerr.Conflict, "folder: name must not be empty")
	}
	for _, sysType := range store.DefaultSystemFolders {
		if strings.EqualFold(name, string(sysType)) {
			return store.Folder{}, storeerr.New(storeerr.Conflict, "folder: name reserved for a system folder")
		}
	}

	uidValidity, err := m.Store.NextUIDValidity(ctx, domainID)
	if err != nil {
		return store.Folder{}, err
	}
	now := m.Clock.Now()

	var id int64
	err = m.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		id, err = m.Store.CreateFolder(ctx, conn, store.Folder{
			UserID:      userID,
			Name:        name,
			Delimiter:   delimiter,
			UIDValidity: uidValidity,
		}, now)
		return err
	})
	if err != nil {
		return store.Folder{}, err
	}
	return m.Store.GetFolder(ctx, id)
}

// List returns a user's folders, system folders first.
func (m *Manager) List(ctx context.Context, userID int64) ([]store.Folder, error) {
	return m.Store.ListFolders(ctx, userID)
}

// Rename renames a non-system folder, rewriting the names of any folders
// nested under it via the folder's delimiter (e.g. renaming "Work" to
// "Projects" turns "Work/Q1" into "Projects/Q1").
func (m *Manager) Rename(ctx context.Context, folderID int64, newName string) error {
	f, err := m.Store.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if f.IsSystem() {
		return storeerr.New(storeerr.Permission, "folder: system folders cannot be renamed")
	}

	all, err := m.Store.ListFolders(ctx, f.UserID)
	if err != nil {
		return err
	}
	prefix := f.Name + string(f.Delimiter)
	renames := make(map[int64]string)
	newPrefix := newName + string(f.Delimiter)
	for _, other := range all {
		if other.ID == f.ID {
			continue
		}
		if strings.HasPrefix(other.Name, prefix) {
			renames[other.ID] = newPrefix + strings.TrimPrefix(other.Name, prefix)
		}
	}

	return m.Store.RenameFolder(ctx, folderID, newName, renames)
}

// Delete removes a non-system folder and all of its descendants (spec
// §4.E: deleting "Work" also deletes "Work/Q1", "Work/Q1/Drafts", ...).
// The whole group is rejected if any UserMessage still references the
// folder or any descendant; store.DeleteFolders performs that check and
// the cascade delete in one transaction so a concurrent delivery can't
// slip a message into a folder mid-delete.
func (m *Manager) Delete(ctx context.Context, folderID int64) error {
	f, err := m.Store.GetFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if f.IsSystem() {
		return storeerr.New(storeerr.Permission, "folder: system folders cannot be deleted")
	}

	all, err := m.Store.ListFolders(ctx, f.UserID)
	if err != nil {
		return err
	}
	prefix := f.Name + string(f.Delimiter)
	group := []int64{f.ID}
	for _, other := range all {
		if other.ID != f.ID && strings.HasPrefix(other.Name, prefix) {
			group = append(group, other.ID)
		}
	}

	return m.Store.DeleteFolders(ctx, group)
}

// SetSubscribed toggles IMAP SUBSCRIBE/UNSUBSCRIBE state.
func (m *Manager) SetSubscribed(ctx context.Context, folderID int64, subscribed bool) error {
	return m.Store.UpdateFolderSubscribed(ctx, folderID, subscribed)
}

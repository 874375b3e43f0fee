package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanFolder(stmt *sqlite.Stmt) Folder {
	delim := stmt.GetText("Delimiter")
	var d byte = '/'
	if len(delim) > 0 {
		d = delim[0]
	}
	return Folder{
		ID:          stmt.GetInt64("FolderID"),
		UserID:      stmt.GetInt64("UserID"),
		Name:        stmt.GetText("Name"),
		Delimiter:   d,
		SystemType:  SystemFolderType(stmt.GetText("SystemType")),
		Attributes:  stmt.GetText("Attributes"),
		UIDNext:     stmt.GetInt64("UIDNext"),
		UIDValidity: stmt.GetInt64("UIDValidity"),
		Exists:      stmt.GetInt64("Exists_"),
		Recent:      stmt.GetInt64("Recent"),
		Unseen:      stmt.GetInt64("Unseen"),
		Subscribed:  stmt.GetInt64("Subscribed") != 0,
		CreatedAt:   time.Unix(stmt.GetInt64("CreatedAt"), 0),
	}
}

// CreateFolder inserts a new folder with a freshly minted UIDVALIDITY.
func (s *Store) CreateFolder(ctx context.Context, conn *sqlite.Conn, f Folder, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Folders
		(UserID, Name, Delimiter, SystemType, Attributes, UIDNext, UIDValidity,
		 Exists_, Recent, Unseen, Subscribed, CreatedAt)
		VALUES ($userID, $name, $delim, $systemType, $attrs, 1, $uidValidity,
		 0, 0, 0, 1, $createdAt);`)
	stmt.SetInt64("$userID", f.UserID)
	stmt.SetText("$name", f.Name)
	stmt.SetText("$delim", string(f.Delimiter))
	stmt.SetText("$systemType", string(f.SystemType))
	stmt.SetText("$attrs", f.Attributes)
	stmt.SetInt64("$uidValidity", f.UIDValidity)
	stmt.SetInt64("$createdAt", now.Unix())
	if _, err := stmt.Step(); err != nil {
		if isUniqueViolation(err) {
			return 0, storeerr.Wrap(storeerr.UniqueViolation, "store: folder name taken", err)
		}
		return 0, storeerr.Wrap(storeerr.Unknown, "store: create folder", err)
	}
	return conn.LastInsertRowID(), nil
}

// GetFolder looks up a folder by ID.
func (s *Store) GetFolder(ctx context.Context, id int64) (Folder, error) {
	var f Folder
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Folders WHERE FolderID = $id;`)
		stmt.SetInt64("$id", id)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get folder", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: folder not found")
		}
		f = scanFolder(stmt)
		return nil
	})
	return f, err
}

// GetFolderByName looks up a folder by (UserID, Name).
func (s *Store) GetFolderByName(ctx context.Context, userID int64, name string) (Folder, error) {
	var f Folder
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Folders WHERE UserID = $userID AND Name = $name;`)
		stmt.SetInt64("$userID", userID)
		stmt.SetText("$name", name)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get folder", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: folder not found")
		}
		f = scanFolder(stmt)
		return nil
	})
	return f, err
}

// ListFolders returns a user's folders, system folders first in
// DefaultSystemFolders order, then the rest alphabetically.
func (s *Store) ListFolders(ctx context.Context, userID int64) ([]Folder, error) {
	var out []Folder
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Folders WHERE UserID = $userID ORDER BY Name;`)
		stmt.SetInt64("$userID", userID)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanFolder(stmt))
		}
	})
	if err != nil {
		return nil, err
	}

	rank := make(map[SystemFolderType]int, len(DefaultSystemFolders))
	for i, t := range DefaultSystemFolders {
		rank[t] = i
	}
	ordered := make([]Folder, 0, len(out))
	var system, rest []Folder
	for _, f := range out {
		if f.IsSystem() {
			system = append(system, f)
		} else {
			rest = append(rest, f)
		}
	}
	for i := 0; i < len(system); i++ {
		for j := i + 1; j < len(system); j++ {
			if rank[system[j].SystemType] < rank[system[i].SystemType] {
				system[i], system[j] = system[j], system[i]
			}
		}
	}
	ordered = append(ordered, system...)
	ordered = append(ordered, rest...)
	return ordered, nil
}

// RenameFolder updates a folder's name and, when descendants is non-nil,
// rewrites the delimiter-prefixed names of every descendant folder in the
// same transaction (spec §4.E rename semantics).
func (s *Store) RenameFolder(ctx context.Context, folderID int64, newName string, renames map[int64]string) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Folders SET Name = $name WHERE FolderID = $id;`)
		stmt.SetText("$name", newName)
		stmt.SetInt64("$id", folderID)
		if _, err := stmt.Step(); err != nil {
			if isUniqueViolation(err) {
				return storeerr.Wrap(storeerr.UniqueViolation, "store: folder name taken", err)
			}
			return storeerr.Wrap(storeerr.Unknown, "store: rename folder", err)
		}
		if conn.Changes() == 0 {
			return storeerr.New(storeerr.NotFound, "store: folder not found")
		}
		for id, name := range renames {
			child := conn.Prep(`UPDATE Folders SET Name = $name WHERE FolderID = $id;`)
			child.SetText("$name", name)
			child.SetInt64("$id", id)
			if _, err := child.Step(); err != nil {
				return storeerr.Wrap(storeerr.Unknown, "store: rename descendant folder", err)
			}
		}
		return nil
	})
}

// FolderHasMessages reports whether any UserMessage still references
// folderID. Used by DeleteFolders to refuse a delete that would otherwise
// orphan UserMessages rows (spec.md §4.E).
func (s *Store) FolderHasMessages(conn *sqlite.Conn, folderID int64) (bool, error) {
	stmt := conn.Prep(`SELECT 1 FROM UserMessages WHERE FolderID = $id LIMIT 1;`)
	stmt.SetInt64("$id", folderID)
	hasRow, err := stmt.Step()
	if err != nil {
		return false, storeerr.Wrap(storeerr.Unknown, "store: check folder messages", err)
	}
	return hasRow, nil
}

// DeleteFolders removes a set of non-system folders (a folder and its
// descendants, as collected by folder.Manager.Delete) in one transaction,
// after confirming none of them still hold a UserMessage. The check and
// the deletes run inside the same conn so no message can be delivered
// into a folder between the check and the delete. A FolderID referenced
// by a UserMessage maps to storeerr.Conflict, never storeerr.Unknown,
// per spec.md §7's non-empty-folder taxonomy entry.
func (s *Store) DeleteFolders(ctx context.Context, folderIDs []int64) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		for _, id := range folderIDs {
			has, err := s.FolderHasMessages(conn, id)
			if err != nil {
				return err
			}
			if has {
				return storeerr.New(storeerr.Conflict, "store: folder is not empty")
			}
		}
		for _, id := range folderIDs {
			stmt := conn.Prep(`DELETE FROM Folders WHERE FolderID = $id AND SystemType = '';`)
			stmt.SetInt64("$id", id)
			if _, err := stmt.Step(); err != nil {
				if isForeignKeyViolation(err) {
					return storeerr.Wrap(storeerr.Conflict, "store: folder is not empty", err)
				}
				return storeerr.Wrap(storeerr.Unknown, "store: delete folder", err)
			}
			if conn.Changes() == 0 {
				return storeerr.New(storeerr.NotFound, "store: folder not found or is a system folder")
			}
		}
		return nil
	})
}

// DeleteFolder removes a single non-system, empty folder. Kept for
// callers (tests, simple single-folder deletes) that don't need
// DeleteFolders' descendant cascade.
func (s *Store) DeleteFolder(ctx context.Context, folderID int64) error {
	return s.DeleteFolders(ctx, []int64{folderID})
}

// UpdateFolderSubscribed toggles the IMAP SUBSCRIBE/UNSUBSCRIBE bit.
func (s *Store) UpdateFolderSubscribed(ctx context.Context, folderID int64, subscribed bool) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Folders SET Subscribed = $sub WHERE FolderID = $id;`)
		stmt.SetInt64("$sub", boolToInt(subscribed))
		stmt.SetInt64("$id", folderID)
		_, err := stmt.Step()
		return err
	})
}

// AllocateUID reserves the next UID in folderID and bumps UIDNext and
// Exists in the same statement set. Must be called inside an existing
// transaction (conn) so the UNIQUE(FolderID, UID) constraint on
// UserMessages and this counter never drift apart (invariant 1).
//
// It does not touch Recent/Unseen: spec.md §4.F only specifies
// exists/uid_next changes for create/move/delete/append, and bumping
// those counters for every caller would count a just-delivered message
// twice (once here, once in whatever SetFlag(\Seen) a caller does
// immediately after) or count a move/append/create/delete as "new mail"
// when it isn't. Callers that really are inbound delivery call
// BumpRecentUnseen alongside this in the same transaction.
func (s *Store) AllocateUID(conn *sqlite.Conn, folderID int64) (int64, error) {
	sel := conn.Prep(`SELECT UIDNext FROM Folders WHERE FolderID = $id;`)
	sel.SetInt64("$id", folderID)
	hasRow, err := sel.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, storeerr.New(storeerr.NotFound, "store: folder not found")
	}
	uid := sel.GetInt64("UIDNext")

	upd := conn.Prep(`UPDATE Folders SET UIDNext = UIDNext + 1, Exists_ = Exists_ + 1
		WHERE FolderID = $id;`)
	upd.SetInt64("$id", folderID)
	if _, err := upd.Step(); err != nil {
		return 0, err
	}
	return uid, nil
}

// BumpRecentUnseen increments a folder's Recent and Unseen counters by
// one. Used only by inbound delivery (spec.md §4.G), the one path that
// actually produces "new mail" in the §8 counter-agreement sense;
// create/move/delete/append manage Seen-ness explicitly via SetFlag and
// must not also bump these here.
func (s *Store) BumpRecentUnseen(conn *sqlite.Conn, folderID int64) error {
	upd := conn.Prep(`UPDATE Folders SET Recent = Recent + 1, Unseen = Unseen + 1
		WHERE FolderID = $id;`)
	upd.SetInt64("$id", folderID)
	_, err := upd.Step()
	return err
}

// AdjustFolderCounters applies deltas to a folder's cached Exists/Recent/
// Unseen counters, used after flag changes and expunges.
func (s *Store) AdjustFolderCounters(conn *sqlite.Conn, folderID int64, existsDelta, recentDelta, unseenDelta int64) error {
	stmt := conn.Prep(`UPDATE Folders SET Exists_ = Exists_ + $e, Recent = Recent + $r,
		Unseen = Unseen + $u WHERE FolderID = $id;`)
	stmt.SetInt64("$e", existsDelta)
	stmt.SetInt64("$r", recentDelta)
	stmt.SetInt64("$u", unseenDelta)
	stmt.SetInt64("$id", folderID)
	_, err := stmt.Step()
	return err
}

// SetFolderUIDValidity assigns a newly minted UIDVALIDITY to a folder,
// used when a folder name is recycled after deletion (spec §3 invariant 2).
func (s *Store) SetFolderUIDValidity(conn *sqlite.Conn, folderID, uidValidity int64) error {
	stmt := conn.Prep(`UPDATE Folders SET UIDValidity = $uv WHERE FolderID = $id;`)
	stmt.SetInt64("$uv", uidValidity)
	stmt.SetInt64("$id", folderID)
	_, err := stmt.Step()
	return err
}

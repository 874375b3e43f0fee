package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanFlag(stmt *sqlite.Stmt) MessageFlag {
	return MessageFlag{
		ID:         stmt.GetInt64("FlagID"),
		MessageID:  stmt.GetInt64("MessageID"),
		UserID:     stmt.GetInt64("UserID"),
		FlagName:   stmt.GetText("FlagName"),
		IsSet:      stmt.GetInt64("IsSet") != 0,
		ModifiedAt: time.Unix(stmt.GetInt64("ModifiedAt"), 0),
	}
}

// SetFlag upserts a (MessageID, UserID, FlagName) row, matching IMAP
// STORE's replace-or-create semantics.
func (s *Store) SetFlag(conn *sqlite.Conn, messageID, userID int64, flagName string, isSet bool, now time.Time) error {
	stmt := conn.Prep(`INSERT INTO MessageFlags (MessageID, UserID, FlagName, IsSet, ModifiedAt)
		VALUES ($mid, $uid, $flag, $isSet, $now)
		ON CONFLICT(MessageID, UserID, FlagName) DO UPDATE SET IsSet = $isSet, ModifiedAt = $now;`)
	stmt.SetInt64("$mid", messageID)
	stmt.SetInt64("$uid", userID)
	stmt.SetText("$flag", flagName)
	stmt.SetInt64("$isSet", boolToInt(isSet))
	stmt.SetInt64("$now", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return storeerr.Wrap(storeerr.Unknown, "store: set flag", err)
	}
	return nil
}

// ListFlags returns the set flags on a message for a given user.
func (s *Store) ListFlags(ctx context.Context, messageID, userID int64) ([]MessageFlag, error) {
	var out []MessageFlag
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM MessageFlags WHERE MessageID = $mid AND UserID = $uid AND IsSet = 1;`)
		stmt.SetInt64("$mid", messageID)
		stmt.SetInt64("$uid", userID)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanFlag(stmt))
		}
	})
	return out, err
}

// ListFlagsConn is the transaction-scoped variant of ListFlags, used by
// message.Service.Update to read the current flags inside its transaction.
func (s *Store) ListFlagsConn(conn *sqlite.Conn, messageID, userID int64) ([]string, error) {
	stmt := conn.Prep(`SELECT FlagName FROM MessageFlags WHERE MessageID = $mid AND UserID = $uid AND IsSet = 1;`)
	stmt.SetInt64("$mid", messageID)
	stmt.SetInt64("$uid", userID)
	var names []string
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			return names, nil
		}
		names = append(names, stmt.GetText("FlagName"))
	}
}

// ClearFlags removes every flag row for a message/user pair. Nothing in
// the tree calls it.
func (s *Store) ClearFlags(conn *sqlite.Conn, messageID, userID int64) error {
	stmt := conn.Prep(`DELETE FROM MessageFlags WHERE MessageID = $mid AND UserID = $uid;`)
	stmt.SetInt64("$mid", messageID)
	stmt.SetInt64("$uid", userID)
	_, err := stmt.Step()
	return err
}

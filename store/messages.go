package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanMessage(stmt *sqlite.Stmt) Message {
	return Message{
		ID:              stmt.GetInt64("MessageID"),
		HeaderMessageID: stmt.GetText("HeaderMessageID"),
		From:            stmt.GetText("FromAddr"),
		To:              stmt.GetText("ToAddr"),
		CC:              stmt.GetText("CcAddr"),
		BCC:             stmt.GetText("BccAddr"),
		Subject:         stmt.GetText("Subject"),
		Headers:         stmt.GetText("Headers"),
		Body:            stmt.GetText("Body"),
		BodyHTML:        stmt.GetText("BodyHTML"),
		Size:            stmt.GetInt64("MessageSize"),
		ReceivedAt:      time.Unix(stmt.GetInt64("ReceivedAt"), 0),
		SentDate:        unixOrZero(stmt.GetInt64("SentDate")),
		InReplyTo:       stmt.GetText("InReplyTo"),
		References:      stmt.GetText("References_"),
		BodyStructure:   stmt.GetText("BodyStructure"),
		Envelope:        stmt.GetText("Envelope"),
		UIDValidity:     stmt.GetInt64("UIDValidity"),
	}
}

// CreateMessage inserts the shared, immutable Message row. Must be called
// inside an existing transaction; callers then call CreateUserMessage
// once per recipient placement.
func (s *Store) CreateMessage(conn *sqlite.Conn, m Message, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Messages
		(HeaderMessageID, FromAddr, ToAddr, CcAddr, BccAddr, Subject, Headers,
		 Body, BodyHTML, MessageSize, ReceivedAt, SentDate, InReplyTo,
		 References_, BodyStructure, Envelope, UIDValidity)
		VALUES ($hmid, $from, $to, $cc, $bcc, $subject, $headers, $body,
		 $bodyHTML, $size, $receivedAt, $sentDate, $inReplyTo, $references,
		 $bodyStructure, $envelope, $uidValidity);`)
	stmt.SetText("$hmid", m.HeaderMessageID)
	stmt.SetText("$from", m.From)
	stmt.SetText("$to", m.To)
	stmt.SetText("$cc", m.CC)
	stmt.SetText("$bcc", m.BCC)
	stmt.SetText("$subject", m.Subject)
	stmt.SetText("$headers", m.Headers)
	stmt.SetText("$body", m.Body)
	stmt.SetText("$bodyHTML", m.BodyHTML)
	stmt.SetInt64("$size", m.Size)
	stmt.SetInt64("$receivedAt", now.Unix())
	stmt.SetInt64("$sentDate", unixOf(m.SentDate))
	stmt.SetText("$inReplyTo", m.InReplyTo)
	stmt.SetText("$references", m.References)
	stmt.SetText("$bodyStructure", m.BodyStructure)
	stmt.SetText("$envelope", m.Envelope)
	stmt.SetInt64("$uidValidity", m.UIDValidity)
	if _, err := stmt.Step(); err != nil {
		return 0, storeerr.Wrap(storeerr.Unknown, "store: create message", err)
	}
	return conn.LastInsertRowID(), nil
}

// GetMessage fetches a Message by ID.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	var m Message
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Messages WHERE MessageID = $id;`)
		stmt.SetInt64("$id", id)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get message", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: message not found")
		}
		m = scanMessage(stmt)
		return nil
	})
	return m, err
}

// CreateUserMessage places a Message into a Folder for a user at the
// given UID, bumping the sequence number from the folder's current Exists
// count. Must run inside the same transaction as the AllocateUID call
// that produced uid (invariant 1: unique (FolderID, UID)).
func (s *Store) CreateUserMessage(conn *sqlite.Conn, um UserMessage, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO UserMessages
		(UserID, MessageID, FolderID, UID, SequenceNumber, ReceivedAt)
		VALUES ($userID, $messageID, $folderID, $uid, $seq, $receivedAt);`)
	stmt.SetInt64("$userID", um.UserID)
	stmt.SetInt64("$messageID", um.MessageID)
	stmt.SetInt64("$folderID", um.FolderID)
	stmt.SetInt64("$uid", um.UID)
	stmt.SetInt64("$seq", um.SequenceNumber)
	stmt.SetInt64("$receivedAt", now.Unix())
	if _, err := stmt.Step(); err != nil {
		if isUniqueViolation(err) {
			return 0, storeerr.Wrap(storeerr.Conflict, "store: uid already placed in folder", err)
		}
		return 0, storeerr.Wrap(storeerr.Unknown, "store: create user message", err)
	}
	return conn.LastInsertRowID(), nil
}

// GetUserMessage fetches one placement by its UserMessageID.
func (s *Store) GetUserMessage(ctx context.Context, id int64) (UserMessage, error) {
	var um UserMessage
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM UserMessages WHERE UserMessageID = $id;`)
		stmt.SetInt64("$id", id)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get user message", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: message not found")
		}
		um = scanUserMessage(stmt)
		return nil
	})
	return um, err
}

// GetUserMessageByUID fetches a placement by (FolderID, UID).
func (s *Store) GetUserMessageByUID(ctx context.Context, folderID, uid int64) (UserMessage, error) {
	var um UserMessage
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM UserMessages WHERE FolderID = $folderID AND UID = $uid;`)
		stmt.SetInt64("$folderID", folderID)
		stmt.SetInt64("$uid", uid)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get user message", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: message not found")
		}
		um = scanUserMessage(stmt)
		return nil
	})
	return um, err
}

func scanUserMessage(stmt *sqlite.Stmt) UserMessage {
	return UserMessage{
		ID:             stmt.GetInt64("UserMessageID"),
		UserID:         stmt.GetInt64("UserID"),
		MessageID:      stmt.GetInt64("MessageID"),
		FolderID:       stmt.GetInt64("FolderID"),
		UID:            stmt.GetInt64("UID"),
		SequenceNumber: stmt.GetInt64("SequenceNumber"),
		ReceivedAt:     time.Unix(stmt.GetInt64("ReceivedAt"), 0),
	}
}

// ListQuery narrows ListUserMessages (spec §4.F list/filter/sort/page).
type ListQuery struct {
	FolderID  int64
	SortByAsc bool  // false: newest first (ReceivedAt DESC)
	After     int64 // cursor: UserMessageID strictly before/after depending on sort
	Limit     int   // caller has already clamped to <= 100
}

// ListUserMessages returns up to Limit placements in FolderID, ordered by
// ReceivedAt, paginated via an opaque UserMessageID cursor.
func (s *Store) ListUserMessages(ctx context.Context, q ListQuery) ([]UserMessage, error) {
	var out []UserMessage
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		order := "DESC"
		cmp := "<"
		if q.SortByAsc {
			order = "ASC"
			cmp = ">"
		}
		sql := `SELECT * FROM UserMessages WHERE FolderID = $folderID`
		if q.After != 0 {
			sql += ` AND UserMessageID ` + cmp + ` $after`
		}
		sql += ` ORDER BY UserMessageID ` + order + ` LIMIT $limit;`
		stmt := conn.Prep(sql)
		stmt.SetInt64("$folderID", q.FolderID)
		if q.After != 0 {
			stmt.SetInt64("$after", q.After)
		}
		stmt.SetInt64("$limit", int64(q.Limit))
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanUserMessage(stmt))
		}
	})
	return out, err
}

// MoveUserMessage reassigns a placement to a new folder and UID, used by
// folder moves and trash/restore. Must run inside a transaction that also
// called AllocateUID for the destination folder.
func (s *Store) MoveUserMessage(conn *sqlite.Conn, userMessageID, newFolderID, newUID, newSeq int64) error {
	stmt := conn.Prep(`UPDATE UserMessages SET FolderID = $folderID, UID = $uid,
		SequenceNumber = $seq WHERE UserMessageID = $id;`)
	stmt.SetInt64("$folderID", newFolderID)
	stmt.SetInt64("$uid", newUID)
	stmt.SetInt64("$seq", newSeq)
	stmt.SetInt64("$id", userMessageID)
	if _, err := stmt.Step(); err != nil {
		if isUniqueViolation(err) {
			return storeerr.Wrap(storeerr.Conflict, "store: uid already placed in destination folder", err)
		}
		return storeerr.Wrap(storeerr.Unknown, "store: move user message", err)
	}
	return nil
}

// DeleteUserMessage removes one placement (expunge).
func (s *Store) DeleteUserMessage(conn *sqlite.Conn, userMessageID int64) error {
	stmt := conn.Prep(`DELETE FROM UserMessages WHERE UserMessageID = $id;`)
	stmt.SetInt64("$id", userMessageID)
	if _, err := stmt.Step(); err != nil {
		return storeerr.Wrap(storeerr.Unknown, "store: delete user message", err)
	}
	if conn.Changes() == 0 {
		return storeerr.New(storeerr.NotFound, "store: message not found")
	}
	return nil
}

// CountOtherPlacements reports how many UserMessages rows besides
// excludeID still reference messageID, so callers know whether deleting
// the shared Message row is safe.
func (s *Store) CountOtherPlacements(conn *sqlite.Conn, messageID, excludeID int64) (int64, error) {
	stmt := conn.Prep(`SELECT COUNT(*) AS N FROM UserMessages WHERE MessageID = $mid AND UserMessageID != $exclude;`)
	stmt.SetInt64("$mid", messageID)
	stmt.SetInt64("$exclude", excludeID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.GetInt64("N"), nil
}

// DeleteMessage removes the shared Message row once no placements
// reference it.
func (s *Store) DeleteMessage(conn *sqlite.Conn, messageID int64) error {
	stmt := conn.Prep(`DELETE FROM Messages WHERE MessageID = $id;`)
	stmt.SetInt64("$id", messageID)
	_, err := stmt.Step()
	return err
}

// JoinedMessage is one UserMessage placement joined with its Message and
// destination folder name, the shape message.Service needs to filter,
// sort, and paginate in Go rather than building one SQL statement per
// possible combination of filters (spec §4.F list).
type JoinedMessage struct {
	UserMessage
	Message
	FolderName string
}

const joinedMessageColumns = `
	UserMessages.UserMessageID AS UserMessageID,
	UserMessages.UserID AS UMUserID,
	UserMessages.MessageID AS UMMessageID,
	UserMessages.FolderID AS UMFolderID,
	UserMessages.UID AS UMUID,
	UserMessages.SequenceNumber AS UMSequenceNumber,
	UserMessages.ReceivedAt AS UMReceivedAt,
	Messages.MessageID AS MessageID,
	Messages.HeaderMessageID AS HeaderMessageID,
	Messages.FromAddr AS FromAddr,
	Messages.ToAddr AS ToAddr,
	Messages.CcAddr AS CcAddr,
	Messages.BccAddr AS BccAddr,
	Messages.Subject AS Subject,
	Messages.Headers AS Headers,
	Messages.Body AS Body,
	Messages.BodyHTML AS BodyHTML,
	Messages.MessageSize AS MessageSize,
	Messages.ReceivedAt AS MsgReceivedAt,
	Messages.SentDate AS SentDate,
	Messages.InReplyTo AS InReplyTo,
	Messages.References_ AS References_,
	Messages.BodyStructure AS BodyStructure,
	Messages.Envelope AS Envelope,
	Messages.UIDValidity AS UIDValidity,
	Folders.Name AS FolderName`

func scanJoinedMessage(stmt *sqlite.Stmt) JoinedMessage {
	return JoinedMessage{
		UserMessage: UserMessage{
			ID:             stmt.GetInt64("UserMessageID"),
			UserID:         stmt.GetInt64("UMUserID"),
			MessageID:      stmt.GetInt64("UMMessageID"),
			FolderID:       stmt.GetInt64("UMFolderID"),
			UID:            stmt.GetInt64("UMUID"),
			SequenceNumber: stmt.GetInt64("UMSequenceNumber"),
			ReceivedAt:     time.Unix(stmt.GetInt64("UMReceivedAt"), 0),
		},
		Message: Message{
			ID:              stmt.GetInt64("MessageID"),
			HeaderMessageID: stmt.GetText("HeaderMessageID"),
			From:            stmt.GetText("FromAddr"),
			To:              stmt.GetText("ToAddr"),
			CC:              stmt.GetText("CcAddr"),
			BCC:             stmt.GetText("BccAddr"),
			Subject:         stmt.GetText("Subject"),
			Headers:         stmt.GetText("Headers"),
			Body:            stmt.GetText("Body"),
			BodyHTML:        stmt.GetText("BodyHTML"),
			Size:            stmt.GetInt64("MessageSize"),
			ReceivedAt:      time.Unix(stmt.GetInt64("MsgReceivedAt"), 0),
			SentDate:        unixOrZero(stmt.GetInt64("SentDate")),
			InReplyTo:       stmt.GetText("InReplyTo"),
			References:      stmt.GetText("References_"),
			BodyStructure:   stmt.GetText("BodyStructure"),
			Envelope:        stmt.GetText("Envelope"),
			UIDValidity:     stmt.GetInt64("UIDValidity"),
		},
		FolderName: stmt.GetText("FolderName"),
	}
}

// ListJoinedMessages returns every placement for a user, optionally
// narrowed to one folder, joined with its Message row. message.Service
// applies filter/sort/paginate over the result in memory (spec §4.F).
func (s *Store) ListJoinedMessages(ctx context.Context, userID, folderID int64) ([]JoinedMessage, error) {
	var out []JoinedMessage
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		sql := `SELECT` + joinedMessageColumns + `
			FROM UserMessages
			JOIN Messages ON UserMessages.MessageID = Messages.MessageID
			JOIN Folders ON UserMessages.FolderID = Folders.FolderID
			WHERE UserMessages.UserID = $userID`
		if folderID != 0 {
			sql += ` AND UserMessages.FolderID = $folderID`
		}
		sql += `;`
		stmt := conn.Prep(sql)
		stmt.SetInt64("$userID", userID)
		if folderID != 0 {
			stmt.SetInt64("$folderID", folderID)
		}
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanJoinedMessage(stmt))
		}
	})
	return out, err
}

// UpdateMessageContent rewrites a draft's editable content in place
// (spec §4.F: only DRAFTS messages may have Body/Subject/To edited).
func (s *Store) UpdateMessageContent(conn *sqlite.Conn, m Message) error {
	stmt := conn.Prep(`UPDATE Messages SET ToAddr = $to, CcAddr = $cc, BccAddr = $bcc,
		Subject = $subject, Body = $body, BodyHTML = $bodyHTML, Headers = $headers,
		MessageSize = $size WHERE MessageID = $id;`)
	stmt.SetText("$to", m.To)
	stmt.SetText("$cc", m.CC)
	stmt.SetText("$bcc", m.BCC)
	stmt.SetText("$subject", m.Subject)
	stmt.SetText("$body", m.Body)
	stmt.SetText("$bodyHTML", m.BodyHTML)
	stmt.SetText("$headers", m.Headers)
	stmt.SetInt64("$size", m.Size)
	stmt.SetInt64("$id", m.ID)
	_, err := stmt.Step()
	return err
}

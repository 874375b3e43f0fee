package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanAttachment(stmt *sqlite.Stmt) Attachment {
	return Attachment{
		ID:          stmt.GetInt64("AttachmentID"),
		MessageID:   stmt.GetInt64("MessageID"),
		Filename:    stmt.GetText("Filename"),
		ContentType: stmt.GetText("ContentType"),
		Size:        stmt.GetInt64("Size"),
		FileGUID:    stmt.GetText("FileGUID"),
		FileExt:     stmt.GetText("FileExt"),
		FilePath:    stmt.GetText("FilePath"),
		CreatedAt:   time.Unix(stmt.GetInt64("CreatedAt"), 0),
	}
}

// CreateAttachment records one MIME part already spilled to disk by the
// delivery engine. Must run inside the same transaction as CreateMessage.
func (s *Store) CreateAttachment(conn *sqlite.Conn, a Attachment, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Attachments
		(MessageID, Filename, ContentType, Size, FileGUID, FileExt, FilePath, CreatedAt)
		VALUES ($messageID, $filename, $contentType, $size, $guid, $ext, $path, $createdAt);`)
	stmt.SetInt64("$messageID", a.MessageID)
	stmt.SetText("$filename", a.Filename)
	stmt.SetText("$contentType", a.ContentType)
	stmt.SetInt64("$size", a.Size)
	stmt.SetText("$guid", a.FileGUID)
	stmt.SetText("$ext", a.FileExt)
	stmt.SetText("$path", a.FilePath)
	stmt.SetInt64("$createdAt", now.Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, storeerr.Wrap(storeerr.Unknown, "store: create attachment", err)
	}
	return conn.LastInsertRowID(), nil
}

// ListAttachments returns every attachment recorded against a message.
func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]Attachment, error) {
	var out []Attachment
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Attachments WHERE MessageID = $mid ORDER BY AttachmentID;`)
		stmt.SetInt64("$mid", messageID)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanAttachment(stmt))
		}
	})
	return out, err
}

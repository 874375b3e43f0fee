// Package delivery implements the DeliveryEngine of spec.md §4.G:
// parsing one raw RFC 5322 message and fanning it out to every valid
// recipient's INBOX. Grounded on email/msgcleaver's cleave-then-build
// shape (parse once, compute structure, persist), but parses with the
// standard library's net/mail and mime/multipart instead of the
// teacher's private third_party/imf fork, which is vendored source, not
// an installable module.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"github.com/google/uuid"
	"golang.org/x/text/encoding/htmlindex"

	"coremail/clock"
	"coremail/store"
	"coremail/storeerr"
)

// UserDirectory is the subset of userdir.Directory the engine needs,
// kept as an interface so tests can substitute a fake.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (store.UserWithDomain, error)
}

// Engine owns delivery of inbound mail into per-recipient INBOXes.
type Engine struct {
	Store *store.Store
	Clock clock.Clock
	Users UserDirectory
	Logf  func(format string, v ...interface{})

	// Filer buffers attachment parts to disk while a multipart message is
	// being walked, following email/msgcleaver's spill-to-disk pattern.
	Filer *iox.Filer
	// StorageRoot is the directory attachments are written under, per
	// spec.md's "{storage_root}/attachments/{file_guid}{file_extension}"
	// layout. Left empty, attachments are skipped (used by tests that
	// only care about header/body fields).
	StorageRoot string
}

// NewEngine wires a ready-to-use Engine with a default Filer. Callers
// that need attachment persistence must additionally set StorageRoot.
func NewEngine(st *store.Store, c clock.Clock, users UserDirectory) *Engine {
	return &Engine{
		Store: st, Clock: c, Users: users,
		Logf:  func(string, ...interface{}) {},
		Filer: iox.NewFiler(0),
	}
}

// RecipientResult reports the outcome for one recipient of a Deliver call.
type RecipientResult struct {
	Recipient string
	Delivered bool
	Err       error
}

// Result is Deliver's overall outcome.
type Result struct {
	Recipients []RecipientResult
	AnySuccess bool
}

// parsedMessage holds what deliverOne needs out of the raw bytes, parsed
// once per Deliver call and reused for every recipient.
type parsedMessage struct {
	headers       string
	subject       string
	text          string
	html          string
	dateHeader    time.Time
	envelope      string
	bodyStructure string
	attachments   []attachmentPart
}

// attachmentPart is one MIME part flagged as an attachment, spilled to a
// Filer-backed temp file so large parts never sit fully in memory.
type attachmentPart struct {
	filename    string
	contentType string
	size        int64
	buf         *iox.BufferFile
}

// Deliver implements DeliveryEngine.deliver: parse once, then attempt an
// independent transaction per recipient.
func (e *Engine) Deliver(ctx context.Context, fromAddr string, recipients []string, rawMessage []byte) (Result, error) {
	pm, err := e.parseMessage(rawMessage)
	if err != nil {
		return Result{}, fmt.Errorf("delivery: parse message: %w", err)
	}
	defer func() {
		for _, a := range pm.attachments {
			a.buf.Close()
		}
	}()

	var result Result
	for _, rcpt := range recipients {
		rr := RecipientResult{Recipient: rcpt}
		err := e.deliverOne(ctx, fromAddr, rcpt, rawMessage, pm)
		if err != nil {
			rr.Err = err
			e.Logf("delivery: recipient=%s err=%v", rcpt, err)
		} else {
			rr.Delivered = true
			result.AnySuccess = true
		}
		result.Recipients = append(result.Recipients, rr)
	}
	return result, nil
}

func (e *Engine) deliverOne(ctx context.Context, fromAddr, rcpt string, rawMessage []byte, pm *parsedMessage) error {
	u, err := e.Users.GetByEmail(ctx, rcpt)
	if err != nil {
		return storeerr.Wrap(storeerr.NotFound, "delivery: unknown recipient", err)
	}
	if !u.CanReceive {
		return storeerr.New(storeerr.Permission, "delivery: recipient cannot receive mail")
	}

	inbox, err := e.Store.GetFolderByName(ctx, u.ID, string(store.SystemInbox))
	if err != nil {
		return storeerr.Wrap(storeerr.Unknown, "delivery: recipient has no INBOX", err)
	}

	now := e.Clock.Now()
	return e.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		uid, err := e.Store.AllocateUID(conn, inbox.ID)
		if err != nil {
			return err
		}
		if err := e.Store.BumpRecentUnseen(conn, inbox.ID); err != nil {
			return err
		}

		m := store.Message{
			From:          fromAddr,
			To:            rcpt,
			Subject:       pm.subject,
			Headers:       pm.headers,
			Body:          pm.text,
			BodyHTML:      pm.html,
			Size:          int64(len(rawMessage)),
			SentDate:      pm.dateHeader,
			Envelope:      pm.envelope,
			BodyStructure: pm.bodyStructure,
			UIDValidity:   1,
		}
		mid, err := e.Store.CreateMessage(conn, m, now)
		if err != nil {
			return err
		}

		umID, err := e.Store.CreateUserMessage(conn, store.UserMessage{
			UserID:         u.ID,
			MessageID:      mid,
			FolderID:       inbox.ID,
			UID:            uid,
			SequenceNumber: inbox.Exists + 1,
		}, now)
		if err != nil {
			return err
		}
		_ = umID

		for _, a := range pm.attachments {
			if err := e.storeAttachment(conn, mid, a, now); err != nil {
				return err
			}
		}

		return e.Store.SetFlag(conn, mid, u.ID, string(store.FlagRecent), true, now)
	})
}

// storeAttachment copies an already-buffered MIME part to
// {StorageRoot}/attachments/{file_guid}{file_extension} (spec.md's
// on-disk layout) and records it against messageID. A no-op when
// StorageRoot is unset.
func (e *Engine) storeAttachment(conn *sqlite.Conn, messageID int64, a attachmentPart, now time.Time) error {
	if e.StorageRoot == "" {
		return nil
	}
	guid := uuid.NewString()
	ext := filepath.Ext(a.filename)
	dir := filepath.Join(e.StorageRoot, "attachments")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return storeerr.Wrap(storeerr.Unknown, "delivery: create attachment dir", err)
	}
	path := filepath.Join(dir, guid+ext)

	if _, err := a.buf.Seek(0, io.SeekStart); err != nil {
		return storeerr.Wrap(storeerr.Unknown, "delivery: seek attachment buffer", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return storeerr.Wrap(storeerr.Unknown, "delivery: create attachment file", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, a.buf); err != nil {
		return storeerr.Wrap(storeerr.Unknown, "delivery: write attachment file", err)
	}

	_, err = e.Store.CreateAttachment(conn, store.Attachment{
		MessageID:   messageID,
		Filename:    a.filename,
		ContentType: a.contentType,
		Size:        a.size,
		FileGUID:    guid,
		FileExt:     ext,
		FilePath:    path,
	}, now)
	return err
}

// parseMessage extracts the header block (CRLF-normalized), subject,
// text/html bodies, attachment parts, and a JSON envelope/body-structure
// pair from a raw RFC 5322 message.
func (e *Engine) parseMessage(raw []byte) (*parsedMessage, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	headers := extractHeaderBlock(raw)
	subject := m.Header.Get("Subject")

	var dateHeader time.Time
	if d, err := m.Header.Date(); err == nil {
		dateHeader = d
	}

	text, html, parts, attachments, err := e.extractBodies(m.Header, m.Body)
	if err != nil {
		return nil, err
	}

	envelope, err := json.Marshal(map[string]interface{}{
		"date":       dateHeader,
		"subject":    subject,
		"from":       m.Header.Get("From"),
		"to":         m.Header.Get("To"),
		"cc":         m.Header.Get("Cc"),
		"bcc":        m.Header.Get("Bcc"),
		"replyTo":    m.Header.Get("Reply-To"),
		"messageId":  m.Header.Get("Message-Id"),
		"inReplyTo":  m.Header.Get("In-Reply-To"),
		"references": m.Header.Get("References"),
	})
	if err != nil {
		return nil, err
	}

	bodyStructure, err := json.Marshal(map[string]interface{}{
		"parts": parts,
	})
	if err != nil {
		return nil, err
	}

	return &parsedMessage{
		headers:       headers,
		subject:       subject,
		text:          text,
		html:          html,
		dateHeader:    dateHeader,
		envelope:      string(envelope),
		bodyStructure: string(bodyStructure),
		attachments:   attachments,
	}, nil
}

type bodyPart struct {
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// extractHeaderBlock returns every source line up to and including the
// first blank line, normalized to CRLF.
func extractHeaderBlock(raw []byte) string {
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	idx := strings.Index(normalized, "\n\n")
	var headerLines string
	if idx == -1 {
		headerLines = normalized
	} else {
		headerLines = normalized[:idx]
	}
	lines := strings.Split(headerLines, "\n")
	return strings.Join(lines, "\r\n") + "\r\n\r\n"
}

// extractBodies walks a (possibly multipart) body, returning the first
// text/plain part as text, the first text/html part as html, and every
// part with an attachment disposition or filename spilled to a
// Filer-backed temp file rather than read fully into memory.
func (e *Engine) extractBodies(header mail.Header, body io.Reader) (text, html string, parts []bodyPart, attachments []attachmentPart, err error) {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, perr := mr.NextPart()
			if perr == io.EOF {
				break
			}
			if perr != nil {
				return text, html, parts, attachments, perr
			}
			partType, partParams, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
			if err != nil {
				partType = "text/plain"
			}

			disposition, dparams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
			filename := dparams["filename"]
			if filename == "" {
				_, ctParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
				filename = ctParams["name"]
			}
			isAttachment := strings.EqualFold(disposition, "attachment") || filename != ""

			if isAttachment && e.Filer != nil {
				buf := e.Filer.BufferFile(0)
				n, err := io.Copy(buf, part)
				if err != nil {
					buf.Close()
					return text, html, parts, attachments, err
				}
				parts = append(parts, bodyPart{ContentType: partType, Size: int(n)})
				attachments = append(attachments, attachmentPart{
					filename: filename, contentType: partType, size: n, buf: buf,
				})
				continue
			}

			data, err := ioutil.ReadAll(part)
			if err != nil {
				return text, html, parts, attachments, err
			}
			parts = append(parts, bodyPart{ContentType: partType, Size: len(data)})
			switch {
			case strings.HasPrefix(partType, "text/plain") && text == "":
				text = decodeCharset(data, partParams["charset"])
			case strings.HasPrefix(partType, "text/html") && html == "":
				html = decodeCharset(data, partParams["charset"])
			}
		}
		return text, html, parts, attachments, nil
	}

	data, err := ioutil.ReadAll(body)
	if err != nil {
		return "", "", nil, nil, err
	}
	parts = append(parts, bodyPart{ContentType: mediaType, Size: len(data)})
	if strings.HasPrefix(mediaType, "text/html") {
		return "", decodeCharset(data, params["charset"]), parts, attachments, nil
	}
	return decodeCharset(data, params["charset"]), "", parts, attachments, nil
}

// decodeCharset converts content declared in a non-UTF-8 charset to
// UTF-8. Unknown or absent charsets, and content that fails to decode,
// pass through unchanged. Grounded on the charset fallback chain used
// for MIME sync in the examples pack, trimmed to the declared-charset
// case since delivery always has one to work from.
func decodeCharset(content []byte, declaredCharset string) string {
	if declaredCharset == "" || strings.EqualFold(declaredCharset, "utf-8") || strings.EqualFold(declaredCharset, "us-ascii") {
		return string(content)
	}
	enc, err := htmlindex.Get(declaredCharset)
	if err != nil {
		return string(content)
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return string(content)
	}
	return string(decoded)
}

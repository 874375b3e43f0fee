// Package message implements the MessageService of spec.md §4.F: listing
// with filter/sort/pagination, single-message retrieval, composition into
// SENT, flag/folder/content updates, and soft-delete-to-trash. Grounded
// on spilldb/imapdb's FETCH/STORE/SEARCH projections (flags computed per
// user, never stored as a bitmask on Message itself) but built against
// coremail's store package instead of per-connection prepared statements
// tied to one IMAP session.
//
// The externally visible "messageId" used by list/get/update/delete is
// the UserMessage's ID: spec §4.F's get() is defined to return NotFound
// "if no UserMessage row exists for the pair (userId, messageId)", which
// only holds if messageId addresses a placement, not the shared Message
// row a placement points to.
package message

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"github.com/google/uuid"

	"coremail/clock"
	"coremail/store"
	"coremail/storeerr"
)

const maxTake = 100

// Service owns message CRUD for every user on the host.
type Service struct {
	Store *store.Store
	Clock clock.Clock
	Logf  func(format string, v ...interface{})
}

// NewService wires a ready-to-use Service.
func NewService(st *store.Store, c clock.Clock) *Service {
	return &Service{Store: st, Clock: c, Logf: func(string, ...interface{}) {}}
}

// FlagSet is the per-user flag projection spec §4.F describes.
type FlagSet struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
	Recent   bool
	Custom   []string
}

func isStandardFlag(name string) bool {
	switch store.StandardFlag(name) {
	case store.FlagSeen, store.FlagAnswered, store.FlagFlagged, store.FlagDeleted, store.FlagDraft, store.FlagRecent:
		return true
	default:
		return false
	}
}

func flagSetFromNames(names []string) FlagSet {
	var fs FlagSet
	for _, n := range names {
		switch store.StandardFlag(n) {
		case store.FlagSeen:
			fs.Seen = true
		case store.FlagAnswered:
			fs.Answered = true
		case store.FlagFlagged:
			fs.Flagged = true
		case store.FlagDeleted:
			fs.Deleted = true
		case store.FlagDraft:
			fs.Draft = true
		case store.FlagRecent:
			fs.Recent = true
		default:
			fs.Custom = append(fs.Custom, n)
		}
	}
	return fs
}

// Item is one row of a list() page or the result of get().
type Item struct {
	UserMessageID int64
	MessageID     int64
	FolderID      int64
	FolderName    string
	UID           int64
	Message       store.Message
	Flags         FlagSet
}

// Filter narrows list() (spec §4.F).
type Filter struct {
	Query      string // q: substring match against subject/body/from
	FolderID   int64  // 0 = every folder
	FolderName string
	Flags      string // read|unread|seen|unseen|flagged|answered|draft|deleted
	From       string
	To         string
	Since      time.Time
	Before     time.Time
	MinSize    int64
	MaxSize    int64
}

// ListRequest is the full list() argument set.
type ListRequest struct {
	UserID    int64
	Filter    Filter
	Skip      int
	Take      int
	SortBy    string // date|subject|sender|size
	SortOrder string // asc|desc
}

// Page is list()'s return shape.
type Page struct {
	Items          []Item
	Skip           int
	Take           int
	TotalCount     int
	NextURL        string
	AppliedFilters map[string]string
}

// List implements MessageService.list.
func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	take := req.Take
	if take <= 0 {
		take = 25
	}
	if take > maxTake {
		take = maxTake
	}
	skip := req.Skip
	if skip < 0 {
		skip = 0
	}

	folderID := req.Filter.FolderID
	if folderID == 0 && req.Filter.FolderName != "" {
		f, err := s.Store.GetFolderByName(ctx, req.UserID, req.Filter.FolderName)
		if err != nil {
			return Page{}, err
		}
		folderID = f.ID
	}

	joined, err := s.Store.ListJoinedMessages(ctx, req.UserID, folderID)
	if err != nil {
		return Page{}, err
	}

	items := make([]Item, 0, len(joined))
	for _, jm := range joined {
		names, err := s.Store.ListFlags(ctx, jm.Message.ID, req.UserID)
		if err != nil {
			return Page{}, err
		}
		flagNames := make([]string, 0, len(names))
		for _, f := range names {
			flagNames = append(flagNames, f.FlagName)
		}
		item := Item{
			UserMessageID: jm.UserMessage.ID,
			MessageID:     jm.Message.ID,
			FolderID:      jm.UserMessage.FolderID,
			FolderName:    jm.FolderName,
			UID:           jm.UserMessage.UID,
			Message:       jm.Message,
			Flags:         flagSetFromNames(flagNames),
		}
		if !matchesFilter(item, req.Filter) {
			continue
		}
		items = append(items, item)
	}

	sortItems(items, req.SortBy, req.SortOrder)

	total := len(items)
	end := skip + take
	if skip > total {
		skip = total
	}
	if end > total {
		end = total
	}
	page := items[skip:end]

	applied := appliedFilters(req.Filter)
	page2 := Page{
		Items:          page,
		Skip:           skip,
		Take:           take,
		TotalCount:     total,
		AppliedFilters: applied,
	}
	if skip+take < total {
		page2.NextURL = buildNextURL(skip+take, take, applied)
	}
	return page2, nil
}

func matchesFilter(item Item, f Filter) bool {
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(item.Message.Subject), q) &&
			!strings.Contains(strings.ToLower(item.Message.Body), q) &&
			!strings.Contains(strings.ToLower(item.Message.From), q) {
			return false
		}
	}
	if f.From != "" && !strings.Contains(strings.ToLower(item.Message.From), strings.ToLower(f.From)) {
		return false
	}
	if f.To != "" && !strings.Contains(strings.ToLower(item.Message.To), strings.ToLower(f.To)) {
		return false
	}
	if f.MinSize > 0 && item.Message.Size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && item.Message.Size > f.MaxSize {
		return false
	}
	effectiveDate := item.Message.SentDate
	if effectiveDate.IsZero() {
		effectiveDate = item.Message.ReceivedAt
	}
	if !f.Since.IsZero() && effectiveDate.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() && effectiveDate.After(f.Before) {
		return false
	}
	switch f.Flags {
	case "read", "seen":
		if !item.Flags.Seen {
			return false
		}
	case "unread", "unseen":
		if item.Flags.Seen {
			return false
		}
	case "flagged":
		if !item.Flags.Flagged {
			return false
		}
	case "answered":
		if !item.Flags.Answered {
			return false
		}
	case "draft":
		if !item.Flags.Draft {
			return false
		}
	case "deleted":
		if !item.Flags.Deleted {
			return false
		}
	}
	return true
}

// sortItems sorts in place by sortBy ("date" by default), honoring
// sortOrder ("desc" by default, per spec §4.F).
func sortItems(items []Item, sortBy, sortOrder string) {
	asc := sortOrder == "asc"
	lessFor := func(i, j int) bool {
		a, b := items[i], items[j]
		switch sortBy {
		case "subject":
			return strings.ToLower(a.Message.Subject) < strings.ToLower(b.Message.Subject)
		case "sender", "from":
			return strings.ToLower(a.Message.From) < strings.ToLower(b.Message.From)
		case "size":
			return a.Message.Size < b.Message.Size
		default: // "date"
			return effectiveDate(a.Message).Before(effectiveDate(b.Message))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if asc {
			return lessFor(i, j)
		}
		return lessFor(j, i)
	})
}

func effectiveDate(m store.Message) time.Time {
	if !m.SentDate.IsZero() {
		return m.SentDate
	}
	return m.ReceivedAt
}

func appliedFilters(f Filter) map[string]string {
	out := make(map[string]string)
	if f.Query != "" {
		out["q"] = f.Query
	}
	if f.FolderName != "" {
		out["folder"] = f.FolderName
	}
	if f.Flags != "" {
		out["flags"] = f.Flags
	}
	if f.From != "" {
		out["from"] = f.From
	}
	if f.To != "" {
		out["to"] = f.To
	}
	if !f.Since.IsZero() {
		out["since"] = f.Since.Format(time.RFC3339)
	}
	if !f.Before.IsZero() {
		out["before"] = f.Before.Format(time.RFC3339)
	}
	if f.MinSize > 0 {
		out["minSize"] = strconv.FormatInt(f.MinSize, 10)
	}
	if f.MaxSize > 0 {
		out["maxSize"] = strconv.FormatInt(f.MaxSize, 10)
	}
	return out
}

func buildNextURL(skip, take int, applied map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "?skip=%d&take=%d", skip, take)
	keys := make([]string, 0, len(applied))
	for k := range applied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "&%s=%s", k, applied[k])
	}
	return b.String()
}

// Get implements MessageService.get.
func (s *Service) Get(ctx context.Context, userID, userMessageID int64) (Item, error) {
	um, err := s.Store.GetUserMessage(ctx, userMessageID)
	if err != nil {
		return Item{}, err
	}
	if um.UserID != userID {
		return Item{}, storeerr.New(storeerr.NotFound, "message: not found")
	}
	msg, err := s.Store.GetMessage(ctx, um.MessageID)
	if err != nil {
		return Item{}, err
	}
	f, err := s.Store.GetFolder(ctx, um.FolderID)
	if err != nil {
		return Item{}, err
	}
	names, err := s.Store.ListFlags(ctx, msg.ID, userID)
	if err != nil {
		return Item{}, err
	}
	flagNames := make([]string, 0, len(names))
	for _, fl := range names {
		flagNames = append(flagNames, fl.FlagName)
	}
	return Item{
		UserMessageID: um.ID,
		MessageID:     msg.ID,
		FolderID:      um.FolderID,
		FolderName:    f.Name,
		UID:           um.UID,
		Message:       msg,
		Flags:         flagSetFromNames(flagNames),
	}, nil
}

// CreateRequest is the input to MessageService.create (composing into SENT).
type CreateRequest struct {
	To         string
	CC         string
	BCC        string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

// Create implements MessageService.create: builds and persists a new
// message into the user's SENT folder.
func (s *Service) Create(ctx context.Context, userID int64, fromAddr string, req CreateRequest) (Item, error) {
	sentFolder, err := s.Store.GetFolderByName(ctx, userID, string(store.SystemSent))
	if err != nil {
		return Item{}, storeerr.Wrap(storeerr.Unknown, "message: user has no SENT folder", err)
	}

	now := s.Clock.Now()
	guid, err := newGUID()
	if err != nil {
		return Item{}, err
	}
	messageID := fmt.Sprintf("<%s@%d>", guid, now.Unix())
	headers := buildHeaders(messageID, now, fromAddr, req)

	var item Item
	err = s.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		uid, err := s.Store.AllocateUID(conn, sentFolder.ID)
		if err != nil {
			return err
		}

		m := store.Message{
			HeaderMessageID: messageID,
			From:            fromAddr,
			To:              req.To,
			CC:              req.CC,
			BCC:             req.BCC,
			Subject:         req.Subject,
			Headers:         headers,
			Body:            req.Body,
			InReplyTo:       req.InReplyTo,
			References:      req.References,
			SentDate:        now,
			UIDValidity:     sentFolder.UIDValidity,
		}
		m.Size = int64(len(headers) + len(req.Body))

		mid, err := s.Store.CreateMessage(conn, m, now)
		if err != nil {
			return err
		}
		m.ID = mid

		umID, err := s.Store.CreateUserMessage(conn, store.UserMessage{
			UserID:         userID,
			MessageID:      mid,
			FolderID:       sentFolder.ID,
			UID:            uid,
			SequenceNumber: sentFolder.Exists + 1,
		}, now)
		if err != nil {
			return err
		}

		if err := s.Store.SetFlag(conn, mid, userID, string(store.FlagSeen), true, now); err != nil {
			return err
		}

		item = Item{
			UserMessageID: umID,
			MessageID:     mid,
			FolderID:      sentFolder.ID,
			FolderName:    sentFolder.Name,
			UID:           uid,
			Message:       m,
			Flags:         FlagSet{Seen: true},
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func buildHeaders(messageID string, now time.Time, from string, req CreateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", req.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", req.Subject)
	if req.CC != "" {
		fmt.Fprintf(&b, "CC: %s\r\n", req.CC)
	}
	if req.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", req.InReplyTo)
	}
	if req.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", req.References)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	return b.String()
}

func newGUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UpdatePatch is the input to MessageService.update.
type UpdatePatch struct {
	Flags          map[string]bool // standard flag name -> desired state
	CustomFlags    []string        // replaces the current custom-flag set
	SetCustomFlags bool
	FolderID       int64 // 0: no move
	Subject        *string
	Body           *string
	BodyHTML       *string
}

// Update implements MessageService.update.
func (s *Service) Update(ctx context.Context, userID, userMessageID int64, patch UpdatePatch) (Item, error) {
	um, err := s.Store.GetUserMessage(ctx, userMessageID)
	if err != nil {
		return Item{}, err
	}
	if um.UserID != userID {
		return Item{}, storeerr.New(storeerr.NotFound, "message: not found")
	}

	now := s.Clock.Now()
	err = s.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		for name, isSet := range patch.Flags {
			if !isStandardFlag(name) {
				continue
			}
			if err := s.Store.SetFlag(conn, um.MessageID, userID, name, isSet, now); err != nil {
				return err
			}
		}
		if patch.SetCustomFlags {
			current, err := s.Store.ListFlagsConn(conn, um.MessageID, userID)
			if err != nil {
				return err
			}
			want := make(map[string]bool, len(patch.CustomFlags))
			for _, n := range patch.CustomFlags {
				want[n] = true
			}
			for _, n := range current {
				if isStandardFlag(n) {
					continue
				}
				if !want[n] {
					if err := s.Store.SetFlag(conn, um.MessageID, userID, n, false, now); err != nil {
						return err
					}
				}
			}
			for n := range want {
				if err := s.Store.SetFlag(conn, um.MessageID, userID, n, true, now); err != nil {
					return err
				}
			}
		}

		if patch.FolderID != 0 && patch.FolderID != um.FolderID {
			dest, err := s.Store.GetFolder(ctx, patch.FolderID)
			if err != nil {
				return err
			}
			newUID, err := s.Store.AllocateUID(conn, dest.ID)
			if err != nil {
				return err
			}
			if err := s.Store.AdjustFolderCounters(conn, um.FolderID, -1, 0, 0); err != nil {
				return err
			}
			if err := s.Store.MoveUserMessage(conn, um.ID, dest.ID, newUID, dest.Exists+1); err != nil {
				return err
			}
			um.FolderID = dest.ID
			um.UID = newUID
		}

		if patch.Subject != nil || patch.Body != nil || patch.BodyHTML != nil {
			flagNames, err := s.Store.ListFlagsConn(conn, um.MessageID, userID)
			if err != nil {
				return err
			}
			isDraft := false
			for _, n := range flagNames {
				if store.StandardFlag(n) == store.FlagDraft {
					isDraft = true
				}
			}
			if !isDraft {
				return storeerr.New(storeerr.Permission, "message: content edits require \\Draft")
			}
			msg, err := s.Store.GetMessage(ctx, um.MessageID)
			if err != nil {
				return err
			}
			if patch.Subject != nil {
				msg.Subject = *patch.Subject
			}
			if patch.Body != nil {
				msg.Body = *patch.Body
			}
			if patch.BodyHTML != nil {
				msg.BodyHTML = sanitizeHTML(*patch.BodyHTML)
			}
			msg.Size = int64(len(msg.Headers) + len(msg.Body) + len(msg.BodyHTML))
			if err := s.Store.UpdateMessageContent(conn, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return s.Get(ctx, userID, userMessageID)
}

// Delete implements MessageService.delete: move the placement to TRASH
// with a freshly allocated UID and set \Deleted. Fails if the user has
// no TRASH folder.
func (s *Service) Delete(ctx context.Context, userID, userMessageID int64) error {
	um, err := s.Store.GetUserMessage(ctx, userMessageID)
	if err != nil {
		return err
	}
	if um.UserID != userID {
		return storeerr.New(storeerr.NotFound, "message: not found")
	}
	trash, err := s.Store.GetFolderByName(ctx, userID, string(store.SystemTrash))
	if err != nil {
		return storeerr.Wrap(storeerr.Unknown, "message: user has no TRASH folder", err)
	}

	now := s.Clock.Now()
	return s.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		if um.FolderID == trash.ID {
			return s.Store.SetFlag(conn, um.MessageID, userID, string(store.FlagDeleted), true, now)
		}
		newUID, err := s.Store.AllocateUID(conn, trash.ID)
		if err != nil {
			return err
		}
		if err := s.Store.AdjustFolderCounters(conn, um.FolderID, -1, 0, 0); err != nil {
			return err
		}
		if err := s.Store.MoveUserMessage(conn, um.ID, trash.ID, newUID, trash.Exists+1); err != nil {
			return err
		}
		return s.Store.SetFlag(conn, um.MessageID, userID, string(store.FlagDeleted), true, now)
	})
}

// Append persists a raw RFC 5322 message into an arbitrary named folder
// with a caller-supplied flag set. It is the IMAP-facing counterpart to
// Create: §4.F's create() always targets SENT, but §4.H.3's APPEND names
// any destination mailbox, so this generalizes Create's
// allocate-UID/persist-Message/persist-UserMessage shape to that folder
// instead.
func (s *Service) Append(ctx context.Context, userID int64, folderName string, flagNames []string, raw []byte) (Item, error) {
	dest, err := s.Store.GetFolderByName(ctx, userID, folderName)
	if err != nil {
		return Item{}, err
	}

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Item{}, storeerr.Wrap(storeerr.Unknown, "message: append: parse", err)
	}
	body, err := ioutil.ReadAll(m.Body)
	if err != nil {
		return Item{}, storeerr.Wrap(storeerr.Unknown, "message: append: read body", err)
	}
	var sentDate time.Time
	if d, err := m.Header.Date(); err == nil {
		sentDate = d
	}

	now := s.Clock.Now()
	var item Item
	err = s.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		uid, err := s.Store.AllocateUID(conn, dest.ID)
		if err != nil {
			return err
		}
		msg := store.Message{
			From:        m.Header.Get("From"),
			To:          m.Header.Get("To"),
			Subject:     m.Header.Get("Subject"),
			Headers:     extractHeaderBlock(raw),
			Body:        string(body),
			Size:        int64(len(raw)),
			SentDate:    sentDate,
			UIDValidity: dest.UIDValidity,
		}
		mid, err := s.Store.CreateMessage(conn, msg, now)
		if err != nil {
			return err
		}
		umID, err := s.Store.CreateUserMessage(conn, store.UserMessage{
			UserID: userID, MessageID: mid, FolderID: dest.ID, UID: uid, SequenceNumber: dest.Exists + 1,
		}, now)
		if err != nil {
			return err
		}
		for _, fn := range flagNames {
			if err := s.Store.SetFlag(conn, mid, userID, fn, true, now); err != nil {
				return err
			}
		}
		item = Item{UserMessageID: umID, MessageID: mid, FolderID: dest.ID, FolderName: dest.Name, UID: uid, Message: msg}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	item.Flags = flagSetFromNames(flagNames)
	return item, nil
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

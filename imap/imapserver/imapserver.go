// Package imapserver implements the IMAP front-end of spec.md §4.H.3: a
// tagged-command accept loop whose sessions run the
// NotAuthenticated -> Authenticated -> Selected -> Logout state machine
// against MessageService and FolderManager. Grounded on the teacher's
// smtpserver.go for the accept loop, session bookkeeping, and structured
// JSON session logging idiom; the command dispatch and tagged/untagged
// response shapes are rewritten against the spec's trimmed command set
// (no IDLE, COMPRESS, CONDSTORE, MOVE, or XAPPLEPUSHSERVICE) instead of
// the teacher's imap.Session/imap.Mailbox/DataStore abstraction and its
// imapparser grammar, which target a far larger RFC 3501 surface than
// this spec names.
package imapserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"regexp"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"coremail/auth"
	"coremail/folder"
	"coremail/message"
	"coremail/store"
)

// ErrServerClosed is returned by Serve when Shutdown has been called.
var ErrServerClosed = errors.New("imapserver: server closed")

// Server is an IMAP server implementing spec.md §4.H.3.
type Server struct {
	Hostname    string
	Auth        *auth.Authenticator
	Messages    *message.Service
	Folders     *folder.Manager
	Store       *store.Store
	ReadTimeout time.Duration // default 10 minutes; IDLE is not implemented
	MaxSessions int           // default 8
	Logf        func(format string, v ...interface{})

	rand     *rand.Rand
	randLock sync.Mutex

	ln net.Listener

	shutdown         chan struct{}
	shutdownCtx      context.Context
	shutdownComplete chan struct{}

	sessionsMu   sync.Mutex
	sessionsCond *sync.Cond
	sessions     map[*session]struct{}
}

// Serve accepts connections on ln until Shutdown is called.
func (srv *Server) Serve(ln net.Listener) error {
	if srv.MaxSessions == 0 {
		srv.MaxSessions = 8
	}
	if srv.Logf == nil {
		srv.Logf = log.Printf
	}
	srv.rand = rand.New(rand.NewSource(time.Now().UnixNano()))

	srv.sessionsMu.Lock()
	srv.sessionsCond = sync.NewCond(&srv.sessionsMu)
	srv.sessions = make(map[*session]struct{})
	srv.sessionsMu.Unlock()

	srv.shutdown = make(chan struct{})
	srv.shutdownComplete = make(chan struct{})
	srv.ln = ln
	defer func() {
		ln.Close()
		close(srv.shutdownComplete)
	}()

	var tempDelay time.Duration
acceptLoop:
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.shutdown:
				break acceptLoop
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				srv.Logf("imapserver: accept error: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go srv.serveConn(c)
	}

	for {
		select {
		case <-srv.shutdownCtx.Done():
			srv.sessionsMu.Lock()
			for s := range srv.sessions {
				s.c.Close()
			}
			srv.sessionsMu.Unlock()
			return ErrServerClosed
		default:
			srv.sessionsMu.Lock()
			n := len(srv.sessions)
			srv.sessionsMu.Unlock()
			if n == 0 {
				return ErrServerClosed
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// Shutdown stops accepting connections and waits for sessions to drain
// or ctx to expire.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.shutdownCtx = ctx
	close(srv.shutdown)
	srv.ln.Close()
	select {
	case <-srv.shutdownComplete:
	case <-ctx.Done():
	}
	return nil
}

func (srv *Server) newID() int64 {
	srv.randLock.Lock()
	defer srv.randLock.Unlock()
	for {
		if id := srv.rand.Int63(); id > 1 {
			return id
		}
	}
}

func (srv *Server) serveConn(c net.Conn) {
	s := &session{
		server:     srv,
		c:          c,
		br:         bufio.NewReader(c),
		bw:         bufio.NewWriter(c),
		id:         srv.newID(),
		remoteAddr: c.RemoteAddr().String(),
		state:      stateNotAuthenticated,
	}

	srv.sessionsMu.Lock()
	for len(srv.sessions) > srv.MaxSessions {
		srv.sessionsCond.Wait()
	}
	srv.sessions[s] = struct{}{}
	srv.sessionsMu.Unlock()

	s.serve()
}

// sessionState is the connection state machine of spec.md §4.H.3.
type sessionState int

const (
	stateNotAuthenticated sessionState = iota
	stateAuthenticated
	stateSelected
)

type session struct {
	server     *Server
	c          net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	id         int64
	remoteAddr string

	state sessionState
	user  store.UserWithDomain

	mailbox  store.Folder
	readOnly bool
	items    []message.Item
	uidIndex map[int64]int // UID -> 1-based sequence number, valid only while selected
}

type logFields map[string]interface{}

func (s *session) log(desc string, fields logFields) {
	values, err := json.Marshal(fields)
	if err != nil {
		values = []byte(err.Error())
	}
	s.server.Logf(`IMAP:{"desc":%q,"remoteaddr":%q,"sessionid":%d,"values":%s}`, desc, s.remoteAddr, s.id, values)
}

const bannerCapability = `IMAP4rev1 STARTTLS AUTH=PLAIN`

func (s *session) serve() {
	defer func() {
		s.server.sessionsMu.Lock()
		delete(s.server.sessions, s)
		s.server.sessionsCond.Signal()
		s.server.sessionsMu.Unlock()
		s.c.Close()
		if r := recover(); r != nil {
			s.log("panic", logFields{"panic": r, "stack": string(debug.Stack())})
		}
	}()

	fmt.Fprintf(s.bw, "* OK [CAPABILITY %s] Server ready\r\n", bannerCapability)
	s.bw.Flush()

	for {
		if s.server.ReadTimeout != 0 {
			s.c.SetReadDeadline(time.Now().Add(s.server.ReadTimeout))
		} else {
			s.c.SetReadDeadline(time.Now().Add(10 * time.Minute))
		}
		line, err := s.readLine()
		if err != nil {
			s.log("command read error", logFields{"err": err.Error()})
			return
		}
		if line == "" {
			continue
		}
		tag, rest := splitWord(line)
		if tag == "" {
			fmt.Fprint(s.bw, "* BAD empty tag\r\n")
			s.bw.Flush()
			continue
		}
		cmdWord, argsStr := splitWord(rest)
		cmdWord = strings.ToUpper(cmdWord)
		uid := false
		if cmdWord == "UID" {
			uid = true
			cmdWord, argsStr = splitWord(argsStr)
			cmdWord = strings.ToUpper(cmdWord)
		}
		if !s.dispatch(tag, cmdWord, argsStr, uid) {
			return
		}
	}
}

// readLine reads one CRLF-terminated line, stripping the terminator.
func (s *session) readLine() (string, error) {
	sl, err := s.br.ReadSlice('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(sl), "\r\n"), nil
}

func splitWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " ")
}

// tokenize splits an IMAP argument string into atoms, quoted strings
// (with surrounding quotes stripped), and parenthesized lists (kept
// literal, including the parens, for a higher-level parser to split).
func tokenize(s string) []string {
	var toks []string
	i, n := 0, len(s)
	for i < n {
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		switch s[i] {
		case '"':
			var b strings.Builder
			j := i + 1
			for j < n && s[j] != '"' {
				if s[j] == '\\' && j+1 < n {
					j++
				}
				b.WriteByte(s[j])
				j++
			}
			toks = append(toks, b.String())
			i = j + 1
		case '(':
			depth := 0
			j := i
			for j < n {
				if s[j] == '(' {
					depth++
				} else if s[j] == ')' {
					depth--
					if depth == 0 {
						j++
						break
					}
				}
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			j := i
			for j < n && s[j] != ' ' {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

func unwrapList(tok string) string {
	if len(tok) >= 2 && tok[0] == '(' && tok[len(tok)-1] == ')' {
		return tok[1 : len(tok)-1]
	}
	return tok
}

func (s *session) respond(tag, format string, v ...interface{}) {
	fmt.Fprintf(s.bw, "%s %s\r\n", tag, fmt.Sprintf(format, v...))
	s.bw.Flush()
}

func (s *session) untagged(format string, v ...interface{}) {
	fmt.Fprintf(s.bw, "* %s\r\n", fmt.Sprintf(format, v...))
}

func (s *session) dispatch(tag, cmd, argsStr string, uid bool) bool {
	ctx := context.Background()
	args := tokenize(argsStr)

	switch cmd {
	case "":
		s.respond(tag, "BAD missing command")

	case "CAPABILITY":
		if s.state == stateNotAuthenticated {
			s.untagged("CAPABILITY %s", bannerCapability)
		} else {
			s.untagged("CAPABILITY IMAP4rev1 AUTH=PLAIN")
		}
		s.respond(tag, "OK CAPABILITY completed")

	case "NOOP":
		s.emitPendingUpdates(ctx)
		s.respond(tag, "OK NOOP completed")

	case "LOGOUT":
		s.untagged("BYE logging out")
		s.respond(tag, "OK LOGOUT completed")
		return false

	case "LOGIN":
		s.cmdLogin(ctx, tag, args)

	case "LIST":
		s.cmdList(ctx, tag, args)

	case "SELECT", "EXAMINE":
		s.cmdSelect(ctx, tag, cmd, args)

	case "CLOSE":
		s.cmdClose(ctx, tag)

	case "EXPUNGE":
		s.cmdExpunge(ctx, tag)

	case "FETCH":
		s.cmdFetch(ctx, tag, args, uid)

	case "STORE":
		s.cmdStore(ctx, tag, args, uid)

	case "SEARCH":
		s.cmdSearch(ctx, tag, args, uid)

	case "APPEND":
		s.cmdAppend(ctx, tag, args)

	default:
		s.respond(tag, "BAD unknown command")
	}
	s.bw.Flush()
	return true
}

func (s *session) requireAuth(tag string) bool {
	if s.state == stateNotAuthenticated {
		s.respond(tag, "NO authentication required")
		return false
	}
	return true
}

func (s *session) requireSelected(tag string) bool {
	if s.state != stateSelected {
		s.respond(tag, "BAD no mailbox selected")
		return false
	}
	return true
}

func (s *session) cmdLogin(ctx context.Context, tag string, args []string) {
	if s.state != stateNotAuthenticated {
		s.respond(tag, "BAD wrong state")
		return
	}
	if len(args) < 2 {
		s.respond(tag, "BAD LOGIN requires username and password")
		return
	}
	u, err := s.server.Auth.Authenticate(ctx, args[0], args[1])
	if err != nil {
		s.log("login failed", logFields{"user": args[0]})
		s.respond(tag, "NO LOGIN failed")
		return
	}
	s.user = u
	s.state = stateAuthenticated
	s.respond(tag, "OK LOGIN completed")
}

// mailboxPatternRE turns an IMAP LIST wildcard (% = one level, * = any
// depth) into a regexp anchored against a folder's full name.
func mailboxPatternRE(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

func specialUseAttr(sysType store.SystemFolderType) string {
	switch sysType {
	case store.SystemSent:
		return `\Sent`
	case store.SystemDrafts:
		return `\Drafts`
	case store.SystemTrash:
		return `\Trash`
	case store.SystemSpam:
		return `\Junk`
	default:
		return ""
	}
}

func (s *session) cmdList(ctx context.Context, tag string, args []string) {
	if !s.requireAuth(tag) {
		return
	}
	if len(args) < 2 {
		s.respond(tag, "BAD LIST requires reference and mailbox")
		return
	}
	ref, glob := args[0], args[1]
	if glob == "" {
		s.untagged(`LIST (\Noselect) "/" ""`)
		s.respond(tag, "OK LIST completed")
		return
	}

	list, err := s.server.Folders.List(ctx, s.user.ID)
	if err != nil {
		s.respond(tag, "NO LIST failed")
		return
	}
	re := mailboxPatternRE(ref + glob)

	hasKids := make(map[string]bool)
	for _, f := range list {
		if i := strings.LastIndexByte(f.Name, '/'); i >= 0 {
			hasKids[f.Name[:i]] = true
		}
	}
	for _, f := range list {
		if !re.MatchString(f.Name) {
			continue
		}
		attrs := []string{}
		if hasKids[f.Name] {
			attrs = append(attrs, `\HasChildren`)
		} else {
			attrs = append(attrs, `\HasNoChildren`)
		}
		if a := specialUseAttr(f.SystemType); a != "" {
			attrs = append(attrs, a)
		}
		s.untagged(`LIST (%s) "/" "%s"`, strings.Join(attrs, " "), f.Name)
	}
	s.respond(tag, "OK LIST completed")
}

func (s *session) loadMailbox(ctx context.Context, name string) error {
	page, err := s.server.Messages.List(ctx, message.ListRequest{
		UserID: s.user.ID,
		Filter: message.Filter{FolderName: name},
		Skip:   0,
		Take:   10000,
	})
	if err != nil {
		return err
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].UID < page.Items[j].UID })
	s.items = page.Items
	s.uidIndex = make(map[int64]int, len(s.items))
	for i, it := range s.items {
		s.uidIndex[it.UID] = i + 1
	}
	return nil
}

func (s *session) cmdSelect(ctx context.Context, tag, cmd string, args []string) {
	if s.state == stateNotAuthenticated {
		s.respond(tag, "BAD wrong state")
		return
	}
	if len(args) < 1 {
		s.respond(tag, "BAD %s requires a mailbox name", cmd)
		return
	}
	name := args[0]
	f, err := s.server.Store.GetFolderByName(ctx, s.user.ID, name)
	if err != nil {
		s.state = stateAuthenticated
		s.respond(tag, "NO no such mailbox")
		return
	}
	if err := s.loadMailbox(ctx, name); err != nil {
		s.state = stateAuthenticated
		s.respond(tag, "NO %s failed", cmd)
		return
	}
	s.mailbox = f
	s.readOnly = cmd == "EXAMINE"
	s.state = stateSelected

	s.untagged("%d EXISTS", f.Exists)
	s.untagged("%d RECENT", f.Recent)
	s.untagged(`OK [UIDVALIDITY %d]`, f.UIDValidity)
	s.untagged(`OK [UIDNEXT %d]`, f.UIDNext)
	s.untagged(`FLAGS (\Seen \Answered \Flagged \Deleted \Draft)`)
	if s.readOnly {
		s.respond(tag, "OK [READ-ONLY] %s completed", cmd)
	} else {
		s.respond(tag, "OK [READ-WRITE] %s completed", cmd)
	}
}

// emitPendingUpdates refreshes EXISTS/RECENT for the selected mailbox;
// spec §4.H.3 allows NOOP to surface these at a command boundary.
func (s *session) emitPendingUpdates(ctx context.Context) {
	if s.state != stateSelected {
		return
	}
	f, err := s.server.Store.GetFolder(ctx, s.mailbox.ID)
	if err != nil {
		return
	}
	if f.Exists != s.mailbox.Exists {
		s.untagged("%d EXISTS", f.Exists)
	}
	if f.Recent != s.mailbox.Recent {
		s.untagged("%d RECENT", f.Recent)
	}
	s.mailbox = f
}

func (s *session) cmdClose(ctx context.Context, tag string) {
	if !s.requireSelected(tag) {
		return
	}
	s.expungeDeleted(ctx, false)
	s.state = stateAuthenticated
	s.items = nil
	s.uidIndex = nil
	s.respond(tag, "OK CLOSE completed")
}

func (s *session) cmdExpunge(ctx context.Context, tag string) {
	if !s.requireSelected(tag) {
		return
	}
	if s.readOnly {
		s.respond(tag, "NO mailbox is read-only")
		return
	}
	s.expungeDeleted(ctx, true)
	s.respond(tag, "OK EXPUNGE completed")
}

// expungeDeleted moves every \Deleted message in the current mailbox to
// TRASH via MessageService.delete, emitting untagged EXPUNGE responses
// with sequence numbers adjusted for in-flight removals when announce
// is true (RFC 3501 EXPUNGE; CLOSE performs the same removal silently).
func (s *session) expungeDeleted(ctx context.Context, announce bool) {
	removed := 0
	var kept []message.Item
	for i, it := range s.items {
		if !it.Flags.Deleted {
			kept = append(kept, it)
			continue
		}
		if err := s.server.Messages.Delete(ctx, s.user.ID, it.UserMessageID); err != nil {
			s.log("expunge failed", logFields{"userMessageID": it.UserMessageID, "err": err.Error()})
			kept = append(kept, it)
			continue
		}
		if announce {
			s.untagged("%d EXPUNGE", i+1-removed)
		}
		removed++
	}
	s.items = kept
	s.uidIndex = make(map[int64]int, len(s.items))
	for i, it := range s.items {
		s.uidIndex[it.UID] = i + 1
	}
	if f, err := s.server.Store.GetFolder(ctx, s.mailbox.ID); err == nil {
		s.mailbox = f
	}
}

// resolveSeqSet expands an IMAP sequence-set against either sequence
// numbers (1..len(items)) or, when uid is true, UID values looked up in
// s.uidIndex, returning 1-based indices into s.items in ascending order.
func (s *session) resolveSeqSet(spec string, uid bool) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(idx int) {
		if idx >= 1 && idx <= len(s.items) && !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	maxUID := int64(0)
	if len(s.items) > 0 {
		maxUID = s.items[len(s.items)-1].UID
	}
	parseOne := func(tok string) (int64, bool) {
		if tok == "*" {
			if uid {
				return maxUID, true
			}
			return int64(len(s.items)), true
		}
		n, err := strconv.ParseInt(tok, 10, 64)
		return n, err == nil
	}
	for _, part := range strings.Split(spec, ",") {
		if part == "" {
			continue
		}
		var loTok, hiTok string
		if i := strings.IndexByte(part, ':'); i >= 0 {
			loTok, hiTok = part[:i], part[i+1:]
		} else {
			loTok, hiTok = part, part
		}
		lo, ok1 := parseOne(loTok)
		hi, ok2 := parseOne(hiTok)
		if !ok1 || !ok2 {
			continue
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if uid {
			for v := lo; v <= hi; v++ {
				if idx, ok := s.uidIndex[v]; ok {
					add(idx)
				}
			}
		} else {
			for v := lo; v <= hi; v++ {
				add(int(v))
			}
		}
	}
	sort.Ints(out)
	return out
}

func flagNamesOf(fs message.FlagSet) []string {
	var names []string
	if fs.Seen {
		names = append(names, string(store.FlagSeen))
	}
	if fs.Answered {
		names = append(names, string(store.FlagAnswered))
	}
	if fs.Flagged {
		names = append(names, string(store.FlagFlagged))
	}
	if fs.Deleted {
		names = append(names, string(store.FlagDeleted))
	}
	if fs.Draft {
		names = append(names, string(store.FlagDraft))
	}
	if fs.Recent {
		names = append(names, string(store.FlagRecent))
	}
	names = append(names, fs.Custom...)
	return names
}

var fetchMacros = map[string][]string{
	"ALL":  {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
	"FAST": {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
	"FULL": {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
}

func parseFetchItems(spec string) []string {
	if macro, ok := fetchMacros[strings.ToUpper(spec)]; ok {
		return macro
	}
	return strings.Fields(unwrapList(spec))
}

func (s *session) cmdFetch(ctx context.Context, tag string, args []string, uid bool) {
	if !s.requireSelected(tag) {
		return
	}
	if len(args) < 2 {
		s.respond(tag, "BAD FETCH requires a sequence set and item list")
		return
	}
	idxs := s.resolveSeqSet(args[0], uid)
	items := parseFetchItems(strings.Join(args[1:], " "))

	for _, idx := range idxs {
		item := s.items[idx-1]
		var parts []string
		marksSeen := false
		for _, raw := range items {
			it := strings.ToUpper(raw)
			switch {
			case it == "FLAGS":
				parts = append(parts, fmt.Sprintf(`FLAGS (%s)`, formatFlags(item.Flags)))
			case it == "UID":
				parts = append(parts, fmt.Sprintf("UID %d", item.UID))
			case it == "INTERNALDATE":
				parts = append(parts, fmt.Sprintf(`INTERNALDATE "%s"`, item.Message.ReceivedAt.Format("02-Jan-2006 15:04:05 -0700")))
			case it == "RFC822.SIZE":
				parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", len(item.Message.Headers)+len(item.Message.Body)))
			case it == "RFC822" || it == "BODY[]":
				parts = append(parts, literalPart("RFC822", item.Message.Headers+item.Message.Body))
				marksSeen = true
			case it == "BODY.PEEK[]":
				parts = append(parts, literalPart("BODY[]", item.Message.Headers+item.Message.Body))
			case it == "RFC822.HEADER" || it == "BODY[HEADER]":
				parts = append(parts, literalPart("RFC822.HEADER", item.Message.Headers))
				if it == "BODY[HEADER]" {
					marksSeen = true
				}
			case it == "BODY.PEEK[HEADER]":
				parts = append(parts, literalPart("BODY[HEADER]", item.Message.Headers))
			case it == "RFC822.TEXT" || it == "BODY[TEXT]":
				parts = append(parts, literalPart("RFC822.TEXT", item.Message.Body))
				marksSeen = true
			case it == "BODY.PEEK[TEXT]":
				parts = append(parts, literalPart("BODY[TEXT]", item.Message.Body))
			default:
				s.log("unsupported fetch item", logFields{"item": raw})
			}
		}
		if marksSeen && !s.readOnly && !item.Flags.Seen {
			if updated, err := s.server.Messages.Update(ctx, s.user.ID, item.UserMessageID, message.UpdatePatch{
				Flags: map[string]bool{string(store.FlagSeen): true},
			}); err == nil {
				s.items[idx-1] = updated
			}
		}
		s.untagged("%d FETCH (%s)", idx, strings.Join(parts, " "))
	}
	s.respond(tag, "OK %sFETCH completed", uidPrefix(uid))
}

func formatFlags(fs message.FlagSet) string {
	return strings.Join(flagNamesOf(fs), " ")
}

func literalPart(label, content string) string {
	return fmt.Sprintf("%s {%d}\r\n%s", label, len(content), content)
}

func uidPrefix(uid bool) string {
	if uid {
		return "UID "
	}
	return ""
}

func (s *session) cmdStore(ctx context.Context, tag string, args []string, uid bool) {
	if !s.requireSelected(tag) {
		return
	}
	if s.readOnly {
		s.respond(tag, "NO mailbox is read-only")
		return
	}
	if len(args) < 3 {
		s.respond(tag, "BAD STORE requires a sequence set, action, and flags")
		return
	}
	idxs := s.resolveSeqSet(args[0], uid)
	action := strings.ToUpper(args[1])
	silent := strings.Contains(action, ".SILENT")
	action = strings.TrimSuffix(action, ".SILENT")
	flags := strings.Fields(unwrapList(strings.Join(args[2:], " ")))

	for _, idx := range idxs {
		item := s.items[idx-1]
		want := make(map[string]bool)
		switch action {
		case "FLAGS":
			for _, std := range []store.StandardFlag{store.FlagSeen, store.FlagAnswered, store.FlagFlagged, store.FlagDeleted, store.FlagDraft} {
				want[string(std)] = false
			}
			for _, f := range flags {
				want[f] = true
			}
		case "+FLAGS":
			for _, f := range flags {
				want[f] = true
			}
		case "-FLAGS":
			for _, f := range flags {
				want[f] = false
			}
		default:
			s.respond(tag, "BAD unsupported STORE action")
			return
		}
		updated, err := s.server.Messages.Update(ctx, s.user.ID, item.UserMessageID, message.UpdatePatch{Flags: want})
		if err != nil {
			s.respond(tag, "NO STORE failed")
			return
		}
		s.items[idx-1] = updated
		if !silent {
			s.untagged("%d FETCH (FLAGS (%s))", idx, formatFlags(updated.Flags))
		}
	}
	s.respond(tag, "OK %sSTORE completed", uidPrefix(uid))
}

func (s *session) cmdSearch(ctx context.Context, tag string, args []string, uid bool) {
	if !s.requireSelected(tag) {
		return
	}
	var matches []int
	for i, item := range s.items {
		if searchMatches(item, args) {
			matches = append(matches, i+1)
		}
	}
	fields := make([]string, 0, len(matches))
	for _, idx := range matches {
		if uid {
			fields = append(fields, strconv.FormatInt(s.items[idx-1].UID, 10))
		} else {
			fields = append(fields, strconv.Itoa(idx))
		}
	}
	if len(fields) > 0 {
		s.untagged("SEARCH %s", strings.Join(fields, " "))
	} else {
		s.untagged("SEARCH")
	}
	s.respond(tag, "OK %sSEARCH completed", uidPrefix(uid))
}

func searchMatches(item message.Item, criteria []string) bool {
	for _, raw := range criteria {
		switch strings.ToUpper(raw) {
		case "ALL":
		case "SEEN":
			if !item.Flags.Seen {
				return false
			}
		case "UNSEEN":
			if item.Flags.Seen {
				return false
			}
		case "ANSWERED":
			if !item.Flags.Answered {
				return false
			}
		case "UNANSWERED":
			if item.Flags.Answered {
				return false
			}
		case "FLAGGED":
			if !item.Flags.Flagged {
				return false
			}
		case "UNFLAGGED":
			if item.Flags.Flagged {
				return false
			}
		case "DELETED":
			if !item.Flags.Deleted {
				return false
			}
		case "UNDELETED":
			if item.Flags.Deleted {
				return false
			}
		case "DRAFT":
			if !item.Flags.Draft {
				return false
			}
		case "UNDRAFT":
			if item.Flags.Draft {
				return false
			}
		}
	}
	return true
}

var literalSuffixRE = regexp.MustCompile(`\{(\d+)(\+?)\}$`)

func (s *session) cmdAppend(ctx context.Context, tag string, args []string) {
	if !s.requireAuth(tag) {
		return
	}
	if len(args) < 2 {
		s.respond(tag, "BAD APPEND requires a mailbox and a literal")
		return
	}
	mailbox := args[0]
	last := args[len(args)-1]
	m := literalSuffixRE.FindStringSubmatch(last)
	if m == nil {
		s.respond(tag, "BAD APPEND requires a literal message")
		return
	}
	n, _ := strconv.Atoi(m[1])

	var flags []string
	for _, a := range args[1 : len(args)-1] {
		inner := unwrapList(a)
		if inner != a {
			flags = append(flags, strings.Fields(inner)...)
		}
	}

	if m[2] != "+" {
		fmt.Fprint(s.bw, "+ OK\r\n")
		s.bw.Flush()
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		s.log("append literal read failed", logFields{"err": err.Error()})
		return
	}
	// Consume the CRLF that terminates the APPEND command line.
	s.br.ReadSlice('\n')

	item, err := s.server.Messages.Append(ctx, s.user.ID, mailbox, flags, buf)
	if err != nil {
		s.respond(tag, "NO APPEND failed")
		return
	}
	f, err := s.server.Store.GetFolder(ctx, item.FolderID)
	if err != nil {
		s.respond(tag, "NO APPEND failed")
		return
	}
	s.respond(tag, "OK [APPENDUID %d %d] APPEND completed", f.UIDValidity, item.UID)
}

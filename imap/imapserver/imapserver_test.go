package imapserver

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/sqlite"

	"coremail/auth"
	"coremail/clock"
	"coremail/delivery"
	"coremail/folder"
	"coremail/message"
	"coremail/store"
)

type directUserDirectory struct{ st *store.Store }

func (d directUserDirectory) GetByEmail(ctx context.Context, email string) (store.UserWithDomain, error) {
	i := len(email) - 1
	for i >= 0 && email[i] != '@' {
		i--
	}
	return d.st.GetUserByUsernameAndDomainName(ctx, email[:i], email[i+1:])
}

func newTestServer(t *testing.T) (*Server, *store.Store, int64) {
	t.Helper()
	dir, err := ioutil.TempDir("", "coremail-imapserver-test-")
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
	ctx := context.Background()
	domainID, err := st.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	hash, salt, err := auth.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	userID, err := st.CreateUser(ctx, store.User{
		Username: "bob", DomainID: domainID, CanReceive: true, CanLogin: true,
		PasswordHash: hash, PasswordSalt: salt,
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	fm := folder.NewManager(st, fc)
	if err := st.WithTx(ctx, func(conn *sqlite.Conn) error {
		return fm.CreateDefaultFolders(ctx, conn, userID, domainID, now)
	}); err != nil {
		t.Fatal(err)
	}

	authr := auth.NewAuthenticator(st, fc, auth.Config{}, []byte("testsecret"), "coremail", "coremail")
	eng := delivery.NewEngine(st, fc, directUserDirectory{st: st})
	for i := 0; i < 2; i++ {
		raw := fmt.Sprintf("From: alice@example.org\r\nTo: bob@example.com\r\nSubject: msg%d\r\n\r\nbody %d\r\n", i, i)
		if _, err := eng.Deliver(ctx, "alice@example.org", []string{"bob@example.com"}, []byte(raw)); err != nil {
			t.Fatal(err)
		}
	}

	srv := &Server{
		Hostname: "testing",
		Auth:     authr,
		Messages: message.NewService(st, fc),
		Folders:  fm,
		Store:    st,
		Logf:     t.Logf,
	}
	return srv, st, userID
}

func listen(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

func dial(t *testing.T, addr string) *textproto.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	return textproto.NewConn(conn)
}

func expect(t *testing.T, c *textproto.Conn, prefix string) string {
	t.Helper()
	line, err := c.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		t.Fatalf("got %q, want prefix %q", line, prefix)
	}
	return line
}

func login(t *testing.T, c *textproto.Conn) {
	t.Helper()
	expect(t, c, "* OK")
	c.Cmd(`a1 LOGIN "bob@example.com" "secret"`)
	expect(t, c, "a1 OK")
}

func TestLoginSuccessAndFailure(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	expect(t, c, "* OK")

	c.Cmd(`a1 LOGIN "bob@example.com" "wrong"`)
	expect(t, c, "a1 NO")

	c.Cmd(`a2 LOGIN "bob@example.com" "secret"`)
	expect(t, c, "a2 OK")
}

func TestSelectInbox(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	login(t, c)

	c.Cmd(`a2 SELECT "INBOX"`)
	expect(t, c, "* 2 EXISTS")
	expect(t, c, "* 2 RECENT")
	expect(t, c, "* OK [UIDVALIDITY")
	expect(t, c, "* OK [UIDNEXT")
	expect(t, c, "* FLAGS")
	expect(t, c, "a2 OK [READ-WRITE]")
}

func TestAppendThenFetch(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	login(t, c)

	raw := "From: bob@example.com\r\nTo: bob@example.com\r\nSubject: draft\r\n\r\ndraft body\r\n"
	c.Cmd("a2 APPEND \"Drafts\" (\\Draft) {%d}", len(raw))
	expect(t, c, "+ OK")
	if _, err := c.W.WriteString(raw + "\r\n"); err != nil {
		t.Fatal(err)
	}
	c.W.Flush()
	expect(t, c, "a2 OK [APPENDUID")

	c.Cmd(`a3 SELECT "Drafts"`)
	expect(t, c, "* 1 EXISTS")
	expect(t, c, "* 0 RECENT")
	expect(t, c, "* OK [UIDVALIDITY")
	expect(t, c, "* OK [UIDNEXT")
	expect(t, c, "* FLAGS")
	expect(t, c, "a3 OK [READ-WRITE]")

	c.Cmd("a4 FETCH 1 (FLAGS RFC822.SIZE)")
	expect(t, c, "* 1 FETCH")
	expect(t, c, "a4 OK FETCH completed")
}

func TestStoreAndExpunge(t *testing.T) {
	srv, st, userID := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	login(t, c)

	c.Cmd(`a2 SELECT "INBOX"`)
	expect(t, c, "* 2 EXISTS")
	expect(t, c, "* 2 RECENT")
	expect(t, c, "* OK [UIDVALIDITY")
	expect(t, c, "* OK [UIDNEXT")
	expect(t, c, "* FLAGS")
	expect(t, c, "a2 OK [READ-WRITE]")

	c.Cmd(`a3 STORE 1 +FLAGS (\Deleted)`)
	expect(t, c, "* 1 FETCH")
	expect(t, c, "a3 OK STORE completed")

	c.Cmd("a4 EXPUNGE")
	expect(t, c, "* 1 EXPUNGE")
	expect(t, c, "a4 OK EXPUNGE completed")

	ctx := context.Background()
	inbox, err := st.GetFolderByName(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if inbox.Exists != 1 {
		t.Fatalf("INBOX.Exists=%d, want 1 after EXPUNGE", inbox.Exists)
	}
}

func TestSearchUnseen(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	login(t, c)

	c.Cmd(`a2 SELECT "INBOX"`)
	expect(t, c, "* 2 EXISTS")
	expect(t, c, "* 2 RECENT")
	expect(t, c, "* OK [UIDVALIDITY")
	expect(t, c, "* OK [UIDNEXT")
	expect(t, c, "* FLAGS")
	expect(t, c, "a2 OK [READ-WRITE]")

	c.Cmd(`a3 STORE 1 +FLAGS (\Seen)`)
	expect(t, c, "* 1 FETCH")
	expect(t, c, "a3 OK STORE completed")

	c.Cmd("a4 SEARCH UNSEEN")
	line := expect(t, c, "* SEARCH")
	if line != "* SEARCH 2" {
		t.Fatalf("got %q, want %q", line, "* SEARCH 2")
	}
	expect(t, c, "a4 OK SEARCH completed")
}

func TestLogout(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	expect(t, c, "* OK")

	c.Cmd("a1 LOGOUT")
	expect(t, c, "* BYE")
	expect(t, c, "a1 OK LOGOUT")
}

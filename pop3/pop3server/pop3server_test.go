package pop3server

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
	dir, err := ioutil.TempDir("", "coremail-pop3server-test-")
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
		Logf:     t.Logf,
	}
	return srv, st, userID
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

func listen(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

func TestStatAndDeleteTransactional(t *testing.T) {
	srv, st, userID := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	expect(t, c, "+OK")

	c.Cmd("USER bob@example.com")
	expect(t, c, "+OK")
	c.Cmd("PASS secret")
	expect(t, c, "+OK")

	c.Cmd("STAT")
	expect(t, c, "+OK 2 ")

	c.Cmd("DELE 1")
	expect(t, c, "+OK")

	c.Cmd("STAT")
	expect(t, c, "+OK 1 ")

	c.Close()

	ctx := context.Background()
	inbox, err := st.GetFolderByName(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if inbox.Exists != 2 {
		t.Fatalf("INBOX.Exists=%d, want 2 (DELE without QUIT must not commit)", inbox.Exists)
	}
}

func TestQuitCommitsDeletion(t *testing.T) {
	srv, st, userID := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	expect(t, c, "+OK")
	c.Cmd("USER bob@example.com")
	expect(t, c, "+OK")
	c.Cmd("PASS secret")
	expect(t, c, "+OK")
	c.Cmd("DELE 1")
	expect(t, c, "+OK")
	c.Cmd("QUIT")
	expect(t, c, "+OK")

	ctx := context.Background()
	inbox, err := st.GetFolderByName(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if inbox.Exists != 1 {
		t.Fatalf("INBOX.Exists=%d, want 1 after QUIT commits deletion", inbox.Exists)
	}
}

func TestRetrDotStuffing(t *testing.T) {
	srv, st, userID := newTestServer(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = st.WithTx(ctx, func(conn *sqlite.Conn) error {
		inbox, err := st.GetFolderByName(ctx, userID, "INBOX")
		if err != nil {
			return err
		}
		uid, err := st.AllocateUID(conn, inbox.ID)
		if err != nil {
			return err
		}
		mid, err := st.CreateMessage(conn, store.Message{
			From: "x@example.org", To: "bob@example.com", Subject: "dotted",
			Headers: "From: x@example.org\r\nTo: bob@example.com\r\n\r\n",
			Body:    "line one\n..starts with dot\nline three\n",
		}, now)
		if err != nil {
			return err
		}
		_, err = st.CreateUserMessage(conn, store.UserMessage{
			UserID: userID, MessageID: mid, FolderID: inbox.ID, UID: uid, SequenceNumber: inbox.Exists + 1,
		}, now)
		return err
	})

	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c := dial(t, ln.Addr().String())
	defer c.Close()
	expect(t, c, "+OK")
	c.Cmd("USER bob@example.com")
	expect(t, c, "+OK")
	c.Cmd("PASS secret")
	expect(t, c, "+OK")

	c.Cmd("RETR 3")
	expect(t, c, "+OK")
	var sawDoubled bool
	for {
		line, err := c.R.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == ".\r\n" {
			break
		}
		if line == "...starts with dot\r\n" {
			sawDoubled = true
		}
	}
	if !sawDoubled {
		t.Fatal("expected dot-stuffed line '...starts with dot'")
	}
}

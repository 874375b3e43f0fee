package smtpserver

import (
	"context"
	"io/ioutil"
	"net"
	"net/smtp"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/sqlite"

	"coremail/auth"
	"coremail/clock"
	"coremail/delivery"
	"coremail/folder"
	"coremail/store"
)

func listen(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

type directUserDirectory struct {
	st *store.Store
}

func (d directUserDirectory) GetByEmail(ctx context.Context, email string) (store.UserWithDomain, error) {
	i := len(email) - 1
	for i >= 0 && email[i] != '@' {
		i--
	}
	return d.st.GetUserByUsernameAndDomainName(ctx, email[:i], email[i+1:])
}

func newTestServer(t *testing.T) (*Server, *store.Store, int64) {
	t.Helper()
	dir, err := ioutil.TempDir("", "coremail-smtpserver-test-")
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

	srv := &Server{
		Hostname: "testing",
		Auth:     authr,
		Delivery: eng,
		Logf:     t.Logf,
	}
	return srv, st, userID
}

func TestDeliverViaSMTP(t *testing.T) {
	srv, st, userID := newTestServer(t)
	ln := listen(t)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	time.Sleep(5 * time.Millisecond)

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Hello("client.example"); err != nil {
		t.Fatal(err)
	}
	if err := c.Mail("alice@example.org"); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt("bob@example.com"); err != nil {
		t.Fatal(err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatal(err)
	}
	const data = "From: alice@example.org\r\nTo: bob@example.com\r\nSubject: hi\r\n\r\nbody\r\n"
	if _, err := w.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Quit(); err != nil {
		t.Fatal(err)
	}

	srv.Shutdown(context.Background())
	if err := <-errCh; err != ErrServerClosed {
		t.Fatalf("Serve: %v, want ErrServerClosed", err)
	}

	ctx := context.Background()
	inbox, err := st.GetFolderByName(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if inbox.Exists != 1 {
		t.Fatalf("INBOX.Exists=%d, want 1", inbox.Exists)
	}
}

func TestUnknownRecipientRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Hello("client.example"); err != nil {
		t.Fatal(err)
	}
	if err := c.Mail("alice@example.org"); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt("nobody@example.com"); err != nil {
		t.Fatal(err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("expected DATA close to fail for unknown recipient")
	}
}

func TestAuthPlainSuccess(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Hello("client.example"); err != nil {
		t.Fatal(err)
	}
	if err := c.Auth(smtp.PlainAuth("", "bob@example.com", "secret", "testing")); err != nil {
		t.Fatalf("auth failed: %v", err)
	}
}

func TestAuthPlainFailure(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln := listen(t)
	go srv.Serve(ln)
	time.Sleep(5 * time.Millisecond)
	defer srv.Shutdown(context.Background())

	c, err := smtp.Dial(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Hello("client.example"); err != nil {
		t.Fatal(err)
	}
	if err := c.Auth(smtp.PlainAuth("", "bob@example.com", "wrong", "testing")); err == nil {
		t.Fatal("expected auth failure")
	}
}

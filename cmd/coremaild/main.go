// Command coremaild runs the SMTP, IMAP, and POP3 front-ends against a
// single multi-tenant store, per spec.md §1 and §6.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"coremail/auth"
	"coremail/clock"
	"coremail/config"
	"coremail/delivery"
	"coremail/dkim"
	"coremail/folder"
	"coremail/imap/imapserver"
	"coremail/message"
	"coremail/pop3/pop3server"
	"coremail/smtp/smtpserver"
	"coremail/store"
	"coremail/userdir"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("cannot read hostname: %v, using localhost", err)
		hostname = "localhost"
	}

	flagConfig := flag.String("config", "", "path to coremail.toml")
	flagHostname := flag.String("hostname", hostname, "hostname advertised by SMTP/IMAP/POP3 greetings")
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		cfg, err = config.Load(*flagConfig)
		if err != nil {
			log.Fatal(err)
		}
	}

	log.Printf("coremaild, version %s, starting at %s", version, time.Now())

	st, err := store.Open(cfg.Storage.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	fc := clock.System{}
	folders := folder.NewManager(st, fc)
	messages := message.NewService(st, fc)
	users := userdir.NewDirectory(st, fc, folders)
	dkimMgr := dkim.NewManager(st, fc)
	authr := auth.NewAuthenticator(st, fc, auth.Config{
		Enabled:           cfg.AccountLockout.Enabled,
		MaxFailedAttempts: cfg.AccountLockout.MaxFailedAttempts,
		LockoutDuration:   cfg.AccountLockout.LockoutDuration(),
		ResetWindow:       cfg.AccountLockout.ResetWindow(),
	}, []byte(cfg.Jwt.Secret), cfg.Jwt.Issuer, cfg.Jwt.Audience)
	eng := delivery.NewEngine(st, fc, users)
	eng.StorageRoot = cfg.Storage.AttachmentRoot
	_ = dkimMgr

	folders.Logf = log.Printf
	users.Logf = log.Printf
	dkimMgr.Logf = log.Printf

	smtpSrv := &smtpserver.Server{
		Hostname: *flagHostname,
		Auth:     authr,
		Delivery: eng,
		Logf:     log.Printf,
	}
	pop3Srv := &pop3server.Server{
		Hostname: *flagHostname,
		Auth:     authr,
		Messages: messages,
		Logf:     log.Printf,
	}
	imapSrv := &imapserver.Server{
		Hostname: *flagHostname,
		Auth:     authr,
		Messages: messages,
		Folders:  folders,
		Store:    st,
		Logf:     log.Printf,
	}

	var servers []interface {
		Serve(net.Listener) error
		Shutdown(context.Context) error
	}

	if cfg.Ports.SMTP != 0 {
		ln, err := net.Listen("tcp", addr(cfg.Ports.SMTP))
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("SMTP listening on %s", ln.Addr())
		go func() {
			if err := smtpSrv.Serve(ln); err != nil && err != smtpserver.ErrServerClosed {
				log.Printf("smtp serve: %v", err)
			}
		}()
		servers = append(servers, smtpSrv)
	}
	if cfg.Ports.POP3 != 0 {
		ln, err := net.Listen("tcp", addr(cfg.Ports.POP3))
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("POP3 listening on %s", ln.Addr())
		go func() {
			if err := pop3Srv.Serve(ln); err != nil && err != pop3server.ErrServerClosed {
				log.Printf("pop3 serve: %v", err)
			}
		}()
		servers = append(servers, pop3Srv)
	}
	if cfg.Ports.IMAP != 0 {
		ln, err := net.Listen("tcp", addr(cfg.Ports.IMAP))
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("IMAP listening on %s", ln.Addr())
		go func() {
			if err := imapSrv.Serve(ln); err != nil && err != imapserver.ErrServerClosed {
				log.Printf("imap serve: %v", err)
			}
		}()
		servers = append(servers, imapSrv)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func addr(port int) string {
	return ":" + strconv.Itoa(port)
}

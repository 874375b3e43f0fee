package dkim_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coremail/clock"
	"coremail/dkim"
	"coremail/store"
)

func TestGenerateAndSign(t *testing.T) {
	dir, err := ioutil.TempDir("", "coremail-dkim-test-")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(dir, "coremail.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	domainID, err := st.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}

	m := dkim.NewManager(st, clock.NewFake(now))
	key, err := m.Generate(ctx, domainID, "default")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(key.PrivateKey, "PRIVATE KEY") {
		t.Fatalf("PrivateKey does not look like PEM: %q", key.PrivateKey)
	}
	if key.PublicKey == "" {
		t.Fatal("expected non-empty public key")
	}

	signer, err := m.Signer(ctx, domainID, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if signer.Domain != "example.com" {
		t.Fatalf("signer.Domain=%q, want example.com", signer.Domain)
	}
	if signer.Selector != "default" {
		t.Fatalf("signer.Selector=%q, want default", signer.Selector)
	}
}

func TestGenerateDeactivatesPriorKey(t *testing.T) {
	dir, err := ioutil.TempDir("", "coremail-dkim-test-")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(dir, "coremail.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	domainID, err := st.CreateDomain(ctx, "example.com", now)
	if err != nil {
		t.Fatal(err)
	}

	m := dkim.NewManager(st, clock.NewFake(now))
	first, err := m.Generate(ctx, domainID, "selector1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Generate(ctx, domainID, "selector2")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new key generation")
	}

	active, err := m.ActiveKey(ctx, domainID)
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != second.ID {
		t.Fatalf("active.ID=%d, want %d", active.ID, second.ID)
	}
}

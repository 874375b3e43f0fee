// Package dkim manages per-domain DKIM key generation and activation
// (spec.md §4.G's signing prerequisites). It wraps email/dkim's relaxed-
// canonicalization Signer, which this package feeds PEM PKCS#8 private
// keys instead of the teacher's PKCS#1 fixtures, and publishes the
// matching public key as base64-encoded SubjectPublicKeyInfo the way a
// DKIM TXT record expects it (`p=<base64 SPKI>`).
package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"coremail/clock"
	teacherdkim "coremail/email/dkim"
	"coremail/store"
)

const keyBits = 2048

// Manager owns DKIM key generation and lookup for every hosted domain.
type Manager struct {
	Store *store.Store
	Clock clock.Clock
	Logf  func(format string, v ...interface{})
}

// NewManager wires a ready-to-use Manager.
func NewManager(st *store.Store, c clock.Clock) *Manager {
	return &Manager{Store: st, Clock: c, Logf: func(string, ...interface{}) {}}
}

// Generate creates a new 2048-bit RSA key pair for domainID under
// selector, deactivating any previously active key for that domain, and
// returns the stored record.
func (m *Manager) Generate(ctx context.Context, domainID int64, selector string) (store.DkimKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return store.DkimKey{}, fmt.Errorf("dkim: generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return store.DkimKey{}, fmt.Errorf("dkim: marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return store.DkimKey{}, fmt.Errorf("dkim: marshal public key: %w", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pubDER)

	if _, err := m.Store.CreateDkimKey(ctx, store.DkimKey{
		DomainID:   domainID,
		Selector:   selector,
		PrivateKey: string(privPEM),
		PublicKey:  pubB64,
		IsActive:   true,
	}, m.Clock.Now()); err != nil {
		return store.DkimKey{}, err
	}

	return m.Store.GetActiveDkimKey(ctx, domainID)
}

// ActiveKey returns the domain's current signing key record.
func (m *Manager) ActiveKey(ctx context.Context, domainID int64) (store.DkimKey, error) {
	return m.Store.GetActiveDkimKey(ctx, domainID)
}

// Signer builds an email/dkim.Signer from the domain's active key,
// ready to sign outbound mail headers.
func (m *Manager) Signer(ctx context.Context, domainID int64, domainName string) (*teacherdkim.Signer, error) {
	key, err := m.Store.GetActiveDkimKey(ctx, domainID)
	if err != nil {
		return nil, err
	}
	s, err := teacherdkim.NewSigner([]byte(key.PrivateKey))
	if err != nil {
		return nil, err
	}
	s.Domain = domainName
	s.Selector = key.Selector
	return s, nil
}

package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanDkimKey(stmt *sqlite.Stmt) DkimKey {
	return DkimKey{
		ID:         stmt.GetInt64("DkimKeyID"),
		DomainID:   stmt.GetInt64("DomainID"),
		Selector:   stmt.GetText("Selector"),
		PrivateKey: stmt.GetText("PrivateKey"),
		PublicKey:  stmt.GetText("PublicKey"),
		IsActive:   stmt.GetInt64("IsActive") != 0,
		CreatedAt:  time.Unix(stmt.GetInt64("CreatedAt"), 0),
	}
}

// CreateDkimKey inserts a new key generation, optionally deactivating
// every prior key for the domain first so GetActiveDkimKey stays
// single-valued. Both statements run in one transaction.
func (s *Store) CreateDkimKey(ctx context.Context, k DkimKey, now time.Time) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		if k.IsActive {
			deact := conn.Prep(`UPDATE DkimKeys SET IsActive = 0 WHERE DomainID = $domainID;`)
			deact.SetInt64("$domainID", k.DomainID)
			if _, err := deact.Step(); err != nil {
				return err
			}
		}
		stmt := conn.Prep(`INSERT INTO DkimKeys (DomainID, Selector, PrivateKey, PublicKey, IsActive, CreatedAt)
			VALUES ($domainID, $selector, $priv, $pub, $active, $createdAt);`)
		stmt.SetInt64("$domainID", k.DomainID)
		stmt.SetText("$selector", k.Selector)
		stmt.SetText("$priv", k.PrivateKey)
		stmt.SetText("$pub", k.PublicKey)
		stmt.SetInt64("$active", boolToInt(k.IsActive))
		stmt.SetInt64("$createdAt", now.Unix())
		if _, err := stmt.Step(); err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: create dkim key", err)
		}
		id = conn.LastInsertRowID()
		return nil
	})
	return id, err
}

// GetActiveDkimKey returns the domain's current signing key.
func (s *Store) GetActiveDkimKey(ctx context.Context, domainID int64) (DkimKey, error) {
	var k DkimKey
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM DkimKeys WHERE DomainID = $domainID AND IsActive = 1
			ORDER BY DkimKeyID DESC LIMIT 1;`)
		stmt.SetInt64("$domainID", domainID)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get dkim key", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: no active dkim key for domain")
		}
		k = scanDkimKey(stmt)
		return nil
	})
	return k, err
}

// ListDkimKeys returns every key generation for a domain, newest first.
func (s *Store) ListDkimKeys(ctx context.Context, domainID int64) ([]DkimKey, error) {
	var out []DkimKey
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM DkimKeys WHERE DomainID = $domainID ORDER BY DkimKeyID DESC;`)
		stmt.SetInt64("$domainID", domainID)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanDkimKey(stmt))
		}
	})
	return out, err
}

package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanDomain(stmt *sqlite.Stmt) Domain {
	return Domain{
		ID:             stmt.GetInt64("DomainID"),
		Name:           stmt.GetText("Name"),
		IsActive:       stmt.GetInt64("IsActive") != 0,
		CatchAllUserID: stmt.GetInt64("CatchAllUserID"),
		CreatedAt:      time.Unix(stmt.GetInt64("CreatedAt"), 0),
	}
}

// CreateDomain inserts a new hosted domain and seeds its UID validity
// counter, returning the new domain ID.
func (s *Store) CreateDomain(ctx context.Context, name string, now time.Time) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`INSERT INTO Domains (Name, IsActive, CatchAllUserID, CreatedAt)
			VALUES ($name, 1, 0, $createdAt);`)
		stmt.SetText("$name", name)
		stmt.SetInt64("$createdAt", now.Unix())
		if _, err := stmt.Step(); err != nil {
			if isUniqueViolation(err) {
				return storeerr.Wrap(storeerr.UniqueViolation, "store: domain name taken", err)
			}
			return storeerr.Wrap(storeerr.Unknown, "store: create domain", err)
		}
		id = conn.LastInsertRowID()

		seed := conn.Prep(`INSERT INTO UidValiditySeq (DomainID, Counter) VALUES ($id, 1);`)
		seed.SetInt64("$id", id)
		_, err := seed.Step()
		return err
	})
	return id, err
}

// GetDomainByName looks up a domain by its lowercased FQDN.
func (s *Store) GetDomainByName(ctx context.Context, name string) (Domain, error) {
	var d Domain
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Domains WHERE Name = $name;`)
		stmt.SetText("$name", name)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get domain", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: domain not found")
		}
		d = scanDomain(stmt)
		return nil
	})
	return d, err
}

// GetDomain looks up a domain by ID.
func (s *Store) GetDomain(ctx context.Context, id int64) (Domain, error) {
	var d Domain
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Domains WHERE DomainID = $id;`)
		stmt.SetInt64("$id", id)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get domain", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: domain not found")
		}
		d = scanDomain(stmt)
		return nil
	})
	return d, err
}

// ListDomains returns every hosted domain, ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	var out []Domain
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT * FROM Domains ORDER BY Name;`)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanDomain(stmt))
		}
	})
	return out, err
}

// UpdateDomain persists IsActive and CatchAllUserID for an existing domain.
func (s *Store) UpdateDomain(ctx context.Context, d Domain) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Domains SET IsActive = $active, CatchAllUserID = $catchAll
			WHERE DomainID = $id;`)
		stmt.SetInt64("$active", boolToInt(d.IsActive))
		stmt.SetInt64("$catchAll", d.CatchAllUserID)
		stmt.SetInt64("$id", d.ID)
		_, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: update domain", err)
		}
		if conn.Changes() == 0 {
			return storeerr.New(storeerr.NotFound, "store: domain not found")
		}
		return nil
	})
}

// NextUIDValidity atomically increments and returns the domain's UID
// validity counter (spec §4.F), used whenever a folder is created or a
// UIDVALIDITY must change.
func (s *Store) NextUIDValidity(ctx context.Context, domainID int64) (int64, error) {
	var next int64
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		upd := conn.Prep(`UPDATE UidValiditySeq SET Counter = Counter + 1 WHERE DomainID = $id;`)
		upd.SetInt64("$id", domainID)
		if _, err := upd.Step(); err != nil {
			return err
		}
		sel := conn.Prep(`SELECT Counter FROM UidValiditySeq WHERE DomainID = $id;`)
		sel.SetInt64("$id", domainID)
		hasRow, err := sel.Step()
		if err != nil {
			return err
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: domain uid sequence missing")
		}
		next = sel.GetInt64("Counter")
		return nil
	})
	return next, err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite"

	"coremail/storeerr"
)

func scanUser(stmt *sqlite.Stmt) User {
	return User{
		ID:                  stmt.GetInt64("UserID"),
		Username:            stmt.GetText("Username"),
		DomainID:            stmt.GetInt64("DomainID"),
		PasswordHash:        stmt.GetText("PasswordHash"),
		PasswordSalt:        stmt.GetText("PasswordSalt"),
		FullName:            stmt.GetText("FullName"),
		Role:                Role(stmt.GetInt64("Role")),
		CanReceive:          stmt.GetInt64("CanReceive") != 0,
		CanLogin:            stmt.GetInt64("CanLogin") != 0,
		CreatedAt:           time.Unix(stmt.GetInt64("CreatedAt"), 0),
		LastLogin:           unixOrZero(stmt.GetInt64("LastLogin")),
		FailedLoginAttempts: int(stmt.GetInt64("FailedLoginAttempts")),
		LockoutEnd:          unixOrZero(stmt.GetInt64("LockoutEnd")),
		LastFailedLogin:     unixOrZero(stmt.GetInt64("LastFailedLogin")),
	}
}

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func unixOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

const userColumns = `Users.UserID, Users.Username, Users.DomainID, Users.PasswordHash,
	Users.PasswordSalt, Users.FullName, Users.Role, Users.CanReceive, Users.CanLogin,
	Users.CreatedAt, Users.LastLogin, Users.FailedLoginAttempts, Users.LockoutEnd,
	Users.LastFailedLogin`

// CreateUser inserts a new user row in its own transaction, returning
// its ID. Default folder creation is the caller's responsibility.
// Callers that must create the user and its folders atomically (spec
// §4.D) should use CreateUserConn inside their own WithTx instead.
func (s *Store) CreateUser(ctx context.Context, u User, now time.Time) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(conn *sqlite.Conn) error {
		var err error
		id, err = s.CreateUserConn(conn, u, now)
		return err
	})
	return id, err
}

// CreateUserConn is the transaction-scoped variant of CreateUser, for
// callers that need the insert to share a transaction with other
// writes (such as userdir.Directory.CreateUser's default folders).
func (s *Store) CreateUserConn(conn *sqlite.Conn, u User, now time.Time) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Users
		(Username, DomainID, PasswordHash, PasswordSalt, FullName, Role,
		 CanReceive, CanLogin, CreatedAt, LastLogin, FailedLoginAttempts,
		 LockoutEnd, LastFailedLogin)
		VALUES ($username, $domainID, $hash, $salt, $fullName, $role,
		 $canReceive, $canLogin, $createdAt, 0, 0, 0, 0);`)
	stmt.SetText("$username", u.Username)
	stmt.SetInt64("$domainID", u.DomainID)
	stmt.SetText("$hash", u.PasswordHash)
	stmt.SetText("$salt", u.PasswordSalt)
	stmt.SetText("$fullName", u.FullName)
	stmt.SetInt64("$role", int64(u.Role))
	stmt.SetInt64("$canReceive", boolToInt(u.CanReceive))
	stmt.SetInt64("$canLogin", boolToInt(u.CanLogin))
	stmt.SetInt64("$createdAt", now.Unix())
	if _, err := stmt.Step(); err != nil {
		if isUniqueViolation(err) {
			return 0, storeerr.Wrap(storeerr.UniqueViolation, "store: username taken in domain", err)
		}
		return 0, storeerr.Wrap(storeerr.Unknown, "store: create user", err)
	}
	return conn.LastInsertRowID(), nil
}

// GetUser looks up a user by ID, joined with its domain.
func (s *Store) GetUser(ctx context.Context, id int64) (UserWithDomain, error) {
	var out UserWithDomain
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT ` + userColumns + `, Domains.Name AS DomainName, Domains.IsActive AS DomainIsActive
			FROM Users JOIN Domains ON Users.DomainID = Domains.DomainID
			WHERE Users.UserID = $id;`)
		stmt.SetInt64("$id", id)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get user", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: user not found")
		}
		out = UserWithDomain{
			User:           scanUser(stmt),
			DomainName:     stmt.GetText("DomainName"),
			DomainIsActive: stmt.GetInt64("DomainIsActive") != 0,
		}
		return nil
	})
	return out, err
}

// GetUserByUsernameDomain looks up a user by (Username, DomainID).
func (s *Store) GetUserByUsernameDomain(ctx context.Context, username string, domainID int64) (UserWithDomain, error) {
	var out UserWithDomain
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT ` + userColumns + `, Domains.Name AS DomainName, Domains.IsActive AS DomainIsActive
			FROM Users JOIN Domains ON Users.DomainID = Domains.DomainID
			WHERE Users.Username = $username AND Users.DomainID = $domainID;`)
		stmt.SetText("$username", username)
		stmt.SetInt64("$domainID", domainID)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get user", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: user not found")
		}
		out = UserWithDomain{
			User:           scanUser(stmt),
			DomainName:     stmt.GetText("DomainName"),
			DomainIsActive: stmt.GetInt64("DomainIsActive") != 0,
		}
		return nil
	})
	return out, err
}

// GetUserByUsernameAndDomainName looks up a user by (Username, Domains.Name),
// the shape auth and the protocol servers actually have in hand: a bare
// email address split on '@'.
func (s *Store) GetUserByUsernameAndDomainName(ctx context.Context, username, domainName string) (UserWithDomain, error) {
	var out UserWithDomain
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT ` + userColumns + `, Domains.Name AS DomainName, Domains.IsActive AS DomainIsActive
			FROM Users JOIN Domains ON Users.DomainID = Domains.DomainID
			WHERE Users.Username = $username AND Domains.Name = $domainName;`)
		stmt.SetText("$username", username)
		stmt.SetText("$domainName", domainName)
		hasRow, err := stmt.Step()
		if err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: get user", err)
		}
		if !hasRow {
			return storeerr.New(storeerr.NotFound, "store: user not found")
		}
		out = UserWithDomain{
			User:           scanUser(stmt),
			DomainName:     stmt.GetText("DomainName"),
			DomainIsActive: stmt.GetInt64("DomainIsActive") != 0,
		}
		return nil
	})
	return out, err
}

// ListUsersByDomain returns every user in a domain, ordered by username.
func (s *Store) ListUsersByDomain(ctx context.Context, domainID int64) ([]User, error) {
	var out []User
	err := s.WithConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT ` + userColumns + ` FROM Users WHERE DomainID = $domainID ORDER BY Username;`)
		stmt.SetInt64("$domainID", domainID)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return err
			}
			if !hasRow {
				return nil
			}
			out = append(out, scanUser(stmt))
		}
	})
	return out, err
}

// UpdateUserProfile updates the mutable profile fields of a user.
func (s *Store) UpdateUserProfile(ctx context.Context, u User) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Users SET FullName = $fullName, Role = $role,
			CanReceive = $canReceive, CanLogin = $canLogin WHERE UserID = $id;`)
		stmt.SetText("$fullName", u.FullName)
		stmt.SetInt64("$role", int64(u.Role))
		stmt.SetInt64("$canReceive", boolToInt(u.CanReceive))
		stmt.SetInt64("$canLogin", boolToInt(u.CanLogin))
		stmt.SetInt64("$id", u.ID)
		if _, err := stmt.Step(); err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: update user", err)
		}
		if conn.Changes() == 0 {
			return storeerr.New(storeerr.NotFound, "store: user not found")
		}
		return nil
	})
}

// UpdatePassword replaces a user's password hash and salt.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, hash, salt string) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Users SET PasswordHash = $hash, PasswordSalt = $salt WHERE UserID = $id;`)
		stmt.SetText("$hash", hash)
		stmt.SetText("$salt", salt)
		stmt.SetInt64("$id", userID)
		if _, err := stmt.Step(); err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: update password", err)
		}
		if conn.Changes() == 0 {
			return storeerr.New(storeerr.NotFound, "store: user not found")
		}
		return nil
	})
}

// DeleteUser removes a user row. Caller is responsible for cascading
// folder/message cleanup per spec §4.D.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`DELETE FROM Users WHERE UserID = $id;`)
		stmt.SetInt64("$id", userID)
		if _, err := stmt.Step(); err != nil {
			return storeerr.Wrap(storeerr.Unknown, "store: delete user", err)
		}
		if conn.Changes() == 0 {
			return storeerr.New(storeerr.NotFound, "store: user not found")
		}
		return nil
	})
}

// RecordLoginSuccess clears the failure counter and lockout, and stamps
// LastLogin. Part of the §4.C lockout state machine.
func (s *Store) RecordLoginSuccess(ctx context.Context, userID int64, now time.Time) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Users SET LastLogin = $now, FailedLoginAttempts = 0,
			LockoutEnd = 0, LastFailedLogin = 0 WHERE UserID = $id;`)
		stmt.SetInt64("$now", now.Unix())
		stmt.SetInt64("$id", userID)
		_, err := stmt.Step()
		return err
	})
}

// RecordLoginFailure persists an updated failure count, lockout end, and
// LastFailedLogin in one statement, matching whatever the §4.C state
// machine already decided in the auth package.
func (s *Store) RecordLoginFailure(ctx context.Context, userID int64, attempts int, lockoutEnd, now time.Time) error {
	return s.WithTx(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`UPDATE Users SET FailedLoginAttempts = $attempts,
			LockoutEnd = $lockoutEnd, LastFailedLogin = $now WHERE UserID = $id;`)
		stmt.SetInt64("$attempts", int64(attempts))
		stmt.SetInt64("$lockoutEnd", unixOf(lockoutEnd))
		stmt.SetInt64("$now", now.Unix())
		stmt.SetInt64("$id", userID)
		_, err := stmt.Step()
		return err
	})
}

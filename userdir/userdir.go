// Package userdir implements the UserDirectory of spec.md §4.D: account
// provisioning (with its mandatory six default folders), lookup, and
// profile maintenance. Grounded on spilldb/db's AddDevice/user creation
// idiom of wrapping related inserts in one sqlitex transaction, extended
// here to also call into folder.Manager so a user and its mailboxes
// appear atomically.
package userdir

import (
	"context"
	"regexp"
	"strings"

	"crawshaw.io/sqlite"

	"coremail/auth"
	"coremail/clock"
	"coremail/folder"
	"coremail/store"
	"coremail/storeerr"
)

// usernameRE is spec.md §4.D's required username pattern.
var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Directory owns user account lifecycle operations.
type Directory struct {
	Store   *store.Store
	Clock   clock.Clock
	Folders *folder.Manager
	Logf    func(format string, v ...interface{})
}

// NewDirectory wires a ready-to-use Directory.
func NewDirectory(st *store.Store, c clock.Clock, folders *folder.Manager) *Directory {
	return &Directory{Store: st, Clock: c, Folders: folders, Logf: func(string, ...interface{}) {}}
}

// NewUser describes the fields a caller supplies when provisioning an
// account; everything else (hash, salt, lockout state) is derived.
type NewUser struct {
	Username   string
	DomainID   int64
	Password   string
	FullName   string
	Role       store.Role
	CanReceive bool
	CanLogin   bool
}

// CreateUser validates and provisions a new account and its six default
// folders in a single transaction: the Users insert and
// CreateDefaultFolders both run inside one Store.WithTx call, so a
// crash between them can never leave a user with zero folders
// (invariant 3).
func (d *Directory) CreateUser(ctx context.Context, nu NewUser) (store.User, error) {
	username := strings.ToLower(strings.TrimSpace(nu.Username))
	if username == "" || !usernameRE.MatchString(username) {
		return store.User{}, storeerr.New(storeerr.Conflict, "userdir: username must match [a-zA-Z0-9._-]+")
	}
	if len(nu.Password) < 8 {
		return store.User{}, storeerr.New(storeerr.Conflict, "userdir: password must be at least 8 characters")
	}

	hash, salt, err := auth.HashPassword(nu.Password)
	if err != nil {
		return store.User{}, err
	}

	now := d.Clock.Now()
	u := store.User{
		Username:     username,
		DomainID:     nu.DomainID,
		PasswordHash: hash,
		PasswordSalt: salt,
		FullName:     nu.FullName,
		Role:         nu.Role,
		CanReceive:   nu.CanReceive,
		CanLogin:     nu.CanLogin,
	}
	err = d.Store.WithTx(ctx, func(conn *sqlite.Conn) error {
		id, err := d.Store.CreateUserConn(conn, u, now)
		if err != nil {
			return err
		}
		u.ID = id
		return d.Folders.CreateDefaultFolders(ctx, conn, id, nu.DomainID, now)
	})
	if err != nil {
		return store.User{}, err
	}
	u.CreatedAt = now
	return u, nil
}

// GetByEmail looks up a user by its external "user@domain" identity.
func (d *Directory) GetByEmail(ctx context.Context, email string) (store.UserWithDomain, error) {
	i := strings.LastIndexByte(email, '@')
	if i <= 0 {
		return store.UserWithDomain{}, storeerr.New(storeerr.NotFound, "userdir: malformed address")
	}
	username := strings.ToLower(email[:i])
	domainName := strings.ToLower(email[i+1:])
	return d.Store.GetUserByUsernameAndDomainName(ctx, username, domainName)
}

// Get looks up a user by ID.
func (d *Directory) Get(ctx context.Context, id int64) (store.UserWithDomain, error) {
	return d.Store.GetUser(ctx, id)
}

// List returns every user in a domain.
func (d *Directory) List(ctx context.Context, domainID int64) ([]store.User, error) {
	return d.Store.ListUsersByDomain(ctx, domainID)
}

// UpdateProfile persists mutable profile fields for an existing user.
func (d *Directory) UpdateProfile(ctx context.Context, u store.User) error {
	return d.Store.UpdateUserProfile(ctx, u)
}

// ChangePassword re-derives the PBKDF2 hash for a new password.
func (d *Directory) ChangePassword(ctx context.Context, userID int64, newPassword string) error {
	if len(newPassword) < 8 {
		return storeerr.New(storeerr.Conflict, "userdir: password must be at least 8 characters")
	}
	hash, salt, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	return d.Store.UpdatePassword(ctx, userID, hash, salt)
}

// Delete removes a user account. Caller must already have deleted or
// reassigned any per-user data the store layer does not cascade.
func (d *Directory) Delete(ctx context.Context, userID int64) error {
	return d.Store.DeleteUser(ctx, userID)
}

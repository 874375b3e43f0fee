// Package storeerr defines the tagged error taxonomy components return
// instead of throwing. The protocol layer (smtp/smtpserver, imap/imapserver,
// pop3/pop3server) is the only place these get translated to wire codes.
package storeerr

import "errors"

// Tag classifies an error for protocol-layer translation (spec §7).
type Tag int

const (
	// Unknown is an internal failure with no more specific classification.
	Unknown Tag = iota
	NotFound
	Conflict
	Permission
	StorageUnavailable
	UniqueViolation
	Auth
)

func (t Tag) String() string {
	switch t {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Permission:
		return "permission"
	case StorageUnavailable:
		return "storage_unavailable"
	case UniqueViolation:
		return "unique_violation"
	case Auth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a tagged error. Callers use errors.As to recover the Tag
// without string-matching messages.
type Error struct {
	Tag Tag
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged Error.
func New(tag Tag, msg string) error {
	return &Error{Tag: tag, Msg: msg}
}

// Wrap tags err with tag, preserving it for errors.Unwrap/errors.Is.
func Wrap(tag Tag, msg string, err error) error {
	return &Error{Tag: tag, Msg: msg, Err: err}
}

// TagOf returns the Tag carried by err, or Unknown if err does not carry one.
func TagOf(err error) Tag {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}
	return Unknown
}

// Is reports whether err carries the given tag.
func Is(err error, tag Tag) bool {
	return TagOf(err) == tag
}

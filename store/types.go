package store

import "time"

// Role is a User's administrative scope.
type Role int

const (
	RoleUser Role = iota
	RoleDomainAdmin
	RoleHostAdmin
)

func (r Role) String() string {
	switch r {
	case RoleDomainAdmin:
		return "DomainAdmin"
	case RoleHostAdmin:
		return "HostAdmin"
	default:
		return "User"
	}
}

// SystemFolderType names one of the six mandatory per-user folders.
type SystemFolderType string

const (
	SystemInbox  SystemFolderType = "INBOX"
	SystemSent   SystemFolderType = "SENT"
	SystemDrafts SystemFolderType = "DRAFTS"
	SystemTrash  SystemFolderType = "TRASH"
	SystemSpam   SystemFolderType = "SPAM"
	SystemOutbox SystemFolderType = "OUTBOX"
)

// DefaultSystemFolders lists the six folders created with every user
// (invariant 3), in display order.
var DefaultSystemFolders = []SystemFolderType{
	SystemInbox, SystemSent, SystemDrafts, SystemTrash, SystemSpam, SystemOutbox,
}

// Domain is a hosted mail domain.
type Domain struct {
	ID             int64
	Name           string // lowercased FQDN, unique
	IsActive       bool
	CatchAllUserID int64 // 0 means unset
	CreatedAt      time.Time
}

// User is an account within a Domain.
type User struct {
	ID                  int64
	Username            string
	DomainID            int64
	PasswordHash        string
	PasswordSalt        string
	FullName            string
	Role                Role
	CanReceive          bool
	CanLogin            bool
	CreatedAt           time.Time
	LastLogin           time.Time // zero if never
	FailedLoginAttempts int
	LockoutEnd          time.Time // zero if not locked
	LastFailedLogin     time.Time // zero if none
}

// UserWithDomain is the joined aggregate UserDirectory and Auth need,
// built by a single repository query instead of lazy navigation.
type UserWithDomain struct {
	User
	DomainName     string
	DomainIsActive bool
}

// Email returns the external identity "username@domain.name".
func (u UserWithDomain) Email() string {
	return u.Username + "@" + u.DomainName
}

// Folder is a per-user mailbox.
type Folder struct {
	ID          int64
	UserID      int64
	Name        string
	Delimiter   byte
	SystemType  SystemFolderType // "" if not a system folder
	Attributes  string
	UIDNext     int64
	UIDValidity int64
	Exists      int64
	Recent      int64
	Unseen      int64
	Subscribed  bool
	CreatedAt   time.Time
}

// IsSystem reports whether the folder is one of the six undeletable,
// unrenamable system folders (invariant 6).
func (f Folder) IsSystem() bool { return f.SystemType != "" }

// Message is the immutable (mostly) message body and metadata record.
type Message struct {
	ID              int64
	HeaderMessageID string
	From            string
	To              string
	CC              string
	BCC             string
	Subject         string
	Headers         string // raw header block, CRLF-normalized
	Body            string
	BodyHTML        string
	Size            int64
	ReceivedAt      time.Time
	SentDate        time.Time // zero if unknown
	InReplyTo       string
	References      string
	BodyStructure   string // opaque JSON blob
	Envelope        string // opaque JSON blob
	UIDValidity     int64
}

// UserMessage is the per-recipient placement of a Message in a Folder.
type UserMessage struct {
	ID             int64
	UserID         int64
	MessageID      int64
	FolderID       int64
	UID            int64
	SequenceNumber int64
	ReceivedAt     time.Time
}

// StandardFlag names one of the six IMAP system flags.
type StandardFlag string

const (
	FlagSeen     StandardFlag = `\Seen`
	FlagAnswered StandardFlag = `\Answered`
	FlagFlagged  StandardFlag = `\Flagged`
	FlagDeleted  StandardFlag = `\Deleted`
	FlagDraft    StandardFlag = `\Draft`
	FlagRecent   StandardFlag = `\Recent`
)

// MessageFlag is one named flag on a message, scoped to a user.
type MessageFlag struct {
	ID         int64
	MessageID  int64
	UserID     int64
	FlagName   string
	IsSet      bool
	ModifiedAt time.Time
}

// Attachment describes a MIME part persisted to the filesystem.
type Attachment struct {
	ID          int64
	MessageID   int64
	Filename    string
	ContentType string
	Size        int64
	FileGUID    string
	FileExt     string
	FilePath    string
	CreatedAt   time.Time
}

// DkimKey is one generation of a domain's outbound-signing key pair.
type DkimKey struct {
	ID         int64
	DomainID   int64
	Selector   string
	PrivateKey string // PEM PKCS#8
	PublicKey  string // base64 SPKI
	IsActive   bool
	CreatedAt  time.Time
}
